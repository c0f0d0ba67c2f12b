package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Fleet/internal/auth"
	"OpenMCP-Fleet/internal/clock"
	"OpenMCP-Fleet/internal/coordinator"
	"OpenMCP-Fleet/internal/directive"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/web3/ledger"
)

const (
	vaultAddr  = "0x0000000000000000000000000000000000000001"
	traderAddr = "0x00000000000000000000000000000000000000a1"
	scoutAddr  = "0x00000000000000000000000000000000000000a2"
)

type fixture struct {
	server *Server
	fleet  *coordinator.Coordinator
	ledger *ledger.Ledger
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := events.New(events.WithClock(fake))
	l := ledger.New()
	source, err := directive.NewStatic(nil)
	if err != nil {
		t.Fatalf("directive source: %v", err)
	}
	fleet, err := coordinator.New(coordinator.Config{
		VaultID:          "vault",
		GasReserve:       0.005,
		DustThreshold:    0.001,
		VaultReserve:     0.1,
		MinDistributable: 0.01,
		Precision:        6,
		RoleWeights:      map[string]float64{"trader": 0.5, "scout": 0.5},
	}, coordinator.Dependencies{
		Vault:      l.Wallet(vaultAddr),
		Planner:    planner.NewRuleBased(),
		Directives: source,
		Publisher:  bus,
	}, coordinator.WithClock(fake))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(fleet.Shutdown)

	for _, a := range []struct{ id, role, addr string }{
		{"trader", "trader", traderAddr},
		{"scout", "scout", scoutAddr},
	} {
		if _, err := fleet.RegisterAgent(l.Wallet(a.addr), coordinator.AgentOptions{ID: a.id, Role: a.role}); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}

	return &fixture{
		server: NewServer(":0", fleet, WithEvents(bus)),
		fleet:  fleet,
		ledger: l,
		bus:    bus,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestListAndDetailAgents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	agents := decode[[]coordinator.AgentInfo](t, rec)
	if len(agents) != 2 || agents[0].ID != "scout" || agents[1].ID != "trader" {
		t.Fatalf("unexpected agents: %+v", agents)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents/trader", "")
	info := decode[coordinator.AgentInfo](t, rec)
	if info.Address != traderAddr || info.State != coordinator.StateRegistered {
		t.Fatalf("unexpected agent: %+v", info)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/trader/activate", "")
	if info := decode[coordinator.AgentInfo](t, rec); info.State != coordinator.StateActive {
		t.Fatalf("expected active agent, got %+v", info)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/agents/trader/halt", `{"reason":"manual"}`)
	info := decode[coordinator.AgentInfo](t, rec)
	if info.State != coordinator.StateHalted || info.HaltReason != "manual" {
		t.Fatalf("expected halted agent, got %+v", info)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/agents/ghost/sleep", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestRecallProtectedVault(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fund(vaultAddr, ledger.NativeAsset, 1)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/vault/recall", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Code != string(coordinator.CodeAgentProtected) {
		t.Fatalf("unexpected error code: %+v", body)
	}
	if f.ledger.Calls(vaultAddr) != 0 {
		t.Fatalf("protected recall must not touch the wallet")
	}
}

func TestRecallDustIsUnprocessable(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fund(traderAddr, ledger.NativeAsset, 0.004)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/trader/recall", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
	}
}

func TestDistributeAndPortfolio(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fund(vaultAddr, ledger.NativeAsset, 1)

	rec := f.do(t, http.MethodPost, "/api/v1/distribute", `{"strategy":"equal"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
	}
	report := decode[coordinator.DistributionReport](t, rec)
	if len(report.Succeeded) != 2 || report.Total > report.Distributable {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/portfolio", "")
	portfolio := decode[coordinator.Portfolio](t, rec)
	if len(portfolio.Agents) != 2 {
		t.Fatalf("unexpected portfolio: %+v", portfolio)
	}
	if diff := portfolio.Total - 1; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("portfolio total should stay 1, got %v", portfolio.Total)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/distribute", `{"strategy":"lottery"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestMissionRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/mission", `{"text":"accumulate","target_cycles":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/mission", "")
	status := decode[coordinator.MissionStatus](t, rec)
	if status.Text != "accumulate" || status.TargetCycles != 10 {
		t.Fatalf("unexpected mission: %+v", status)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/mission", `{"text":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	rec = f.do(t, http.MethodPut, "/api/v1/mission", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestEventsFilterByAgent(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish("trader", events.CategoryAlert, "low balance", nil)
	f.bus.Publish("scout", events.CategoryWarn, "slow quote", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/events?agent=trader&limit=5", "")
	list := decode[[]events.Event](t, rec)
	if len(list) == 0 {
		t.Fatalf("expected trader events")
	}
	for _, evt := range list {
		if evt.AgentID != "trader" {
			t.Fatalf("unexpected event for %s", evt.AgentID)
		}
	}
}

func TestMethodAndHistoryErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("invalid method", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/v1/mission", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("history disabled", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/decisions", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}

func TestAuthGatesOperatorEndpoints(t *testing.T) {
	f := newFixture(t)
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.APIKey{
			{Name: "viewer", Key: "viewer-key", Permissions: []string{auth.PermissionRead}},
			{Name: "ops", Key: "ops-key", Permissions: []string{auth.PermissionOperate}},
		},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	handler := NewServer(":0", f.fleet, WithAuth(svc)).Handler()

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		status int
	}{
		{"no token", http.MethodGet, "/api/v1/agents", "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/agents", "viewer-key", http.StatusOK},
		{"viewer cannot halt", http.MethodPost, "/api/v1/halt", "viewer-key", http.StatusForbidden},
		{"operator halts", http.MethodPost, "/api/v1/halt", "ops-key", http.StatusOK},
		{"metrics public", http.MethodGet, "/metrics", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.key != "" {
				req.Header.Set("Authorization", "Bearer "+tc.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}

	for _, info := range f.fleet.Agents() {
		if info.State != coordinator.StateHalted {
			t.Fatalf("agent %s not halted: %s", info.ID, info.State)
		}
	}
}

func TestCustomMetricsHandler(t *testing.T) {
	f := newFixture(t)
	handler := NewServer(":0", f.fleet, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fleet_up 1\n"))
	}))).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "fleet_up 1\n" {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	server := NewServer("127.0.0.1:0", f.fleet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
