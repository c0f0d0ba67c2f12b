package fleet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpenMCP-Fleet/internal/api"
	"OpenMCP-Fleet/internal/auth"
	"OpenMCP-Fleet/internal/clock"
	"OpenMCP-Fleet/internal/coordinator"
	"OpenMCP-Fleet/internal/directive"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/web3/ledger"
)

const (
	vaultAddr  = "0x00000000000000000000000000000000000000f0"
	traderAddr = "0x00000000000000000000000000000000000000a1"
	opsKey     = "ops-secret-key"
)

func newFleetServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
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
	if _, err := fleet.RegisterAgent(l.Wallet(traderAddr), coordinator.AgentOptions{ID: "trader", Role: "trader"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.APIKey{{Name: "ops", Key: opsKey, Permissions: []string{auth.PermissionOperate}}},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	srv := httptest.NewServer(api.NewServer(":0", fleet, api.WithEvents(bus), api.WithAuth(svc)).Handler())
	t.Cleanup(srv.Close)
	return srv, l
}

func TestClientRequiresToken(t *testing.T) {
	srv, _ := newFleetServer(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Agents(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestClientOperatorFlow(t *testing.T) {
	srv, l := newFleetServer(t)
	l.Fund(vaultAddr, ledger.NativeAsset, 1)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken(opsKey)
	ctx := context.Background()

	agents, err := client.Agents(ctx)
	if err != nil || len(agents) != 1 || agents[0].ID != "trader" {
		t.Fatalf("unexpected agents: %+v (%v)", agents, err)
	}

	info, err := client.Activate(ctx, "trader")
	if err != nil || info.State != coordinator.StateActive {
		t.Fatalf("activate: %+v (%v)", info, err)
	}
	info, err = client.Sleep(ctx, "trader")
	if err != nil || info.State != coordinator.StateSleeping {
		t.Fatalf("sleep: %+v (%v)", info, err)
	}

	limit := 0.25
	rules, err := client.UpdateRules(ctx, "trader", policy.RulesPatch{MaxSingleTx: &limit})
	if err != nil || rules.MaxSingleTx != limit {
		t.Fatalf("update rules: %+v (%v)", rules, err)
	}

	report, err := client.Distribute(ctx, "equal")
	if err != nil || len(report.Succeeded) != 1 {
		t.Fatalf("distribute: %+v (%v)", report, err)
	}

	portfolio, err := client.Portfolio(ctx)
	if err != nil || len(portfolio.Agents) != 1 || portfolio.Agents[0].Native <= 0 {
		t.Fatalf("portfolio: %+v (%v)", portfolio, err)
	}

	status, err := client.SetMission(ctx, Mission{Text: "stay liquid", TargetCycles: 10})
	if err != nil || status.Text != "stay liquid" || status.TargetCycles != 10 {
		t.Fatalf("set mission: %+v (%v)", status, err)
	}

	evts, err := client.Events(ctx, "trader", 5)
	if err != nil || len(evts) == 0 || len(evts) > 5 {
		t.Fatalf("events: %d (%v)", len(evts), err)
	}
	for _, evt := range evts {
		if evt.AgentID != "trader" {
			t.Fatalf("unexpected event agent %q", evt.AgentID)
		}
	}

	halted, err := client.HaltAll(ctx, "drill")
	if err != nil || len(halted) != 1 {
		t.Fatalf("halt all: %v (%v)", halted, err)
	}
}

func TestClientDecodesAPIErrors(t *testing.T) {
	srv, l := newFleetServer(t)
	l.Fund(vaultAddr, ledger.NativeAsset, 1)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken(opsKey)

	_, err = client.Recall(context.Background(), "vault")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != string(coordinator.CodeAgentProtected) {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}

	_, err = client.Agent(context.Background(), "ghost")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}

	_, err = client.Decisions(context.Background(), "", 0)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when history is disabled, got %v", err)
	}
}
