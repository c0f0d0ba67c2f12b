package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Fleet/internal/clock"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/market"
	"OpenMCP-Fleet/internal/web3"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func limits() Rules {
	return Rules{MaxSingleTx: 0.5, DailyCap: 2.0, MaxPositionPct: 100, MaxPriceImpactPct: 3, MaxRiskScore: 500}
}

func newGate(t *testing.T, rules Rules, opts ...Option) (*Gate, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(start)
	g, err := NewGate("alpha", rules, append([]Option{WithClock(fake)}, opts...)...)
	require.NoError(t, err)
	return g, fake
}

func TestApprovedTransferCommitsWindow(t *testing.T) {
	g, _ := newGate(t, limits())

	d := g.EvaluateTransfer(context.Background(), TransferRequest{Amount: 0.1, FromBalance: 1.0, To: "0xabc"})
	assert.True(t, d.Approved)
	assert.Equal(t, "approved", d.Reason)
	assert.Equal(t, 0.1, g.Window().Total)
	assert.Equal(t, start, g.Window().Start)
}

func TestRejectedTransferLeavesWindowUnchanged(t *testing.T) {
	g, _ := newGate(t, limits())
	g.EvaluateTransfer(context.Background(), TransferRequest{Amount: 0.1, FromBalance: 1.0})
	before := g.Window()

	d := g.EvaluateTransfer(context.Background(), TransferRequest{Amount: 3.0, FromBalance: 1.0})
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, CheckSingleTxLimit)
	assert.Contains(t, d.Reason, CheckDailyLimit)
	assert.Equal(t, before, g.Window())
}

func TestDailyCapAcrossSequentialApprovals(t *testing.T) {
	rules := limits()
	rules.MaxSingleTx = 1.0
	g, _ := newGate(t, rules)
	ctx := context.Background()

	var approvals []bool
	for i := 0; i < 3; i++ {
		d := g.EvaluateTransfer(ctx, TransferRequest{Amount: 0.8, FromBalance: 1.0})
		approvals = append(approvals, d.Approved)
		if i == 2 {
			assert.Equal(t, "rejected: "+CheckDailyLimit, d.Reason)
		}
	}
	assert.Equal(t, []bool{true, true, false}, approvals)
	assert.InDelta(t, 1.6, g.Window().Total, 1e-12)
}

func TestWindowResetIsLazyAndExact(t *testing.T) {
	rules := limits()
	rules.MaxSingleTx = 2.0
	g, fake := newGate(t, rules)
	ctx := context.Background()

	require.True(t, g.EvaluateTransfer(ctx, TransferRequest{Amount: 1.5}).Approved)

	fake.Advance(WindowLength - time.Nanosecond)
	assert.False(t, g.EvaluateTransfer(ctx, TransferRequest{Amount: 1.0}).Approved)
	assert.Equal(t, start, g.Window().Start)

	fake.Advance(time.Nanosecond)
	d := g.EvaluateTransfer(ctx, TransferRequest{Amount: 1.0})
	require.True(t, d.Approved)
	assert.Equal(t, SpendingWindow{Start: start.Add(WindowLength), Total: 1.0}, g.Window())
}

func TestDuplicateActionIsNeverApprovedTwice(t *testing.T) {
	g, _ := newGate(t, limits())
	ctx := context.Background()

	first := g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-1", Amount: 0.1})
	second := g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-1", Amount: 0.1})
	assert.True(t, first.Approved)
	assert.False(t, second.Approved)
	assert.Equal(t, []string{CheckDuplicateAction}, second.Failed())
	assert.Equal(t, 0.1, g.Window().Total)
}

func TestApprovedActionIDsArePrunedWithTheWindow(t *testing.T) {
	g, fake := newGate(t, limits())
	ctx := context.Background()

	require.True(t, g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-1", Amount: 0.1}).Approved)
	require.True(t, g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-2", Amount: 0.1}).Approved)
	assert.Len(t, g.approved, 2)

	fake.Advance(WindowLength)
	require.True(t, g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-3", Amount: 0.1}).Approved)
	assert.Len(t, g.approved, 1)
	assert.Contains(t, g.approved, "act-3")
	assert.False(t, g.EvaluateTransfer(ctx, TransferRequest{ActionID: "act-3", Amount: 0.1}).Approved)
}

func TestSwapHelpersUseTheRulesSnapshot(t *testing.T) {
	rules := limits()
	rules.MaxPositionPct = 10
	rules.DenyList = []string{"SCAM"}
	rules.AllowList = []string{"USDC"}
	g, _ := newGate(t, rules)

	d := g.EvaluateSwap(context.Background(), SwapRequest{Amount: 0.05, FromBalance: 1, FromAsset: "ETH", TargetAsset: "usdc", PriceImpactPct: ptr(0.1)})
	assert.True(t, d.Approved)

	d = g.EvaluateSwap(context.Background(), SwapRequest{Amount: 0.2, FromBalance: 1, FromAsset: "ETH", TargetAsset: "scam", PriceImpactPct: ptr(0.1)})
	assert.Equal(t, []string{CheckPositionSize, CheckDenyList, CheckAllowList}, d.Failed())
}

func TestConcurrentEvaluationsNeverExceedCap(t *testing.T) {
	rules := limits()
	rules.MaxSingleTx = 1
	g, _ := newGate(t, rules)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.EvaluateTransfer(context.Background(), TransferRequest{Amount: 0.25})
		}()
	}
	wg.Wait()
	assert.Equal(t, 2.0, g.Window().Total)
}

type stubQuotes struct {
	impact float64
	err    error
	calls  int
}

func (s *stubQuotes) Quote(_ context.Context, in, out string, amount float64) (market.Quote, error) {
	s.calls++
	if s.err != nil {
		return market.Quote{}, s.err
	}
	return market.Quote{ID: "q", InputAsset: in, OutputAsset: out, InputAmount: amount, PriceImpactPct: s.impact}, nil
}

func (s *stubQuotes) Execute(context.Context, web3.Wallet, market.Quote) (string, error) {
	return "", nil
}

type stubRisk struct {
	score float64
	err   error
}

func (s stubRisk) Assess(_ context.Context, asset string) (market.RiskAssessment, error) {
	if s.err != nil {
		return market.RiskAssessment{}, s.err
	}
	return market.RiskAssessment{Asset: asset, Score: s.score, Classification: "medium"}, nil
}

func checkNames(d Decision) []string {
	names := make([]string, len(d.Checks))
	for i, c := range d.Checks {
		names[i] = c.Name
	}
	return names
}

func TestSwapRunsEveryCheckEvenAfterFailure(t *testing.T) {
	rules := limits()
	rules.MaxPositionPct = 10
	rules.DenyList = []string{"SCAM"}
	rules.AllowList = []string{"USDC"}
	rules.RequireRiskCheck = true
	quotes := &stubQuotes{impact: 5}
	g, _ := newGate(t, rules, WithQuoteProvider(quotes), WithRiskOracle(stubRisk{score: 900}))

	d := g.EvaluateSwap(context.Background(), SwapRequest{ActionID: "a", Amount: 0.9, FromBalance: 1, FromAsset: "ETH", TargetAsset: "scam"})
	assert.False(t, d.Approved)
	assert.Equal(t, []string{
		CheckSingleTxLimit, CheckDailyLimit, CheckPositionSize, CheckDenyList,
		CheckAllowList, CheckPriceImpact, CheckRiskScore, CheckDuplicateAction,
	}, checkNames(d))
	assert.Equal(t, []string{
		CheckSingleTxLimit, CheckPositionSize, CheckDenyList, CheckAllowList, CheckPriceImpact, CheckRiskScore,
	}, d.Failed())
	assert.Equal(t, SpendingWindow{}, g.Window())
	assert.Equal(t, 1, quotes.calls)
}

func TestSwapUsesPrecomputedImpactAndSkipsOptionalChecks(t *testing.T) {
	quotes := &stubQuotes{impact: 50}
	g, _ := newGate(t, limits(), WithQuoteProvider(quotes))

	d := g.EvaluateSwap(context.Background(), SwapRequest{Amount: 0.2, FromBalance: 1, FromAsset: "ETH", TargetAsset: "USDC", PriceImpactPct: ptr(0.5)})
	require.True(t, d.Approved)
	assert.Nil(t, d.Quote)
	assert.Equal(t, 0, quotes.calls)
	assert.Equal(t, []string{CheckSingleTxLimit, CheckDailyLimit, CheckPositionSize, CheckDenyList, CheckPriceImpact}, checkNames(d))
}

func TestSwapPositionSizeWithZeroBalanceFails(t *testing.T) {
	g, _ := newGate(t, limits())
	d := g.EvaluateSwap(context.Background(), SwapRequest{Amount: 0.1, FromBalance: 0, TargetAsset: "USDC", PriceImpactPct: ptr(0.0)})
	assert.Equal(t, []string{CheckPositionSize}, d.Failed())
}

func TestFallbackModes(t *testing.T) {
	rules := limits()
	rules.RequireRiskCheck = true
	down := errors.New("connection refused")
	req := SwapRequest{Amount: 0.1, FromBalance: 1, FromAsset: "ETH", TargetAsset: "USDC"}

	conservative, _ := newGate(t, rules, WithQuoteProvider(&stubQuotes{err: down}), WithRiskOracle(stubRisk{err: down}))
	d := conservative.EvaluateSwap(context.Background(), req)
	assert.False(t, d.Approved)
	assert.Equal(t, []string{CheckPriceImpact, CheckRiskScore}, d.Failed())

	permissive, _ := newGate(t, rules, WithQuoteProvider(&stubQuotes{err: down}), WithRiskOracle(stubRisk{err: down}), WithFallbackMode(FallbackPermissive))
	d = permissive.EvaluateSwap(context.Background(), req)
	assert.True(t, d.Approved)
	assert.Equal(t, 0.1, permissive.Window().Total)
}

func TestUpdateRulesSwapsSnapshot(t *testing.T) {
	g, _ := newGate(t, limits())
	held := g.Rules()

	updated, err := g.UpdateRules(RulesPatch{MaxSingleTx: ptr(5.0), DenyList: &[]string{"PEPE"}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, updated.MaxSingleTx)
	assert.Equal(t, 2.0, updated.DailyCap)
	assert.Equal(t, 0.5, held.MaxSingleTx)

	_, err = g.UpdateRules(RulesPatch{DailyCap: ptr(-1.0)})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
	assert.Equal(t, 2.0, g.Rules().DailyCap)
}

func TestNewGateRejectsInvalidRules(t *testing.T) {
	_, err := NewGate("alpha", Rules{MaxSingleTx: -1})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}

type memoryRecorder struct {
	mu        sync.Mutex
	decisions []Decision
}

func (m *memoryRecorder) RecordDecision(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func TestDecisionsArePublishedAndRecorded(t *testing.T) {
	bus := events.New()
	rec := &memoryRecorder{}
	g, _ := newGate(t, limits(), WithPublisher(bus), WithRecorder(rec))

	d := g.EvaluateTransfer(context.Background(), TransferRequest{ActionID: "act-9", Amount: 0.2, To: "0xabc"})

	recent := bus.ForAgent("alpha", 0)
	require.Len(t, recent, 1)
	assert.Equal(t, events.CategoryPolicyDecision, recent[0].Category)
	assert.Equal(t, d.ID, recent[0].Payload["decision_id"])
	require.Len(t, rec.decisions, 1)
	assert.Equal(t, "act-9", rec.decisions[0].ActionID)
}

func TestLoadRuleBook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`default:
  max_single_tx: 0.5
  daily_cap: 2
  deny_list: [SCAM]
agents:
  treasurer:
    max_single_tx: 1.5
    require_risk_check: false
`), 0o600))

	book, err := LoadRuleBook(path)
	require.NoError(t, err)

	base, err := book.For("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0.5, base.MaxSingleTx)
	assert.Equal(t, 25.0, base.MaxPositionPct)
	assert.True(t, base.RequireRiskCheck)

	treasurer, err := book.For("treasurer")
	require.NoError(t, err)
	assert.Equal(t, 1.5, treasurer.MaxSingleTx)
	assert.False(t, treasurer.RequireRiskCheck)
	assert.Equal(t, []string{"SCAM"}, treasurer.DenyList)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agents:\n  x:\n    daily_cap: -3\n"), 0o600))
	_, err = LoadRuleBook(bad)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}
