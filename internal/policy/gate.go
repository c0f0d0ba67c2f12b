package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"OpenMCP-Fleet/internal/clock"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/market"
	"OpenMCP-Fleet/pkg/logger"
)

// FallbackMode 决定外部协作方不可用时闸门的行为。
type FallbackMode string

const (
	// FallbackConservative 把不可用的报价或风控视为检查失败。
	FallbackConservative FallbackMode = "conservative"
	// FallbackPermissive 以价格冲击 0、风险分 0 (unknown) 继续评估。
	FallbackPermissive FallbackMode = "permissive"
)

// ParseFallbackMode 解析配置中的降级模式。
func ParseFallbackMode(text string) (FallbackMode, error) {
	switch FallbackMode(strings.ToLower(strings.TrimSpace(text))) {
	case "", FallbackConservative:
		return FallbackConservative, nil
	case FallbackPermissive:
		return FallbackPermissive, nil
	default:
		return "", xerrors.ConfigError("未知的降级模式 %q", text)
	}
}

// TransferRequest 描述一次待审批的转账。
type TransferRequest struct {
	ActionID    string
	Amount      float64
	FromBalance float64
	To          string
}

// SwapRequest 描述一次待审批的兑换。PriceImpactPct 为空时向报价服务请求模拟报价。
type SwapRequest struct {
	ActionID       string
	Amount         float64
	FromBalance    float64
	FromAsset      string
	TargetAsset    string
	PriceImpactPct *float64
}

// Gate 是单个智能体的策略闸门。规则快照与滚动窗口都只属于该智能体。
type Gate struct {
	agentID string
	rules   atomic.Pointer[Rules]

	clock     clock.Clock
	quotes    market.QuoteProvider
	risk      market.RiskOracle
	fallback  FallbackMode
	publisher events.Publisher
	recorder  Recorder
	observer  DecisionObserver
	log       *slog.Logger
	audit     *slog.Logger

	mu     sync.Mutex
	window SpendingWindow

	// approved 记录当前窗口内已批准的动作 id，窗口重置时一并清空。
	approved map[string]struct{}
}

// Option 定义闸门的可选依赖。
type Option func(*Gate)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = clock.OrReal(c) }
}

// WithQuoteProvider 注入报价服务。
func WithQuoteProvider(q market.QuoteProvider) Option {
	return func(g *Gate) { g.quotes = q }
}

// WithRiskOracle 注入风控预言机。
func WithRiskOracle(r market.RiskOracle) Option {
	return func(g *Gate) { g.risk = r }
}

// WithFallbackMode 设置降级模式。
func WithFallbackMode(mode FallbackMode) Option {
	return func(g *Gate) {
		if mode != "" {
			g.fallback = mode
		}
	}
}

// WithPublisher 设置决策事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(g *Gate) {
		if p != nil {
			g.publisher = p
		}
	}
}

// WithRecorder 设置决策持久化。
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithObserver 设置决策指标。
func WithObserver(o DecisionObserver) Option {
	return func(g *Gate) { g.observer = o }
}

// NewGate 创建闸门。规则非法时返回 ConfigError。
func NewGate(agentID string, rules Rules, opts ...Option) (*Gate, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		agentID:   agentID,
		clock:     clock.Real(),
		fallback:  FallbackConservative,
		publisher: events.Discard{},
		log:       logger.ForAgent("policy", agentID),
		audit:     logger.Audit().With(slog.String("agent_id", agentID)),
		approved:  make(map[string]struct{}),
	}
	snapshot := rules.Merge(RulesPatch{})
	g.rules.Store(&snapshot)
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Rules 返回当前规则快照的副本。
func (g *Gate) Rules() Rules {
	return g.rules.Load().Merge(RulesPatch{})
}

// UpdateRules 合并 patch 并原子替换快照；进行中的评估继续使用旧快照。
func (g *Gate) UpdateRules(patch RulesPatch) (Rules, error) {
	for {
		current := g.rules.Load()
		next := current.Merge(patch)
		if err := next.Validate(); err != nil {
			return *current, err
		}
		if g.rules.CompareAndSwap(current, &next) {
			g.audit.Info("策略规则已更新", slog.Any("rules", next))
			return next.Merge(RulesPatch{}), nil
		}
	}
}

// Window 返回当前滚动窗口。
func (g *Gate) Window() SpendingWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

// EvaluateTransfer 仅执行单笔限额与滚动窗口检查。
func (g *Gate) EvaluateTransfer(ctx context.Context, req TransferRequest) Decision {
	rules := g.rules.Load()
	d := g.commit(rules, req.ActionID, KindTransfer, req.Amount, req.To, nil, nil)
	g.report(ctx, d)
	return d
}

// EvaluateSwap 执行完整的检查流水线。外部调用在加锁之前完成。
func (g *Gate) EvaluateSwap(ctx context.Context, req SwapRequest) Decision {
	rules := g.rules.Load()
	target := strings.ToUpper(strings.TrimSpace(req.TargetAsset))

	static := []CheckResult{
		positionCheck(*rules, req.Amount, req.FromBalance),
		denyCheck(*rules, target),
	}
	if len(rules.AllowList) > 0 {
		static = append(static, allowCheck(*rules, target))
	}
	impact, quote := g.priceImpactCheck(ctx, rules, req)
	static = append(static, impact)
	if rules.RequireRiskCheck {
		static = append(static, g.riskCheck(ctx, rules, target))
	}

	d := g.commit(rules, req.ActionID, KindSwap, req.Amount, target, static, quote)
	g.report(ctx, d)
	return d
}

// commit 在同一把锁内完成窗口检查与额度提交，保证审批与提交的原子性。
func (g *Gate) commit(rules *Rules, actionID, kind string, amount float64, target string, extra []CheckResult, quote *market.Quote) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	window := g.window.at(now)
	if !window.Start.Equal(g.window.Start) && len(g.approved) > 0 {
		g.approved = make(map[string]struct{})
	}

	checks := []CheckResult{
		singleTxCheck(*rules, amount),
		dailyCheck(*rules, window, amount),
	}
	checks = append(checks, extra...)
	if actionID != "" {
		_, seen := g.approved[actionID]
		checks = append(checks, CheckResult{
			Name:   CheckDuplicateAction,
			Passed: !seen,
			Reason: ternary(seen, "该动作已获批准", "首次评估"),
		})
	}

	approved, reason := verdict(checks)
	if approved {
		window.Total += amount
		g.window = window
		if actionID != "" {
			g.approved[actionID] = struct{}{}
		}
	}

	return Decision{
		ID:        uuid.NewString(),
		AgentID:   g.agentID,
		ActionID:  actionID,
		Kind:      kind,
		Amount:    amount,
		Target:    target,
		Approved:  approved,
		Checks:    checks,
		Reason:    reason,
		Timestamp: now,
		Quote:     quote,
	}
}

func (g *Gate) report(ctx context.Context, d Decision) {
	g.publisher.Publish(g.agentID, events.CategoryPolicyDecision, d.Reason, map[string]any{
		"decision_id": d.ID,
		"action_id":   d.ActionID,
		"kind":        d.Kind,
		"amount":      d.Amount,
		"target":      d.Target,
		"approved":    d.Approved,
		"checks":      d.Checks,
	})
	g.audit.Info("策略决策",
		slog.String("decision_id", d.ID),
		slog.String("action_id", d.ActionID),
		slog.String("kind", d.Kind),
		slog.Float64("amount", d.Amount),
		slog.String("target", d.Target),
		slog.Bool("approved", d.Approved),
		slog.String("reason", d.Reason),
	)
	if g.observer != nil {
		g.observer.ObserveDecision(g.agentID, d.Kind, d.Approved)
	}
	if g.recorder != nil {
		if err := g.recorder.RecordDecision(ctx, d); err != nil {
			g.log.Warn("记录策略决策失败", slog.String("decision_id", d.ID), slog.Any("error", err))
		}
	}
}

func singleTxCheck(r Rules, amount float64) CheckResult {
	c := CheckResult{Name: CheckSingleTxLimit, Observed: amount, Limit: r.MaxSingleTx}
	switch {
	case math.IsNaN(amount) || amount <= 0:
		c.Reason = "金额必须为正数"
	case amount > r.MaxSingleTx:
		c.Reason = fmt.Sprintf("金额 %g 超过单笔上限 %g", amount, r.MaxSingleTx)
	default:
		c.Passed = true
		c.Reason = "未超过单笔上限"
	}
	return c
}

func dailyCheck(r Rules, w SpendingWindow, amount float64) CheckResult {
	projected := w.Total + amount
	c := CheckResult{Name: CheckDailyLimit, Observed: projected, Limit: r.DailyCap}
	if projected > r.DailyCap {
		c.Reason = fmt.Sprintf("窗口累计 %g 将超过日上限 %g", projected, r.DailyCap)
		return c
	}
	c.Passed = true
	c.Reason = "未超过日上限"
	return c
}

func positionCheck(r Rules, amount, balance float64) CheckResult {
	c := CheckResult{Name: CheckPositionSize, Limit: r.MaxPositionPct}
	if balance <= 0 {
		c.Reason = "余额为 0，仓位比例无法计算"
		return c
	}
	pct := amount / balance * 100
	c.Observed = pct
	if pct > r.MaxPositionPct {
		c.Reason = fmt.Sprintf("仓位比例 %.2f%% 超过上限 %g%%", pct, r.MaxPositionPct)
		return c
	}
	c.Passed = true
	c.Reason = "仓位比例合规"
	return c
}

func denyCheck(r Rules, asset string) CheckResult {
	c := CheckResult{Name: CheckDenyList}
	if containsAsset(r.DenyList, asset) {
		c.Reason = fmt.Sprintf("资产 %s 在拒绝列表中", asset)
		return c
	}
	c.Passed = true
	c.Reason = "不在拒绝列表中"
	return c
}

func allowCheck(r Rules, asset string) CheckResult {
	c := CheckResult{Name: CheckAllowList}
	if !containsAsset(r.AllowList, asset) {
		c.Reason = fmt.Sprintf("资产 %s 不在允许列表中", asset)
		return c
	}
	c.Passed = true
	c.Reason = "在允许列表中"
	return c
}

func (g *Gate) priceImpactCheck(ctx context.Context, r *Rules, req SwapRequest) (CheckResult, *market.Quote) {
	c := CheckResult{Name: CheckPriceImpact, Limit: r.MaxPriceImpactPct}
	var quote *market.Quote

	var impact float64
	switch {
	case req.PriceImpactPct != nil:
		impact = *req.PriceImpactPct
	default:
		var err error
		if g.quotes == nil {
			err = xerrors.New(xerrors.CodeServiceUnavailable, "未配置报价服务")
		} else {
			var q market.Quote
			q, err = g.quotes.Quote(ctx, req.FromAsset, req.TargetAsset, req.Amount)
			if err == nil {
				quote = &q
				impact = q.PriceImpactPct
			}
		}
		if err != nil {
			g.log.Warn("报价服务不可用", slog.String("fallback", string(g.fallback)), slog.Any("error", err))
			if g.fallback != FallbackPermissive {
				c.Observed = -1
				c.Reason = "报价服务不可用，保守拒绝"
				return c, nil
			}
			impact = 0
		}
	}

	c.Observed = impact
	if impact > r.MaxPriceImpactPct {
		c.Reason = fmt.Sprintf("价格冲击 %g%% 超过上限 %g%%", impact, r.MaxPriceImpactPct)
		return c, quote
	}
	c.Passed = true
	c.Reason = "价格冲击可接受"
	return c, quote
}

func (g *Gate) riskCheck(ctx context.Context, r *Rules, asset string) CheckResult {
	c := CheckResult{Name: CheckRiskScore, Limit: r.MaxRiskScore}

	var assessment market.RiskAssessment
	var err error
	if g.risk == nil {
		err = xerrors.New(xerrors.CodeServiceUnavailable, "未配置风控预言机")
	} else {
		assessment, err = g.risk.Assess(ctx, asset)
	}
	if err != nil {
		g.log.Warn("风控预言机不可用", slog.String("fallback", string(g.fallback)), slog.Any("error", err))
		if g.fallback != FallbackPermissive {
			c.Observed = -1
			c.Reason = "风控预言机不可用，分类 unknown，保守拒绝"
			return c
		}
		assessment = market.RiskAssessment{Asset: asset, Score: 0, Classification: market.ClassificationUnknown}
	}

	c.Observed = assessment.Score
	if assessment.Score > r.MaxRiskScore {
		c.Reason = fmt.Sprintf("风险分 %g (%s) 超过上限 %g", assessment.Score, assessment.Classification, r.MaxRiskScore)
		return c
	}
	c.Passed = true
	c.Reason = fmt.Sprintf("风险分 %g (%s)", assessment.Score, assessment.Classification)
	return c
}

func ternary(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
