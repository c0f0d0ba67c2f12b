package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenMCP-Fleet/internal/clock"
	"OpenMCP-Fleet/internal/directive"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/market"
	"OpenMCP-Fleet/internal/observability/alerting"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
	"OpenMCP-Fleet/internal/web3"
	"OpenMCP-Fleet/pkg/logger"
)

// 协调器错误码。
const (
	CodeAgentNotFound            xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentExists              xerrors.Code = "AGENT_EXISTS"
	CodeAgentProtected           xerrors.Code = "AGENT_PROTECTED"
	CodeInsufficientBalance      xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeDistributionBelowMinimum xerrors.Code = "DISTRIBUTION_BELOW_MINIMUM"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentExists, xerrors.Attributes{Message: "agent already registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentProtected, xerrors.Attributes{Message: "agent is protected", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{Message: "insufficient balance", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDistributionBelowMinimum, xerrors.Attributes{Message: "distributable capital below minimum", Severity: xerrors.SeverityInfo})
}

// State 是智能体的生命周期状态。
type State string

const (
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateSleeping   State = "sleeping"
	StateHalted     State = "halted"
	StateRemoved    State = "removed"
)

// Strategy 是挂在智能体上的外部策略，停机或解雇时会被停止。
type Strategy interface {
	Name() string
	Stop()
}

// Metrics 同时统计闸门决策与周期。
type Metrics interface {
	policy.DecisionObserver
	scheduler.CycleObserver
}

// Config 是协调器的资金参数。
type Config struct {
	VaultID             string
	NativeAsset         string
	GasReserve          float64
	DustThreshold       float64
	VaultReserve        float64
	MinDistributable    float64
	Precision           int
	ProtectedIDs        []string
	RoleWeights         map[string]float64
	DefaultInterval     time.Duration
	HistoryCap          int
	MissionTargetCycles int
}

// Dependencies 是协调器与其创建的调度器共享的协作方。
type Dependencies struct {
	Vault            web3.Wallet
	Planner          planner.Planner
	Directives       directive.Source
	Quotes           market.QuoteProvider
	Risk             market.RiskOracle
	Prices           market.PriceFeed
	Publisher        events.Publisher
	RuleBook         *policy.RuleBook
	FallbackMode     policy.FallbackMode
	DecisionRecorder policy.Recorder
	CycleRecorder    scheduler.CycleRecorder
	Metrics          Metrics
	Alerts           alerting.Dispatcher
}

// Option 定义协调器可选项。
type Option func(*Coordinator)

// WithClock 注入时钟，所有调度器与闸门共享。
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = clock.OrReal(c) }
}

// AgentOptions 描述注册智能体时的参数。
type AgentOptions struct {
	ID        string
	Role      string
	Assets    []string
	Interval  time.Duration
	Rules     *policy.Rules
	Planner   planner.Planner
	Autostart bool
}

type entry struct {
	id           string
	role         string
	wallet       web3.Wallet
	assets       []string
	sched        *scheduler.Scheduler
	gate         *policy.Gate
	state        State
	strategy     Strategy
	haltReason   string
	registeredAt time.Time
}

// AgentInfo 是注册表条目的只读视图。
type AgentInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Address      string                `json:"address"`
	State        State                 `json:"state"`
	Assets       []string              `json:"assets,omitempty"`
	Interval     time.Duration         `json:"interval"`
	Protected    bool                  `json:"protected"`
	HaltReason   string                `json:"halt_reason,omitempty"`
	Strategy     string                `json:"strategy,omitempty"`
	Cycles       int                   `json:"cycles"`
	Busy         bool                  `json:"busy"`
	Rules        policy.Rules          `json:"rules"`
	Window       policy.SpendingWindow `json:"window"`
	LastCycle    *scheduler.Cycle      `json:"last_cycle,omitempty"`
	RegisteredAt time.Time             `json:"registered_at"`
}

// Coordinator 管理智能体注册表、生命周期与金库资金流转。
type Coordinator struct {
	cfg       Config
	deps      Dependencies
	clock     clock.Clock
	protected map[string]struct{}
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	agents  map[string]*entry
	mission Mission
}

// New 创建协调器。金库钱包必须提供。
func New(cfg Config, deps Dependencies, opts ...Option) (*Coordinator, error) {
	if deps.Vault == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置金库钱包")
	}
	if deps.Planner == nil || deps.Directives == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协调器缺少 planner 或指令源")
	}
	if cfg.Precision < 0 || cfg.Precision > 18 {
		return nil, xerrors.ConfigError("precision %d 超出 0..18", cfg.Precision)
	}
	if cfg.VaultID == "" {
		cfg.VaultID = "vault"
	}
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = "ETH"
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Minute
	}
	if cfg.MissionTargetCycles <= 0 {
		cfg.MissionTargetCycles = 100
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.RuleBook == nil {
		deps.RuleBook = policy.DefaultRuleBook()
	}

	protected := map[string]struct{}{cfg.VaultID: {}}
	for _, id := range cfg.ProtectedIDs {
		if id = strings.TrimSpace(id); id != "" {
			protected[id] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		deps:      deps,
		clock:     clock.Real(),
		protected: protected,
		log:       logger.Named("coordinator"),
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.mission = Mission{TargetCycles: cfg.MissionTargetCycles, UpdatedAt: c.clock.Now()}
	return c, nil
}

// VaultID 返回金库智能体的 id。
func (c *Coordinator) VaultID() string { return c.cfg.VaultID }

// IsProtected 判断 id 是否受保护。
func (c *Coordinator) IsProtected(id string) bool {
	_, ok := c.protected[id]
	return ok
}

// RegisterAgent 为钱包创建闸门与调度器并加入注册表，重复 id 会被拒绝。
func (c *Coordinator) RegisterAgent(wallet web3.Wallet, opts AgentOptions) (AgentInfo, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return AgentInfo{}, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	if wallet == nil {
		return AgentInfo{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体钱包不能为空")
	}
	if id == c.cfg.VaultID {
		return AgentInfo{}, xerrors.New(CodeAgentExists, "id 与金库冲突: "+id)
	}

	c.mu.RLock()
	_, exists := c.agents[id]
	c.mu.RUnlock()
	if exists {
		return AgentInfo{}, xerrors.New(CodeAgentExists, "智能体已注册: "+id)
	}

	rules := policy.DefaultRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	} else {
		resolved, err := c.deps.RuleBook.For(id)
		if err != nil {
			return AgentInfo{}, err
		}
		rules = resolved
	}

	gateOpts := []policy.Option{
		policy.WithClock(c.clock),
		policy.WithFallbackMode(c.deps.FallbackMode),
		policy.WithPublisher(c.deps.Publisher),
	}
	if c.deps.Quotes != nil {
		gateOpts = append(gateOpts, policy.WithQuoteProvider(c.deps.Quotes))
	}
	if c.deps.Risk != nil {
		gateOpts = append(gateOpts, policy.WithRiskOracle(c.deps.Risk))
	}
	if c.deps.DecisionRecorder != nil {
		gateOpts = append(gateOpts, policy.WithRecorder(c.deps.DecisionRecorder))
	}
	if c.deps.Metrics != nil {
		gateOpts = append(gateOpts, policy.WithObserver(c.deps.Metrics))
	}
	gate, err := policy.NewGate(id, rules, gateOpts...)
	if err != nil {
		return AgentInfo{}, err
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = c.cfg.DefaultInterval
	}
	plan := opts.Planner
	if plan == nil {
		plan = c.deps.Planner
	}
	assets := normalizeAssets(opts.Assets)

	schedOpts := []scheduler.Option{
		scheduler.WithClock(c.clock),
		scheduler.WithPeers(c.agentIDs),
		scheduler.WithSigningErrorHandler(c.handleSigningError),
		scheduler.WithEmergencyStopHandler(c.handleEmergencyStop),
	}
	if c.deps.CycleRecorder != nil {
		schedOpts = append(schedOpts, scheduler.WithRecorder(c.deps.CycleRecorder))
	}
	if c.deps.Metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(c.deps.Metrics))
	}
	sched, err := scheduler.New(scheduler.Config{
		AgentID:     id,
		Role:        opts.Role,
		Interval:    interval,
		NativeAsset: c.cfg.NativeAsset,
		Assets:      assets,
		HistoryCap:  c.cfg.HistoryCap,
	}, scheduler.Dependencies{
		Wallet:     wallet,
		Gate:       gate,
		Planner:    plan,
		Directives: c.deps.Directives,
		Quotes:     c.deps.Quotes,
		Risk:       c.deps.Risk,
		Prices:     c.deps.Prices,
		Publisher:  c.deps.Publisher,
	}, schedOpts...)
	if err != nil {
		return AgentInfo{}, err
	}

	e := &entry{
		id:           id,
		role:         opts.Role,
		wallet:       wallet,
		assets:       assets,
		sched:        sched,
		gate:         gate,
		state:        StateRegistered,
		registeredAt: c.clock.Now(),
	}

	c.mu.Lock()
	if _, exists := c.agents[id]; exists {
		c.mu.Unlock()
		return AgentInfo{}, xerrors.New(CodeAgentExists, "智能体已注册: "+id)
	}
	c.agents[id] = e
	c.mu.Unlock()

	c.deps.Publisher.Publish(id, events.CategoryLifecycle, "智能体已注册", map[string]any{
		"role":     opts.Role,
		"address":  wallet.Address(),
		"interval": interval.String(),
	})
	c.log.Info("智能体已注册", slog.String("agent_id", id), slog.String("role", opts.Role))

	if opts.Autostart {
		c.ActivateAgent(id)
	}
	info, _ := c.Agent(id)
	return info, nil
}

// ActivateAgent 启动调度器。未知 id 返回 false，重复调用是幂等的。
func (c *Coordinator) ActivateAgent(id string) bool {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if e.state == StateActive {
		c.mu.Unlock()
		return true
	}
	e.state = StateActive
	e.haltReason = ""
	sched := e.sched
	c.mu.Unlock()

	sched.Start(c.ctx)
	c.deps.Publisher.Publish(id, events.CategoryLifecycle, "智能体已激活", nil)
	return true
}

// SleepAgent 停止调度器并保留注册信息。未知 id 返回 false。
func (c *Coordinator) SleepAgent(id string) bool {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if e.state == StateSleeping {
		c.mu.Unlock()
		return true
	}
	e.state = StateSleeping
	sched := e.sched
	c.mu.Unlock()

	sched.Stop()
	c.deps.Publisher.Publish(id, events.CategoryLifecycle, "智能体已休眠", nil)
	return true
}

// HaltAgent 停止策略与调度器并记录原因，条目保留在注册表中。
func (c *Coordinator) HaltAgent(id, reason string) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}
	e.state = StateHalted
	e.haltReason = reason
	sched, strategy := e.sched, e.strategy
	c.mu.Unlock()

	sched.Stop()
	if strategy != nil {
		strategy.Stop()
	}
	c.deps.Publisher.Publish(id, events.CategoryAlert, "智能体已停机", map[string]any{"reason": reason})
	c.log.Warn("智能体已停机", slog.String("agent_id", id), slog.String("reason", reason))
	return nil
}

// HaltAll 停机所有智能体，返回被停机的 id。
func (c *Coordinator) HaltAll(reason string) []string {
	ids := c.agentIDs()
	for _, id := range ids {
		_ = c.HaltAgent(id, reason)
	}
	return ids
}

// AttachStrategy 为智能体挂载外部策略，已有策略会被先停止。
func (c *Coordinator) AttachStrategy(id string, s Strategy) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}
	previous := e.strategy
	e.strategy = s
	c.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	return nil
}

// UpdateRules 合并规则补丁并返回新的快照。
func (c *Coordinator) UpdateRules(id string, patch policy.RulesPatch) (policy.Rules, error) {
	e, ok := c.lookup(id)
	if !ok {
		return policy.Rules{}, xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}
	rules, err := e.gate.UpdateRules(patch)
	if err != nil {
		return policy.Rules{}, err
	}
	c.deps.Publisher.Publish(id, events.CategoryLifecycle, "策略规则已更新", nil)
	return rules, nil
}

// RunCycle 手动触发一个周期。
func (c *Coordinator) RunCycle(ctx context.Context, id string) (scheduler.Cycle, error) {
	e, ok := c.lookup(id)
	if !ok {
		return scheduler.Cycle{}, xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}
	return e.sched.RunCycleOnce(ctx)
}

// Agents 返回所有智能体的视图，按 id 排序。
func (c *Coordinator) Agents() []AgentInfo {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.agents))
	for _, e := range c.agents {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]AgentInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, c.describe(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent 返回单个智能体的视图。
func (c *Coordinator) Agent(id string) (AgentInfo, bool) {
	e, ok := c.lookup(id)
	if !ok {
		return AgentInfo{}, false
	}
	return c.describe(e), true
}

func (c *Coordinator) describe(e *entry) AgentInfo {
	c.mu.RLock()
	info := AgentInfo{
		ID:           e.id,
		Role:         e.role,
		Address:      e.wallet.Address(),
		State:        e.state,
		Assets:       append([]string(nil), e.assets...),
		Interval:     e.sched.Interval(),
		Protected:    c.IsProtected(e.id),
		HaltReason:   e.haltReason,
		RegisteredAt: e.registeredAt,
	}
	if e.strategy != nil {
		info.Strategy = e.strategy.Name()
	}
	c.mu.RUnlock()

	info.Cycles = e.sched.CycleCount()
	info.Busy = e.sched.Busy()
	info.Rules = e.gate.Rules()
	info.Window = e.gate.Window()
	if last, ok := e.sched.LastCycle(); ok {
		info.LastCycle = &last
	}
	return info
}

// Shutdown 停止所有调度器并等待进行中的周期结束。
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.mu.RLock()
	scheds := make([]*scheduler.Scheduler, 0, len(c.agents))
	for _, e := range c.agents {
		scheds = append(scheds, e.sched)
	}
	c.mu.RUnlock()

	for _, s := range scheds {
		s.Stop()
	}
	for _, s := range scheds {
		s.Wait()
	}
	c.log.Info("协调器已关闭", slog.Int("agents", len(scheds)))
}

func (c *Coordinator) lookup(id string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.agents[id]
	return e, ok
}

func (c *Coordinator) agentIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) handleSigningError(agentID string, err error) {
	c.notify(alerting.FromError(agentID, err, c.clock.Now()))
}

func (c *Coordinator) handleEmergencyStop(agentID string) {
	c.mu.Lock()
	if e, ok := c.agents[agentID]; ok {
		e.state = StateHalted
		e.haltReason = "emergency_stop"
	}
	c.mu.Unlock()
	c.notify(alerting.Event{
		Code:       xerrors.CodeFatalDirective,
		Message:    "收到紧急停止指令",
		Severity:   xerrors.SeverityCritical,
		AgentID:    agentID,
		OccurredAt: c.clock.Now(),
	})
}

func (c *Coordinator) notify(evt alerting.Event) {
	if c.deps.Alerts == nil {
		return
	}
	if err := c.deps.Alerts.Notify(c.ctx, evt); err != nil {
		c.log.Warn("告警发送失败", slog.String("agent_id", evt.AgentID), slog.Any("error", err))
	}
}

func normalizeAssets(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
