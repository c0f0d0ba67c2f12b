package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"OpenMCP-Fleet/internal/clock"
	"OpenMCP-Fleet/internal/directive"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/market"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/web3"
	"OpenMCP-Fleet/pkg/logger"
)

// CodeCycleBusy 表示上一周期仍在执行。
const CodeCycleBusy xerrors.Code = "CYCLE_BUSY"

func init() {
	xerrors.Register(CodeCycleBusy, xerrors.Attributes{Message: "previous cycle still running", Severity: xerrors.SeverityInfo, Retryable: true})
}

// DefaultHistoryCap 是保留的周期记录数量。
const DefaultHistoryCap = 100

// State 描述调度器是否在计时。
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Config 描述单个智能体的调度参数。
type Config struct {
	AgentID     string
	Role        string
	Interval    time.Duration
	NativeAsset string
	Assets      []string
	HistoryCap  int
}

// Dependencies 是周期执行需要的协作方。
type Dependencies struct {
	Wallet     web3.Wallet
	Gate       *policy.Gate
	Planner    planner.Planner
	Directives directive.Source
	Quotes     market.QuoteProvider
	Risk       market.RiskOracle
	Prices     market.PriceFeed
	Publisher  events.Publisher
}

// CycleRecorder 持久化已封存的周期。
type CycleRecorder interface {
	RecordCycle(ctx context.Context, c Cycle) error
}

// CycleObserver 统计周期与转账结果。
type CycleObserver interface {
	ObserveCycle(agentID, decision string, d time.Duration)
	ObserveTransfer(agentID, outcome string)
}

// Option 定义调度器可选项。
type Option func(*Scheduler)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clock.OrReal(c) }
}

// WithRecorder 设置周期持久化。
func WithRecorder(r CycleRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithObserver 设置指标。
func WithObserver(o CycleObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithPeers 提供可协作的智能体列表，供 planner 参考。
func WithPeers(peers func() []string) Option {
	return func(s *Scheduler) { s.peers = peers }
}

// WithSigningErrorHandler 在审批通过后签名或广播失败时回调。
func WithSigningErrorHandler(fn func(agentID string, err error)) Option {
	return func(s *Scheduler) { s.onSigningError = fn }
}

// WithEmergencyStopHandler 在收到紧急停止指令并停止后回调。
func WithEmergencyStopHandler(fn func(agentID string)) Option {
	return func(s *Scheduler) { s.onEmergencyStop = fn }
}

// Scheduler 是单个智能体的心跳：按固定间隔执行周期，且同一智能体的周期永不重叠。
type Scheduler struct {
	cfg  Config
	deps Dependencies

	clock           clock.Clock
	recorder        CycleRecorder
	observer        CycleObserver
	peers           func() []string
	onSigningError  func(agentID string, err error)
	onEmergencyStop func(agentID string)
	log             *slog.Logger

	inFlight atomic.Bool
	cycles   sync.WaitGroup
	skipped  atomic.Int64

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	count   int
	history []Cycle
}

// New 创建调度器，创建后处于 idle 状态。
func New(cfg Config, deps Dependencies, opts ...Option) (*Scheduler, error) {
	if cfg.AgentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	if cfg.Interval <= 0 {
		return nil, xerrors.ConfigError("智能体 %s 的 interval 必须大于 0", cfg.AgentID)
	}
	if deps.Wallet == nil || deps.Gate == nil || deps.Planner == nil || deps.Directives == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器缺少钱包、闸门、planner 或指令源")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = "ETH"
	}
	s := &Scheduler{
		cfg:   cfg,
		deps:  deps,
		clock: clock.Real(),
		state: StateIdle,
		log:   logger.ForAgent("scheduler", cfg.AgentID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// AgentID 返回调度器所属的智能体。
func (s *Scheduler) AgentID() string { return s.cfg.AgentID }

// Interval 返回心跳间隔。
func (s *Scheduler) Interval() time.Duration { return s.cfg.Interval }

// Start 开始周期性执行。重复调用是幂等的。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return
	}
	s.state = StateRunning
	stop := make(chan struct{})
	s.stopCh = stop
	ticker := s.clock.NewTicker(s.cfg.Interval)

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.markIdle(stop)
				return
			case <-stop:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.log.Info("调度器已启动", slog.Duration("interval", s.cfg.Interval))
}

// Stop 取消后续心跳，不会中断正在执行的周期。可以在周期内部调用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.log.Info("调度器已停止")
}

func (s *Scheduler) markIdle(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == stop {
		s.state = StateIdle
		s.stopCh = nil
	}
}

// Wait 阻塞直到计时循环退出且所有进行中的周期封存。
func (s *Scheduler) Wait() {
	s.loopWG.Wait()
	s.cycles.Wait()
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy 判断是否有周期正在执行。
func (s *Scheduler) Busy() bool { return s.inFlight.Load() }

// Skipped 返回因上一周期未结束而跳过的心跳次数。
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "上一周期仍在执行，跳过本次心跳", nil)
		return
	}
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer s.inFlight.Store(false)
		s.runCycle(ctx)
	}()
}

// RunCycleOnce 同步执行一个周期。已有周期在执行时返回 CYCLE_BUSY。
func (s *Scheduler) RunCycleOnce(ctx context.Context) (Cycle, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Cycle{}, xerrors.New(CodeCycleBusy, "上一周期仍在执行")
	}
	s.cycles.Add(1)
	defer s.cycles.Done()
	defer s.inFlight.Store(false)
	return s.runCycle(ctx), nil
}

// CycleCount 返回已封存的周期数。
func (s *Scheduler) CycleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// History 返回最近的周期记录，按时间先后排列。
func (s *Scheduler) History() []Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cycle, len(s.history))
	for i, c := range s.history {
		out[i] = c.clone()
	}
	return out
}

// LastCycle 返回最近一次封存的周期。
func (s *Scheduler) LastCycle() (Cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Cycle{}, false
	}
	return s.history[len(s.history)-1].clone(), true
}

func (s *Scheduler) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count + 1
}

func (s *Scheduler) seal(ctx context.Context, c Cycle) Cycle {
	c.EndedAt = s.clock.Now()
	c.Duration = c.EndedAt.Sub(c.StartedAt)

	s.mu.Lock()
	s.count = c.Seq
	s.history = append(s.history, c)
	if over := len(s.history) - s.cfg.HistoryCap; over > 0 {
		s.history = append([]Cycle(nil), s.history[over:]...)
	}
	s.mu.Unlock()

	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryCycleComplete, "周期结束", map[string]any{
		"seq":         c.Seq,
		"decision":    string(c.Decision),
		"duration_ms": c.Duration.Milliseconds(),
		"actions":     len(c.Actions),
	})
	if s.observer != nil {
		s.observer.ObserveCycle(s.cfg.AgentID, string(c.Decision), c.Duration)
	}
	if s.recorder != nil {
		if err := s.recorder.RecordCycle(ctx, c.clone()); err != nil {
			s.log.Warn("记录周期失败", slog.Int("seq", c.Seq), slog.Any("error", err))
		}
	}
	return c.clone()
}

func (s *Scheduler) fail(ctx context.Context, c Cycle, step string, err error) Cycle {
	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryError, step+" 阶段失败", map[string]any{
		"seq":   c.Seq,
		"step":  step,
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
	s.log.Warn("周期失败", slog.Int("seq", c.Seq), slog.String("step", step), slog.Any("error", err))
	c.Decision = DecisionAlert
	c.Error = err.Error()
	return s.seal(ctx, c)
}

var errEmergencyStop = xerrors.New(xerrors.CodeFatalDirective, "收到紧急停止指令")
