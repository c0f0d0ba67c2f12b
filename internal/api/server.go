package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"OpenMCP-Fleet/internal/auth"
	"OpenMCP-Fleet/internal/coordinator"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/observability/metrics"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
	"OpenMCP-Fleet/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 20
)

// EventReader 提供最近的事件，通常是 *events.Bus。
type EventReader interface {
	Recent(limit int) []events.Event
	ForAgent(agentID string, limit int) []events.Event
}

// DecisionHistory 查询持久化的闸门决策。
type DecisionHistory interface {
	ListDecisions(ctx context.Context, agentID string, limit int) ([]policy.Decision, error)
}

// CycleHistory 查询持久化的周期记录。
type CycleHistory interface {
	ListCycles(ctx context.Context, agentID string, limit int) ([]scheduler.Cycle, error)
}

// Option 定义服务的可选配置。
type Option func(*Server)

// WithEvents 启用 /api/v1/events。
func WithEvents(reader EventReader) Option {
	return func(s *Server) { s.events = reader }
}

// WithHistory 启用决策与周期的历史查询。
func WithHistory(decisions DecisionHistory, cycles CycleHistory) Option {
	return func(s *Server) {
		s.decisions = decisions
		s.cycles = cycles
	}
}

// WithMetricsHandler 替换 /metrics 的处理器，默认使用全局 Collector。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// WithAuth 为除 /metrics 外的接口启用运维认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// Server 负责暴露 REST 接口，供运维人员管理智能体舰队。
type Server struct {
	addr      string
	fleet     *coordinator.Coordinator
	events    EventReader
	decisions DecisionHistory
	cycles    CycleHistory
	metrics   http.Handler
	auth      *auth.Service
	handler   http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, fleet *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{addr: addr, fleet: fleet, metrics: metrics.Handler()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回带指标中间件的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleAgentDetail)
	mux.HandleFunc("PUT /api/v1/agents/{id}/rules", s.handleUpdateRules)
	mux.HandleFunc("POST /api/v1/agents/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/v1/agents/{id}/sleep", s.handleSleep)
	mux.HandleFunc("POST /api/v1/agents/{id}/halt", s.handleHalt)
	mux.HandleFunc("POST /api/v1/agents/{id}/cycle", s.handleRunCycle)
	mux.HandleFunc("POST /api/v1/agents/{id}/recall", s.handleRecall)
	mux.HandleFunc("POST /api/v1/agents/{id}/sack", s.handleSack)
	mux.HandleFunc("POST /api/v1/halt", s.handleHaltAll)
	mux.HandleFunc("POST /api/v1/distribute", s.handleDistribute)
	mux.HandleFunc("GET /api/v1/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/v1/mission", s.handleGetMission)
	mux.HandleFunc("PUT /api/v1/mission", s.handleSetMission)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /api/v1/cycles", s.handleCycles)
	mux.Handle("GET /metrics", s.metrics)

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.DefaultMiddlewareConfig())(mux)
	}
	return withMetrics(mux, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Agents())
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	info, ok := s.fleet.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, string(coordinator.CodeAgentNotFound), "未找到智能体")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	var patch policy.RulesPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	rules, err := s.fleet.UpdateRules(r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.fleet.ActivateAgent)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.fleet.SleepAgent)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, apply func(string) bool) {
	id := r.PathValue("id")
	if !apply(id) {
		writeError(w, http.StatusNotFound, string(coordinator.CodeAgentNotFound), "未找到智能体")
		return
	}
	info, _ := s.fleet.Agent(id)
	writeJSON(w, http.StatusOK, info)
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.fleet.HaltAgent(id, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	info, _ := s.fleet.Agent(id)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHaltAll(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeBody(w, r, &req) {
		return
	}
	halted := s.fleet.HaltAll(req.Reason)
	logger.Audit().Warn("fleet_halted", "operator", auth.SubjectName(r.Context()), "agents", len(halted), "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string][]string{"halted": halted})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.fleet.RunCycle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.fleet.RecallFunds(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSack(w http.ResponseWriter, r *http.Request) {
	report, err := s.fleet.SackAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type distributeRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	strategy, err := coordinator.ParseDistributionStrategy(req.Strategy)
	if err != nil {
		writeErr(w, err)
		return
	}
	report, err := s.fleet.DistributeCapital(r.Context(), strategy)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.fleet.Portfolio(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.MissionStatus())
}

type missionRequest struct {
	Text         string `json:"text"`
	TargetCycles int    `json:"target_cycles"`
}

func (s *Server) handleSetMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "text 不能为空")
		return
	}
	s.fleet.SetMission(req.Text, req.TargetCycles)
	writeJSON(w, http.StatusOK, s.fleet.MissionStatus())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "事件总线未启用")
		return
	}
	limit := parseLimit(r)
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		writeJSON(w, http.StatusOK, s.events.ForAgent(agentID, limit))
		return
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "决策存储未启用")
		return
	}
	list, err := s.decisions.ListDecisions(r.Context(), r.URL.Query().Get("agent"), parseLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if s.cycles == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "周期存储未启用")
		return
	}
	list, err := s.cycles.ListCycles(r.Context(), r.URL.Query().Get("agent"), parseLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func parseLimit(r *http.Request) int {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return limit
}

// decodeBody 解析可选的 JSON 请求体，空请求体视为零值。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
	return false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeErr(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeError(w, statusOf(code), string(code), message)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case coordinator.CodeAgentNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case coordinator.CodeAgentProtected:
		return http.StatusForbidden
	case coordinator.CodeAgentExists, scheduler.CodeCycleBusy, xerrors.CodeConflict:
		return http.StatusConflict
	case coordinator.CodeInsufficientBalance, coordinator.CodeDistributionBelowMinimum:
		return http.StatusUnprocessableEntity
	case xerrors.CodeConfig, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeServiceUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 按路由模式记录请求数与耗时。
func withMetrics(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			_, pattern = mux.Handler(r)
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
