package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp_fleet"

// Collector 汇总 HTTP、周期、闸门与转账指标。
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	latency       *prometheus.HistogramVec

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	transfers     *prometheus.CounterVec
}

// New 创建独立注册表的 Collector。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sealed agent cycles by decision tag.",
		}, []string{"agent", "decision"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a sealed agent cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy gate evaluations by action kind and verdict.",
		}, []string{"agent", "kind", "verdict"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Fund movements submitted to wallets by outcome.",
		}, []string{"agent", "outcome"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests, c.requestErrors, c.latency,
		c.cycles, c.cycleDuration, c.decisions, c.transfers,
	)
	return c
}

// Default 是进程级的 Collector。
var Default = New()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.requestErrors.WithLabelValues(handler, method).Inc()
	}
	c.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveCycle 记录一次封存的周期。
func (c *Collector) ObserveCycle(agentID, decision string, d time.Duration) {
	c.cycles.WithLabelValues(agentID, decision).Inc()
	c.cycleDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// ObserveDecision 记录一次闸门评估。
func (c *Collector) ObserveDecision(agentID, kind string, approved bool) {
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	c.decisions.WithLabelValues(agentID, kind, verdict).Inc()
}

// ObserveTransfer 记录一次资金划转的结果。
func (c *Collector) ObserveTransfer(agentID, outcome string) {
	c.transfers.WithLabelValues(agentID, outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Handler exposes the default collector.
func Handler() http.Handler { return Default.Handler() }

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
