package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Fleet/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为缺省项。
	RequiredPermissions map[string][]string
	// PublicPaths 中的路径无需认证，例如 /metrics。
	PublicPaths []string
}

// DefaultMiddlewareConfig 返回只读请求需要 fleet:read、写请求需要 fleet:operate 的配置。
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {PermissionRead},
			"*":            {PermissionOperate},
		},
		PublicPaths: []string{"/metrics"},
	}
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, path := range cfg.PublicPaths {
		public[strings.TrimSpace(path)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			audit := logger.Audit()
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", http.StatusUnauthorized),
					slog.String("error", err.Error()),
				)
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				audit.Warn("permission_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", http.StatusForbidden),
					slog.String("error", err.Error()),
					slog.String("operator", subject.Name),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			if r.Method == http.MethodGet {
				return
			}
			// 写操作全部进入审计日志。
			audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("operator", subject.Name),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
