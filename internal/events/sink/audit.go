package sink

import (
	"context"
	"log/slog"

	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/pkg/logger"
)

// AuditSink 将事件写入审计日志。
type AuditSink struct {
	log *slog.Logger
}

// NewAuditSink 创建审计 sink，log 为空时使用 logger.Audit()。
func NewAuditSink(log *slog.Logger) *AuditSink {
	if log == nil {
		log = logger.Audit()
	}
	return &AuditSink{log: log}
}

// Name 实现 Sink。
func (s *AuditSink) Name() string { return "audit" }

// Deliver 实现 Sink。
func (s *AuditSink) Deliver(ctx context.Context, evt events.Event) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, evt.Message,
		slog.Uint64("event_id", evt.ID),
		slog.String("agent_id", evt.AgentID),
		slog.String("category", string(evt.Category)),
		slog.Any("payload", evt.Payload),
		slog.Time("event_time", evt.Timestamp),
	)
	return nil
}

// Close 实现 Sink。
func (s *AuditSink) Close() error { return nil }
