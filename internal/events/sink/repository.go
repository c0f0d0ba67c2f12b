package sink

import (
	"context"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
)

// EventWriter 是持久化事件所需的最小仓储接口。
type EventWriter interface {
	AppendEvent(ctx context.Context, evt events.Event) error
}

// RepositorySink 把事件写入事件仓储。
type RepositorySink struct {
	repo EventWriter
}

// NewRepositorySink 创建仓储 sink。
func NewRepositorySink(repo EventWriter) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Name 实现 Sink。
func (s *RepositorySink) Name() string { return "repository" }

// Deliver 实现 Sink。
func (s *RepositorySink) Deliver(ctx context.Context, evt events.Event) error {
	if s.repo == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件仓储未配置")
	}
	return s.repo.AppendEvent(ctx, evt)
}

// Close 实现 Sink。仓储的生命周期由调用方管理。
func (s *RepositorySink) Close() error { return nil }
