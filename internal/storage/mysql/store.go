package mysql

import (
	"context"
	"time"

	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
)

// memoryCap 是内存仓库每类记录保留的条数。
const memoryCap = 512

// Config 描述 MySQL 连接池。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// EventRepository 持久化事件总线的记录。
type EventRepository interface {
	AppendEvent(ctx context.Context, evt events.Event) error
	ListEvents(ctx context.Context, agentID string, limit int) ([]events.Event, error)
}

// DecisionRepository 持久化闸门决策。
type DecisionRepository interface {
	RecordDecision(ctx context.Context, d policy.Decision) error
	ListDecisions(ctx context.Context, agentID string, limit int) ([]policy.Decision, error)
}

// CycleRepository 持久化封存的周期。
type CycleRepository interface {
	RecordCycle(ctx context.Context, c scheduler.Cycle) error
	ListCycles(ctx context.Context, agentID string, limit int) ([]scheduler.Cycle, error)
}

// Store 汇总三类仓库。agentID 为空表示不过滤；结果按时间倒序排列。
type Store interface {
	EventRepository
	DecisionRepository
	CycleRepository
	Close() error
}
