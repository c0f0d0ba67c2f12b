package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
)

const defaultListLimit = 100

// SQLStore 使用 MySQL 存储事件、决策与周期。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 创建连接池并执行嵌入的迁移。
func NewSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
	}
	return store, nil
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// AppendEvent 实现 EventRepository。
func (s *SQLStore) AppendEvent(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("序列化事件负载失败: %w", err)
	}
	const stmt = `INSERT INTO fleet_events
    (seq, agent_id, category, message, payload, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		evt.ID,
		evt.AgentID,
		string(evt.Category),
		evt.Message,
		string(payload),
		evt.Timestamp.UnixMilli(),
	); err != nil {
		return storageError(err, "写入事件失败")
	}
	return nil
}

// ListEvents 实现 EventRepository。
func (s *SQLStore) ListEvents(ctx context.Context, agentID string, limit int) ([]events.Event, error) {
	query := `SELECT seq, agent_id, category, message, payload, occurred_at
    FROM fleet_events ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args := []any{normalizeLimit(limit)}
	if agentID != "" {
		query = `SELECT seq, agent_id, category, message, payload, occurred_at
    FROM fleet_events WHERE agent_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`
		args = append([]any{agentID}, args...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询事件失败")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			evt      events.Event
			category string
			payload  string
			millis   int64
		)
		if err := rows.Scan(&evt.ID, &evt.AgentID, &category, &evt.Message, &payload, &millis); err != nil {
			return nil, storageError(err, "解析事件失败")
		}
		evt.Category = events.Category(category)
		evt.Timestamp = time.UnixMilli(millis).UTC()
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
				return nil, storageError(err, "解析事件负载失败")
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历事件失败")
	}
	return out, nil
}

// RecordDecision 实现 DecisionRepository 与 policy.Recorder。
func (s *SQLStore) RecordDecision(ctx context.Context, d policy.Decision) error {
	checks, err := json.Marshal(d.Checks)
	if err != nil {
		return fmt.Errorf("序列化检查项失败: %w", err)
	}
	quoteID := ""
	if d.Quote != nil {
		quoteID = d.Quote.ID
	}
	const stmt = `INSERT INTO policy_decisions
    (id, agent_id, action_id, kind, amount, target, approved, reason, checks, decided_at, quote_id)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		d.ID,
		d.AgentID,
		d.ActionID,
		d.Kind,
		d.Amount,
		d.Target,
		d.Approved,
		d.Reason,
		string(checks),
		d.Timestamp.UnixMilli(),
		quoteID,
	); err != nil {
		return storageError(err, "写入决策失败")
	}
	return nil
}

// ListDecisions 实现 DecisionRepository。
func (s *SQLStore) ListDecisions(ctx context.Context, agentID string, limit int) ([]policy.Decision, error) {
	query := `SELECT id, agent_id, action_id, kind, amount, target, approved, reason, checks, decided_at
    FROM policy_decisions ORDER BY decided_at DESC LIMIT ?`
	args := []any{normalizeLimit(limit)}
	if agentID != "" {
		query = `SELECT id, agent_id, action_id, kind, amount, target, approved, reason, checks, decided_at
    FROM policy_decisions WHERE agent_id = ? ORDER BY decided_at DESC LIMIT ?`
		args = append([]any{agentID}, args...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询决策失败")
	}
	defer rows.Close()

	var out []policy.Decision
	for rows.Next() {
		var (
			d      policy.Decision
			checks string
			millis int64
		)
		if err := rows.Scan(&d.ID, &d.AgentID, &d.ActionID, &d.Kind, &d.Amount, &d.Target, &d.Approved, &d.Reason, &checks, &millis); err != nil {
			return nil, storageError(err, "解析决策失败")
		}
		d.Timestamp = time.UnixMilli(millis).UTC()
		if err := json.Unmarshal([]byte(checks), &d.Checks); err != nil {
			return nil, storageError(err, "解析检查项失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历决策失败")
	}
	return out, nil
}

// RecordCycle 实现 CycleRepository 与 scheduler.CycleRecorder。
func (s *SQLStore) RecordCycle(ctx context.Context, c scheduler.Cycle) error {
	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return fmt.Errorf("序列化动作结果失败: %w", err)
	}
	const stmt = `INSERT INTO agent_cycles
    (agent_id, seq, decision, directive_version, balance, actions, error, started_at, ended_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		c.AgentID,
		c.Seq,
		string(c.Decision),
		c.DirectiveVersion,
		c.Balance,
		string(actions),
		c.Error,
		c.StartedAt.UnixMilli(),
		c.EndedAt.UnixMilli(),
	); err != nil {
		return storageError(err, "写入周期失败")
	}
	return nil
}

// ListCycles 实现 CycleRepository。
func (s *SQLStore) ListCycles(ctx context.Context, agentID string, limit int) ([]scheduler.Cycle, error) {
	query := `SELECT agent_id, seq, decision, directive_version, balance, actions, error, started_at, ended_at
    FROM agent_cycles ORDER BY started_at DESC LIMIT ?`
	args := []any{normalizeLimit(limit)}
	if agentID != "" {
		query = `SELECT agent_id, seq, decision, directive_version, balance, actions, error, started_at, ended_at
    FROM agent_cycles WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`
		args = append([]any{agentID}, args...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询周期失败")
	}
	defer rows.Close()

	var out []scheduler.Cycle
	for rows.Next() {
		var (
			c              scheduler.Cycle
			decision       string
			actions        string
			started, ended int64
		)
		if err := rows.Scan(&c.AgentID, &c.Seq, &decision, &c.DirectiveVersion, &c.Balance, &actions, &c.Error, &started, &ended); err != nil {
			return nil, storageError(err, "解析周期失败")
		}
		c.Decision = scheduler.Decision(decision)
		c.StartedAt = time.UnixMilli(started).UTC()
		c.EndedAt = time.UnixMilli(ended).UTC()
		c.Duration = c.EndedAt.Sub(c.StartedAt)
		if actions != "" && actions != "null" {
			if err := json.Unmarshal([]byte(actions), &c.Actions); err != nil {
				return nil, storageError(err, "解析动作结果失败")
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历周期失败")
	}
	return out, nil
}
