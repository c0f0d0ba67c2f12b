package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
)

// jsonLog 是追加写的 JSON-lines 文件加上一个最新在前的内存窗口。
type jsonLog[T any] struct {
	mu       sync.RWMutex
	dataFile string
	records  []T
	agentOf  func(T) string
}

func openJSONLog[T any](dir, name string, agentOf func(T) string) (*jsonLog[T], error) {
	l := &jsonLog[T]{dataFile: filepath.Join(dir, name), agentOf: agentOf}
	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *jsonLog[T]) append(record T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开 %s 失败: %w", filepath.Base(l.dataFile), err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", filepath.Base(l.dataFile), err)
	}

	l.records = append([]T{record}, l.records...)
	if len(l.records) > memoryCap {
		l.records = l.records[:memoryCap]
	}
	return nil
}

func (l *jsonLog[T]) list(agentID string, limit int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]T, 0, len(l.records))
	for _, r := range l.records {
		if agentID != "" && l.agentOf(r) != agentID {
			continue
		}
		results = append(results, r)
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results
}

func (l *jsonLog[T]) loadFromDisk() error {
	file, err := os.OpenFile(l.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取 %s 失败: %w", filepath.Base(l.dataFile), err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []T
	for scanner.Scan() {
		var record T
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]T{record}, restored...)
		if len(restored) > memoryCap {
			restored = restored[:memoryCap]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", filepath.Base(l.dataFile), err)
	}
	l.records = restored
	return nil
}

// MemoryStore 使用本地 JSON-lines 文件模拟 MySQL，适合开发与 dry-run。
type MemoryStore struct {
	events    *jsonLog[events.Event]
	decisions *jsonLog[policy.Decision]
	cycles    *jsonLog[scheduler.Cycle]
}

// NewMemoryStore 在 dataDir 下创建或恢复三个日志文件。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	evts, err := openJSONLog(dataDir, "events.log", func(e events.Event) string { return e.AgentID })
	if err != nil {
		return nil, err
	}
	decisions, err := openJSONLog(dataDir, "decisions.log", func(d policy.Decision) string { return d.AgentID })
	if err != nil {
		return nil, err
	}
	cycles, err := openJSONLog(dataDir, "cycles.log", func(c scheduler.Cycle) string { return c.AgentID })
	if err != nil {
		return nil, err
	}
	return &MemoryStore{events: evts, decisions: decisions, cycles: cycles}, nil
}

// AppendEvent 实现 EventRepository。
func (m *MemoryStore) AppendEvent(_ context.Context, evt events.Event) error {
	return m.events.append(evt)
}

// ListEvents 实现 EventRepository。
func (m *MemoryStore) ListEvents(_ context.Context, agentID string, limit int) ([]events.Event, error) {
	return m.events.list(agentID, limit), nil
}

// RecordDecision 实现 DecisionRepository。
func (m *MemoryStore) RecordDecision(_ context.Context, d policy.Decision) error {
	return m.decisions.append(d)
}

// ListDecisions 实现 DecisionRepository。
func (m *MemoryStore) ListDecisions(_ context.Context, agentID string, limit int) ([]policy.Decision, error) {
	return m.decisions.list(agentID, limit), nil
}

// RecordCycle 实现 CycleRepository。
func (m *MemoryStore) RecordCycle(_ context.Context, c scheduler.Cycle) error {
	return m.cycles.append(c)
}

// ListCycles 实现 CycleRepository。
func (m *MemoryStore) ListCycles(_ context.Context, agentID string, limit int) ([]scheduler.Cycle, error) {
	return m.cycles.list(agentID, limit), nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
