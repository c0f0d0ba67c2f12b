package directive

import (
	"context"
	"sync"
)

// Static 是进程内的指令源，Update 会生成新的版本。
type Static struct {
	mu      sync.RWMutex
	current Set
}

// NewStatic 使用初始键值创建指令源，初始版本为 1。
func NewStatic(initial map[string]string) (*Static, error) {
	set, err := Parse(1, initial)
	if err != nil {
		return nil, err
	}
	return &Static{current: set}, nil
}

// Load 实现 Source。
func (s *Static) Load(context.Context) (Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// Update 合并键值并递增版本，解析失败时保持原版本不变。
func (s *Static) Update(changes map[string]string) (Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.current.Raw()
	for key, value := range changes {
		merged[key] = value
	}
	next, err := Parse(s.current.version+1, merged)
	if err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}
