package events

import (
	"log/slog"
	"sync"

	"OpenMCP-Fleet/internal/clock"
	"OpenMCP-Fleet/pkg/logger"
)

// DefaultCapacity 是环形缓冲区的默认容量。
const DefaultCapacity = 500

// Bus 是有界、只追加的事件日志，满后按 FIFO 淘汰最旧的事件。
type Bus struct {
	mu       sync.Mutex
	clock    clock.Clock
	log      *slog.Logger
	buffer   []Event
	head     int
	size     int
	nextID   uint64
	subs     map[uint64]*Subscription
	nextSub  uint64
	capacity int
}

// Option 定义可选的总线配置。
type Option func(*Bus)

// WithCapacity 设置环形缓冲区容量。
func WithCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithClock 指定事件时间戳使用的时钟。
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger 指定记录订阅者异常的日志器。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// New 创建事件总线。
func New(opts ...Option) *Bus {
	b := &Bus{
		clock:    clock.Real(),
		log:      logger.Named("events"),
		capacity: DefaultCapacity,
		subs:     make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.buffer = make([]Event, b.capacity)
	return b
}

// Publish 追加一条事件并投递给所有订阅者，不会因订阅者而阻塞。
func (b *Bus) Publish(agentID string, category Category, message string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	evt := Event{
		ID:        b.nextID,
		AgentID:   agentID,
		Category:  category,
		Message:   message,
		Payload:   clonePayload(payload),
		Timestamp: b.clock.Now(),
	}

	idx := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		b.buffer[b.head] = evt
		b.head = (b.head + 1) % b.capacity
	} else {
		b.buffer[idx] = evt
		b.size++
	}

	// 在持锁状态下入队，保证所有订阅者看到一致的发布顺序。
	for _, sub := range b.subs {
		sub.enqueue(evt)
	}
	return evt
}

// Recent 返回最近的 limit 条事件，按发布顺序排列；limit <= 0 表示全部。
func (b *Bus) Recent(limit int) []Event {
	return b.collect(limit, func(Event) bool { return true })
}

// ForAgent 返回指定智能体最近的事件。
func (b *Bus) ForAgent(agentID string, limit int) []Event {
	return b.collect(limit, func(evt Event) bool { return evt.AgentID == agentID })
}

func (b *Bus) collect(limit int, match func(Event) bool) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		evt := b.buffer[(b.head+i)%b.capacity]
		if match(evt) {
			matched = append(matched, evt)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Len 返回当前缓存的事件数量。
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity 返回缓冲区容量。
func (b *Bus) Capacity() int {
	return b.capacity
}

// Subscribe 注册订阅者。订阅者在独立协程中按发布顺序收到订阅之后的每一条事件。
func (b *Bus) Subscribe(handler func(Event)) *Subscription {
	sub := newSubscription(b, handler)
	b.mu.Lock()
	b.nextSub++
	sub.id = b.nextSub
	b.subs[sub.id] = sub
	b.mu.Unlock()
	go sub.run()
	return sub
}

func (b *Bus) detach(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
