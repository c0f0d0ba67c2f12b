package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Subscription 表示一个已注册的订阅者。
type Subscription struct {
	id      uint64
	bus     *Bus
	handler func(Event)

	mu      sync.Mutex
	queue   []Event
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSubscription(bus *Bus, handler func(Event)) *Subscription {
	return &Subscription{
		bus:     bus,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			s.deliver(evt)
		}
	}
}

func (s *Subscription) deliver(evt Event) {
	if s.handler == nil {
		return
	}
	defer func() {
		// 订阅者的 panic 只记录日志，不影响其他订阅者或发布方。
		if r := recover(); r != nil {
			s.bus.log.Error("订阅者处理事件时 panic",
				slog.Uint64("subscription", s.id),
				slog.Uint64("event_id", evt.ID),
				slog.String("category", string(evt.Category)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.handler(evt)
}

// Pending 返回尚未投递的事件数量。
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close 解除订阅，已入队的事件会在返回前投递完毕。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.detach(s.id)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		<-s.stopped
	})
}
