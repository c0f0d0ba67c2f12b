// Package sink forwards events from the bus to durable or remote destinations.
package sink

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/pkg/logger"
)

// Sink 接收总线上的事件。投递失败只记录日志，不会影响发布方。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt events.Event) error
	Close() error
}

// DefaultDeliverTimeout 是单条事件投递的超时时间。
const DefaultDeliverTimeout = 5 * time.Second

// Attachment 表示已挂载到总线上的 sink。
type Attachment struct {
	sink    Sink
	sub     *events.Subscription
	timeout time.Duration
	log     *slog.Logger
}

// AttachOption 定义挂载选项。
type AttachOption func(*Attachment)

// WithDeliverTimeout 覆盖单条事件的投递超时。
func WithDeliverTimeout(d time.Duration) AttachOption {
	return func(a *Attachment) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// Attach 订阅总线并把每条事件交给 sink。
func Attach(bus *events.Bus, s Sink, opts ...AttachOption) *Attachment {
	a := &Attachment{
		sink:    s,
		timeout: DefaultDeliverTimeout,
		log:     logger.Named("event-sink").With(slog.String("sink", s.Name())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.sub = bus.Subscribe(a.deliver)
	return a
}

func (a *Attachment) deliver(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Deliver(ctx, evt); err != nil {
		a.log.Warn("事件投递失败", slog.Uint64("event_id", evt.ID), slog.String("category", string(evt.Category)), slog.Any("error", err))
	}
}

// Close 投递完已入队的事件后解除订阅并关闭 sink。
func (a *Attachment) Close() error {
	if a == nil {
		return nil
	}
	a.sub.Close()
	return a.sink.Close()
}
