package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
)

// RabbitMQConfig 描述 RabbitMQ sink 的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink 把事件以 JSON 形式投递到队列。
type RabbitMQSink struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "fleet.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Deliver 实现 Sink。amqp channel 不支持并发发布，因此串行化。
func (s *RabbitMQSink) Deliver(ctx context.Context, evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSinkFailure, err, "序列化事件失败")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ sink 未初始化")
	}
	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(evt.Category),
		Timestamp:    evt.Timestamp,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSinkFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
