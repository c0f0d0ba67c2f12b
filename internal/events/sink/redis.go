package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
)

// RedisConfig 描述 Redis sink 的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// HistoryKey 保存最近事件的 list。
	HistoryKey string
	// Channel 为空时不做 PUBLISH。
	Channel    string
	MaxHistory int64
}

type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink 把事件写入 Redis list，并可选地广播到频道。
type RedisSink struct {
	client     redisClient
	historyKey string
	channel    string
	maxHistory int64
}

// NewRedisSink 连接 Redis 并创建 sink。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client redisClient, cfg RedisConfig) *RedisSink {
	key := cfg.HistoryKey
	if key == "" {
		key = "fleet:events"
	}
	max := cfg.MaxHistory
	if max <= 0 {
		max = int64(events.DefaultCapacity)
	}
	return &RedisSink{client: client, historyKey: key, channel: cfg.Channel, maxHistory: max}
}

// Name 实现 Sink。
func (s *RedisSink) Name() string { return "redis" }

// Deliver 实现 Sink。
func (s *RedisSink) Deliver(ctx context.Context, evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSinkFailure, err, "序列化事件失败")
	}
	if err := s.client.LPush(ctx, s.historyKey, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeSinkFailure, err, "Redis 写入事件失败")
	}
	if err := s.client.LTrim(ctx, s.historyKey, 0, s.maxHistory-1).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeSinkFailure, err, "Redis 裁剪事件列表失败")
	}
	if s.channel != "" {
		if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeSinkFailure, err, "Redis 广播事件失败")
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
