package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Fleet/internal/directive"
	xerrors "OpenMCP-Fleet/internal/errors"
)

// VersionField 是指令哈希中保存版本号的保留字段。
const VersionField = "_version"

const defaultKey = "openmcp:fleet:directives"

// Config 描述指令哈希所在的 Redis。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

type hashClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	Close() error
}

// DirectiveSource 从 Redis 哈希读取指令，实现 directive.Source。
type DirectiveSource struct {
	client hashClient
	key    string
}

// NewDirectiveSource 连接 Redis 并返回指令源。
func NewDirectiveSource(ctx context.Context, cfg Config) (*DirectiveSource, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.ConfigError("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.ServiceError("redis", fmt.Errorf("连接 Redis 失败: %w", err))
	}
	return newDirectiveSource(client, cfg.Key), nil
}

func newDirectiveSource(client hashClient, key string) *DirectiveSource {
	if strings.TrimSpace(key) == "" {
		key = defaultKey
	}
	return &DirectiveSource{client: client, key: key}
}

// Load 实现 directive.Source。哈希不存在时返回版本 0 的空指令集。
func (s *DirectiveSource) Load(ctx context.Context) (directive.Set, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return directive.Set{}, xerrors.ServiceError("redis", err)
	}

	var version int64
	if text, ok := raw[VersionField]; ok {
		version, err = strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return directive.Set{}, xerrors.ConfigError("指令版本 %q 无法解析", text)
		}
		delete(raw, VersionField)
	}
	return directive.Parse(version, raw)
}

// Update 写入键值并递增版本号。写入前先校验，非法值不会进入 Redis。
func (s *DirectiveSource) Update(ctx context.Context, changes map[string]string) (directive.Set, error) {
	if _, err := directive.Parse(0, changes); err != nil {
		return directive.Set{}, err
	}
	if len(changes) > 0 {
		values := make([]interface{}, 0, len(changes)*2)
		for key, value := range changes {
			if key == VersionField {
				continue
			}
			values = append(values, key, value)
		}
		if err := s.client.HSet(ctx, s.key, values...).Err(); err != nil {
			return directive.Set{}, xerrors.ServiceError("redis", err)
		}
	}
	if err := s.client.HIncrBy(ctx, s.key, VersionField, 1).Err(); err != nil {
		return directive.Set{}, xerrors.ServiceError("redis", err)
	}
	return s.Load(ctx)
}

// Close 关闭 Redis 连接。
func (s *DirectiveSource) Close() error {
	return s.client.Close()
}

var _ directive.Source = (*DirectiveSource)(nil)
