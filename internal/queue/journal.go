package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Journal 持久化尚未投递成功的消息。
type Journal interface {
	Save(ctx context.Context, msg Message) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Message, error)
}

// MemoryJournal 在内存中保存消息，进程退出即丢失，适用于测试与单机部署。
type MemoryJournal struct {
	mu   sync.Mutex
	msgs map[string]Message
}

// NewMemoryJournal 创建内存日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{msgs: make(map[string]Message)}
}

// Save 实现 Journal。
func (j *MemoryJournal) Save(_ context.Context, msg Message) error {
	j.mu.Lock()
	j.msgs[msg.ID] = msg
	j.mu.Unlock()
	return nil
}

// Delete 实现 Journal。
func (j *MemoryJournal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	delete(j.msgs, id)
	j.mu.Unlock()
	return nil
}

// Load 实现 Journal。
func (j *MemoryJournal) Load(context.Context) ([]Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Message, 0, len(j.msgs))
	for _, m := range j.msgs {
		out = append(out, m)
	}
	return out, nil
}

// RedisConfig 描述 Redis 日志的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// RedisJournal 使用 Redis hash 保存消息，键为消息 ID。
type RedisJournal struct {
	client redis.UniversalClient
	key    string
}

// NewRedisJournal 连接 Redis 并创建日志。
func NewRedisJournal(ctx context.Context, cfg RedisConfig) (*RedisJournal, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisJournalWithClient(client, cfg.Key), nil
}

// NewRedisJournalWithClient 复用已有的 Redis 客户端。
func NewRedisJournalWithClient(client redis.UniversalClient, key string) *RedisJournal {
	if key == "" {
		key = "openplugin:queue:messages"
	}
	return &RedisJournal{client: client, key: key}
}

// Save 实现 Journal。
func (j *RedisJournal) Save(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return j.client.HSet(ctx, j.key, msg.ID, raw).Err()
}

// Delete 实现 Journal。
func (j *RedisJournal) Delete(ctx context.Context, id string) error {
	return j.client.HDel(ctx, j.key, id).Err()
}

// Load 实现 Journal。无法解析的条目会被跳过并删除。
func (j *RedisJournal) Load(ctx context.Context) ([]Message, error) {
	entries, err := j.client.HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	out := make([]Message, 0, len(entries))
	for id, raw := range entries {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			_ = j.client.HDel(ctx, j.key, id).Err()
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Close 关闭底层连接。
func (j *RedisJournal) Close() error {
	if j == nil || j.client == nil {
		return nil
	}
	return j.client.Close()
}
