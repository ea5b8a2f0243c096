package notification

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BacklogStore 保存每个主题最近的消息，新订阅者连接时补发
type BacklogStore interface {
	Append(ctx context.Context, topic string, payload []byte) error
	Recent(ctx context.Context, topic string) ([][]byte, error)
}

// MemoryBacklogStore 内存实现
type MemoryBacklogStore struct {
	mu    sync.Mutex
	limit int
	data  map[string][][]byte
}

// NewMemoryBacklogStore 创建内存存储
func NewMemoryBacklogStore(limit int) *MemoryBacklogStore {
	if limit <= 0 {
		limit = 50
	}
	return &MemoryBacklogStore{
		limit: limit,
		data:  make(map[string][][]byte),
	}
}

func (s *MemoryBacklogStore) Append(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := append(s.data[topic], append([]byte(nil), payload...))
	if len(queue) > s.limit {
		queue = queue[len(queue)-s.limit:]
	}
	s.data[topic] = queue
	return nil
}

// Recent 按发布顺序返回
func (s *MemoryBacklogStore) Recent(_ context.Context, topic string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.data[topic]
	out := make([][]byte, len(queue))
	copy(out, queue)
	return out, nil
}

// RedisBacklogStore 基于 Redis 的实现，多副本共享
type RedisBacklogStore struct {
	client redis.UniversalClient
	limit  int
	ttl    time.Duration
}

// NewRedisBacklogStore 创建 redis 存储
func NewRedisBacklogStore(client redis.UniversalClient, limit int, ttl time.Duration) *RedisBacklogStore {
	if limit <= 0 {
		limit = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisBacklogStore{client: client, limit: limit, ttl: ttl}
}

func (s *RedisBacklogStore) Append(ctx context.Context, topic string, payload []byte) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := s.key(topic)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.limit), -1)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisBacklogStore) Recent(ctx context.Context, topic string) ([][]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	values, err := s.client.LRange(ctx, s.key(topic), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	result := make([][]byte, 0, len(values))
	for _, v := range values {
		result = append(result, []byte(v))
	}
	return result, nil
}

func (s *RedisBacklogStore) key(topic string) string {
	return "ws_backlog:" + topic
}
