// README: Dispatch attempt bookkeeping backed by Redis strings and sets.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"swiftdispatch/internal/types"
)

const (
	attemptsKeyPrefix   = "matching:order:%s:attempts"
	dispatchKeyPrefix   = "matching:order:%s:dispatched_at"
	consideredKeyPrefix = "matching:order:%s:considered"
	// orders resolve well within a day; keys outlive them only briefly.
	keyTTL = 24 * time.Hour
)

// AttemptStore remembers how often an order went through dispatch and
// which couriers were considered.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, orderID types.ID, considered []types.ID, at time.Time) (int, error)
	Attempts(ctx context.Context, orderID types.ID) (count int, firstAt time.Time, err error)
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) RecordAttempt(ctx context.Context, orderID types.ID, considered []types.ID, at time.Time) (int, error) {
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, attemptsKey(orderID))
	pipe.Expire(ctx, attemptsKey(orderID), keyTTL)
	pipe.SetNX(ctx, dispatchedAtKey(orderID), at.UTC().Format(time.RFC3339Nano), keyTTL)
	if len(considered) > 0 {
		members := make([]interface{}, len(considered))
		for i, id := range considered {
			members[i] = string(id)
		}
		pipe.SAdd(ctx, consideredKey(orderID), members...)
		pipe.Expire(ctx, consideredKey(orderID), keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Attempts(ctx context.Context, orderID types.ID) (int, time.Time, error) {
	n, err := s.redis.Get(ctx, attemptsKey(orderID)).Int()
	if err == redis.Nil {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	val, err := s.redis.Get(ctx, dispatchedAtKey(orderID)).Result()
	if err == redis.Nil {
		return n, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, at, nil
}

func attemptsKey(orderID types.ID) string {
	return fmt.Sprintf(attemptsKeyPrefix, string(orderID))
}

func dispatchedAtKey(orderID types.ID) string {
	return fmt.Sprintf(dispatchKeyPrefix, string(orderID))
}

func consideredKey(orderID types.ID) string {
	return fmt.Sprintf(consideredKeyPrefix, string(orderID))
}

type MemoryStore struct {
	mu      sync.Mutex
	count   map[types.ID]int
	firstAt map[types.ID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{count: make(map[types.ID]int), firstAt: make(map[types.ID]time.Time)}
}

func (m *MemoryStore) RecordAttempt(_ context.Context, orderID types.ID, _ []types.ID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count[orderID]++
	if _, ok := m.firstAt[orderID]; !ok {
		m.firstAt[orderID] = at
	}
	return m.count[orderID], nil
}

func (m *MemoryStore) Attempts(_ context.Context, orderID types.ID) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[orderID], m.firstAt[orderID], nil
}
