// README: Heatmap store backed by Redis sorted sets (order windows) and sets (available couriers).
package heatmap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"swiftdispatch/internal/types"
)

const (
	ordersKeyPrefix    = "heatmap:orders:%s"
	availableKeyPrefix = "heatmap:available:%s"
	courierKeyPrefix   = "heatmap:courier:%s"
	supplyKeyPrefix    = "heatmap:supply:%s"
	surgeKeyPrefix     = "heatmap:surge:%s"
)

type Store interface {
	RecordOrder(ctx context.Context, cell, member string, at time.Time, window time.Duration) error
	OrderCount(ctx context.Context, cell string, since time.Time) (int64, error)
	SetAvailability(ctx context.Context, cell string, courierID types.ID, available bool) error
	AvailableCount(ctx context.Context, cell string) (int64, error)
	SetReportedSupply(ctx context.Context, cell string, n int, ttl time.Duration) error
	ReportedSupply(ctx context.Context, cell string) (int64, error)
	CachedSurge(ctx context.Context, cell string) (float64, bool, error)
	CacheSurge(ctx context.Context, cell string, v float64, ttl time.Duration) error
	InvalidateSurge(ctx context.Context, cell string) error
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

// RecordOrder appends an arrival and prunes entries older than window.
func (s *RedisStore) RecordOrder(ctx context.Context, cell, member string, at time.Time, window time.Duration) error {
	key := fmt.Sprintf(ordersKeyPrefix, cell)
	cutoff := at.Add(-window).UnixMilli()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, 2*window)
		return nil
	})
	return err
}

func (s *RedisStore) OrderCount(ctx context.Context, cell string, since time.Time) (int64, error) {
	return s.redis.ZCount(ctx, fmt.Sprintf(ordersKeyPrefix, cell), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
}

// SetAvailability moves the courier between available sets so it is a
// member of at most one.
func (s *RedisStore) SetAvailability(ctx context.Context, cell string, courierID types.ID, available bool) error {
	id := string(courierID)
	courierKey := fmt.Sprintf(courierKeyPrefix, id)
	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, courierKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != cell {
				pipe.SRem(ctx, fmt.Sprintf(availableKeyPrefix, prev), id)
			}
			if available {
				pipe.SAdd(ctx, fmt.Sprintf(availableKeyPrefix, cell), id)
				pipe.Set(ctx, courierKey, cell, 0)
			} else {
				pipe.SRem(ctx, fmt.Sprintf(availableKeyPrefix, cell), id)
				pipe.Del(ctx, courierKey)
			}
			return nil
		})
		return err
	}
	for i := 0; i < 5; i++ {
		err := s.redis.Watch(ctx, txf, courierKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *RedisStore) AvailableCount(ctx context.Context, cell string) (int64, error) {
	return s.redis.SCard(ctx, fmt.Sprintf(availableKeyPrefix, cell)).Result()
}

func (s *RedisStore) SetReportedSupply(ctx context.Context, cell string, n int, ttl time.Duration) error {
	return s.redis.Set(ctx, fmt.Sprintf(supplyKeyPrefix, cell), n, ttl).Err()
}

func (s *RedisStore) ReportedSupply(ctx context.Context, cell string) (int64, error) {
	n, err := s.redis.Get(ctx, fmt.Sprintf(supplyKeyPrefix, cell)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) CachedSurge(ctx context.Context, cell string) (float64, bool, error) {
	v, err := s.redis.Get(ctx, fmt.Sprintf(surgeKeyPrefix, cell)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *RedisStore) CacheSurge(ctx context.Context, cell string, v float64, ttl time.Duration) error {
	return s.redis.Set(ctx, fmt.Sprintf(surgeKeyPrefix, cell), strconv.FormatFloat(v, 'f', -1, 64), ttl).Err()
}

func (s *RedisStore) InvalidateSurge(ctx context.Context, cell string) error {
	return s.redis.Del(ctx, fmt.Sprintf(surgeKeyPrefix, cell)).Err()
}
