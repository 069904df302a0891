// README: Redis heatmap store tests against miniredis.
package heatmap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisOrderWindow(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC)
	window := 15 * time.Minute

	if err := s.RecordOrder(ctx, "c1", "o1", base, window); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if err := s.RecordOrder(ctx, "c1", "o2", base.Add(10*time.Minute), window); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if err := s.RecordOrder(ctx, "c1", "o3", base.Add(20*time.Minute), window); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	n, err := s.OrderCount(ctx, "c1", base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("OrderCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	// o1 was pruned by the third write.
	all, _ := s.OrderCount(ctx, "c1", time.Time{})
	if all != 2 {
		t.Fatalf("window holds %d entries, want 2", all)
	}
}

func TestRedisAvailabilityMoves(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.SetAvailability(ctx, "a", "d1", true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	if err := s.SetAvailability(ctx, "b", "d1", true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	if n, _ := s.AvailableCount(ctx, "a"); n != 0 {
		t.Fatalf("a = %d", n)
	}
	if n, _ := s.AvailableCount(ctx, "b"); n != 1 {
		t.Fatalf("b = %d", n)
	}
	if err := s.SetAvailability(ctx, "a", "d1", false); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	if n, _ := s.AvailableCount(ctx, "b"); n != 0 {
		t.Fatalf("b = %d after going unavailable", n)
	}
	if mr.Exists("heatmap:courier:d1") {
		t.Fatal("courier cell mapping survived")
	}
}

func TestRedisSurgeCacheAndSupply(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if _, ok, err := s.CachedSurge(ctx, "c1"); err != nil || ok {
		t.Fatalf("CachedSurge empty = %v, %v", ok, err)
	}
	if err := s.CacheSurge(ctx, "c1", 2.25, 5*time.Minute); err != nil {
		t.Fatalf("CacheSurge: %v", err)
	}
	v, ok, err := s.CachedSurge(ctx, "c1")
	if err != nil || !ok || v != 2.25 {
		t.Fatalf("CachedSurge = %v, %v, %v", v, ok, err)
	}
	if err := s.InvalidateSurge(ctx, "c1"); err != nil {
		t.Fatalf("InvalidateSurge: %v", err)
	}
	if _, ok, _ := s.CachedSurge(ctx, "c1"); ok {
		t.Fatal("surge cache survived invalidation")
	}

	if err := s.SetReportedSupply(ctx, "c1", 4, time.Minute); err != nil {
		t.Fatalf("SetReportedSupply: %v", err)
	}
	if n, _ := s.ReportedSupply(ctx, "c1"); n != 4 {
		t.Fatalf("ReportedSupply = %d", n)
	}
	mr.FastForward(2 * time.Minute)
	if n, _ := s.ReportedSupply(ctx, "c1"); n != 0 {
		t.Fatalf("expired supply = %d", n)
	}
}
