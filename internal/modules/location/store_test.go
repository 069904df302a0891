// README: Redis store tests against miniredis.
package location

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/types"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr, rdb
}

func testLocation(id string, p types.Point) Location {
	return Location{
		CourierID:  types.ID(id),
		Point:      p,
		Cell:       geo.NewGrid(9).Cell(p),
		Speed:      12.5,
		ObservedAt: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestRedisUpsertWritesAllRecords(t *testing.T) {
	store, _, rdb := newRedisStore(t)
	ctx := context.Background()

	loc := testLocation("d1", taipei)
	prev, err := store.Upsert(ctx, loc, onDuty(VehicleCar), 30*time.Second)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if prev != "" {
		t.Fatalf("prev = %q, want empty", prev)
	}

	if ok, _ := rdb.SIsMember(ctx, cellKey(loc.Cell), "d1").Result(); !ok {
		t.Fatal("courier missing from cell set")
	}
	if ok, _ := rdb.SIsMember(ctx, trackedKey, "d1").Result(); !ok {
		t.Fatal("courier not tracked")
	}
	ttl := rdb.TTL(ctx, beatKey("d1")).Val()
	if ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("heartbeat ttl = %v", ttl)
	}

	recs, err := store.Records(ctx, []types.ID{"d1"})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	rec := recs["d1"]
	if rec.Location.Point != taipei || rec.Location.Speed != 12.5 {
		t.Fatalf("location = %+v", rec.Location)
	}
	if !rec.HasStatus || rec.Status.VehicleType != VehicleCar || rec.Status.MaxCapacity != 2 || !rec.Alive {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRedisUpsertMovesCell(t *testing.T) {
	store, _, rdb := newRedisStore(t)
	ctx := context.Background()

	a := testLocation("d1", taipei)
	b := testLocation("d1", geo.Destination(taipei, 90, 6))
	if _, err := store.Upsert(ctx, a, onDuty(VehicleBike), time.Minute); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	prev, err := store.Upsert(ctx, b, nil, time.Minute)
	if err != nil {
		t.Fatalf("Upsert b: %v", err)
	}
	if prev != a.Cell {
		t.Fatalf("prev = %q, want %q", prev, a.Cell)
	}
	if ok, _ := rdb.SIsMember(ctx, cellKey(a.Cell), "d1").Result(); ok {
		t.Fatal("courier left in old cell")
	}
	members, err := store.CellMembers(ctx, []string{a.Cell, b.Cell})
	if err != nil {
		t.Fatalf("CellMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "d1" {
		t.Fatalf("members = %v", members)
	}
	recs, _ := store.Records(ctx, []types.ID{"d1"})
	if recs["d1"].Status.VehicleType != VehicleBike {
		t.Fatalf("status lost on move: %+v", recs["d1"].Status)
	}
}

func TestRedisDelete(t *testing.T) {
	store, mr, _ := newRedisStore(t)
	ctx := context.Background()
	loc := testLocation("d1", taipei)
	if _, err := store.Upsert(ctx, loc, onDuty(VehicleBike), time.Minute); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	removed, err := store.Delete(ctx, "d1")
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	for _, k := range []string{locKey("d1"), statusKey("d1"), beatKey("d1")} {
		if mr.Exists(k) {
			t.Fatalf("key %s survived delete", k)
		}
	}
	removed, err = store.Delete(ctx, "d1")
	if err != nil || removed {
		t.Fatalf("second Delete = %v, %v", removed, err)
	}
}

func TestRedisDeleteIfStale(t *testing.T) {
	store, mr, _ := newRedisStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, testLocation("d1", taipei), onDuty(VehicleBike), 30*time.Second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	removed, err := store.DeleteIfStale(ctx, "d1")
	if err != nil || removed {
		t.Fatalf("live courier: DeleteIfStale = %v, %v", removed, err)
	}

	mr.FastForward(31 * time.Second)
	removed, err = store.DeleteIfStale(ctx, "d1")
	if err != nil || !removed {
		t.Fatalf("stale courier: DeleteIfStale = %v, %v", removed, err)
	}
	tracked, _ := store.Tracked(ctx)
	if len(tracked) != 0 {
		t.Fatalf("tracked = %v", tracked)
	}
}

var beatAt = time.Date(2024, 3, 4, 9, 0, 8, 0, time.UTC)

func TestRedisTouch(t *testing.T) {
	store, mr, _ := newRedisStore(t)
	ctx := context.Background()
	if ok, err := store.Touch(ctx, "ghost", beatAt, time.Minute); err != nil || ok {
		t.Fatalf("Touch unknown = %v, %v", ok, err)
	}
	if _, err := store.Upsert(ctx, testLocation("d1", taipei), nil, 10*time.Second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	mr.FastForward(8 * time.Second)
	if ok, err := store.Touch(ctx, "d1", beatAt, 10*time.Second); err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	mr.FastForward(8 * time.Second)
	recs, _ := store.Records(ctx, []types.ID{"d1"})
	if !recs["d1"].Alive {
		t.Fatal("heartbeat not extended")
	}
}

func TestRedisTouchAfterDeleteLeavesNoHeartbeat(t *testing.T) {
	store, mr, _ := newRedisStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, testLocation("d1", taipei), nil, time.Minute); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if v, err := store.Touch(ctx, "d1", beatAt, time.Minute); err != nil || !v {
		t.Fatalf("Touch = %v, %v", v, err)
	}
	if got, _ := mr.Get(beatKey("d1")); got != fmt.Sprint(beatAt.UnixMilli()) {
		t.Fatalf("heartbeat = %q, want the supplied time", got)
	}
	if _, err := store.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, err := store.Touch(ctx, "d1", beatAt, time.Minute); err != nil || v {
		t.Fatalf("Touch after delete = %v, %v", v, err)
	}
	if mr.Exists(beatKey("d1")) {
		t.Fatal("orphan heartbeat key left behind")
	}
}

func TestServiceOverRedisStore(t *testing.T) {
	store, mr, _ := newRedisStore(t)
	svc := NewService(store, geo.NewGrid(9), Config{HeartbeatTTL: 30 * time.Second}, nil, nil)
	ctx := context.Background()

	mustIndex(t, svc, "near", geo.Destination(taipei, 180, 1.5), onDuty(VehicleBike))
	mustIndex(t, svc, "far", geo.Destination(taipei, 180, 3.5), onDuty(VehicleBike))

	got, err := svc.FindNearby(ctx, taipei, 3, DispatchFilter())
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(got) != 1 || got[0].CourierID != "near" {
		t.Fatalf("got %v", ids(got))
	}

	mr.FastForward(time.Minute)
	n, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
}
