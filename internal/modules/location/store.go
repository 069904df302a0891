// README: Courier index store backed by Redis sets and hashes; writes go through WATCH + MULTI/EXEC.
package location

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
	cellKeyPrefix   = "courier:cell:%s"
	locKeyPrefix    = "courier:%s:loc"
	statusKeyPrefix = "courier:%s:status"
	beatKeyPrefix   = "courier:%s:heartbeat"
	trackedKey      = "couriers:tracked"

	maxTxRetries = 5
	unionBatch   = 256
)

// Store is the persistence port of the courier index. Every write is
// atomic per courier: readers never observe a courier in a cell set
// without its location and status records.
type Store interface {
	Upsert(ctx context.Context, loc Location, status *Status, ttl time.Duration) (prevCell string, err error)
	Delete(ctx context.Context, id types.ID) (bool, error)
	DeleteIfStale(ctx context.Context, id types.ID) (bool, error)
	Touch(ctx context.Context, id types.ID, at time.Time, ttl time.Duration) (bool, error)
	CellMembers(ctx context.Context, cells []string) ([]types.ID, error)
	Records(ctx context.Context, ids []types.ID) (map[types.ID]Record, error)
	Tracked(ctx context.Context) ([]types.ID, error)
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) Upsert(ctx context.Context, loc Location, status *Status, ttl time.Duration) (string, error) {
	id := string(loc.CourierID)
	var prev string
	txf := func(tx *redis.Tx) error {
		p, err := tx.HGet(ctx, locKey(id), "cell").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		prev = p
		hasStatus, err := tx.Exists(ctx, statusKey(id)).Result()
		if err != nil {
			return err
		}

		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != loc.Cell {
				pipe.SRem(ctx, cellKey(prev), id)
			}
			pipe.SAdd(ctx, cellKey(loc.Cell), id)
			pipe.HSet(ctx, locKey(id), locationFields(loc))
			switch {
			case status != nil:
				pipe.HSet(ctx, statusKey(id), statusFields(*status))
			case hasStatus == 0:
				pipe.HSet(ctx, statusKey(id), statusFields(DefaultStatus(loc.ObservedAt)))
			default:
				pipe.HSet(ctx, statusKey(id), "last_update", loc.ObservedAt.UnixMilli())
			}
			pipe.Set(ctx, beatKey(id), loc.ObservedAt.UnixMilli(), ttl)
			pipe.SAdd(ctx, trackedKey, id)
			return nil
		})
		return s.checkExec(ctx, id, cmds, err)
	}
	if err := s.watch(ctx, txf, locKey(id), statusKey(id)); err != nil {
		return "", err
	}
	return prev, nil
}

func (s *RedisStore) Delete(ctx context.Context, id types.ID) (bool, error) {
	removed := false
	txf := func(tx *redis.Tx) error {
		cell, err := tx.HGet(ctx, locKey(string(id)), "cell").Result()
		if errors.Is(err, redis.Nil) {
			removed = false
			return nil
		}
		if err != nil {
			return err
		}
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueDelete(ctx, pipe, string(id), cell)
			return nil
		})
		if err := s.checkExec(ctx, string(id), cmds, err); err != nil {
			return err
		}
		removed = true
		return nil
	}
	if err := s.watch(ctx, txf, locKey(string(id))); err != nil {
		return false, err
	}
	return removed, nil
}

// DeleteIfStale removes the courier only while its heartbeat is absent.
// A concurrent re-index touches the watched keys and aborts the removal.
func (s *RedisStore) DeleteIfStale(ctx context.Context, id types.ID) (bool, error) {
	removed := false
	txf := func(tx *redis.Tx) error {
		alive, err := tx.Exists(ctx, beatKey(string(id))).Result()
		if err != nil {
			return err
		}
		if alive > 0 {
			return nil
		}
		cell, err := tx.HGet(ctx, locKey(string(id)), "cell").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueDelete(ctx, pipe, string(id), cell)
			return nil
		})
		if err := s.checkExec(ctx, string(id), cmds, err); err != nil {
			return err
		}
		removed = true
		return nil
	}
	err := s.redis.Watch(ctx, txf, beatKey(string(id)), locKey(string(id)))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// Touch refreshes the heartbeat of an indexed courier. The location key is
// watched so a concurrent Delete cannot leave a heartbeat behind.
func (s *RedisStore) Touch(ctx context.Context, id types.ID, at time.Time, ttl time.Duration) (bool, error) {
	key := string(id)
	touched := false
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, locKey(key)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if n == 0 {
			touched = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, beatKey(key), at.UnixMilli(), ttl)
			return nil
		})
		if err != nil {
			return err
		}
		touched = true
		return nil
	}
	if err := s.watch(ctx, txf, locKey(key)); err != nil {
		return false, err
	}
	return touched, nil
}

func (s *RedisStore) CellMembers(ctx context.Context, cells []string) ([]types.ID, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	pipe := s.redis.Pipeline()
	var cmds []*redis.StringSliceCmd
	for start := 0; start < len(cells); start += unionBatch {
		end := min(start+unionBatch, len(cells))
		keys := make([]string, 0, end-start)
		for _, c := range cells[start:end] {
			keys = append(keys, cellKey(c))
		}
		cmds = append(cmds, pipe.SUnion(ctx, keys...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	seen := make(map[string]struct{})
	var out []types.ID
	for _, cmd := range cmds {
		for _, m := range cmd.Val() {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, types.ID(m))
		}
	}
	return out, nil
}

// Records loads location, status and liveness for each id in one round
// trip. Ids whose location cannot be read are left out of the result.
func (s *RedisStore) Records(ctx context.Context, ids []types.ID) (map[types.ID]Record, error) {
	if len(ids) == 0 {
		return map[types.ID]Record{}, nil
	}
	type pending struct {
		loc    *redis.MapStringStringCmd
		status *redis.MapStringStringCmd
		beat   *redis.IntCmd
	}
	pipe := s.redis.Pipeline()
	cmds := make(map[types.ID]pending, len(ids))
	for _, id := range ids {
		cmds[id] = pending{
			loc:    pipe.HGetAll(ctx, locKey(string(id))),
			status: pipe.HGetAll(ctx, statusKey(string(id))),
			beat:   pipe.Exists(ctx, beatKey(string(id))),
		}
	}
	// Per-command errors exclude only that courier; a transport failure
	// fails every command.
	if results, err := pipe.Exec(ctx); err != nil && allFailed(results) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(map[types.ID]Record, len(ids))
	for id, c := range cmds {
		locFields, err := c.loc.Result()
		if err != nil || len(locFields) == 0 {
			continue
		}
		loc, err := parseLocation(id, locFields)
		if err != nil {
			continue
		}
		rec := Record{Location: loc}
		if fields, err := c.status.Result(); err == nil && len(fields) > 0 {
			rec.Status = parseStatus(fields)
			rec.HasStatus = true
		}
		if n, err := c.beat.Result(); err == nil && n > 0 {
			rec.Alive = true
		}
		out[id] = rec
	}
	return out, nil
}

func (s *RedisStore) Tracked(ctx context.Context) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, trackedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]types.ID, len(members))
	for i, m := range members {
		out[i] = types.ID(m)
	}
	return out, nil
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrInvariant) && !errors.Is(err, ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	return ErrConflict
}

// checkExec turns an EXEC outcome into an index error. When some queued
// commands applied and others failed the courier is purged so no half
// record stays visible.
func (s *RedisStore) checkExec(ctx context.Context, id string, cmds []redis.Cmder, err error) error {
	if err == nil || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	applied := false
	for _, c := range cmds {
		if c.Err() == nil {
			applied = true
			break
		}
	}
	if !applied {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cell, _ := s.redis.HGet(ctx, locKey(id), "cell").Result()
	pipe := s.redis.TxPipeline()
	queueDelete(ctx, pipe, id, cell)
	_, _ = pipe.Exec(ctx)
	return fmt.Errorf("%w: courier %s: %v", ErrInvariant, id, err)
}

func queueDelete(ctx context.Context, pipe redis.Pipeliner, id, cell string) {
	if cell != "" {
		pipe.SRem(ctx, cellKey(cell), id)
	}
	pipe.Del(ctx, locKey(id), statusKey(id), beatKey(id))
	pipe.SRem(ctx, trackedKey, id)
}

func allFailed(cmds []redis.Cmder) bool {
	for _, c := range cmds {
		if c.Err() == nil || errors.Is(c.Err(), redis.Nil) {
			return false
		}
	}
	return true
}

func locationFields(l Location) map[string]any {
	return map[string]any{
		"lat":         strconv.FormatFloat(l.Point.Lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(l.Point.Lng, 'f', -1, 64),
		"cell":        l.Cell,
		"speed":       strconv.FormatFloat(l.Speed, 'f', -1, 64),
		"heading":     strconv.FormatFloat(l.Heading, 'f', -1, 64),
		"accuracy":    strconv.FormatFloat(l.Accuracy, 'f', -1, 64),
		"observed_at": l.ObservedAt.UnixMilli(),
	}
}

func parseLocation(id types.ID, f map[string]string) (Location, error) {
	lat, err := strconv.ParseFloat(f["lat"], 64)
	if err != nil {
		return Location{}, err
	}
	lng, err := strconv.ParseFloat(f["lng"], 64)
	if err != nil {
		return Location{}, err
	}
	loc := Location{
		CourierID: id,
		Point:     types.Point{Lat: lat, Lng: lng},
		Cell:      f["cell"],
	}
	loc.Speed, _ = strconv.ParseFloat(f["speed"], 64)
	loc.Heading, _ = strconv.ParseFloat(f["heading"], 64)
	loc.Accuracy, _ = strconv.ParseFloat(f["accuracy"], 64)
	if ms, err := strconv.ParseInt(f["observed_at"], 10, 64); err == nil {
		loc.ObservedAt = time.UnixMilli(ms).UTC()
	}
	return loc, nil
}

func statusFields(s Status) map[string]any {
	return map[string]any{
		"available":    strconv.FormatBool(s.Available),
		"on_duty":      strconv.FormatBool(s.OnDuty),
		"vehicle_type": s.VehicleType,
		"current_load": s.CurrentLoad,
		"max_capacity": s.MaxCapacity,
		"last_update":  s.LastUpdate.UnixMilli(),
	}
}

func parseStatus(f map[string]string) Status {
	var s Status
	s.Available, _ = strconv.ParseBool(f["available"])
	s.OnDuty, _ = strconv.ParseBool(f["on_duty"])
	s.VehicleType = f["vehicle_type"]
	s.CurrentLoad, _ = strconv.Atoi(f["current_load"])
	s.MaxCapacity, _ = strconv.Atoi(f["max_capacity"])
	if ms, err := strconv.ParseInt(f["last_update"], 10, 64); err == nil {
		s.LastUpdate = time.UnixMilli(ms).UTC()
	}
	return s
}

func cellKey(cell string) string { return fmt.Sprintf(cellKeyPrefix, cell) }
func locKey(id string) string    { return fmt.Sprintf(locKeyPrefix, id) }
func statusKey(id string) string { return fmt.Sprintf(statusKeyPrefix, id) }
func beatKey(id string) string   { return fmt.Sprintf(beatKeyPrefix, id) }
