// README: Location service maintains the courier index: atomic updates, radius search and heartbeat sweeps.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/metrics"
	"swiftdispatch/internal/types"
)

type Config struct {
	HeartbeatTTL    time.Duration
	QueryTimeout    time.Duration
	CleanupInterval time.Duration
}

// SupplyRecorder receives courier availability changes (the heatmap).
type SupplyRecorder interface {
	RecordAvailability(ctx context.Context, p types.Point, courierID types.ID, available bool) error
}

type Service struct {
	store  Store
	grid   geo.Grid
	cfg    Config
	clock  clock.Clock
	supply SupplyRecorder
	log    *slog.Logger
}

func NewService(store Store, grid geo.Grid, cfg Config, clk clock.Clock, log *slog.Logger) *Service {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, grid: grid, cfg: cfg, clock: clk, log: log}
}

func (s *Service) WithSupply(r SupplyRecorder) *Service {
	s.supply = r
	return s
}

// IndexLocation records a courier's position, status and heartbeat in one
// atomic write, moving the courier out of its previous cell.
func (s *Service) IndexLocation(ctx context.Context, r Report) (Location, error) {
	if r.CourierID == "" || !r.Point.Valid() {
		return Location{}, ErrBadRequest
	}
	now := s.clock.Now().UTC()
	loc := Location{
		CourierID:  r.CourierID,
		Point:      r.Point,
		Cell:       s.grid.Cell(r.Point),
		Speed:      r.Speed,
		Heading:    r.Heading,
		Accuracy:   r.Accuracy,
		ObservedAt: now,
	}
	var status *Status
	if r.Status != nil {
		st := *r.Status
		st.LastUpdate = now
		if st.VehicleType == "" {
			st.VehicleType = VehicleBike
		}
		status = &st
	}

	if _, err := s.store.Upsert(ctx, loc, status, s.cfg.HeartbeatTTL); err != nil {
		metrics.IndexWrites.WithLabelValues("index", "error").Inc()
		s.log.Error("index location failed", "courier_id", r.CourierID, "err", err)
		return Location{}, err
	}
	metrics.IndexWrites.WithLabelValues("index", "ok").Inc()

	if status != nil && s.supply != nil {
		available := status.Available && status.OnDuty && status.HasCapacity()
		if err := s.supply.RecordAvailability(ctx, r.Point, r.CourierID, available); err != nil {
			s.log.Warn("record availability failed", "courier_id", r.CourierID, "err", err)
		}
	}
	return loc, nil
}

// Remove deletes every index record of the courier. Removing an unknown
// courier is a no-op.
func (s *Service) Remove(ctx context.Context, id types.ID) (bool, error) {
	if id == "" {
		return false, ErrBadRequest
	}
	recs, err := s.store.Records(ctx, []types.ID{id})
	if err != nil {
		s.log.Warn("load courier before removal failed", "courier_id", id, "err", err)
	}
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		metrics.IndexWrites.WithLabelValues("remove", "error").Inc()
		return false, err
	}
	metrics.IndexWrites.WithLabelValues("remove", "ok").Inc()
	if rec, ok := recs[id]; ok && removed {
		s.clearSupply(ctx, rec.Location)
	}
	return removed, nil
}

// FindNearby returns live couriers within radiusKm of center whose status
// matches f, closest first.
func (s *Service) FindNearby(ctx context.Context, center types.Point, radiusKm float64, f Filter) ([]Nearby, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, ErrBadRequest
	}
	start := time.Now()
	defer func() { metrics.NearbyQueryDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	cells := s.grid.Disk(center, s.grid.RingsFor(radiusKm))
	ids, err := s.store.CellMembers(ctx, cells)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := s.store.Records(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Nearby, 0, len(recs))
	for _, id := range ids {
		rec, ok := recs[id]
		if !ok {
			s.log.Debug("nearby candidate skipped", "courier_id", id)
			continue
		}
		if !rec.Alive || !rec.HasStatus || !f.Match(rec.Status) {
			continue
		}
		d := geo.HaversineKm(center, rec.Location.Point)
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{CourierID: id, Point: rec.Location.Point, DistanceKm: d, Status: rec.Status})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].CourierID < out[j].CourierID
	})
	return out, nil
}

func (s *Service) GetLocation(ctx context.Context, id types.ID) (Location, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return Location{}, err
	}
	return rec.Location, nil
}

func (s *Service) GetStatus(ctx context.Context, id types.ID) (Status, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if !rec.HasStatus {
		return Status{}, ErrNotFound
	}
	return rec.Status, nil
}

// Heartbeat extends the courier's liveness without moving it.
func (s *Service) Heartbeat(ctx context.Context, id types.ID) error {
	ok, err := s.store.Touch(ctx, id, s.clock.Now(), s.cfg.HeartbeatTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// CleanupExpired removes couriers whose heartbeat lapsed. A courier that
// re-indexes while the sweep runs is left in place.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.store.Tracked(ctx)
	if err != nil {
		return 0, err
	}
	recs, err := s.store.Records(ctx, ids)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		rec, ok := recs[id]
		if ok && rec.Alive {
			continue
		}
		done, err := s.store.DeleteIfStale(ctx, id)
		if err != nil {
			s.log.Warn("cleanup courier failed", "courier_id", id, "err", err)
			continue
		}
		if !done {
			continue
		}
		removed++
		if ok {
			s.clearSupply(ctx, rec.Location)
		}
	}
	metrics.CleanupRemoved.Add(float64(removed))
	metrics.TrackedCouriers.Set(float64(len(ids) - removed))
	return removed, nil
}

// RunCleanup sweeps expired couriers until ctx is cancelled.
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				s.log.Warn("cleanup sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("cleanup sweep removed couriers", "count", n)
			}
		}
	}
}

func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	ids, err := s.store.Tracked(ctx)
	if err != nil {
		return Metrics{}, err
	}
	recs, err := s.store.Records(ctx, ids)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{TrackedCouriers: len(ids)}
	cells := make(map[string]struct{})
	for _, rec := range recs {
		if rec.Alive {
			m.LiveHeartbeats++
		}
		cells[rec.Location.Cell] = struct{}{}
	}
	m.OccupiedCells = len(cells)
	return m, nil
}

func (s *Service) record(ctx context.Context, id types.ID) (Record, error) {
	if id == "" {
		return Record{}, ErrBadRequest
	}
	recs, err := s.store.Records(ctx, []types.ID{id})
	if err != nil {
		return Record{}, err
	}
	rec, ok := recs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *Service) clearSupply(ctx context.Context, loc Location) {
	if s.supply == nil {
		return
	}
	if err := s.supply.RecordAvailability(ctx, loc.Point, loc.CourierID, false); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("clear availability failed", "courier_id", loc.CourierID, "err", err)
	}
}
