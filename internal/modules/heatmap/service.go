// README: Heatmap service tracks order inflow and courier supply per cell and derives the surge index.
package heatmap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/metrics"
	"swiftdispatch/internal/types"
)

type Config struct {
	Window         time.Duration
	SurgeThreshold float64
	SurgeCap       float64
	SurgeCacheTTL  time.Duration
}

type Service struct {
	store Store
	grid  geo.Grid
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store Store, grid geo.Grid, cfg Config, clk clock.Clock, log *slog.Logger) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.SurgeThreshold <= 0 {
		cfg.SurgeThreshold = 1.5
	}
	if cfg.SurgeCap <= 0 {
		cfg.SurgeCap = 3.0
	}
	if cfg.SurgeCacheTTL <= 0 {
		cfg.SurgeCacheTTL = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, grid: grid, cfg: cfg, clock: clk, log: log}
}

// RecordOrder counts one order arrival in the cell containing p.
func (s *Service) RecordOrder(ctx context.Context, p types.Point) error {
	if !p.Valid() {
		return ErrBadRequest
	}
	cell := s.grid.Cell(p)
	if err := s.store.RecordOrder(ctx, cell, uuid.NewString(), s.clock.Now(), s.cfg.Window); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordAvailability adds or removes a courier from the available set of
// the cell containing p.
func (s *Service) RecordAvailability(ctx context.Context, p types.Point, courierID types.ID, available bool) error {
	if courierID == "" || !p.Valid() {
		return ErrBadRequest
	}
	if err := s.store.SetAvailability(ctx, s.grid.Cell(p), courierID, available); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// UpdateFeed applies an externally aggregated demand/supply sample and
// refreshes the cell's surge index.
func (s *Service) UpdateFeed(ctx context.Context, p types.Point, orderCount, courierCount int) (float64, error) {
	if !p.Valid() || orderCount < 0 || courierCount < 0 {
		return NeutralSurge, ErrBadRequest
	}
	cell := s.grid.Cell(p)
	now := s.clock.Now()
	for i := 0; i < orderCount; i++ {
		if err := s.store.RecordOrder(ctx, cell, uuid.NewString(), now, s.cfg.Window); err != nil {
			return NeutralSurge, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := s.store.SetReportedSupply(ctx, cell, courierCount, s.cfg.Window); err != nil {
		return NeutralSurge, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.store.InvalidateSurge(ctx, cell); err != nil {
		s.log.Warn("surge cache invalidation failed", "cell", cell, "err", err)
	}
	return s.surgeForCell(ctx, cell)
}

// SurgeIndex returns the demand/supply multiplier for the cell containing
// p. It never mutates the rolling windows.
func (s *Service) SurgeIndex(ctx context.Context, p types.Point) (float64, error) {
	if !p.Valid() {
		return NeutralSurge, ErrBadRequest
	}
	return s.surgeForCell(ctx, s.grid.Cell(p))
}

func (s *Service) IsInSurgeZone(ctx context.Context, p types.Point) (bool, error) {
	v, err := s.SurgeIndex(ctx, p)
	if err != nil {
		return false, err
	}
	return v >= s.cfg.SurgeThreshold, nil
}

// Region reports every cell whose center lies within radiusKm of center.
func (s *Service) Region(ctx context.Context, center types.Point, radiusKm float64) ([]CellStat, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, ErrBadRequest
	}
	var out []CellStat
	for _, cell := range s.grid.Disk(center, s.grid.RingsFor(radiusKm)) {
		c := s.grid.Center(cell)
		if geo.HaversineKm(center, c) > radiusKm {
			continue
		}
		orders, supply, err := s.counts(ctx, cell)
		if err != nil {
			return nil, err
		}
		surge, err := s.surgeForCell(ctx, cell)
		if err != nil {
			return nil, err
		}
		out = append(out, CellStat{
			Cell:              cell,
			Center:            c,
			OrderInflowRate:   float64(orders) / s.cfg.Window.Minutes(),
			AvailableCouriers: supply,
			SurgeIndex:        surge,
			AvgETAMinutes:     25 * (1 + (surge-1)*0.5),
		})
	}
	return out, nil
}

func (s *Service) surgeForCell(ctx context.Context, cell string) (float64, error) {
	if v, ok, err := s.store.CachedSurge(ctx, cell); err == nil && ok {
		metrics.SurgeComputations.WithLabelValues("cache").Inc()
		return v, nil
	}
	orders, supply, err := s.counts(ctx, cell)
	if err != nil {
		return NeutralSurge, err
	}
	v := surge(orders, supply, s.cfg.Window, s.cfg.SurgeCap)
	metrics.SurgeComputations.WithLabelValues("computed").Inc()
	if err := s.store.CacheSurge(ctx, cell, v, s.cfg.SurgeCacheTTL); err != nil {
		s.log.Warn("surge cache write failed", "cell", cell, "err", err)
	}
	return v, nil
}

func (s *Service) counts(ctx context.Context, cell string) (orders, supply int64, err error) {
	since := s.clock.Now().Add(-s.cfg.Window)
	orders, err = s.store.OrderCount(ctx, cell, since)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	supply, err = s.store.AvailableCount(ctx, cell)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	reported, err := s.store.ReportedSupply(ctx, cell)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return orders, max(supply, reported), nil
}

// surge is max(orders per minute, 1) / max(available couriers, 1), capped.
func surge(orders, supply int64, window time.Duration, limit float64) float64 {
	rate := float64(orders) / window.Minutes()
	v := math.Max(rate, 1) / math.Max(float64(supply), 1)
	return math.Min(v, limit)
}
