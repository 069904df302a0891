// README: ETA predictor; caches results per normalized request and serializes cold computations behind an advisory lock.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/codec"
	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/metrics"
	"swiftdispatch/internal/types"
)

// Distancer is the expensive part of a prediction: the travel distance
// between two points.
type Distancer interface {
	DistanceKm(ctx context.Context, from, to types.Point) (float64, error)
}

type Config struct {
	CacheTTL     time.Duration
	LockTTL      time.Duration
	StampedeWait time.Duration
}

type Service struct {
	cache    Cache
	distance Distancer
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
}

func NewService(cache Cache, distance Distancer, cfg Config, clk clock.Clock, log *slog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.StampedeWait <= 0 {
		cfg.StampedeWait = 100 * time.Millisecond
	}
	if distance == nil {
		distance = geo.GreatCircle{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cache: cache, distance: distance, cfg: cfg, clock: clk, log: log}
}

// Predict returns the ETA for req. Cache and lock failures degrade to a
// direct computation.
func (s *Service) Predict(ctx context.Context, req Request) (Result, error) {
	if !req.Pickup.Valid() || !req.Drop.Valid() || req.PrepTimeMinutes < 0 {
		return Result{}, ErrBadRequest
	}
	key := CacheKey(req)
	if res, ok := s.lookup(ctx, key); ok {
		metrics.ETARequests.WithLabelValues("hit").Inc()
		return res, nil
	}

	lockKey := key + ":lock"
	token := uuid.NewString()
	locked, err := s.cache.Acquire(ctx, lockKey, token, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("eta lock unavailable", "key", key, "err", err)
		metrics.ETARequests.WithLabelValues("degraded").Inc()
		return s.computeAndStore(ctx, key, req)
	}

	if locked {
		defer func() {
			if err := s.cache.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.log.Warn("eta lock release failed", "key", key, "err", err)
			}
		}()
		if res, ok := s.lookup(ctx, key); ok {
			metrics.ETARequests.WithLabelValues("hit").Inc()
			return res, nil
		}
		metrics.ETARequests.WithLabelValues("miss").Inc()
		return s.computeAndStore(ctx, key, req)
	}

	select {
	case <-s.clock.After(s.cfg.StampedeWait):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if res, ok := s.lookup(ctx, key); ok {
		metrics.ETARequests.WithLabelValues("waited").Inc()
		return res, nil
	}
	metrics.ETARequests.WithLabelValues("lock_timeout").Inc()
	return s.computeAndStore(ctx, key, req)
}

// Compute runs the prediction without touching the cache.
func (s *Service) Compute(ctx context.Context, req Request) (Result, error) {
	d, err := s.distance.DistanceKm(ctx, req.Pickup, req.Drop)
	if err != nil {
		s.log.Warn("distance source failed, using great-circle", "err", err)
		d = geo.HaversineKm(req.Pickup, req.Drop)
	}

	baseMinutes := d / speedFor(req.VehicleType) * 60
	travel := baseMinutes * trafficFactor(req.TimeOfDay, req.DayOfWeek)
	buffer := math.Min(d*bufferPerKm, bufferCap)
	if isPeak(req.TimeOfDay) {
		buffer += peakHourBuffer
	}
	total := travel + buffer + float64(req.PrepTimeMinutes)

	return Result{
		ETAMinutes: int(math.Ceil(total)),
		Breakdown: Breakdown{
			DistanceKm:        math.Round(d*100) / 100,
			TravelTimeMinutes: int(math.Ceil(travel)),
			BufferTimeMinutes: int(math.Ceil(buffer)),
			PrepTimeMinutes:   req.PrepTimeMinutes,
		},
	}, nil
}

func (s *Service) computeAndStore(ctx context.Context, key string, req Request) (Result, error) {
	res, err := s.Compute(ctx, req)
	if err != nil {
		return Result{}, err
	}
	b, err := codec.Marshal(res)
	if err != nil {
		return res, nil
	}
	if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
		s.log.Warn("eta cache write failed", "key", key, "err", err)
	}
	return res, nil
}

func (s *Service) lookup(ctx context.Context, key string) (Result, bool) {
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("eta cache read failed", "key", key, "err", err)
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := codec.Unmarshal(b, &res); err != nil {
		s.log.Warn("eta cache entry undecodable", "key", key, "err", err)
		return Result{}, false
	}
	return res, true
}

// CacheKey normalizes coordinates to three decimals; the remaining
// request fields are part of the key verbatim.
func CacheKey(req Request) string {
	return fmt.Sprintf("eta:%s:%s:%s:%s:%s:%s:%s:%d",
		coord(req.Pickup.Lat), coord(req.Pickup.Lng),
		coord(req.Drop.Lat), coord(req.Drop.Lng),
		req.VehicleType, req.TimeOfDay, req.DayOfWeek, req.PrepTimeMinutes,
	)
}

func coord(v float64) string {
	r := math.Round(v*1000) / 1000
	if r == 0 { // drop negative zero
		r = 0
	}
	return fmt.Sprintf("%.3f", r)
}
