// README: Assignment orchestrator: nearby search, per-candidate signals, scoring and the commit.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swiftdispatch/internal/clients"
	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/metrics"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/eta"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/types"
)

type Locator interface {
	FindNearby(ctx context.Context, center types.Point, radiusKm float64, f location.Filter) ([]location.Nearby, error)
}

type Predictor interface {
	Predict(ctx context.Context, req eta.Request) (eta.Result, error)
}

type SurgeSource interface {
	RecordOrder(ctx context.Context, p types.Point) error
	SurgeIndex(ctx context.Context, p types.Point) (float64, error)
}

type Committer interface {
	GetCourier(ctx context.Context, id types.ID) (*assignment.Courier, error)
	Commit(ctx context.Context, cmd assignment.CommitCommand) (*assignment.Assignment, error)
	NotifyOrder(ctx context.Context, orderID types.ID, status string, courierID types.ID)
}

type OrderLookup interface {
	Get(ctx context.Context, id types.ID) (*clients.Order, error)
}

type CourierNotifier interface {
	NotifyCourier(ctx context.Context, courierID, orderID types.ID, etaMinutes int) error
}

type Config struct {
	RadiusKm float64
}

// Deps are the collaborators of the orchestrator. Orders, Notifier,
// Remote and Attempts are optional.
type Deps struct {
	Index     Locator
	ETA       Predictor
	Surge     SurgeSource
	Committer Committer
	Orders    OrderLookup
	Notifier  CourierNotifier
	Remote    *RemoteScorer
	Attempts  AttemptStore
}

type Service struct {
	deps    Deps
	formula FormulaScorer
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
}

func NewService(deps Deps, cfg Config, clk clock.Clock, log *slog.Logger) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{deps: deps, cfg: cfg, clock: clk, log: log}
}

// Assign picks the best courier for the order and commits the assignment.
// Only the commit is all-or-nothing; lookups before it degrade.
func (s *Service) Assign(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() { metrics.AssignmentDuration.Observe(time.Since(start).Seconds()) }()

	if req.OrderID == "" || !req.Pickup.Valid() || !req.Drop.Valid() || req.PrepTimeMinutes < 0 {
		return nil, ErrBadRequest
	}
	if err := s.checkOrder(ctx, req.OrderID); err != nil {
		metrics.Assignments.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := s.deps.Surge.RecordOrder(ctx, req.Pickup); err != nil {
		s.log.Warn("record order arrival failed", "order_id", req.OrderID, "err", err)
	}

	nearby, err := s.deps.Index.FindNearby(ctx, req.Pickup, s.cfg.RadiusKm, location.DispatchFilter())
	if err != nil {
		s.log.Warn("nearby search failed", "order_id", req.OrderID, "err", err)
		nearby = nil
	}
	attempt := s.recordAttempt(ctx, req.OrderID, nearby)
	if len(nearby) == 0 {
		metrics.Assignments.WithLabelValues("no_candidate").Inc()
		return nil, ErrNoCandidate
	}

	now := s.clock.Now()
	tod, dow := eta.TimeOfDay(now), eta.DayOfWeek(now)
	cands, surge := s.gather(ctx, req, nearby, tod, dow)
	if len(cands) == 0 {
		metrics.Assignments.WithLabelValues("no_candidate").Inc()
		return nil, ErrNoCandidate
	}
	scorer := s.score(ctx, req, cands, tod, dow)
	rank(cands)

	best := cands[0]
	a, err := s.deps.Committer.Commit(ctx, assignment.CommitCommand{
		OrderID:    req.OrderID,
		CourierID:  best.CourierID,
		Pickup:     req.Pickup,
		Drop:       req.Drop,
		ETAMinutes: best.ETAMinutes,
		Score:      best.Score,
		Scorer:     scorer,
	})
	if err != nil {
		metrics.Assignments.WithLabelValues("commit_failed").Inc()
		s.log.Error("assignment commit failed", "order_id", req.OrderID, "courier_id", best.CourierID, "err", err)
		return nil, fmt.Errorf("commit %s to %s: %w", req.OrderID, best.CourierID, err)
	}
	metrics.Assignments.WithLabelValues("assigned").Inc()

	s.deps.Committer.NotifyOrder(ctx, req.OrderID, string(assignment.StatusAssigned), best.CourierID)
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifyCourier(ctx, best.CourierID, req.OrderID, best.ETAMinutes); err != nil {
			s.log.Warn("courier notification failed", "order_id", req.OrderID, "courier_id", best.CourierID, "err", err)
		}
	}
	s.log.Info("order assigned",
		"order_id", req.OrderID, "courier_id", best.CourierID,
		"eta_minutes", best.ETAMinutes, "score", best.Score, "scorer", scorer,
		"candidates", len(cands), "took", time.Since(start))

	return &Result{
		AssignmentID:    a.ID,
		OrderID:         req.OrderID,
		CourierID:       best.CourierID,
		ETAMinutes:      best.ETAMinutes,
		Score:           best.Score,
		Scorer:          scorer,
		SurgeMultiplier: surge,
		Attempt:         attempt,
		Candidates:      cands,
	}, nil
}

// Attempts reports how many dispatch rounds an order has been through.
func (s *Service) Attempts(ctx context.Context, orderID types.ID) (int, error) {
	if s.deps.Attempts == nil {
		return 0, nil
	}
	n, _, err := s.deps.Attempts.Attempts(ctx, orderID)
	return n, err
}

func (s *Service) checkOrder(ctx context.Context, id types.ID) error {
	if s.deps.Orders == nil {
		return nil
	}
	o, err := s.deps.Orders.Get(ctx, id)
	switch {
	case errors.Is(err, clients.ErrNotFound):
		return ErrOrderNotFound
	case err != nil:
		s.log.Warn("order lookup failed, proceeding with request payload", "order_id", id, "err", err)
		return nil
	}
	switch o.Status {
	case "", "placed", "pending":
		return nil
	default:
		return fmt.Errorf("%w: status %s", ErrOrderNotAssignable, o.Status)
	}
}

func (s *Service) recordAttempt(ctx context.Context, orderID types.ID, nearby []location.Nearby) int {
	if s.deps.Attempts == nil {
		return 0
	}
	ids := make([]types.ID, len(nearby))
	for i, n := range nearby {
		ids[i] = n.CourierID
	}
	n, err := s.deps.Attempts.RecordAttempt(ctx, orderID, ids, s.clock.Now())
	if err != nil {
		s.log.Warn("record dispatch attempt failed", "order_id", orderID, "err", err)
	}
	return n
}

// gather loads each candidate's courier record and ETA concurrently with
// the pickup cell's surge multiplier. Candidates that are full or whose
// lookups fail are dropped.
func (s *Service) gather(ctx context.Context, req Request, nearby []location.Nearby, tod, dow string) ([]Candidate, float64) {
	var (
		mu    sync.Mutex
		out   = make([]Candidate, 0, len(nearby))
		surge = heatmap.NeutralSurge
		g     errgroup.Group
	)
	g.SetLimit(scoreWorkers)

	g.Go(func() error {
		v, err := s.deps.Surge.SurgeIndex(ctx, req.Pickup)
		if err != nil {
			s.log.Warn("surge lookup failed, using neutral multiplier", "order_id", req.OrderID, "err", err)
			return nil
		}
		mu.Lock()
		surge = v
		mu.Unlock()
		return nil
	})

	for _, n := range nearby {
		g.Go(func() error {
			c, ok := s.candidate(ctx, req, n, tod, dow)
			if !ok {
				return nil
			}
			mu.Lock()
			out = append(out, c)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range out {
		out[i].SurgeMultiplier = surge
	}
	return out, surge
}

func (s *Service) candidate(ctx context.Context, req Request, n location.Nearby, tod, dow string) (Candidate, bool) {
	courier, err := s.deps.Committer.GetCourier(ctx, n.CourierID)
	if err != nil {
		s.log.Debug("candidate skipped: courier record", "courier_id", n.CourierID, "err", err)
		return Candidate{}, false
	}
	if courier.MaxCapacity <= 0 || courier.CurrentLoad >= courier.MaxCapacity {
		return Candidate{}, false
	}
	vehicle := courier.VehicleType
	if vehicle == "" {
		vehicle = n.Status.VehicleType
	}

	delivery, err := s.deps.ETA.Predict(ctx, eta.Request{
		Pickup:          req.Pickup,
		Drop:            req.Drop,
		VehicleType:     vehicle,
		TimeOfDay:       tod,
		DayOfWeek:       dow,
		PrepTimeMinutes: req.PrepTimeMinutes,
	})
	if err != nil {
		s.log.Debug("candidate skipped: eta", "courier_id", n.CourierID, "err", err)
		return Candidate{}, false
	}
	return Candidate{
		CourierID:     n.CourierID,
		VehicleType:   vehicle,
		DistanceKm:    n.DistanceKm,
		CurrentLoad:   courier.CurrentLoad,
		MaxCapacity:   courier.MaxCapacity,
		ETAMinutes:    delivery.ETAMinutes,
		CapacityScore: capacityScore(courier.CurrentLoad, courier.MaxCapacity),
	}, true
}

// score fills in every candidate's score and returns the variant used.
// The remote model is tried when it is reachable; if it fails for any
// candidate the whole set is rescored with the formula so scores stay
// comparable.
func (s *Service) score(ctx context.Context, req Request, cands []Candidate, tod, dow string) string {
	if s.deps.Remote != nil && s.deps.Remote.Available() {
		if s.scoreWith(ctx, s.deps.Remote, req, cands, tod, dow) == nil {
			metrics.ScorerSelections.WithLabelValues(ScorerRemote).Add(float64(len(cands)))
			return ScorerRemote
		}
		s.log.Warn("remote scorer unavailable, using formula", "order_id", req.OrderID)
	}
	_ = s.scoreWith(ctx, s.formula, req, cands, tod, dow)
	metrics.ScorerSelections.WithLabelValues(ScorerFormula).Add(float64(len(cands)))
	return ScorerFormula
}

func (s *Service) scoreWith(ctx context.Context, sc Scorer, req Request, cands []Candidate, tod, dow string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoreWorkers)
	scores := make([]float64, len(cands))
	for i, c := range cands {
		g.Go(func() error {
			v, err := sc.Score(gctx, Signals{
				OrderID:         req.OrderID,
				CourierID:       c.CourierID,
				Pickup:          req.Pickup,
				Drop:            req.Drop,
				VehicleType:     c.VehicleType,
				TimeOfDay:       tod,
				DayOfWeek:       dow,
				ETAMinutes:      c.ETAMinutes,
				CapacityScore:   c.CapacityScore,
				SurgeMultiplier: c.SurgeMultiplier,
				CurrentLoad:     c.CurrentLoad,
				MaxCapacity:     c.MaxCapacity,
			})
			if err != nil {
				return err
			}
			scores[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range cands {
		cands[i].Score = scores[i]
	}
	return nil
}

// rank orders by score descending, then lower ETA, then courier id.
func rank(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ETAMinutes != b.ETAMinutes {
			return a.ETAMinutes < b.ETAMinutes
		}
		return a.CourierID < b.CourierID
	})
}
