// README: Candidate scorers: a remote model behind a cooldown breaker and the local formula.
package matching

import (
	"context"
	"math"
	"sync"
	"time"

	"swiftdispatch/internal/clients"
	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/types"
)

const (
	ScorerFormula = "formula"
	ScorerRemote  = "remote"
)

// Signals are the per-candidate inputs every scorer sees.
type Signals struct {
	OrderID         types.ID
	CourierID       types.ID
	Pickup          types.Point
	Drop            types.Point
	VehicleType     string
	TimeOfDay       string
	DayOfWeek       string
	ETAMinutes      int
	CapacityScore   float64
	SurgeMultiplier float64
	CurrentLoad     int
	MaxCapacity     int
}

type Scorer interface {
	Name() string
	Score(ctx context.Context, s Signals) (float64, error)
}

// FormulaScorer is (1/eta) * capacityScore * surgeMultiplier.
type FormulaScorer struct{}

func (FormulaScorer) Name() string { return ScorerFormula }

func (FormulaScorer) Score(_ context.Context, s Signals) (float64, error) {
	eta := math.Max(float64(s.ETAMinutes), 1)
	return (1 / eta) * s.CapacityScore * s.SurgeMultiplier, nil
}

type ScoreClient interface {
	Score(ctx context.Context, req clients.ScoreRequest) (float64, error)
}

// RemoteScorer asks the external model. After a failure it reports itself
// unavailable until the cooldown elapses.
type RemoteScorer struct {
	client   ScoreClient
	cooldown time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	downUntil time.Time
}

func NewRemoteScorer(client ScoreClient, cooldown time.Duration, clk clock.Clock) *RemoteScorer {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RemoteScorer{client: client, cooldown: cooldown, clock: clk}
}

func (r *RemoteScorer) Name() string { return ScorerRemote }

func (r *RemoteScorer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.clock.Now().Before(r.downUntil)
}

func (r *RemoteScorer) Score(ctx context.Context, s Signals) (float64, error) {
	v, err := r.client.Score(ctx, clients.ScoreRequest{
		OrderID:         s.OrderID,
		DriverID:        s.CourierID,
		PickupLat:       s.Pickup.Lat,
		PickupLng:       s.Pickup.Lng,
		DropLat:         s.Drop.Lat,
		DropLng:         s.Drop.Lng,
		ETAMinutes:      s.ETAMinutes,
		CapacityScore:   s.CapacityScore,
		SurgeMultiplier: s.SurgeMultiplier,
		VehicleType:     s.VehicleType,
		TimeOfDay:       s.TimeOfDay,
		DayOfWeek:       s.DayOfWeek,
		CurrentLoad:     s.CurrentLoad,
		MaxCapacity:     s.MaxCapacity,
	})
	if err != nil {
		r.trip()
		return 0, err
	}
	return v, nil
}

func (r *RemoteScorer) trip() {
	r.mu.Lock()
	r.downUntil = r.clock.Now().Add(r.cooldown)
	r.mu.Unlock()
}
