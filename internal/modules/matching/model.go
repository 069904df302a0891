// README: Assignment request, per-candidate scoring record and the orchestrator's outcomes.
package matching

import (
	"errors"

	"swiftdispatch/internal/types"
)

var (
	ErrNoCandidate        = errors.New("no courier available, try again")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotAssignable = errors.New("order is not awaiting a courier")
	ErrBadRequest         = errors.New("bad assignment request")
)

const (
	// DefaultRadiusKm is the search radius around the pickup point.
	DefaultRadiusKm = 3.0
	// scoreWorkers bounds concurrent per-candidate lookups.
	scoreWorkers = 16
)

type Request struct {
	OrderID         types.ID    `json:"orderId"`
	CustomerID      types.ID    `json:"customerId"`
	Pickup          types.Point `json:"pickupLocation"`
	Drop            types.Point `json:"dropLocation"`
	PrepTimeMinutes int         `json:"prepTime"`
	OrderType       string      `json:"orderType"`
}

// Candidate exists only for the duration of one assignment decision.
type Candidate struct {
	CourierID       types.ID `json:"courierId"`
	VehicleType     string   `json:"vehicleType"`
	DistanceKm      float64  `json:"distanceKm"`
	CurrentLoad     int      `json:"currentLoad"`
	MaxCapacity     int      `json:"maxCapacity"`
	ETAMinutes      int      `json:"etaMinutes"`
	CapacityScore   float64  `json:"capacityScore"`
	SurgeMultiplier float64  `json:"surgeMultiplier"`
	Score           float64  `json:"score"`
}

type Result struct {
	AssignmentID    types.ID    `json:"assignmentId"`
	OrderID         types.ID    `json:"orderId"`
	CourierID       types.ID    `json:"driverId"`
	ETAMinutes      int         `json:"etaMinutes"`
	Score           float64     `json:"score"`
	Scorer          string      `json:"scorer"`
	SurgeMultiplier float64     `json:"surgeMultiplier"`
	Attempt         int         `json:"attempt"`
	Candidates      []Candidate `json:"candidates"`
}

// capacityScore is the normalized remaining capacity, 1 - load/capacity.
func capacityScore(load, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return 1 - float64(load)/float64(capacity)
}
