// README: Courier location, status and nearby-query types for the geospatial index.
package location

import (
	"errors"
	"time"

	"swiftdispatch/internal/types"
)

var (
	ErrNotFound    = errors.New("courier location not found")
	ErrBadRequest  = errors.New("bad request")
	ErrConflict    = errors.New("courier index write conflict")
	ErrInvariant   = errors.New("courier index partially written")
	ErrUnavailable = errors.New("courier index unavailable")
)

const (
	VehicleBike    = "BIKE"
	VehicleScooter = "SCOOTER"
	VehicleCar     = "CAR"
	VehicleVan     = "VAN"
)

// Location is the last position a courier reported.
type Location struct {
	CourierID  types.ID    `json:"courierId"`
	Point      types.Point `json:"point"`
	Cell       string      `json:"cell"`
	Speed      float64     `json:"speed,omitempty"`
	Heading    float64     `json:"heading,omitempty"`
	Accuracy   float64     `json:"accuracy,omitempty"`
	ObservedAt time.Time   `json:"observedAt"`
}

type Status struct {
	Available   bool      `json:"available"`
	OnDuty      bool      `json:"onDuty"`
	VehicleType string    `json:"vehicleType"`
	CurrentLoad int       `json:"currentLoad"`
	MaxCapacity int       `json:"maxCapacity"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// HasCapacity reports whether the courier can take one more delivery.
func (s Status) HasCapacity() bool {
	return s.CurrentLoad < s.MaxCapacity
}

// DefaultStatus is recorded for a courier whose first report carries no
// status: ready for work on a bike with room for one delivery.
func DefaultStatus(at time.Time) Status {
	return Status{Available: true, OnDuty: true, VehicleType: VehicleBike, MaxCapacity: 1, LastUpdate: at}
}

// Report is one inbound location update. A nil Status keeps the courier's
// previously recorded status, or records DefaultStatus if there is none.
type Report struct {
	CourierID types.ID
	Point     types.Point
	Speed     float64
	Heading   float64
	Accuracy  float64
	Status    *Status
}

// Record is everything the index knows about one courier.
type Record struct {
	Location  Location
	Status    Status
	HasStatus bool
	Alive     bool
}

// Filter narrows nearby results by status. Nil fields match anything.
type Filter struct {
	Available   *bool
	OnDuty      *bool
	VehicleType string
}

// DispatchFilter matches couriers that can be offered new work.
func DispatchFilter() Filter {
	yes := true
	return Filter{Available: &yes, OnDuty: &yes}
}

func (f Filter) Match(s Status) bool {
	if f.Available != nil && s.Available != *f.Available {
		return false
	}
	if f.OnDuty != nil && s.OnDuty != *f.OnDuty {
		return false
	}
	if f.VehicleType != "" && s.VehicleType != f.VehicleType {
		return false
	}
	return true
}

type Nearby struct {
	CourierID  types.ID    `json:"courierId"`
	Point      types.Point `json:"point"`
	DistanceKm float64     `json:"distanceKm"`
	Status     Status      `json:"status"`
}

type Metrics struct {
	TrackedCouriers int `json:"trackedCouriers"`
	LiveHeartbeats  int `json:"liveHeartbeats"`
	OccupiedCells   int `json:"occupiedCells"`
}
