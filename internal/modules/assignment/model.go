// README: Assignment (delivery) aggregate, courier capacity record and status definitions.
package assignment

import (
	"errors"
	"time"

	"swiftdispatch/internal/types"
)

var (
	ErrNotFound        = errors.New("assignment not found")
	ErrCourierNotFound = errors.New("courier not found")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrConflict        = errors.New("assignment state conflict")
	ErrAlreadyAssigned = errors.New("order already has an active assignment")
	ErrCommitFailed    = errors.New("courier has no remaining capacity")
	ErrBadRequest      = errors.New("bad request")
)

type Status string

const (
	StatusNone      Status = "none"
	StatusAssigned  Status = "assigned"
	StatusPickedUp  Status = "picked_up"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Courier states as stored on the courier record.
const (
	CourierAvailable  = "available"
	CourierOnDelivery = "on_delivery"
	CourierOffline    = "offline"
)

type Assignment struct {
	ID            types.ID    `json:"id"`
	OrderID       types.ID    `json:"orderId"`
	CourierID     types.ID    `json:"courierId"`
	Status        Status      `json:"status"`
	StatusVersion int         `json:"statusVersion"`
	Pickup        types.Point `json:"pickupLocation"`
	Drop          types.Point `json:"dropLocation"`
	ETAMinutes    int         `json:"etaMinutes"`
	Score         float64     `json:"score"`
	Scorer        string      `json:"scorer"`
	CreatedAt     time.Time   `json:"createdAt"`
	PickedUpAt    *time.Time  `json:"pickedUpAt,omitempty"`
	DeliveredAt   *time.Time  `json:"deliveredAt,omitempty"`
	CancelledAt   *time.Time  `json:"cancelledAt,omitempty"`
}

type Courier struct {
	ID          types.ID  `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	VehicleType string    `json:"vehicleType"`
	Status      string    `json:"status"`
	CurrentLoad int       `json:"currentLoad"`
	MaxCapacity int       `json:"maxCapacity"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AllowedTransitions represents the delivery state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:     {StatusAssigned},
	StatusAssigned: {StatusPickedUp, StatusCancelled},
	StatusPickedUp: {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// releasesCourier reports whether entering s frees one unit of the
// courier's capacity.
func releasesCourier(s Status) bool {
	return s == StatusDelivered || s == StatusCancelled
}
