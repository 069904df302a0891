// README: Assignment service commits courier assignments and drives the delivery lifecycle.
package assignment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/events"
	"swiftdispatch/internal/types"
)

// OrderNotifier is told about every status transition of an order.
type OrderNotifier interface {
	UpdateStatus(ctx context.Context, orderID types.ID, status string, courierID types.ID) error
}

type Service struct {
	store  Store
	orders OrderNotifier
	pub    events.Publisher
	clock  clock.Clock
	log    *slog.Logger
}

func NewService(store Store, orders OrderNotifier, pub events.Publisher, clk clock.Clock, log *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, orders: orders, pub: pub, clock: clk, log: log}
}

type CommitCommand struct {
	OrderID    types.ID
	CourierID  types.ID
	Pickup     types.Point
	Drop       types.Point
	ETAMinutes int
	Score      float64
	Scorer     string
}

type TransitionCommand struct {
	OrderID   types.ID
	CourierID types.ID
}

type CancelCommand struct {
	OrderID types.ID
	Reason  string
}

type CreateCourierCommand struct {
	ID          types.ID
	Name        string
	Phone       string
	VehicleType string
	MaxCapacity int
}

// Commit creates the assignment and takes the courier's capacity in one
// step. Nothing is notified here; the caller decides what follows.
func (s *Service) Commit(ctx context.Context, cmd CommitCommand) (*Assignment, error) {
	if cmd.OrderID == "" || cmd.CourierID == "" {
		return nil, ErrBadRequest
	}
	a := &Assignment{
		ID:         types.ID(uuid.NewString()),
		OrderID:    cmd.OrderID,
		CourierID:  cmd.CourierID,
		Status:     StatusAssigned,
		Pickup:     cmd.Pickup,
		Drop:       cmd.Drop,
		ETAMinutes: cmd.ETAMinutes,
		Score:      cmd.Score,
		Scorer:     cmd.Scorer,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.Commit(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		Type:         events.TypeAssignmentCreated,
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		CourierID:    a.CourierID,
		Status:       string(a.Status),
		ETAMinutes:   a.ETAMinutes,
		Score:        a.Score,
		At:           a.CreatedAt,
	})
	return a, nil
}

func (s *Service) Pickup(ctx context.Context, cmd TransitionCommand) (*Assignment, error) {
	return s.transition(ctx, cmd, StatusPickedUp)
}

// Deliver completes the delivery and gives the courier's capacity back.
func (s *Service) Deliver(ctx context.Context, cmd TransitionCommand) (*Assignment, error) {
	return s.transition(ctx, cmd, StatusDelivered)
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Assignment, error) {
	if cmd.OrderID == "" {
		return nil, ErrBadRequest
	}
	a, err := s.store.GetActiveByOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := s.move(ctx, a, StatusCancelled); err != nil {
		return nil, err
	}
	if cmd.Reason != "" {
		s.log.Info("assignment cancelled", "order_id", a.OrderID, "courier_id", a.CourierID, "reason", cmd.Reason)
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Assignment, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.store.Get(ctx, id)
}

func (s *Service) GetActiveByOrder(ctx context.Context, orderID types.ID) (*Assignment, error) {
	if orderID == "" {
		return nil, ErrBadRequest
	}
	return s.store.GetActiveByOrder(ctx, orderID)
}

func (s *Service) CreateCourier(ctx context.Context, cmd CreateCourierCommand) (*Courier, error) {
	if cmd.ID == "" || cmd.MaxCapacity <= 0 {
		return nil, ErrBadRequest
	}
	c := &Courier{
		ID:          cmd.ID,
		Name:        cmd.Name,
		Phone:       cmd.Phone,
		VehicleType: cmd.VehicleType,
		Status:      CourierAvailable,
		MaxCapacity: cmd.MaxCapacity,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if c.VehicleType == "" {
		c.VehicleType = "BIKE"
	}
	if err := s.store.CreateCourier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetCourier(ctx context.Context, id types.ID) (*Courier, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.store.GetCourier(ctx, id)
}

func (s *Service) transition(ctx context.Context, cmd TransitionCommand, to Status) (*Assignment, error) {
	if cmd.OrderID == "" || cmd.CourierID == "" {
		return nil, ErrBadRequest
	}
	a, err := s.store.GetActiveByOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if a.CourierID != cmd.CourierID {
		return nil, ErrNotFound
	}
	if err := s.move(ctx, a, to); err != nil {
		return nil, err
	}
	return a, nil
}

// move applies the transition to a in place once the store accepted it.
func (s *Service) move(ctx context.Context, a *Assignment, to Status) error {
	if !CanTransition(a.Status, to) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, a, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	now := s.clock.Now().UTC()
	a.Status = to
	a.StatusVersion++
	switch to {
	case StatusPickedUp:
		a.PickedUpAt = &now
	case StatusDelivered:
		a.DeliveredAt = &now
	case StatusCancelled:
		a.CancelledAt = &now
	}

	s.NotifyOrder(ctx, a.OrderID, string(to), a.CourierID)
	s.publish(ctx, events.Event{
		Type:         events.TypeStatusChanged,
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		CourierID:    a.CourierID,
		Status:       string(to),
		At:           now,
	})
	return nil
}

// NotifyOrder tells the order service about a status change. Failures are
// logged and swallowed.
func (s *Service) NotifyOrder(ctx context.Context, orderID types.ID, status string, courierID types.ID) {
	if s.orders == nil {
		return
	}
	if err := s.orders.UpdateStatus(ctx, orderID, status, courierID); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("order status notification failed", "order_id", orderID, "status", status, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.pub.Publish(ctx, e); err != nil {
		s.log.Warn("event publish failed", "type", e.Type, "order_id", e.OrderID, "err", err)
	}
}
