// README: Assignment store backed by PostgreSQL; commits and releases run inside one transaction with the courier's load.
package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"swiftdispatch/internal/types"
)

const uniqueViolation = "23505"

type Store interface {
	CreateCourier(ctx context.Context, c *Courier) error
	GetCourier(ctx context.Context, id types.ID) (*Courier, error)
	Commit(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, id types.ID) (*Assignment, error)
	GetActiveByOrder(ctx context.Context, orderID types.ID) (*Assignment, error)
	UpdateStatus(ctx context.Context, a *Assignment, to Status) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateCourier(ctx context.Context, c *Courier) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO couriers (id, name, phone, vehicle_type, status, current_load, max_capacity, created_at)
        VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		string(c.ID), c.Name, c.Phone, c.VehicleType, c.Status, c.MaxCapacity, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *PGStore) GetCourier(ctx context.Context, id types.ID) (*Courier, error) {
	var c Courier
	err := s.db.QueryRow(ctx, `
        SELECT id, name, phone, vehicle_type, status, current_load, max_capacity, created_at
        FROM couriers WHERE id = $1`, string(id),
	).Scan(&c.ID, &c.Name, &c.Phone, &c.VehicleType, &c.Status, &c.CurrentLoad, &c.MaxCapacity, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCourierNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Commit inserts the assignment and takes one unit of the courier's
// capacity. Either both happen or neither does.
func (s *PGStore) Commit(ctx context.Context, a *Assignment) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
        UPDATE couriers
        SET current_load = current_load + 1,
            status = $2,
            updated_at = NOW()
        WHERE id = $1 AND current_load < max_capacity`,
		string(a.CourierID), CourierOnDelivery,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCommitFailed
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO deliveries (
            id, order_id, courier_id, status, status_version,
            pickup_lat, pickup_lng, drop_lat, drop_lng,
            eta_minutes, score, scorer, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(a.ID), string(a.OrderID), string(a.CourierID), string(a.Status), a.StatusVersion,
		a.Pickup.Lat, a.Pickup.Lng, a.Drop.Lat, a.Drop.Lng,
		a.ETAMinutes, a.Score, a.Scorer, a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyAssigned
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const selectAssignment = `
        SELECT id, order_id, courier_id, status, status_version,
               pickup_lat, pickup_lng, drop_lat, drop_lng,
               eta_minutes, score, scorer,
               created_at, picked_up_at, delivered_at, cancelled_at
        FROM deliveries`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Assignment, error) {
	return scanAssignment(s.db.QueryRow(ctx, selectAssignment+` WHERE id = $1`, string(id)))
}

func (s *PGStore) GetActiveByOrder(ctx context.Context, orderID types.ID) (*Assignment, error) {
	return scanAssignment(s.db.QueryRow(ctx,
		selectAssignment+` WHERE order_id = $1 AND status IN ('assigned', 'picked_up')`, string(orderID)))
}

// UpdateStatus moves a from its current status to `to` if nobody else has
// changed it since it was read. Terminal statuses give the courier's
// capacity back in the same transaction.
func (s *PGStore) UpdateStatus(ctx context.Context, a *Assignment, to Status) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
        UPDATE deliveries
        SET status = $1,
            status_version = status_version + 1,
            picked_up_at = CASE WHEN $1 = 'picked_up' THEN NOW() ELSE picked_up_at END,
            delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END,
            cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(a.ID), string(a.Status), a.StatusVersion,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if releasesCourier(to) {
		_, err = tx.Exec(ctx, `
            UPDATE couriers
            SET current_load = GREATEST(current_load - 1, 0),
                status = CASE WHEN current_load - 1 <= 0 THEN $2 ELSE status END,
                updated_at = NOW()
            WHERE id = $1`,
			string(a.CourierID), CourierAvailable,
		)
		if err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	var pickedUp, delivered, cancelled *time.Time
	err := row.Scan(
		&a.ID, &a.OrderID, &a.CourierID, &a.Status, &a.StatusVersion,
		&a.Pickup.Lat, &a.Pickup.Lng, &a.Drop.Lat, &a.Drop.Lng,
		&a.ETAMinutes, &a.Score, &a.Scorer,
		&a.CreatedAt, &pickedUp, &delivered, &cancelled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PickedUpAt = pickedUp
	a.DeliveredAt = delivered
	a.CancelledAt = cancelled
	return &a, nil
}
