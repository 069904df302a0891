// README: AMQP intake for assignment requests with a dead-letter retry loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"swiftdispatch/internal/metrics"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/matching"
	"swiftdispatch/internal/types"
)

type Action int

const (
	Ack Action = iota
	// Retry dead-letters the message into the delay queue.
	Retry
	// Drop acknowledges a message that will never succeed.
	Drop
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "drop"
	}
}

type Assigner interface {
	Assign(ctx context.Context, req matching.Request) (*matching.Result, error)
	Attempts(ctx context.Context, orderID types.ID) (int, error)
}

type Config struct {
	URL         string
	Queue       string
	RetryDelay  time.Duration
	MaxAttempts int
	Prefetch    int
}

func (c Config) retryQueue() string {
	return c.Queue + ".retry"
}

type Consumer struct {
	cfg      Config
	assigner Assigner
	log      *slog.Logger
}

func NewConsumer(cfg Config, assigner Assigner, log *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = "dispatch.assign"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{cfg: cfg, assigner: assigner, log: log}
}

// Handle runs one assignment request and says what to do with the message.
func (c *Consumer) Handle(ctx context.Context, body []byte) Action {
	var req matching.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.log.Warn("malformed assign message dropped", "err", err)
		return Drop
	}
	res, err := c.assigner.Assign(ctx, req)
	switch {
	case err == nil:
		c.log.Info("queued order assigned", "order_id", req.OrderID, "courier_id", res.CourierID)
		return Ack
	case errors.Is(err, matching.ErrBadRequest),
		errors.Is(err, matching.ErrOrderNotFound),
		errors.Is(err, matching.ErrOrderNotAssignable),
		errors.Is(err, assignment.ErrAlreadyAssigned):
		c.log.Warn("assign message dropped", "order_id", req.OrderID, "err", err)
		return Drop
	}

	n, aerr := c.assigner.Attempts(ctx, req.OrderID)
	if aerr == nil && n >= c.cfg.MaxAttempts {
		c.log.Error("assign attempts exhausted", "order_id", req.OrderID, "attempts", n, "err", err)
		return Drop
	}
	c.log.Info("assign deferred", "order_id", req.OrderID, "attempts", n, "err", err)
	return Retry
}

// Declare sets up the work queue and its delay queue. Messages rejected
// from the work queue wait RetryDelay in the delay queue and then return.
func Declare(ch *amqp.Channel, cfg Config) error {
	for name, args := range topology(cfg) {
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

func topology(cfg Config) map[string]amqp.Table {
	return map[string]amqp.Table{
		cfg.Queue: {
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.retryQueue(),
		},
		cfg.retryQueue(): {
			"x-message-ttl":             int32(cfg.RetryDelay / time.Millisecond),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.Queue,
		},
	}
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("amqp consumer stopped, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := Declare(ch, c.cfg); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("amqp consumer started", "queue", c.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			return closeErr(aerr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(d, c.Handle(ctx, d.Body))
		}
	}
}

// closeErr keeps a nil *amqp.Error from a drained close channel from
// turning into a non-nil error interface.
func closeErr(aerr *amqp.Error) error {
	if aerr == nil {
		return errors.New("amqp connection closed")
	}
	return aerr
}

func (c *Consumer) settle(d amqp.Delivery, a Action) {
	metrics.QueueDeliveries.WithLabelValues(a.String()).Inc()
	var err error
	if a == Retry {
		err = d.Nack(false, false)
	} else {
		err = d.Ack(false)
	}
	if err != nil {
		c.log.Warn("amqp settle failed", "action", a.String(), "err", err)
	}
}
