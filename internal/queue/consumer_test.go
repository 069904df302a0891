// README: Assign message handling and queue topology tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/matching"
	"swiftdispatch/internal/types"
)

type fakeAssigner struct {
	err      error
	attempts int
	got      matching.Request
}

func (f *fakeAssigner) Assign(_ context.Context, req matching.Request) (*matching.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &matching.Result{OrderID: req.OrderID, CourierID: "d1"}, nil
}

func (f *fakeAssigner) Attempts(context.Context, types.ID) (int, error) {
	return f.attempts, nil
}

const msg = `{"orderId":"o1","customerId":"c1","pickupLocation":{"lat":12.972,"lng":77.595},"dropLocation":{"lat":12.935,"lng":77.6245},"prepTime":10}`

func TestHandle(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		err      error
		attempts int
		want     Action
	}{
		{"assigned", msg, nil, 1, Ack},
		{"malformed", `{"orderId":`, nil, 0, Drop},
		{"no courier yet", msg, matching.ErrNoCandidate, 2, Retry},
		{"lost commit race", msg, fmt.Errorf("commit: %w", assignment.ErrCommitFailed), 2, Retry},
		{"unknown order", msg, matching.ErrOrderNotFound, 1, Drop},
		{"already assigned", msg, fmt.Errorf("commit: %w", assignment.ErrAlreadyAssigned), 1, Drop},
		{"order moved on", msg, matching.ErrOrderNotAssignable, 1, Drop},
		{"attempts exhausted", msg, matching.ErrNoCandidate, 10, Drop},
		{"unexpected error", msg, errors.New("boom"), 1, Retry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeAssigner{err: tc.err, attempts: tc.attempts}
			c := NewConsumer(Config{}, a, nil)
			if got := c.Handle(context.Background(), []byte(tc.body)); got != tc.want {
				t.Fatalf("action = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandleDecodesRequest(t *testing.T) {
	a := &fakeAssigner{}
	NewConsumer(Config{}, a, nil).Handle(context.Background(), []byte(msg))
	if a.got.OrderID != "o1" || a.got.PrepTimeMinutes != 10 || a.got.Pickup.Lat != 12.972 {
		t.Fatalf("decoded = %+v", a.got)
	}
}

func TestTopology(t *testing.T) {
	cfg := Config{Queue: "dispatch.assign", RetryDelay: 30 * time.Second}
	top := topology(cfg)

	work, ok := top["dispatch.assign"]
	if !ok || work["x-dead-letter-routing-key"] != "dispatch.assign.retry" {
		t.Fatalf("work queue args = %v", work)
	}
	retry, ok := top["dispatch.assign.retry"]
	if !ok || retry["x-dead-letter-routing-key"] != "dispatch.assign" {
		t.Fatalf("retry queue args = %v", retry)
	}
	if retry["x-message-ttl"] != int32(30000) {
		t.Fatalf("ttl = %v", retry["x-message-ttl"])
	}
}

func TestCloseErrOnDrainedChannel(t *testing.T) {
	closed := make(chan *amqp.Error, 1)
	close(closed)
	err := closeErr(<-closed)
	if err == nil || err.Error() != "amqp connection closed" {
		t.Fatalf("err = %v", err)
	}

	reason := &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"}
	if got := closeErr(reason); got != reason {
		t.Fatalf("err = %v, want %v", got, reason)
	}
}
