// README: Orchestrator tests wired to in-memory index, heatmap and assignment stores.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"swiftdispatch/internal/clients"
	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/eta"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/types"
)

var (
	pickup = types.Point{Lat: 12.9720, Lng: 77.5950}
	drop   = types.Point{Lat: 12.9352, Lng: 77.6245}
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// fakePredictor charges three minutes per great-circle km plus prep.
type fakePredictor struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (f *fakePredictor) Predict(_ context.Context, req eta.Request) (eta.Result, error) {
	f.calls.Add(1)
	if f.fail[req.VehicleType] {
		return eta.Result{}, errors.New("eta backend down")
	}
	d := geo.HaversineKm(req.Pickup, req.Drop)
	return eta.Result{ETAMinutes: int(math.Ceil(d*3)) + req.PrepTimeMinutes}, nil
}

type fakeOrders struct {
	mu      sync.Mutex
	status  string
	getErr  error
	updErr  error
	updates []string
}

func (f *fakeOrders) Get(_ context.Context, id types.ID) (*clients.Order, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &clients.Order{ID: id, Status: f.status}, nil
}

func (f *fakeOrders) UpdateStatus(_ context.Context, orderID types.ID, status string, courierID types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, string(orderID)+":"+status+":"+string(courierID))
	return f.updErr
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []types.ID
	err   error
}

func (f *fakeNotifier) NotifyCourier(_ context.Context, courierID, _ types.ID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, courierID)
	return f.err
}

type fakeScoreClient struct {
	calls  atomic.Int32
	scores map[types.ID]float64
	err    error
}

func (f *fakeScoreClient) Score(_ context.Context, req clients.ScoreRequest) (float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.scores[req.DriverID], nil
}

type failingSurge struct{}

func (failingSurge) RecordOrder(context.Context, types.Point) error { return errors.New("redis down") }
func (failingSurge) SurgeIndex(context.Context, types.Point) (float64, error) {
	return 0, errors.New("redis down")
}

type failingCommitter struct {
	*assignment.Service
}

func (failingCommitter) Commit(context.Context, assignment.CommitCommand) (*assignment.Assignment, error) {
	return nil, assignment.ErrCommitFailed
}

type harness struct {
	svc      *Service
	deps     Deps
	index    *location.Service
	assign   *assignment.Service
	heat     *heatmap.Service
	eta      *fakePredictor
	orders   *fakeOrders
	notifier *fakeNotifier
	attempts *MemoryStore
	clock    *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Saturday morning
	clk := clock.NewFake(time.Date(2024, 5, 4, 9, 30, 0, 0, time.UTC))
	h := &harness{
		index:    location.NewService(location.NewMemoryStore(clk), geo.NewGrid(9), location.Config{}, clk, nil),
		heat:     heatmap.NewService(heatmap.NewMemoryStore(clk), geo.NewGrid(8), heatmap.Config{}, clk, nil),
		eta:      &fakePredictor{},
		orders:   &fakeOrders{status: "placed"},
		notifier: &fakeNotifier{},
		attempts: NewMemoryStore(),
		clock:    clk,
	}
	h.assign = assignment.NewService(assignment.NewMemoryStore(), h.orders, nil, clk, nil)
	h.deps = Deps{
		Index:     h.index,
		ETA:       h.eta,
		Surge:     h.heat,
		Committer: h.assign,
		Orders:    h.orders,
		Notifier:  h.notifier,
		Attempts:  h.attempts,
	}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.svc = NewService(h.deps, Config{}, h.clock, nil)
}

// courier registers the courier durably and in the live index.
func (h *harness) courier(t *testing.T, id types.ID, p types.Point, vehicle string, capacity int) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.assign.CreateCourier(ctx, assignment.CreateCourierCommand{ID: id, VehicleType: vehicle, MaxCapacity: capacity}); err != nil {
		t.Fatalf("create courier %s: %v", id, err)
	}
	st := &location.Status{Available: true, OnDuty: true, VehicleType: vehicle, MaxCapacity: capacity}
	if _, err := h.index.IndexLocation(ctx, location.Report{CourierID: id, Point: p, Status: st}); err != nil {
		t.Fatalf("index %s: %v", id, err)
	}
}

func north(km float64) types.Point {
	return geo.Destination(pickup, 0, km)
}

func request(order types.ID) Request {
	return Request{OrderID: order, CustomerID: "c1", Pickup: pickup, Drop: drop, PrepTimeMinutes: 10}
}

// ---------------------------------------------------------------------------
// selection
// ---------------------------------------------------------------------------

// Candidate ETA covers pickup to drop only, so couriers of the same vehicle
// and capacity tie regardless of how far they are from the pickup.
func TestAssignScoresPickupToDropETA(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "a-far", north(2.5), "BIKE", 2)
	h.courier(t, "b-near", north(0.1), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CourierID != "a-far" || res.Scorer != ScorerFormula {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	want := int(math.Ceil(geo.HaversineKm(pickup, drop)*3)) + 10
	for _, c := range res.Candidates {
		if c.ETAMinutes != want {
			t.Fatalf("candidate %s eta = %d, want %d", c.CourierID, c.ETAMinutes, want)
		}
	}
	if res.Candidates[0].Score != res.Candidates[1].Score {
		t.Fatalf("expected equal scores: %+v", res.Candidates)
	}

	c, _ := h.assign.GetCourier(context.Background(), "a-far")
	if c.CurrentLoad != 1 {
		t.Fatalf("winner load = %d, want 1", c.CurrentLoad)
	}
	if len(h.notifier.calls) != 1 || h.notifier.calls[0] != "a-far" {
		t.Fatalf("courier notifications = %v", h.notifier.calls)
	}
	if len(h.orders.updates) != 1 || h.orders.updates[0] != "o1:assigned:a-far" {
		t.Fatalf("order updates = %v", h.orders.updates)
	}
}

func TestAssignNeverPicksFullCourier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.courier(t, "d-near", north(0.1), "BIKE", 1)
	h.courier(t, "d-far", north(2.5), "BIKE", 1)
	if _, err := h.assign.Commit(ctx, assignment.CommitCommand{OrderID: "earlier", CourierID: "d-near"}); err != nil {
		t.Fatalf("fill d-near: %v", err)
	}

	res, err := h.svc.Assign(ctx, request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CourierID != "d-far" {
		t.Fatalf("picked %s, want d-far", res.CourierID)
	}
	for _, c := range res.Candidates {
		if c.CourierID == "d-near" {
			t.Fatalf("full courier was scored: %+v", c)
		}
	}
}

func TestAssignTieBreaksOnCourierID(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "d-b", geo.Destination(pickup, 90, 1.1), "BIKE", 2)
	h.courier(t, "d-a", geo.Destination(pickup, 270, 1.1), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Candidates[0].Score != res.Candidates[1].Score || res.Candidates[0].ETAMinutes != res.Candidates[1].ETAMinutes {
		t.Fatalf("expected a tie: %+v", res.Candidates)
	}
	if res.CourierID != "d-a" {
		t.Fatalf("picked %s, want d-a", res.CourierID)
	}
}

func TestAssignPrefersSpareCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.courier(t, "d-a", geo.Destination(pickup, 90, 1.1), "BIKE", 2)
	h.courier(t, "d-b", geo.Destination(pickup, 270, 1.1), "BIKE", 2)
	if _, err := h.assign.Commit(ctx, assignment.CommitCommand{OrderID: "earlier", CourierID: "d-a"}); err != nil {
		t.Fatalf("load d-a: %v", err)
	}

	res, err := h.svc.Assign(ctx, request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CourierID != "d-b" {
		t.Fatalf("picked %s, want d-b", res.CourierID)
	}
}

func TestRankOrdering(t *testing.T) {
	cands := []Candidate{
		{CourierID: "c", Score: 0.1, ETAMinutes: 5},
		{CourierID: "b", Score: 0.2, ETAMinutes: 9},
		{CourierID: "a", Score: 0.2, ETAMinutes: 9},
		{CourierID: "d", Score: 0.2, ETAMinutes: 4},
	}
	rank(cands)
	want := []types.ID{"d", "a", "b", "c"}
	for i, id := range want {
		if cands[i].CourierID != id {
			t.Fatalf("position %d = %s, want %s", i, cands[i].CourierID, id)
		}
	}
}

// ---------------------------------------------------------------------------
// no candidate
// ---------------------------------------------------------------------------

func TestAssignNoCourierInRange(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "d-out", north(3.5), "BIKE", 2)

	_, err := h.svc.Assign(context.Background(), request("o1"))
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("err = %v, want ErrNoCandidate", err)
	}
	if n, _ := h.svc.Attempts(context.Background(), "o1"); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestAssignAllFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.courier(t, "d1", north(0.5), "BIKE", 1)
	_, _ = h.assign.Commit(ctx, assignment.CommitCommand{OrderID: "earlier", CourierID: "d1"})

	if _, err := h.svc.Assign(ctx, request("o1")); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("err = %v, want ErrNoCandidate", err)
	}
}

func TestAssignSkipsCandidateWithoutETA(t *testing.T) {
	h := newHarness(t)
	h.eta.fail = map[string]bool{"CAR": true}
	h.courier(t, "d-car", north(0.2), "CAR", 2)
	h.courier(t, "d-bike", north(1.5), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CourierID != "d-bike" || len(res.Candidates) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestAssignSkipsUnknownCourierRecord(t *testing.T) {
	h := newHarness(t)
	st := &location.Status{Available: true, OnDuty: true, VehicleType: "BIKE", MaxCapacity: 2}
	if _, err := h.index.IndexLocation(context.Background(), location.Report{CourierID: "ghost", Point: north(0.1), Status: st}); err != nil {
		t.Fatalf("index ghost: %v", err)
	}
	h.courier(t, "d1", north(1), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CourierID != "d1" {
		t.Fatalf("picked %s", res.CourierID)
	}
}

// ---------------------------------------------------------------------------
// scorers
// ---------------------------------------------------------------------------

func TestAssignUsesRemoteScore(t *testing.T) {
	h := newHarness(t)
	client := &fakeScoreClient{scores: map[types.ID]float64{"d-near": 0.2, "d-far": 0.9}}
	h.deps.Remote = NewRemoteScorer(client, time.Minute, h.clock)
	h.rebuild()
	h.courier(t, "d-near", north(0.3), "BIKE", 2)
	h.courier(t, "d-far", north(2.0), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Scorer != ScorerRemote || res.CourierID != "d-far" || res.Score != 0.9 {
		t.Fatalf("result = %+v", res)
	}
}

func TestAssignFallsBackToFormula(t *testing.T) {
	h := newHarness(t)
	client := &fakeScoreClient{err: clients.ErrUnavailable}
	remote := NewRemoteScorer(client, time.Minute, h.clock)
	h.deps.Remote = remote
	h.rebuild()
	h.courier(t, "d-b", north(0.3), "BIKE", 3)
	h.courier(t, "d-a", north(2.0), "BIKE", 3)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Scorer != ScorerFormula || res.CourierID != "d-a" {
		t.Fatalf("result = %+v", res)
	}
	if remote.Available() {
		t.Fatal("remote scorer should be cooling down")
	}

	// during cooldown the remote is not consulted at all
	before := client.calls.Load()
	if _, err := h.svc.Assign(context.Background(), request("o2")); err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if client.calls.Load() != before {
		t.Fatalf("remote called during cooldown")
	}

	h.clock.Advance(time.Minute)
	if !remote.Available() {
		t.Fatal("remote scorer should be available after cooldown")
	}
}

func TestFormulaScore(t *testing.T) {
	got, _ := FormulaScorer{}.Score(context.Background(), Signals{ETAMinutes: 20, CapacityScore: 0.5, SurgeMultiplier: 2})
	if math.Abs(got-0.05) > 1e-12 {
		t.Fatalf("score = %v, want 0.05", got)
	}
	zero, _ := FormulaScorer{}.Score(context.Background(), Signals{ETAMinutes: 0, CapacityScore: 1, SurgeMultiplier: 1})
	if zero != 1 {
		t.Fatalf("zero eta score = %v, want 1", zero)
	}
}

// ---------------------------------------------------------------------------
// order lookup and side effects
// ---------------------------------------------------------------------------

func TestAssignOrderLookup(t *testing.T) {
	cases := []struct {
		name   string
		status string
		getErr error
		want   error
	}{
		{"unknown order", "", clients.ErrNotFound, ErrOrderNotFound},
		{"already delivered", "delivered", nil, ErrOrderNotAssignable},
		{"order service down", "", clients.ErrUnavailable, nil},
		{"pending", "pending", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.orders.status = tc.status
			h.orders.getErr = tc.getErr
			h.courier(t, "d1", north(0.5), "BIKE", 2)

			_, err := h.svc.Assign(context.Background(), request("o1"))
			if tc.want == nil && err != nil {
				t.Fatalf("Assign: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAssignSurvivesNotificationFailures(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("push gateway down")
	h.orders.updErr = clients.ErrUnavailable
	h.courier(t, "d1", north(0.5), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := h.assign.GetActiveByOrder(context.Background(), "o1"); err != nil {
		t.Fatalf("assignment not kept: %v", err)
	}
	if res.CourierID != "d1" {
		t.Fatalf("picked %s", res.CourierID)
	}
}

func TestAssignCommitFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "d1", north(0.5), "BIKE", 2)
	h.deps.Committer = failingCommitter{h.assign}
	h.rebuild()

	_, err := h.svc.Assign(context.Background(), request("o1"))
	if !errors.Is(err, assignment.ErrCommitFailed) {
		t.Fatalf("err = %v, want ErrCommitFailed", err)
	}
	if len(h.notifier.calls) != 0 || len(h.orders.updates) != 0 {
		t.Fatal("notified after a failed commit")
	}
}

func TestAssignRecordsOrderArrival(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "d1", north(0.5), "BIKE", 2)
	if _, err := h.svc.Assign(context.Background(), request("o1")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	cells, err := h.heat.Region(context.Background(), pickup, 1.0)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	var inflow float64
	for _, c := range cells {
		inflow += c.OrderInflowRate
	}
	if inflow <= 0 {
		t.Fatalf("no order recorded near pickup: %+v", cells)
	}
}

func TestAssignNeutralSurgeOnFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.Surge = failingSurge{}
	h.rebuild()
	h.courier(t, "d1", north(0.5), "BIKE", 2)

	res, err := h.svc.Assign(context.Background(), request("o1"))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.SurgeMultiplier != heatmap.NeutralSurge || res.Candidates[0].SurgeMultiplier != heatmap.NeutralSurge {
		t.Fatalf("surge = %v", res.SurgeMultiplier)
	}
}

func TestAssignRejectsBadRequest(t *testing.T) {
	h := newHarness(t)
	bad := request("")
	if _, err := h.svc.Assign(context.Background(), bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
	bad = request("o1")
	bad.Pickup = types.Point{Lat: 91}
	if _, err := h.svc.Assign(context.Background(), bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentAssignRespectsCapacity(t *testing.T) {
	h := newHarness(t)
	h.courier(t, "d1", north(0.5), "BIKE", 2)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.svc.Assign(context.Background(), request(types.ID(fmt.Sprintf("o%d", i)))); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if ok.Load() != 2 {
		t.Fatalf("successful assignments = %d, want 2", ok.Load())
	}
}
