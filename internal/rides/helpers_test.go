package rides

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/stretchr/testify/require"
)

// 2026-10-13 is a Tuesday.
var t0 = time.Date(2026, time.October, 13, 14, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRates() pricing.Rates {
	return pricing.Rates{
		BaseFare:          15,
		PerKm:             3,
		Night:             pricing.NightWindow{Start: "22:00", End: "06:00"},
		NightSurchargePct: 25,
		Currency:          "USD",
	}
}

func testSettings() *pricing.StaticSettings {
	return pricing.NewFixedSettings(pricing.Settings{
		Rates:         testRates(),
		Timezone:      "UTC",
		DefaultRegion: "center",
		OfferTTL:      time.Minute,
	})
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) RideChanged(ctx context.Context, ride *Ride, changes []Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changes...)
}

func (n *recordingNotifier) actions() []Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Action, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.Action)
	}
	return out
}

type engineFixture struct {
	engine   *Engine
	repo     *MemoryRepository
	clock    *testClock
	notifier *recordingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo:     NewMemoryRepository(),
		clock:    newTestClock(t0),
		notifier: &recordingNotifier{},
	}
	f.engine = NewEngine(f.repo, testSettings(), WithClock(f.clock.Now), WithNotifier(f.notifier))
	return f
}

func validCreateRequest() CreateRequest {
	return CreateRequest{
		Customer:    Customer{Name: "Aylar", Phone: "+99365000001"},
		Pickup:      Place{Address: "Bitarap Turkmenistan 12", Lat: 37.95, Lng: 58.38},
		Destination: Place{Address: "Airport", Lat: 37.99, Lng: 58.36},
		Trip:        pricing.TripFacts{DistanceKm: 10},
		CreatedBy:   "operator:1",
	}
}

func (f *engineFixture) create(t *testing.T) *Ride {
	t.Helper()
	ride, err := f.engine.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	return ride
}

// advance walks a ride forward to the given status through valid transitions
func (f *engineFixture) advance(t *testing.T, ride *Ride, to Status) *Ride {
	t.Helper()
	ctx := context.Background()

	path := []Step{
		{Action: ActionDispatched, Actor: "operator:1", Input: TransitionInput{Offer: &OfferState{Candidates: []string{"driver-a"}, TTL: time.Minute, OfferedAt: f.clock.Now()}}},
		{Action: ActionLocked, Actor: "driver-a", Input: TransitionInput{Lock: &LockState{DriverID: "driver-a", AcquiredAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Minute)}}},
		{Action: ActionAssigned, Actor: "driver-a", Input: TransitionInput{Driver: &DriverBinding{ID: "driver-a", Name: "Merdan"}}},
		{Action: ActionApproved, Actor: "office"},
		{Action: ActionEnroute, Actor: "driver-a"},
		{Action: ActionArrived, Actor: "driver-a", Input: TransitionInput{Location: &Location{Lat: 37.95, Lng: 58.38}}},
		{Action: ActionFinished, Actor: "driver-a"},
	}

	var err error
	for _, step := range path {
		if ride.Status == to {
			return ride
		}
		if !CanApply(ride.Status, step.Action) {
			continue
		}
		ride, err = f.engine.Transition(ctx, ride.ID, step.Action, step.Actor, step.Input)
		require.NoError(t, err)
		require.NoError(t, ride.Validate())
	}
	require.Equal(t, to, ride.Status)
	return ride
}
