package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Create(t *testing.T) {
	f := newEngineFixture(t)

	ride := f.create(t)

	assert.Equal(t, StatusCreated, ride.Status)
	assert.Equal(t, int64(1000), ride.Number)
	assert.Equal(t, int64(1), ride.Version)
	assert.Equal(t, 45.0, ride.Price)
	require.NotNil(t, ride.Pricing)
	assert.Equal(t, t0, ride.Pricing.CalculatedAt)
	assert.Equal(t, "center", ride.Region)
	require.Len(t, ride.ActionHistory, 1)
	assert.Equal(t, ActionCreated, ride.ActionHistory[0].Action)
	assert.Equal(t, "operator:1", ride.ActionHistory[0].PerformedBy)
	assert.Equal(t, CreatedDetails{Price: 45}, ride.ActionHistory[0].Details)
	assert.Equal(t, EventRideCreated, ride.Timeline[0].Kind)
	assert.NoError(t, ride.Validate())
	assert.Equal(t, []Action{ActionCreated}, f.notifier.actions())

	second := f.create(t)
	assert.Equal(t, int64(1001), second.Number)
}

func TestEngine_CreateAtNightAppliesSurcharge(t *testing.T) {
	f := newEngineFixture(t)
	req := validCreateRequest()
	req.PricedAt = time.Date(2026, time.October, 13, 22, 0, 0, 0, time.UTC)

	ride, err := f.engine.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 56.25, ride.Pricing.TotalBeforeDiscount)
	assert.Equal(t, 56.25, ride.Price)
}

func TestEngine_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		field  string
	}{
		{"missing customer name", func(r *CreateRequest) { r.Customer.Name = "" }, "customer.name"},
		{"malformed phone", func(r *CreateRequest) { r.Customer.Phone = "call me" }, "customer.phone"},
		{"missing pickup address", func(r *CreateRequest) { r.Pickup.Address = "" }, "pickup.address"},
		{"latitude out of range", func(r *CreateRequest) { r.Destination.Lat = 123 }, "destination.lat"},
		{"negative distance", func(r *CreateRequest) { r.Trip.DistanceKm = -1 }, "trip.distance_km"},
		{"missing actor", func(r *CreateRequest) { r.CreatedBy = "" }, "created_by"},
		{"bad template", func(r *CreateRequest) {
			r.Recurring = &recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "25:00"}
		}, "recurring.time_of_day"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			req := validCreateRequest()
			tt.mutate(&req)

			_, err := f.engine.Create(context.Background(), req)

			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestEngine_FullLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ride := f.create(t)

	ride = f.advance(t, ride, StatusFinished)

	assert.Equal(t, StatusFinished, ride.Status)
	assert.NotNil(t, ride.CompletedAt)
	assert.Nil(t, ride.CancelledAt)
	require.NotNil(t, ride.Driver)
	assert.Equal(t, "driver-a", ride.Driver.ID)
	assert.Nil(t, ride.Lock)

	var actions []Action
	for _, e := range ride.ActionHistory {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []Action{
		ActionCreated, ActionDispatched, ActionLocked, ActionAssigned,
		ActionApproved, ActionEnroute, ActionArrived, ActionFinished,
	}, actions)
	assert.Equal(t, ArrivedDetails{Location: &Location{Lat: 37.95, Lng: 58.38}}, ride.ActionHistory[6].Details)
	assert.Equal(t, FinishedDetails{FinalTotal: 45, Recalculated: false}, ride.ActionHistory[7].Details)
	assert.GreaterOrEqual(t, len(ride.Timeline), len(ride.ActionHistory))
	assert.Equal(t, actions, f.notifier.actions())
}

func TestEngine_InvalidTransitionLeavesRideUnchanged(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
	}{
		{StatusCreated, ActionAssigned},
		{StatusCreated, ActionRedispatched},
		{StatusSent, ActionApproved},
		{StatusLocked, ActionEnroute},
		{StatusAssigned, ActionFinished},
		{StatusArrived, ActionRedispatched},
		{StatusFinished, ActionCancelled},
		{StatusFinished, ActionDispatched},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.action), func(t *testing.T) {
			f := newEngineFixture(t)
			ride := f.advance(t, f.create(t), tt.from)

			before, err := f.repo.Get(context.Background(), ride.ID)
			require.NoError(t, err)
			beforeDoc, err := json.Marshal(before)
			require.NoError(t, err)

			_, err = f.engine.Transition(context.Background(), ride.ID, tt.action, "someone", TransitionInput{
				Reason: "x",
				Driver: &DriverBinding{ID: "driver-z"},
			})

			require.ErrorIs(t, err, ErrInvalidTransition)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.from, te.From)
			assert.Equal(t, tt.action, te.Action)

			after, err := f.repo.Get(context.Background(), ride.ID)
			require.NoError(t, err)
			afterDoc, err := json.Marshal(after)
			require.NoError(t, err)
			assert.Equal(t, string(beforeDoc), string(afterDoc))
			assert.Equal(t, before.Version, after.Version)
		})
	}
}

func TestEngine_CancelFromEveryNonTerminalStatus(t *testing.T) {
	for _, status := range []Status{StatusCreated, StatusSent, StatusLocked, StatusAssigned, StatusApproved, StatusEnroute, StatusArrived} {
		t.Run(string(status), func(t *testing.T) {
			f := newEngineFixture(t)
			ride := f.advance(t, f.create(t), status)

			cancelled, err := f.engine.Transition(context.Background(), ride.ID, ActionCancelled, "customer", TransitionInput{Reason: "changed plans"})
			require.NoError(t, err)

			assert.Equal(t, StatusCancelled, cancelled.Status)
			assert.Equal(t, "changed plans", cancelled.CancelReason)
			assert.NotNil(t, cancelled.CancelledAt)
			assert.Nil(t, cancelled.CompletedAt)
			assert.Nil(t, cancelled.Driver)
			assert.Nil(t, cancelled.Lock)
			assert.Equal(t, CancelledDetails{Reason: "changed plans", PreviousStatus: status}, cancelled.LastAction().Details)
			assert.NoError(t, cancelled.Validate())
		})
	}
}

func TestEngine_CancelRequiresReason(t *testing.T) {
	f := newEngineFixture(t)
	ride := f.create(t)

	_, err := f.engine.Transition(context.Background(), ride.ID, ActionCancelled, "customer", TransitionInput{Reason: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	stored, err := f.repo.Get(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, stored.Status)
	assert.Len(t, stored.ActionHistory, 1)
}

func TestEngine_RedispatchClearsDriverAndCounts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	ride := f.advance(t, f.create(t), StatusEnroute)

	ride, err := f.engine.Transition(ctx, ride.ID, ActionRedispatched, "driver-a", TransitionInput{Reason: "car broke down"})
	require.NoError(t, err)

	assert.Equal(t, StatusSent, ride.Status)
	assert.Nil(t, ride.Driver)
	assert.Equal(t, 1, ride.RedispatchCount())
	assert.Equal(t, RedispatchedDetails{
		PreviousDriverID: "driver-a",
		PreviousStatus:   StatusEnroute,
		Reason:           "car broke down",
	}, ride.LastAction().Details)
	assert.NoError(t, ride.Validate())

	_, err = f.engine.Transition(ctx, ride.ID, ActionLocked, "driver-b", TransitionInput{
		Lock: &LockState{DriverID: "driver-b", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)},
	})
	require.NoError(t, err)
	ride, err = f.engine.Transition(ctx, ride.ID, ActionRedispatched, ActorSystem+"lock-expiry", TransitionInput{Reason: "lock expired"})
	require.NoError(t, err)
	assert.Equal(t, 2, ride.RedispatchCount())
	assert.Nil(t, ride.Lock)
}

func TestEngine_AssignRejectsDriverWithoutLock(t *testing.T) {
	f := newEngineFixture(t)
	ride := f.advance(t, f.create(t), StatusLocked)

	_, err := f.engine.Transition(context.Background(), ride.ID, ActionAssigned, "driver-b", TransitionInput{
		Driver: &DriverBinding{ID: "driver-b"},
	})
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestEngine_FinishRecalculatesOnlyWhenTripChanged(t *testing.T) {
	t.Run("unchanged trip keeps price", func(t *testing.T) {
		f := newEngineFixture(t)
		ride := f.advance(t, f.create(t), StatusArrived)
		same := ride.Trip

		ride, err := f.engine.Transition(context.Background(), ride.ID, ActionFinished, "driver-a", TransitionInput{TripUpdate: &same})
		require.NoError(t, err)
		assert.Equal(t, 45.0, ride.Price)
		assert.Equal(t, FinishedDetails{FinalTotal: 45, Recalculated: false}, ride.LastAction().Details)
	})

	t.Run("longer trip is repriced at the original dispatch time", func(t *testing.T) {
		f := newEngineFixture(t)
		ride := f.advance(t, f.create(t), StatusArrived)
		f.clock.Advance(9 * time.Hour) // finish lands in the night window

		ride, err := f.engine.Transition(context.Background(), ride.ID, ActionFinished, "driver-a", TransitionInput{
			TripUpdate: &pricing.TripFacts{DistanceKm: 15},
		})
		require.NoError(t, err)
		assert.Equal(t, 60.0, ride.Price)
		assert.Equal(t, 60.0, ride.Pricing.FinalTotal)
		assert.Equal(t, t0, ride.Pricing.CalculatedAt)
		assert.Equal(t, 15.0, ride.Trip.DistanceKm)
		assert.Equal(t, FinishedDetails{FinalTotal: 60, Recalculated: true}, ride.LastAction().Details)
	})
}

func TestEngine_ConcurrentTransitionsOnlyOneWins(t *testing.T) {
	f := newEngineFixture(t)
	ride := f.advance(t, f.create(t), StatusAssigned)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transition(context.Background(), ride.ID, ActionApproved, "office", TransitionInput{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidTransition):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, invalid)

	stored, err := f.repo.Get(context.Background(), ride.ID)
	require.NoError(t, err)
	approvals := 0
	for _, e := range stored.ActionHistory {
		if e.Action == ActionApproved {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestEngine_CancelRacesConfirm(t *testing.T) {
	f := newEngineFixture(t)
	ride := f.advance(t, f.create(t), StatusLocked)

	var wg sync.WaitGroup
	var assignErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, assignErr = f.engine.Transition(context.Background(), ride.ID, ActionAssigned, "driver-a", TransitionInput{
			Driver: &DriverBinding{ID: "driver-a"},
		})
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.engine.Transition(context.Background(), ride.ID, ActionCancelled, "customer", TransitionInput{Reason: "too slow"})
	}()
	wg.Wait()

	stored, err := f.repo.Get(context.Background(), ride.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())

	if stored.Status == StatusCancelled && assignErr != nil {
		assert.NoError(t, cancelErr)
		assert.ErrorIs(t, assignErr, ErrInvalidTransition)
		return
	}
	// assignment committed first; cancel still applies from assigned
	assert.NoError(t, assignErr)
	assert.NoError(t, cancelErr)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Nil(t, stored.Driver)
}

type conflictingRepository struct {
	*MemoryRepository
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingRepository) Save(ctx context.Context, ride *Ride, expectedVersion int64) error {
	r.mu.Lock()
	if expectedVersion > 0 && r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return ErrVersionConflict
	}
	r.mu.Unlock()
	return r.MemoryRepository.Save(ctx, ride, expectedVersion)
}

func TestEngine_RetriesVersionConflicts(t *testing.T) {
	repo := &conflictingRepository{MemoryRepository: NewMemoryRepository()}
	engine := NewEngine(repo, testSettings(), WithClock(newTestClock(t0).Now), WithMaxConflictRetries(3))

	ride, err := engine.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)

	repo.conflicts = 2
	ride, err = engine.Transition(context.Background(), ride.ID, ActionDispatched, "operator:1", TransitionInput{})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, ride.Status)

	repo.conflicts = 3
	_, err = engine.Transition(context.Background(), ride.ID, ActionCancelled, "operator:1", TransitionInput{Reason: "test"})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEngine_TransitionNotFound(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Transition(context.Background(), uuid.New(), ActionDispatched, "operator:1", TransitionInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_Issues(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	ride := f.advance(t, f.create(t), StatusEnroute)

	ride, err := f.engine.RecordIssue(ctx, ride.ID, IssueInput{Type: "late_pickup", Description: "15 minutes late", ReportedBy: "customer"})
	require.NoError(t, err)
	require.Len(t, ride.Issues, 1)
	issue := ride.Issues[0]
	assert.Equal(t, SeverityMedium, issue.Severity)
	assert.False(t, issue.Resolved)
	assert.Equal(t, StatusEnroute, ride.Status, "issues do not affect status")
	assert.Equal(t, ActionIssueReported, ride.LastAction().Action)

	ride, err = f.engine.ResolveIssue(ctx, ride.ID, issue.ID, "apologized, 10% credit", "office")
	require.NoError(t, err)
	resolved, ok := ride.Issue(issue.ID)
	require.True(t, ok)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "office", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	historyLen := len(ride.ActionHistory)
	ride, err = f.engine.ResolveIssue(ctx, ride.ID, issue.ID, "apologized, 10% credit", "office")
	require.NoError(t, err)
	assert.Len(t, ride.ActionHistory, historyLen)

	_, err = f.engine.ResolveIssue(ctx, ride.ID, issue.ID, "something else", "office")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.ResolveIssue(ctx, ride.ID, uuid.New(), "n/a", "office")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.RecordIssue(ctx, ride.ID, IssueInput{Type: "", ReportedBy: "customer"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_HistoryIsAppendOnly(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	ride := f.create(t)

	previous := []ActionEntry{}
	check := func(r *Ride) {
		require.GreaterOrEqual(t, len(r.ActionHistory), len(previous))
		assert.Equal(t, previous, r.ActionHistory[:len(previous)])
		previous = append([]ActionEntry(nil), r.ActionHistory...)
	}
	check(ride)

	ride = f.advance(t, ride, StatusAssigned)
	check(ride)
	ride, err := f.engine.Transition(ctx, ride.ID, ActionRedispatched, "driver-a", TransitionInput{Reason: "unreachable"})
	require.NoError(t, err)
	check(ride)
	_, err = f.engine.Transition(ctx, ride.ID, ActionFinished, "driver-a", TransitionInput{})
	require.Error(t, err)
	ride, err = f.engine.Transition(ctx, ride.ID, ActionCancelled, "office", TransitionInput{Reason: "no drivers"})
	require.NoError(t, err)
	check(ride)
}

func TestEngine_CreateTemplate(t *testing.T) {
	f := newEngineFixture(t)
	req := validCreateRequest()
	req.Recurring = &recurrence.Template{
		Frequency:        recurrence.Weekly,
		DayOfWeek:        time.Monday,
		TimeOfDay:        "09:00",
		TotalOccurrences: 3,
	}

	ride, err := f.engine.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, ride.Recurring)
	assert.True(t, time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC).Equal(ride.Recurring.NextOccurrence))
	require.NotNil(t, ride.Recurring.RemainingOccurrences)
	assert.Equal(t, 3, *ride.Recurring.RemainingOccurrences)
	assert.Equal(t, 3, req.Recurring.TotalOccurrences, "request is not mutated")
	assert.Nil(t, req.Recurring.RemainingOccurrences)
}

func TestEngine_Offer(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	ride := f.create(t)

	offer := OfferState{Candidates: []string{"driver-a", "driver-b"}, TTL: time.Minute, OfferedAt: t0}
	ride, err := f.engine.Offer(ctx, ride.ID, "operator:1", offer)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, ride.Status)
	assert.Equal(t, DispatchedDetails{Candidates: 2, TTL: time.Minute}, ride.LastAction().Details)
	historyLen := len(ride.ActionHistory)

	f.clock.Advance(30 * time.Second)
	resent := OfferState{Candidates: []string{"driver-c"}, TTL: time.Minute, OfferedAt: f.clock.Now()}
	ride, err = f.engine.Offer(ctx, ride.ID, "operator:1", resent)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, ride.Status)
	assert.Len(t, ride.ActionHistory, historyLen, "a resend is not a lifecycle action")
	assert.Equal(t, []string{"driver-c"}, ride.Offer.Candidates)
	last := ride.Timeline[len(ride.Timeline)-1]
	assert.Equal(t, EventOfferResent, last.Kind)
	assert.Equal(t, SearchingDriverData{Candidates: 1}, last.Data)

	ride = f.advance(t, ride, StatusLocked)
	_, err = f.engine.Offer(ctx, ride.ID, "operator:1", resent)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_OfferRejectsTemplates(t *testing.T) {
	f := newEngineFixture(t)
	req := validCreateRequest()
	req.Recurring = &recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "08:00"}
	tpl, err := f.engine.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = f.engine.Offer(context.Background(), tpl.ID, "operator:1", OfferState{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_NotifiersFanOut(t *testing.T) {
	first, second := &recordingNotifier{}, &recordingNotifier{}
	engine := NewEngine(NewMemoryRepository(), testSettings(),
		WithClock(newTestClock(t0).Now),
		WithNotifier(Notifiers{first, second}),
	)

	ride, err := engine.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	_, err = engine.Transition(context.Background(), ride.ID, ActionCancelled, "operator:1", TransitionInput{Reason: "duplicate"})
	require.NoError(t, err)

	want := []Action{ActionCreated, ActionCancelled}
	assert.Equal(t, want, first.actions())
	assert.Equal(t, want, second.actions())
}
