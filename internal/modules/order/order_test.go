// README: Order service tests (flow, guards and invalid requests) on the memory store.
package order

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusReceived, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		// no skipping
		{StatusReceived, StatusDelivered, false},
		// no regression
		{StatusInTransit, StatusReceived, false},
		{StatusDelivered, StatusInTransit, false},
		{StatusDelivered, StatusReceived, false},
		// self-loops are not transitions
		{StatusReceived, StatusReceived, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"received":           StatusReceived,
		"pending_acceptance": StatusReceived,
		"PENDING":            StatusReceived,
		"in_transit":         StatusInTransit,
		"IN_TRANSIT":         StatusInTransit,
		"delivered":          StatusDelivered,
		"COMPLETED":          StatusDelivered,
		" completed ":        StatusDelivered,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("cancelled")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestNewNumberFormat(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	n := NewNumber(now)
	assert.Regexp(t, regexp.MustCompile(`^ORD-1700000000123-[0-9A-F]{8}$`), n)
	assert.NotEqual(t, n, NewNumber(now))
}

func TestSubmit_AssignsDispatchedDriverAndNotifiesOnlyThem(t *testing.T) {
	disp := &fakeDispatcher{driverID: "d1", distance: 1.47}
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), disp, WithNotifier(notifier))

	o, res, err := svc.Submit(context.Background(), submitCmd(30.0, 31.0))
	require.NoError(t, err)

	require.NotNil(t, res.DriverID)
	assert.Equal(t, "d1", *res.DriverID)
	assert.Equal(t, StatusReceived, o.Status)
	require.NotNil(t, o.AssignedDriverID)
	assert.Equal(t, "d1", *o.AssignedDriverID)
	require.NotNil(t, o.DispatchDistanceKm)
	assert.InDelta(t, 1.47, *o.DispatchDistanceKm, 1e-9)
	require.NotNil(t, o.TrackedLocation)
	assert.Equal(t, 30.0, o.TrackedLocation.Lat)

	assert.Equal(t, []string{"new-order:d1:" + o.Number}, notifier.events())

	stored, err := svc.Get(context.Background(), o.Number)
	require.NoError(t, err)
	assert.Equal(t, "d1", *stored.AssignedDriverID)
}

func TestSubmit_NoCandidateLeavesOrderInPool(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), &fakeDispatcher{}, WithNotifier(notifier))

	o, res, err := svc.Submit(context.Background(), submitCmd(30.0, 31.0))
	require.NoError(t, err)
	assert.Nil(t, res.DriverID)
	assert.Nil(t, res.DistanceKm)
	assert.Nil(t, o.AssignedDriverID)
	assert.True(t, o.InPool())
	assert.Empty(t, notifier.events())
}

func TestSubmit_DispatchErrorDoesNotFailSubmission(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDispatcher{err: errors.New("boom")})

	o, _, err := svc.Submit(context.Background(), submitCmd(30.0, 31.0))
	require.NoError(t, err)
	assert.True(t, o.InPool())
}

func TestSubmit_InvalidRequests(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	lat, lng := 30.0, 31.0
	bad := []SubmitCommand{
		{Phone: "1", Lat: &lat, Lng: &lng},
		{Name: "a", Lat: &lat, Lng: &lng},
		{Name: "a", Phone: "1", Lng: &lng},
		{Name: "a", Phone: "1", Lat: &lat},
		{Name: "a", Phone: "1", Lat: ptr(91.0), Lng: &lng},
		{Name: "a", Phone: "1", Lat: &lat, Lng: ptr(-181.0)},
		{Name: "a", Phone: "1", Lat: ptr(math.NaN()), Lng: &lng},
	}
	for i, cmd := range bad {
		_, _, err := svc.Submit(ctx, cmd)
		assert.ErrorIs(t, err, ErrBadRequest, "case %d", i)
	}
}

func TestSubmit_StoreFailureIsSurfaced(t *testing.T) {
	svc := NewService(&failingStore{Store: NewMemoryStore()}, nil)
	_, _, err := svc.Submit(context.Background(), submitCmd(1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestOrderFlowHappyPath(t *testing.T) {
	presence := &fakePresence{}
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), &fakeDispatcher{driverID: "d1", distance: 1},
		WithPresence(presence), WithNotifier(notifier))
	ctx := context.Background()

	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	accepted, err := svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, accepted.Status)
	assert.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, false, presence.last("d1"))

	done, err := svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, done.Status)
	assert.NotNil(t, done.DeliveredAt)
	assert.Nil(t, done.TrackedLocation)
	assert.Equal(t, true, presence.last("d1"))

	assert.Equal(t, []string{
		"new-order:d1:" + o.Number,
		"accepted:" + o.Number,
		"delivered:" + o.Number,
	}, notifier.events())
}

func TestAccept_StrictRejectsOtherDriverWhenAssigned(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDispatcher{driverID: "d1", distance: 1})
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d2"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	assert.NoError(t, err)
}

func TestAccept_OpenModeLetsAnyDriverTakeAssignedOrder(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDispatcher{driverID: "d1", distance: 1}, WithStrictAccept(false))
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	got, err := svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, "d2", *got.AssignedDriverID)
}

func TestAccept_PoolOrderAnyDriver(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	got, err := svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d9"})
	require.NoError(t, err)
	assert.Equal(t, "d9", *got.AssignedDriverID)
}

func TestListAvailable_HidesOrdersAssignedToOthers(t *testing.T) {
	dispatcher := &fakeDispatcher{driverID: "d1", distance: 1}
	store := NewMemoryStore()
	ctx := context.Background()
	mine, _, err := NewService(store, dispatcher).Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)
	dispatcher.driverID = ""
	pool, _, err := NewService(store, dispatcher).Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	numbers := func(list []*Order) []string {
		out := make([]string, 0, len(list))
		for _, o := range list {
			out = append(out, o.Number)
		}
		return out
	}

	strict := NewService(store, nil)
	got, err := strict.ListAvailable(ctx, "d1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{mine.Number, pool.Number}, numbers(got))

	got, err = strict.ListAvailable(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, []string{pool.Number}, numbers(got))

	got, err = NewService(store, nil, WithStrictAccept(false)).ListAvailable(ctx, "d2")
	require.NoError(t, err)
	assert.Len(t, got, 2, "open mode lets any driver take any received order")
}

func TestSeededLocation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)
	assert.True(t, o.SeededLocation())

	require.NoError(t, svc.store.UpdateTrackedLocation(ctx, o.Number, TrackedLocation{Lat: 30.1, Lng: 31.1, Time: o.CreatedAt.Add(time.Second)}))
	moved, err := svc.Get(ctx, o.Number)
	require.NoError(t, err)
	assert.False(t, moved.SeededLocation())

	assert.False(t, (&Order{}).SeededLocation())
}

func TestAccept_UnknownOrderIsConflict(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	_, err := svc.Accept(context.Background(), AcceptCommand{Number: "ORD-missing", DriverID: "d1"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.EqualError(t, err, "order not found, already processed, or not assigned to you")
}

func TestAccept_MissingFields(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	_, err := svc.Accept(context.Background(), AcceptCommand{Number: "ORD-1"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Complete(context.Background(), CompleteCommand{DriverID: "d1"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestComplete_RequiresAssignedDriverAndInTransit(t *testing.T) {
	presence := &fakePresence{}
	svc := NewService(NewMemoryStore(), nil, WithPresence(presence))
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	// still received
	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d2"})
	assert.ErrorIs(t, err, ErrConflict)
	_, ok := presence.calls["d2"]
	assert.False(t, ok, "failed complete must not touch presence")
}

func TestLifecycleIsMonotonic(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)
	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)

	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := svc.Get(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestTrackedLocationNotRewrittenAfterDelivery(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)
	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)

	err = store.UpdateTrackedLocation(ctx, o.Number, TrackedLocation{Lat: 30.1, Lng: 31.1, Time: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := svc.Get(ctx, o.Number)
	require.NoError(t, err)
	assert.Nil(t, got.TrackedLocation)
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	winner := runConcurrentAccepts(t, svc, o.Number, 16)

	got, err := svc.Get(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, got.Status)
	assert.Equal(t, winner, *got.AssignedDriverID)
}

func TestRate(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	_, err = svc.Rate(ctx, RateCommand{Number: o.Number, Rating: 5})
	assert.ErrorIs(t, err, ErrAlreadyRated, "not delivered yet")

	_, err = svc.Accept(ctx, AcceptCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, CompleteCommand{Number: o.Number, DriverID: "d1"})
	require.NoError(t, err)

	_, err = svc.Rate(ctx, RateCommand{Number: o.Number, Rating: 6})
	assert.ErrorIs(t, err, ErrBadRequest)

	rated, err := svc.Rate(ctx, RateCommand{Number: o.Number, Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, *rated.Rating)

	_, err = svc.Rate(ctx, RateCommand{Number: o.Number, Rating: 5})
	assert.ErrorIs(t, err, ErrAlreadyRated)

	_, err = svc.Rate(ctx, RateCommand{Number: "ORD-missing", Rating: 5})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListingAndStats(t *testing.T) {
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore(), nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	var numbers []string
	for i, addr := range []string{"Cairo", "Giza", "Cairo"} {
		cmd := submitCmd(30, 31)
		cmd.Address = addr
		o, _, err := svc.Submit(ctx, cmd)
		require.NoError(t, err)
		numbers = append(numbers, o.Number)
		clock = clock.Add(time.Duration(i+1) * time.Minute)
	}
	_, err := svc.Accept(ctx, AcceptCommand{Number: numbers[0], DriverID: "d1"})
	require.NoError(t, err)

	avail, err := svc.ListAvailable(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, numbers[2], avail[0].Number, "newest first")

	active, err := svc.ActiveForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, numbers[0], active[0].Number)

	places, err := svc.PlaceStats(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, []PlaceCount{{City: "Cairo", Deliveries: 2}, {City: "Giza", Deliveries: 1}}, places)

	days, err := svc.DailyStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []DayCount{{Date: "2026-03-10", Orders: 3}}, days)

	_, err = svc.DailyStats(ctx, "yearly")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRangeStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
	daily, err := RangeStart("daily", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), daily)

	weekly, err := RangeStart("WEEKLY", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), weekly)

	monthly, err := RangeStart("monthly", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 15, 4, 5, 0, time.UTC), monthly)
}

func TestAdminUpdateAndDelete(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	_, err = svc.AdminUpdate(ctx, o.Number, Patch{})
	assert.ErrorIs(t, err, ErrBadRequest)

	delivered := StatusDelivered
	driver := "d7"
	got, err := svc.AdminUpdate(ctx, o.Number, Patch{Status: &delivered, AssignedDriverID: &driver})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, "d7", *got.AssignedDriverID)

	_, err = svc.AdminUpdate(ctx, "ORD-missing", Patch{Status: &delivered})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.Delete(ctx, o.Number))
	assert.ErrorIs(t, svc.Delete(ctx, o.Number), ErrNotFound)
	_, err = svc.Track(ctx, o.Number)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrackHidesCustomerDetails(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDispatcher{driverID: "d1", distance: 2})
	ctx := context.Background()
	o, _, err := svc.Submit(ctx, submitCmd(30, 31))
	require.NoError(t, err)

	view, err := svc.Track(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, o.Number, view.Number)
	assert.True(t, view.DriverAssigned)
	assert.Equal(t, StatusReceived, view.Status)
}

// --- helpers ---

func runConcurrentAccepts(t *testing.T, svc *Service, number string, attempts int) string {
	t.Helper()
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	type result struct {
		driver string
		err    error
	}
	results := make(chan result, attempts)

	for i := 0; i < attempts; i++ {
		driverID := "d" + string(rune('a'+i))
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			<-start
			_, err := svc.Accept(ctx, AcceptCommand{Number: number, DriverID: did})
			results <- result{driver: did, err: err}
		}(driverID)
	}
	close(start)
	wg.Wait()
	close(results)

	winner := ""
	success := 0
	for r := range results {
		if r.err == nil {
			success++
			winner = r.driver
			continue
		}
		if !errors.Is(r.err, ErrConflict) {
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	return winner
}

func submitCmd(lat, lng float64) SubmitCommand {
	return SubmitCommand{Name: "Mona", Phone: "0100", Address: "Cairo", Lat: &lat, Lng: &lng, ItemType: "parcel"}
}

func ptr[T any](v T) *T { return &v }

type fakeDispatcher struct {
	driverID string
	distance float64
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *Order) (DispatchResult, error) {
	if f.err != nil {
		return DispatchResult{}, f.err
	}
	if f.driverID == "" {
		return DispatchResult{}, nil
	}
	return DispatchResult{DriverID: ptr(f.driverID), DistanceKm: ptr(f.distance)}, nil
}

type fakePresence struct {
	mu    sync.Mutex
	calls map[string][]bool
}

func (f *fakePresence) SetAvailability(driverID string, available bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][]bool{}
	}
	f.calls[driverID] = append(f.calls[driverID], available)
	return true
}

func (f *fakePresence) last(driverID string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls[driverID]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

type fakeNotifier struct {
	mu  sync.Mutex
	log []string
}

func (f *fakeNotifier) add(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
}

func (f *fakeNotifier) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeNotifier) NotifyNewOrder(_ context.Context, driverID string, o *Order) {
	f.add("new-order:" + driverID + ":" + o.Number)
}

func (f *fakeNotifier) NotifyAccepted(_ context.Context, o *Order) { f.add("accepted:" + o.Number) }

func (f *fakeNotifier) NotifyDelivered(_ context.Context, o *Order) { f.add("delivered:" + o.Number) }

var errStoreDown = errors.New("store down")

type failingStore struct {
	Store
}

func (f *failingStore) Create(context.Context, *Order) error { return errStoreDown }
