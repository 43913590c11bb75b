package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func setup(t *testing.T, seats int) (*Service, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	err := store.CreateTrip(context.Background(), &models.Trip{
		ID: "t1", DriverID: "driver", CommunityID: "c1", VehicleID: "v1",
		AvailableSeats: seats, Status: models.TripPlanned, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := &recorder{}
	return &Service{Store: store, Locker: lock.NewLocal(5 * time.Second), Events: rec}, store, rec
}

func remaining(t *testing.T, store *storage.MemoryStore, capacity int) int {
	t.Helper()
	n, err := store.ConfirmedSeats(context.Background(), "t1")
	if err != nil {
		t.Fatalf("confirmed seats: %v", err)
	}
	return capacity - n
}

func TestTwoSeatScenario(t *testing.T) {
	s, store, _ := setup(t, 2)
	ctx := context.Background()

	a, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "A", SeatsBooked: 2})
	if err != nil || a.Status != models.BookingPending {
		t.Fatalf("A request: %+v err=%v", a, err)
	}
	if _, err := s.Confirm(ctx, a.ID, "driver"); err != nil {
		t.Fatalf("confirm A: %v", err)
	}
	if got := remaining(t, store, 2); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}

	in := BookingInput{TripID: "t1", PassengerID: "B", SeatsBooked: 1}
	if _, err := s.Request(ctx, in); !errors.Is(err, models.ErrInsufficientSeats) {
		t.Fatalf("expected insufficient seats, got %v", err)
	}

	if _, err := s.Cancel(ctx, a.ID, "driver"); err != nil {
		t.Fatalf("cancel A: %v", err)
	}
	if got := remaining(t, store, 2); got != 2 {
		t.Fatalf("expected 2 remaining, got %d", got)
	}
	if _, err := s.Request(ctx, in); err != nil {
		t.Fatalf("B retry: %v", err)
	}
}

func TestConcurrentLastSeat(t *testing.T) {
	s, store, _ := setup(t, 1)
	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		rejected  int
		other     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			b, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: fmt.Sprintf("p%d", i), SeatsBooked: 1})
			if err == nil {
				_, err = s.Confirm(ctx, b.ID, "driver")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				confirmed++
			case errors.Is(err, models.ErrInsufficientSeats):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) != 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if confirmed != 1 || rejected != n-1 {
		t.Fatalf("expected 1 confirmed and %d rejected, got %d/%d", n-1, confirmed, rejected)
	}
	if got := remaining(t, store, 1); got != 0 {
		t.Fatalf("capacity invariant broken: remaining %d", got)
	}
}

func TestDuplicateRegardlessOfStatus(t *testing.T) {
	for _, final := range []models.BookingStatus{models.BookingPending, models.BookingConfirmed, models.BookingCancelled} {
		t.Run(string(final), func(t *testing.T) {
			s, _, _ := setup(t, 3)
			ctx := context.Background()
			in := BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1}
			b, err := s.Request(ctx, in)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			switch final {
			case models.BookingConfirmed:
				_, err = s.Confirm(ctx, b.ID, "driver")
			case models.BookingCancelled:
				_, err = s.Cancel(ctx, b.ID, "p1")
			}
			if err != nil {
				t.Fatalf("move to %s: %v", final, err)
			}
			if _, err := s.Request(ctx, in); !errors.Is(err, models.ErrDuplicateBooking) {
				t.Fatalf("expected duplicate booking, got %v", err)
			}
		})
	}
}

func TestConcurrentDuplicateRequests(t *testing.T) {
	s, store, _ := setup(t, 8)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Request(context.Background(), BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1})
		}()
	}
	wg.Wait()
	list, _ := store.ListBookings(context.Background(), "t1")
	if len(list) != 1 {
		t.Fatalf("expected a single booking, got %d", len(list))
	}
}

func TestRequestCheckOrder(t *testing.T) {
	s, store, _ := setup(t, 2)
	ctx := context.Background()

	cases := []struct {
		name string
		in   BookingInput
		want error
	}{
		{"zero seats", BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 0}, models.ErrInvalidInput},
		{"nine seats", BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 9}, models.ErrInvalidInput},
		{"missing trip", BookingInput{TripID: "nope", PassengerID: "p1", SeatsBooked: 1}, models.ErrTripNotFound},
		{"driver books own trip", BookingInput{TripID: "t1", PassengerID: "driver", SeatsBooked: 1}, models.ErrSelfBooking},
		{"over capacity", BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 3}, models.ErrInsufficientSeats},
	}
	for _, tc := range cases {
		if _, err := s.Request(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if _, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1}); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, _ = store.SetTripStatus(ctx, models.TripTransition{TripID: "t1", From: models.TripPlanned, To: models.TripActive, At: time.Now()})

	// duplicate wins over not-bookable
	if _, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1}); !errors.Is(err, models.ErrDuplicateBooking) {
		t.Fatalf("expected duplicate booking, got %v", err)
	}
	if _, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p2", SeatsBooked: 1}); !errors.Is(err, models.ErrTripNotBookable) {
		t.Fatalf("expected trip not bookable, got %v", err)
	}
}

func TestConfirmRules(t *testing.T) {
	s, _, rec := setup(t, 2)
	ctx := context.Background()
	b, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1})

	if _, err := s.Confirm(ctx, b.ID, "p1"); !errors.Is(err, models.ErrNotDriver) {
		t.Fatalf("expected not driver, got %v", err)
	}
	got, err := s.Confirm(ctx, b.ID, "driver")
	if err != nil || got.Status != models.BookingConfirmed {
		t.Fatalf("confirm: %+v err=%v", got, err)
	}
	if _, err := s.Confirm(ctx, b.ID, "driver"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := s.Confirm(ctx, "missing", "driver"); !errors.Is(err, models.ErrBookingNotFound) {
		t.Fatalf("expected booking not found, got %v", err)
	}

	last := rec.got[len(rec.got)-1]
	if last.Type != events.BookingConfirmed || last.RemainingSeats == nil || *last.RemainingSeats != 1 {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestConfirmRechecksCapacity(t *testing.T) {
	s, _, _ := setup(t, 2)
	ctx := context.Background()
	a, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "A", SeatsBooked: 2})
	b, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "B", SeatsBooked: 1})

	if _, err := s.Confirm(ctx, a.ID, "driver"); err != nil {
		t.Fatalf("confirm A: %v", err)
	}
	if _, err := s.Confirm(ctx, b.ID, "driver"); !errors.Is(err, models.ErrInsufficientSeats) {
		t.Fatalf("expected insufficient seats, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	s, store, rec := setup(t, 2)
	ctx := context.Background()
	b, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1})

	if _, err := s.Cancel(ctx, b.ID, "stranger"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, err := s.Cancel(ctx, b.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Cancel(ctx, b.ID, "p1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
	if _, err := s.Confirm(ctx, b.ID, "driver"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("confirm after cancel, got %v", err)
	}
	if last := rec.got[len(rec.got)-1]; last.Type != events.BookingCancelled {
		t.Fatalf("unexpected event %+v", last)
	}

	c, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p2", SeatsBooked: 1})
	if _, err := s.Confirm(ctx, c.ID, "driver"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	completeTrip(t, store)
	if _, err := s.Cancel(ctx, c.ID, "driver"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}

func TestGetAndListVisibility(t *testing.T) {
	s, _, _ := setup(t, 3)
	ctx := context.Background()
	first, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1})
	second, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p2", SeatsBooked: 1})

	if _, err := s.Get(ctx, first.ID, "p1"); err != nil {
		t.Fatalf("passenger get: %v", err)
	}
	if _, err := s.Get(ctx, first.ID, "driver"); err != nil {
		t.Fatalf("driver get: %v", err)
	}
	if _, err := s.Get(ctx, first.ID, "p2"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	if _, err := s.ListForTrip(ctx, "t1", "p1"); !errors.Is(err, models.ErrNotDriver) {
		t.Fatalf("expected not driver, got %v", err)
	}
	list, err := s.ListForTrip(ctx, "t1", "driver")
	if err != nil || len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v err=%v", list, err)
	}
}

func TestRequestOutcome(t *testing.T) {
	if requestOutcome(nil) != "ok" || requestOutcome(fmt.Errorf("x: %w", models.ErrDuplicateBooking)) != "duplicate" {
		t.Fatal("unexpected outcome labels")
	}
	if requestOutcome(errors.New("db down")) != "error" {
		t.Fatal("unknown errors map to error")
	}
}

func completeTrip(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	_, err := store.SetTripStatus(context.Background(), models.TripTransition{
		TripID: "t1", From: models.TripPlanned, To: models.TripCompleted,
		BookingsFrom: []models.BookingStatus{models.BookingConfirmed},
		BookingsTo:   models.BookingCompleted,
		At:           time.Now(),
	})
	if err != nil {
		t.Fatalf("complete trip: %v", err)
	}
}

func TestConfirmRejectsClosedTrip(t *testing.T) {
	s, store, _ := setup(t, 2)
	ctx := context.Background()
	b, _ := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "p1", SeatsBooked: 1})
	completeTrip(t, store)

	if _, err := s.Confirm(ctx, b.ID, "driver"); !errors.Is(err, models.ErrTripNotBookable) {
		t.Fatalf("expected trip not bookable, got %v", err)
	}
	got, _ := store.GetBooking(ctx, b.ID)
	if got.Status != models.BookingPending {
		t.Fatalf("expected booking to stay pending, got %s", got.Status)
	}
	// the passenger can still withdraw it
	if _, err := s.Cancel(ctx, b.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

// Replicas sharing one database but not a lock must still never confirm
// past capacity. Each service here gets its own process-local locker.
func TestConfirmCapacityHoldsWithoutSharedLock(t *testing.T) {
	_, store, _ := setup(t, 1)
	ctx := context.Background()

	const n = 8
	services := make([]*Service, n)
	ids := make([]string, n)
	for i := range services {
		services[i] = &Service{Store: store, Locker: lock.NewLocal(5 * time.Second), Events: events.Nop{}}
		b, err := services[i].Request(ctx, BookingInput{TripID: "t1", PassengerID: fmt.Sprintf("p%d", i), SeatsBooked: 1})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		ids[i] = b.ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		rejected  int
		start     = make(chan struct{})
	)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := services[i].Confirm(ctx, ids[i], "driver")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				confirmed++
			case errors.Is(err, models.ErrInsufficientSeats):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if confirmed != 1 || rejected != n-1 {
		t.Fatalf("expected 1 confirmed and %d rejected, got %d/%d", n-1, confirmed, rejected)
	}
	if left := remaining(t, store, 1); left != 0 {
		t.Fatalf("expected 0 remaining, got %d", left)
	}
}

// slowFeed stands in for a subscriber whose socket stalls on the first write.
type slowFeed struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (f *slowFeed) Publish(_ context.Context, _ events.Event) error {
	first := false
	f.once.Do(func() { first = true })
	if first {
		close(f.entered)
		<-f.release
	}
	return nil
}

func TestSlowSubscriberDoesNotHoldTripLock(t *testing.T) {
	s, _, _ := setup(t, 2)
	feed := &slowFeed{entered: make(chan struct{}), release: make(chan struct{})}
	s.Events = feed
	s.Locker = lock.NewLocal(100 * time.Millisecond)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "A", SeatsBooked: 1})
		done <- err
	}()
	<-feed.entered

	b, err := s.Request(ctx, BookingInput{TripID: "t1", PassengerID: "B", SeatsBooked: 1})
	if err != nil {
		t.Fatalf("second request on the same trip: %v", err)
	}
	if _, err := s.Confirm(ctx, b.ID, "driver"); err != nil {
		t.Fatalf("confirm while first event is in flight: %v", err)
	}
	close(feed.release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}
}
