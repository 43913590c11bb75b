package rating

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var clock = time.Date(2026, 4, 2, 18, 30, 0, 0, time.UTC)

type recorder struct{ got []events.Event }

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.got = append(r.got, e)
	return nil
}

// completedTrip seeds a completed trip t1 driven by "driver" with completed
// passengers p1, p2, p3 and a cancelled booking for "gone".
func completedTrip(t *testing.T) (*Service, *storage.MemoryStore, *recorder) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := directory.NewStatic()
	for _, id := range []string{"driver", "p1", "p2", "p3", "gone", "outsider"} {
		dir.AddUser(models.User{ID: id, Username: id})
	}
	_ = store.CreateTrip(ctx, &models.Trip{ID: "t1", DriverID: "driver", AvailableSeats: 4, Status: models.TripCompleted})
	_ = store.CreateTrip(ctx, &models.Trip{ID: "t2", DriverID: "driver", AvailableSeats: 4, Status: models.TripActive})
	for _, p := range []string{"p1", "p2", "p3"} {
		_ = store.CreateBooking(ctx, &models.Booking{ID: "b-" + p, TripID: "t1", PassengerID: p, SeatsBooked: 1, Status: models.BookingCompleted})
	}
	_ = store.CreateBooking(ctx, &models.Booking{ID: "b-gone", TripID: "t1", PassengerID: "gone", SeatsBooked: 1, Status: models.BookingCancelled})

	rec := &recorder{}
	return &Service{
		Store:     store,
		Directory: dir,
		Locker:    lock.NewLocal(time.Second),
		Events:    rec,
		Now:       func() time.Time { return clock },
	}, store, rec
}

func intp(v int) *int { return &v }

func TestDriverStatsFromThreeRatings(t *testing.T) {
	s, _, rec := completedTrip(t)
	ctx := context.Background()
	for i, score := range []int{3, 5, 4} {
		rater := []string{"p1", "p2", "p3"}[i]
		r, err := s.Submit(ctx, RatingInput{TripID: "t1", RaterID: rater, RatedUserID: "driver", Score: score})
		if err != nil {
			t.Fatalf("submit %s: %v", rater, err)
		}
		if r.Type != models.RatingDriver {
			t.Fatalf("expected driver rating, got %s", r.Type)
		}
	}
	st, err := s.Stats(ctx, "driver")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.DriverAverageRating != 4.00 || st.DriverTotalRatings != 3 {
		t.Fatalf("unexpected driver stats %+v", st)
	}
	if st.PassengerTotalRatings != 0 || st.OverallAverageRating != 4.00 || st.TotalRatings != 3 {
		t.Fatalf("unexpected totals %+v", st)
	}

	var submitted, updated int
	for _, e := range rec.got {
		switch e.Type {
		case events.RatingSubmitted:
			submitted++
			if e.UserID != "driver" {
				t.Fatalf("rating.submitted should name the rated user, got %q", e.UserID)
			}
		case events.StatsUpdated:
			updated++
		}
	}
	if submitted != 3 || updated != 3 {
		t.Fatalf("expected 3 submitted and 3 updated events, got %d/%d", submitted, updated)
	}
}

func TestUnratedUserHasZeroStats(t *testing.T) {
	s, store, _ := completedTrip(t)
	st, err := s.Stats(context.Background(), "outsider")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.UserRatingStats{UserID: "outsider", UpdatedAt: clock}
	if *st != want {
		t.Fatalf("expected zeros, got %+v", st)
	}
	if _, err := store.GetStats(context.Background(), "outsider"); err != nil {
		t.Fatalf("stats row should be created lazily: %v", err)
	}
	if _, err := s.Stats(context.Background(), "ghost"); !errors.Is(err, models.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestRecompute(t *testing.T) {
	ratings := []models.Rating{
		{RatedUserID: "u", Type: models.RatingDriver, Score: 5},
		{RatedUserID: "u", Type: models.RatingDriver, Score: 4},
		{RatedUserID: "u", Type: models.RatingDriver, Score: 4},
		{RatedUserID: "u", Type: models.RatingPassenger, Score: 2},
		{RatedUserID: "other", Type: models.RatingPassenger, Score: 1},
	}
	got := Recompute("u", ratings, clock)
	if got.DriverAverageRating != 4.33 || got.DriverTotalRatings != 3 {
		t.Fatalf("driver: %+v", got)
	}
	if got.PassengerAverageRating != 2 || got.PassengerTotalRatings != 1 {
		t.Fatalf("passenger: %+v", got)
	}
	if got.OverallAverageRating != 3.75 || got.TotalRatings != 4 {
		t.Fatalf("overall: %+v", got)
	}
	if again := Recompute("u", ratings, clock); !reflect.DeepEqual(got, again) {
		t.Fatalf("recompute is not deterministic: %+v vs %+v", got, again)
	}
	if empty := Recompute("u", nil, clock); empty.TotalRatings != 0 || empty.OverallAverageRating != 0 {
		t.Fatalf("empty: %+v", empty)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	s, _, _ := completedTrip(t)
	ctx := context.Background()
	_, _ = s.Submit(ctx, RatingInput{TripID: "t1", RaterID: "driver", RatedUserID: "p1", Score: 5})
	_, _ = s.Submit(ctx, RatingInput{TripID: "t1", RaterID: "p2", RatedUserID: "driver", Score: 2})

	first, err := s.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	second, err := s.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if *first != *second {
		t.Fatalf("expected identical stats, got %+v vs %+v", first, second)
	}
	if first.PassengerAverageRating != 5 || first.PassengerTotalRatings != 1 || first.DriverTotalRatings != 0 {
		t.Fatalf("unexpected p1 stats %+v", first)
	}
}

func TestSubmitRejects(t *testing.T) {
	cases := []struct {
		name string
		in   RatingInput
		want error
	}{
		{"score too low", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "driver", Score: 0}, models.ErrInvalidInput},
		{"score too high", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "driver", Score: 6}, models.ErrInvalidInput},
		{"bad sub-score", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "driver", Score: 4, Safety: intp(7)}, models.ErrInvalidInput},
		{"missing trip", RatingInput{TripID: "nope", RaterID: "p1", RatedUserID: "driver", Score: 4}, models.ErrTripNotFound},
		{"trip not completed", RatingInput{TripID: "t2", RaterID: "p1", RatedUserID: "driver", Score: 4}, models.ErrTripNotCompleted},
		{"unknown user", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "ghost", Score: 4}, models.ErrUserNotFound},
		{"cancelled passenger", RatingInput{TripID: "t1", RaterID: "gone", RatedUserID: "driver", Score: 4}, models.ErrNotAParticipant},
		{"outsider", RatingInput{TripID: "t1", RaterID: "outsider", RatedUserID: "driver", Score: 4}, models.ErrNotAParticipant},
		{"self", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "p1", Score: 4}, models.ErrInvalidTarget},
		{"passenger to passenger", RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "p2", Score: 4}, models.ErrInvalidTarget},
		{"driver to non-passenger", RatingInput{TripID: "t1", RaterID: "driver", RatedUserID: "gone", Score: 4}, models.ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := completedTrip(t)
			if _, err := s.Submit(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSubmitDuplicate(t *testing.T) {
	s, _, _ := completedTrip(t)
	ctx := context.Background()
	in := RatingInput{TripID: "t1", RaterID: "driver", RatedUserID: "p1", Score: 4, Punctuality: intp(5)}
	r, err := s.Submit(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Type != models.RatingPassenger || r.Punctuality == nil || *r.Punctuality != 5 {
		t.Fatalf("unexpected rating %+v", r)
	}
	if _, err := s.Submit(ctx, in); !errors.Is(err, models.ErrDuplicateRating) {
		t.Fatalf("expected duplicate rating, got %v", err)
	}
}

type failingStats struct {
	*storage.MemoryStore
}

func (failingStats) SaveStats(context.Context, *models.UserRatingStats) error {
	return errors.New("disk full")
}

func TestSubmitSurvivesStatsFailure(t *testing.T) {
	s, store, _ := completedTrip(t)
	s.Store = failingStats{store}
	r, err := s.Submit(context.Background(), RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "driver", Score: 5})
	if err != nil || r == nil {
		t.Fatalf("rating should be accepted, got %v", err)
	}
	list, _ := store.ListRatingsFor(context.Background(), "driver")
	if len(list) != 1 {
		t.Fatalf("expected stored rating, got %d", len(list))
	}
}

func TestListings(t *testing.T) {
	s, _, _ := completedTrip(t)
	ctx := context.Background()
	_, _ = s.Submit(ctx, RatingInput{TripID: "t1", RaterID: "p1", RatedUserID: "driver", Score: 5})
	_, _ = s.Submit(ctx, RatingInput{TripID: "t1", RaterID: "driver", RatedUserID: "p1", Score: 3})

	all, err := s.ListReceived(ctx, "p1", "all")
	if err != nil || len(all) != 1 {
		t.Fatalf("all: %v err=%v", all, err)
	}
	drv, _ := s.ListReceived(ctx, "p1", "driver")
	if len(drv) != 0 {
		t.Fatalf("p1 holds no driver ratings, got %d", len(drv))
	}
	pas, _ := s.ListReceived(ctx, "p1", "passenger")
	if len(pas) != 1 {
		t.Fatalf("expected one passenger rating, got %d", len(pas))
	}
	if _, err := s.ListReceived(ctx, "p1", "admin"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	given, _ := s.ListGiven(ctx, "p1")
	if len(given) != 1 || given[0].RatedUserID != "driver" {
		t.Fatalf("unexpected given list %+v", given)
	}
}
