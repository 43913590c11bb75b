package rating

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/validate"
)

type Directory interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

type Store interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	HasBooking(ctx context.Context, tripID, passengerID string, status models.BookingStatus) (bool, error)
	CreateRating(ctx context.Context, r *models.Rating) error
	ListRatingsFor(ctx context.Context, ratedUserID string) ([]models.Rating, error)
	ListRatingsBy(ctx context.Context, raterID string) ([]models.Rating, error)
	GetStats(ctx context.Context, userID string) (*models.UserRatingStats, error)
	SaveStats(ctx context.Context, s *models.UserRatingStats) error
}

type Service struct {
	Store     Store
	Directory Directory
	Locker    lock.Locker
	Events    events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

type RatingInput struct {
	TripID        string `json:"-" validate:"required"`
	RaterID       string `json:"-" validate:"required"`
	RatedUserID   string `json:"-" validate:"required"`
	Score         int    `json:"score" validate:"min=1,max=5"`
	Punctuality   *int   `json:"punctuality" validate:"omitempty,min=1,max=5"`
	Communication *int   `json:"communication" validate:"omitempty,min=1,max=5"`
	Cleanliness   *int   `json:"cleanliness" validate:"omitempty,min=1,max=5"`
	Safety        *int   `json:"safety" validate:"omitempty,min=1,max=5"`
	Comment       string `json:"comment"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Logger) }

// Submit records a rating between a trip's driver and one of its completed
// passengers, then rebuilds the rated user's stats.
func (s *Service) Submit(ctx context.Context, in RatingInput) (r *models.Rating, err error) {
	kind := "unknown"
	defer func() { observability.RatingsSubmitted.WithLabelValues(kind, submitOutcome(err)).Inc() }()

	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	t, err := s.Store.GetTrip(ctx, in.TripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripCompleted {
		return nil, models.ErrTripNotCompleted
	}
	if _, err := s.Directory.GetUser(ctx, in.RatedUserID); err != nil {
		return nil, err
	}

	raterIsDriver := in.RaterID == t.DriverID
	if !raterIsDriver {
		rode, err := s.Store.HasBooking(ctx, t.ID, in.RaterID, models.BookingCompleted)
		if err != nil {
			return nil, err
		}
		if !rode {
			return nil, models.ErrNotAParticipant
		}
	}
	if in.RaterID == in.RatedUserID {
		return nil, models.ErrInvalidTarget
	}
	if raterIsDriver {
		rode, err := s.Store.HasBooking(ctx, t.ID, in.RatedUserID, models.BookingCompleted)
		if err != nil {
			return nil, err
		}
		if !rode {
			return nil, models.ErrInvalidTarget
		}
	} else if in.RatedUserID != t.DriverID {
		// passengers rate the driver, not each other
		return nil, models.ErrInvalidTarget
	}

	typ := models.RatingPassenger
	if in.RatedUserID == t.DriverID {
		typ = models.RatingDriver
	}
	kind = string(typ)

	r = &models.Rating{
		ID:            uuid.NewString(),
		TripID:        t.ID,
		RaterID:       in.RaterID,
		RatedUserID:   in.RatedUserID,
		Type:          typ,
		Score:         in.Score,
		Punctuality:   in.Punctuality,
		Communication: in.Communication,
		Cleanliness:   in.Cleanliness,
		Safety:        in.Safety,
		Comment:       in.Comment,
		CreatedAt:     s.now(),
	}
	if err := s.Store.CreateRating(ctx, r); err != nil {
		return nil, err
	}
	s.log().Info("rating submitted",
		zap.String("rating_id", r.ID),
		zap.String("trip_id", r.TripID),
		zap.String("rated_user_id", r.RatedUserID),
		zap.String("type", kind),
		zap.Int("score", r.Score),
	)

	e := events.New(events.RatingSubmitted, r.CreatedAt)
	e.TripID, e.UserID = r.TripID, r.RatedUserID
	e.Data = r
	events.Emit(ctx, s.Events, s.Logger, e)

	// The rating is stored; a failed rebuild is repaired by the reconciler
	// consuming rating.submitted, so it does not fail the call.
	if _, err := s.Reconcile(ctx, r.RatedUserID); err != nil {
		s.log().Warn("stats recompute failed", zap.String("user_id", r.RatedUserID), zap.Error(err))
	}
	return r, nil
}

// Reconcile rebuilds a user's stats from every rating they received and
// stores the result. Running it twice without new ratings changes nothing
// but UpdatedAt.
func (s *Service) Reconcile(ctx context.Context, userID string) (*models.UserRatingStats, error) {
	st, err := s.rebuild(ctx, userID)
	if err != nil {
		return nil, err
	}
	e := events.New(events.StatsUpdated, st.UpdatedAt)
	e.UserID = userID
	e.Data = *st
	events.Emit(ctx, s.Events, s.Logger, e)
	return st, nil
}

func (s *Service) rebuild(ctx context.Context, userID string) (*models.UserRatingStats, error) {
	release, err := s.Locker.Acquire(ctx, lock.StatsKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	ratings, err := s.Store.ListRatingsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := Recompute(userID, ratings, s.now())
	if err := s.Store.SaveStats(ctx, &st); err != nil {
		return nil, err
	}
	observability.StatsRecomputeLatency.Observe(time.Since(start).Seconds())
	return &st, nil
}

// Stats returns the stored row, building it on first access.
func (s *Service) Stats(ctx context.Context, userID string) (*models.UserRatingStats, error) {
	if _, err := s.Directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	st, err := s.Store.GetStats(ctx, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, models.ErrStatsNotFound) {
		return nil, err
	}
	return s.Reconcile(ctx, userID)
}

// ListReceived filters by kind: "", "all", "driver" or "passenger".
func (s *Service) ListReceived(ctx context.Context, userID, kind string) ([]models.Rating, error) {
	var want models.RatingType
	switch kind {
	case "", "all":
	case string(models.RatingDriver), string(models.RatingPassenger):
		want = models.RatingType(kind)
	default:
		return nil, validate.Invalid("unknown rating type %q", kind)
	}
	all, err := s.Store.ListRatingsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if want == "" {
		return all, nil
	}
	out := make([]models.Rating, 0, len(all))
	for _, r := range all {
		if r.Type == want {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) ListGiven(ctx context.Context, userID string) ([]models.Rating, error) {
	return s.Store.ListRatingsBy(ctx, userID)
}

func submitOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, models.ErrTripNotCompleted):
		return "trip_not_completed"
	case errors.Is(err, models.ErrNotAParticipant):
		return "not_participant"
	case errors.Is(err, models.ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, models.ErrDuplicateRating):
		return "duplicate"
	case errors.Is(err, models.ErrTripNotFound), errors.Is(err, models.ErrUserNotFound):
		return "not_found"
	default:
		return "error"
	}
}
