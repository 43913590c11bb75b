package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/inventory"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/validate"
)

type Store interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ConfirmBooking(ctx context.Context, id string, at time.Time) error
	CancelBooking(ctx context.Context, id string, at time.Time) error
	ListBookings(ctx context.Context, tripID string) ([]models.Booking, error)
	ConfirmedSeats(ctx context.Context, tripID string) (int, error)
}

// Service runs the booking lifecycle:
//
//	pending -> confirmed -> completed
//	pending|confirmed -> cancelled
//
// Completion is driven by the trip (see inventory.Service.UpdateStatus).
// Admission and confirmation hold the trip lock across the capacity read and
// the write that depends on it. The store repeats the confirm checks in the
// same write, which covers processes that do not share the lock. Events go
// out after the lock is released.
type Service struct {
	Store  Store
	Locker lock.Locker
	Events events.Publisher
	Logger *zap.Logger
	Now    func() time.Time
}

type BookingInput struct {
	TripID          string `json:"-" validate:"required"`
	PassengerID     string `json:"-" validate:"required"`
	SeatsBooked     int    `json:"seats_booked" validate:"min=1,max=8"`
	PickupLocation  string `json:"pickup_location" validate:"max=200"`
	DropoffLocation string `json:"dropoff_location" validate:"max=200"`
	Message         string `json:"message"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Logger) }

func (s *Service) remaining(ctx context.Context, t *models.Trip) (int, error) {
	confirmed, err := s.Store.ConfirmedSeats(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	return inventory.Remaining(t.AvailableSeats, confirmed), nil
}

// Request creates a pending booking. Checks run in a fixed order so callers
// always see the same error for the same situation.
func (s *Service) Request(ctx context.Context, in BookingInput) (b *models.Booking, err error) {
	defer func() { observability.BookingRequests.WithLabelValues(requestOutcome(err)).Inc() }()

	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	b, left, err := s.admit(ctx, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.BookingRequested, b, left)
	return b, nil
}

func (s *Service) admit(ctx context.Context, in BookingInput) (*models.Booking, int, error) {
	release, err := s.Locker.Acquire(ctx, lock.TripKey(in.TripID))
	if err != nil {
		return nil, 0, err
	}
	defer release()

	t, err := s.Store.GetTrip(ctx, in.TripID)
	if err != nil {
		return nil, 0, err
	}
	if t.DriverID == in.PassengerID {
		return nil, 0, models.ErrSelfBooking
	}
	existing, err := s.Store.ListBookings(ctx, t.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, eb := range existing {
		if eb.PassengerID == in.PassengerID {
			return nil, 0, models.ErrDuplicateBooking
		}
	}
	if t.Status != models.TripPlanned {
		return nil, 0, models.ErrTripNotBookable
	}
	left, err := s.remaining(ctx, t)
	if err != nil {
		return nil, 0, err
	}
	if in.SeatsBooked > left {
		return nil, 0, models.ErrInsufficientSeats
	}

	now := s.now()
	b := &models.Booking{
		ID:              uuid.NewString(),
		TripID:          t.ID,
		PassengerID:     in.PassengerID,
		SeatsBooked:     in.SeatsBooked,
		PickupLocation:  in.PickupLocation,
		DropoffLocation: in.DropoffLocation,
		Status:          models.BookingPending,
		Message:         in.Message,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateBooking(ctx, b); err != nil {
		return nil, 0, err
	}
	s.log().Info("booking requested",
		zap.String("booking_id", b.ID),
		zap.String("trip_id", t.ID),
		zap.String("passenger_id", b.PassengerID),
		zap.Int("seats", b.SeatsBooked),
	)
	return b, left, nil
}

// Confirm is driver-only and re-checks capacity, since other bookings may
// have been confirmed after this one was requested. A trip that has
// completed or been cancelled takes no more confirmations.
func (s *Service) Confirm(ctx context.Context, bookingID, actorID string) (*models.Booking, error) {
	return s.transition(ctx, bookingID, func(b *models.Booking, t *models.Trip, left int) error {
		if t.DriverID != actorID {
			return models.ErrNotDriver
		}
		if b.Status != models.BookingPending {
			return models.ErrInvalidTransition
		}
		if !t.Status.Open() {
			return models.ErrTripNotBookable
		}
		if b.SeatsBooked > left {
			return models.ErrInsufficientSeats
		}
		return nil
	}, models.BookingConfirmed)
}

// Cancel may be called by the passenger or the driver. The seats are free
// again as soon as it returns.
func (s *Service) Cancel(ctx context.Context, bookingID, actorID string) (*models.Booking, error) {
	return s.transition(ctx, bookingID, func(b *models.Booking, t *models.Trip, _ int) error {
		if actorID != b.PassengerID && actorID != t.DriverID {
			return models.ErrNotAuthorized
		}
		if b.Status.Terminal() {
			return models.ErrInvalidTransition
		}
		return nil
	}, models.BookingCancelled)
}

func (s *Service) transition(ctx context.Context, bookingID string, check func(*models.Booking, *models.Trip, int) error, to models.BookingStatus) (*models.Booking, error) {
	b, left, err := s.apply(ctx, bookingID, check, to)
	if err != nil {
		return nil, err
	}
	kind := events.BookingConfirmed
	if to == models.BookingCancelled {
		kind = events.BookingCancelled
	}
	s.emit(ctx, kind, b, left)
	return b, nil
}

func (s *Service) apply(ctx context.Context, bookingID string, check func(*models.Booking, *models.Trip, int) error, to models.BookingStatus) (*models.Booking, int, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, 0, err
	}
	release, err := s.Locker.Acquire(ctx, lock.TripKey(b.TripID))
	if err != nil {
		return nil, 0, err
	}
	defer release()

	// re-read under the lock
	if b, err = s.Store.GetBooking(ctx, bookingID); err != nil {
		return nil, 0, err
	}
	t, err := s.Store.GetTrip(ctx, b.TripID)
	if err != nil {
		return nil, 0, err
	}
	left, err := s.remaining(ctx, t)
	if err != nil {
		return nil, 0, err
	}
	if err := check(b, t, left); err != nil {
		return nil, 0, err
	}

	now := s.now()
	if to == models.BookingConfirmed {
		err = s.Store.ConfirmBooking(ctx, b.ID, now)
	} else {
		err = s.Store.CancelBooking(ctx, b.ID, now)
	}
	if err != nil {
		return nil, 0, err
	}
	from := b.Status
	b.Status, b.UpdatedAt = to, now
	switch {
	case to == models.BookingConfirmed:
		left -= b.SeatsBooked
	case from == models.BookingConfirmed:
		left += b.SeatsBooked
	}

	observability.BookingTransitions.WithLabelValues(string(to)).Inc()
	s.log().Info("booking status changed",
		zap.String("booking_id", b.ID),
		zap.String("trip_id", b.TripID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("remaining_seats", left),
	)
	return b, left, nil
}

func (s *Service) emit(ctx context.Context, kind string, b *models.Booking, left int) {
	e := events.New(kind, b.UpdatedAt)
	e.TripID, e.BookingID, e.UserID, e.Status = b.TripID, b.ID, b.PassengerID, string(b.Status)
	e.RemainingSeats = &left
	e.Data = b
	events.Emit(ctx, s.Events, s.Logger, e)
}

func (s *Service) Get(ctx context.Context, bookingID, actorID string) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID == actorID {
		return b, nil
	}
	t, err := s.Store.GetTrip(ctx, b.TripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.ErrNotAuthorized
	}
	return b, nil
}

// ListForTrip returns every booking on the trip, newest first. Driver only.
func (s *Service) ListForTrip(ctx context.Context, tripID, actorID string) ([]models.Booking, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.ErrNotDriver
	}
	return s.Store.ListBookings(ctx, tripID)
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, models.ErrSelfBooking):
		return "self_booking"
	case errors.Is(err, models.ErrDuplicateBooking):
		return "duplicate"
	case errors.Is(err, models.ErrTripNotBookable):
		return "not_bookable"
	case errors.Is(err, models.ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, models.ErrTripNotFound):
		return "not_found"
	case errors.Is(err, models.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "error"
	}
}
