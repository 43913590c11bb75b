package storage

import (
	"context"
	"time"

	"github.com/example/carpool/internal/models"
)

// TripStore persists trips. Capacity is never stored beyond the fixed
// AvailableSeats; remaining seats come from ConfirmedSeats.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// SetTripStatus applies tr atomically: the trip must still be in tr.From,
	// otherwise models.ErrInvalidTransition. It returns how many bookings moved.
	SetTripStatus(ctx context.Context, tr models.TripTransition) (int, error)
}

// BookingStore persists bookings. CreateBooking must enforce the
// (trip, passenger) uniqueness atomically with the insert and report a
// violation as models.ErrDuplicateBooking.
//
// ConfirmBooking moves a pending booking to confirmed only while the trip is
// open and the confirmed seats, this booking included, fit in AvailableSeats.
// The check and the write are one atomic step, so capacity holds even for
// callers that do not share a lock. CancelBooking accepts pending or
// confirmed bookings; anything else is models.ErrInvalidTransition.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ConfirmBooking(ctx context.Context, id string, at time.Time) error
	CancelBooking(ctx context.Context, id string, at time.Time) error
	ListBookings(ctx context.Context, tripID string) ([]models.Booking, error)
	ConfirmedSeats(ctx context.Context, tripID string) (int, error)
	HasBooking(ctx context.Context, tripID, passengerID string, status models.BookingStatus) (bool, error)
}

// RatingStore persists ratings and the per-user stats projection.
// CreateRating must enforce (trip, rater, rated user) uniqueness atomically
// and report a violation as models.ErrDuplicateRating.
type RatingStore interface {
	CreateRating(ctx context.Context, r *models.Rating) error
	ListRatingsFor(ctx context.Context, ratedUserID string) ([]models.Rating, error)
	ListRatingsBy(ctx context.Context, raterID string) ([]models.Rating, error)
	GetStats(ctx context.Context, userID string) (*models.UserRatingStats, error)
	SaveStats(ctx context.Context, s *models.UserRatingStats) error
}

type Store interface {
	TripStore
	BookingStore
	RatingStore
}
