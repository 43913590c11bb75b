package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/logging"
)

const (
	TripCreated       = "trip.created"
	TripStatusChanged = "trip.status_changed"
	BookingRequested  = "booking.requested"
	BookingConfirmed  = "booking.confirmed"
	BookingCancelled  = "booking.cancelled"
	RatingSubmitted   = "rating.submitted"
	StatsUpdated      = "stats.updated"
)

// Event is a domain fact emitted after a successful state change. UserID is
// the user the fact is about: the driver for trips, the passenger for
// bookings, the rated user for ratings and stats.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TripID         string    `json:"trip_id,omitempty"`
	BookingID      string    `json:"booking_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	RemainingSeats *int      `json:"remaining_seats,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	Data           any       `json:"data,omitempty"`
}

// New stamps an event with an id and time.
func New(kind string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: kind, OccurredAt: at}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes best-effort: the state change already happened, so a
// failure is logged and swallowed.
func Emit(ctx context.Context, p Publisher, log *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logging.OrNop(log).Warn("event publish failed",
			zap.String("type", e.Type),
			zap.String("trip_id", e.TripID),
			zap.Error(err),
		)
	}
}
