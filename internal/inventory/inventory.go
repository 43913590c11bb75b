package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/validate"
)

type Directory interface {
	IsMember(ctx context.Context, userID, communityID string) (bool, error)
	OwnsVehicle(ctx context.Context, userID, vehicleID string) (bool, error)
}

type Store interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	SetTripStatus(ctx context.Context, tr models.TripTransition) (int, error)
	ConfirmedSeats(ctx context.Context, tripID string) (int, error)
}

type Service struct {
	Store     Store
	Directory Directory
	Locker    lock.Locker
	Events    events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// TripInput is what a driver submits to post a trip. DriverID comes from
// the authenticated caller, never from the body.
type TripInput struct {
	DriverID             string        `json:"-" validate:"required"`
	CommunityID          string        `json:"community_id" validate:"required"`
	VehicleID            string        `json:"vehicle_id" validate:"required"`
	DepartureLocation    string        `json:"departure_location" validate:"required,max=200"`
	DepartureCoord       *models.Coord `json:"departure_coord"`
	ArrivalLocation      string        `json:"arrival_location" validate:"required,max=200"`
	ArrivalCoord         *models.Coord `json:"arrival_coord"`
	DepartureTime        time.Time     `json:"departure_time" validate:"required"`
	EstimatedArrivalTime time.Time     `json:"estimated_arrival_time" validate:"required,gtefield=DepartureTime"`
	AvailableSeats       int           `json:"available_seats" validate:"min=1,max=8"`
	PricePerSeat         float64       `json:"price_per_seat" validate:"gte=0,lte=9999.99"`
	Description          string        `json:"description"`
	Recurring            bool          `json:"recurring"`
	RecurringDays        string        `json:"recurring_days" validate:"max=20"`
}

// TripView is a trip plus its derived availability.
type TripView struct {
	models.Trip
	RemainingSeats int      `json:"remaining_seats"`
	IsFull         bool     `json:"is_full"`
	DistanceM      *float64 `json:"distance_m,omitempty"`
}

// Remaining is the seat arithmetic: capacity minus seats held by confirmed
// bookings. It may go negative only if the store was edited by hand.
func Remaining(capacity, confirmed int) int {
	return capacity - confirmed
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Logger) }

func (s *Service) CreateTrip(ctx context.Context, in TripInput) (*models.Trip, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if in.DepartureCoord != nil && !geo.Valid(*in.DepartureCoord) {
		return nil, validate.Invalid("departure_coord out of range")
	}
	if in.ArrivalCoord != nil && !geo.Valid(*in.ArrivalCoord) {
		return nil, validate.Invalid("arrival_coord out of range")
	}

	member, err := s.Directory.IsMember(ctx, in.DriverID, in.CommunityID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, models.ErrNotAMember
	}
	owns, err := s.Directory.OwnsVehicle(ctx, in.DriverID, in.VehicleID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, models.ErrVehicleNotOwned
	}

	now := s.now()
	t := &models.Trip{
		ID:                   uuid.NewString(),
		DriverID:             in.DriverID,
		CommunityID:          in.CommunityID,
		VehicleID:            in.VehicleID,
		DepartureLocation:    in.DepartureLocation,
		DepartureCoord:       in.DepartureCoord,
		ArrivalLocation:      in.ArrivalLocation,
		ArrivalCoord:         in.ArrivalCoord,
		DepartureTime:        in.DepartureTime.UTC(),
		EstimatedArrivalTime: in.EstimatedArrivalTime.UTC(),
		AvailableSeats:       in.AvailableSeats,
		PricePerSeat:         in.PricePerSeat,
		Description:          in.Description,
		Recurring:            in.Recurring,
		RecurringDays:        in.RecurringDays,
		Status:               models.TripPlanned,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.Store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()
	s.log().Info("trip created",
		zap.String("trip_id", t.ID),
		zap.String("driver_id", t.DriverID),
		zap.Int("seats", t.AvailableSeats),
	)

	e := events.New(events.TripCreated, now)
	e.TripID, e.UserID, e.Status = t.ID, t.DriverID, string(t.Status)
	e.RemainingSeats = &t.AvailableSeats
	e.Data = t
	events.Emit(ctx, s.Events, s.Logger, e)
	return t, nil
}

func (s *Service) GetTrip(ctx context.Context, tripID string) (*TripView, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	confirmed, err := s.Store.ConfirmedSeats(ctx, tripID)
	if err != nil {
		return nil, err
	}
	v := &TripView{Trip: *t, RemainingSeats: Remaining(t.AvailableSeats, confirmed)}
	v.IsFull = v.RemainingSeats <= 0
	if d, ok := geo.DistanceMeters(t.DepartureCoord, t.ArrivalCoord); ok {
		v.DistanceM = &d
	}
	return v, nil
}

// RemainingSeats is recomputed from confirmed bookings on every call.
func (s *Service) RemainingSeats(ctx context.Context, tripID string) (int, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return 0, err
	}
	confirmed, err := s.Store.ConfirmedSeats(ctx, tripID)
	if err != nil {
		return 0, err
	}
	return Remaining(t.AvailableSeats, confirmed), nil
}

func (s *Service) IsFull(ctx context.Context, tripID string) (bool, error) {
	n, err := s.RemainingSeats(ctx, tripID)
	if err != nil {
		return false, err
	}
	return n <= 0, nil
}

var tripTransitions = map[models.TripStatus][]models.TripStatus{
	models.TripPlanned: {models.TripActive, models.TripCancelled},
	models.TripActive:  {models.TripCompleted, models.TripCancelled},
}

// CanTransition reports whether a trip may move from one status to another.
func CanTransition(from, to models.TripStatus) bool {
	for _, next := range tripTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves a trip through its lifecycle. Completing a trip
// completes its confirmed bookings; cancelling it cancels every open one.
// The trip and its bookings change in one store write.
func (s *Service) UpdateStatus(ctx context.Context, tripID, actorID string, to models.TripStatus) (*models.Trip, error) {
	t, err := s.updateStatus(ctx, tripID, actorID, to)
	if err != nil {
		return nil, err
	}
	e := events.New(events.TripStatusChanged, t.UpdatedAt)
	e.TripID, e.UserID, e.Status = t.ID, t.DriverID, string(t.Status)
	e.Data = t
	events.Emit(ctx, s.Events, s.Logger, e)
	return t, nil
}

func (s *Service) updateStatus(ctx context.Context, tripID, actorID string, to models.TripStatus) (*models.Trip, error) {
	release, err := s.Locker.Acquire(ctx, lock.TripKey(tripID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.ErrNotDriver
	}
	if !CanTransition(t.Status, to) {
		return nil, models.ErrInvalidTransition
	}

	tr := models.TripTransition{TripID: tripID, From: t.Status, To: to, At: s.now()}
	switch to {
	case models.TripCompleted:
		tr.BookingsFrom = []models.BookingStatus{models.BookingConfirmed}
		tr.BookingsTo = models.BookingCompleted
	case models.TripCancelled:
		tr.BookingsFrom = []models.BookingStatus{models.BookingPending, models.BookingConfirmed}
		tr.BookingsTo = models.BookingCancelled
	}
	moved, err := s.Store.SetTripStatus(ctx, tr)
	if err != nil {
		return nil, err
	}

	t.Status, t.UpdatedAt = to, tr.At
	observability.TripTransitions.WithLabelValues(string(to)).Inc()
	s.log().Info("trip status changed",
		zap.String("trip_id", tripID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(to)),
		zap.Int("bookings_moved", moved),
	)
	return t, nil
}
