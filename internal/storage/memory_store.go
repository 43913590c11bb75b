package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// MemoryStore keeps everything in maps behind one RWMutex. Uniqueness checks
// and inserts happen under the same write lock, which makes them atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	trips    map[string]*models.Trip
	bookings map[string]*memBooking
	ratings  []memRating
	stats    map[string]models.UserRatingStats

	// uniqueness indexes
	bookingByPair map[string]string
	ratingKeys    map[string]struct{}
}

type memBooking struct {
	b   models.Booking
	seq int64
}

type memRating struct {
	r   models.Rating
	seq int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:         make(map[string]*models.Trip),
		bookings:      make(map[string]*memBooking),
		stats:         make(map[string]models.UserRatingStats),
		bookingByPair: make(map[string]string),
		ratingKeys:    make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetTripStatus(_ context.Context, tr models.TripTransition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tr.TripID]
	if !ok {
		return 0, models.ErrTripNotFound
	}
	if t.Status != tr.From {
		return 0, models.ErrInvalidTransition
	}
	t.Status = tr.To
	t.UpdatedAt = tr.At

	n := 0
	for _, mb := range m.bookings {
		if mb.b.TripID != tr.TripID {
			continue
		}
		for _, s := range tr.BookingsFrom {
			if mb.b.Status == s {
				mb.b.Status = tr.BookingsTo
				mb.b.UpdatedAt = tr.At
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[b.TripID]; !ok {
		return models.ErrTripNotFound
	}
	pair := b.TripID + "|" + b.PassengerID
	if _, dup := m.bookingByPair[pair]; dup {
		return models.ErrDuplicateBooking
	}
	m.seq++
	m.bookings[b.ID] = &memBooking{b: *b, seq: m.seq}
	m.bookingByPair[pair] = b.ID
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.bookings[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	cp := mb.b
	return &cp, nil
}

func (m *MemoryStore) ConfirmBooking(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.bookings[id]
	if !ok {
		return models.ErrBookingNotFound
	}
	if mb.b.Status != models.BookingPending {
		return models.ErrInvalidTransition
	}
	t, ok := m.trips[mb.b.TripID]
	if !ok {
		return models.ErrTripNotFound
	}
	if !t.Status.Open() {
		return models.ErrTripNotBookable
	}
	if m.confirmedSeats(t.ID)+mb.b.SeatsBooked > t.AvailableSeats {
		return models.ErrInsufficientSeats
	}
	mb.b.Status = models.BookingConfirmed
	mb.b.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CancelBooking(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.bookings[id]
	if !ok {
		return models.ErrBookingNotFound
	}
	if mb.b.Status.Terminal() {
		return models.ErrInvalidTransition
	}
	mb.b.Status = models.BookingCancelled
	mb.b.UpdatedAt = at
	return nil
}

// ListBookings returns the trip's bookings, newest first.
func (m *MemoryStore) ListBookings(_ context.Context, tripID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*memBooking, 0)
	for _, mb := range m.bookings {
		if mb.b.TripID == tripID {
			list = append(list, mb)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq > list[j].seq })
	out := make([]models.Booking, 0, len(list))
	for _, mb := range list {
		out = append(out, mb.b)
	}
	return out, nil
}

func (m *MemoryStore) ConfirmedSeats(_ context.Context, tripID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmedSeats(tripID), nil
}

// confirmedSeats needs m.mu held.
func (m *MemoryStore) confirmedSeats(tripID string) int {
	total := 0
	for _, mb := range m.bookings {
		if mb.b.TripID == tripID && mb.b.Status == models.BookingConfirmed {
			total += mb.b.SeatsBooked
		}
	}
	return total
}

func (m *MemoryStore) HasBooking(_ context.Context, tripID, passengerID string, status models.BookingStatus) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bookingByPair[tripID+"|"+passengerID]
	if !ok {
		return false, nil
	}
	return m.bookings[id].b.Status == status, nil
}

func (m *MemoryStore) CreateRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.TripID + "|" + r.RaterID + "|" + r.RatedUserID
	if _, dup := m.ratingKeys[key]; dup {
		return models.ErrDuplicateRating
	}
	m.seq++
	m.ratings = append(m.ratings, memRating{r: *r, seq: m.seq})
	m.ratingKeys[key] = struct{}{}
	return nil
}

// ListRatingsFor returns ratings received by the user, newest first.
func (m *MemoryStore) ListRatingsFor(_ context.Context, ratedUserID string) ([]models.Rating, error) {
	return m.filterRatings(func(r models.Rating) bool { return r.RatedUserID == ratedUserID }), nil
}

// ListRatingsBy returns ratings given by the user, newest first.
func (m *MemoryStore) ListRatingsBy(_ context.Context, raterID string) ([]models.Rating, error) {
	return m.filterRatings(func(r models.Rating) bool { return r.RaterID == raterID }), nil
}

func (m *MemoryStore) filterRatings(keep func(models.Rating) bool) []models.Rating {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rating, 0)
	for i := len(m.ratings) - 1; i >= 0; i-- {
		if keep(m.ratings[i].r) {
			out = append(out, m.ratings[i].r)
		}
	}
	return out
}

func (m *MemoryStore) GetStats(_ context.Context, userID string) (*models.UserRatingStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[userID]
	if !ok {
		return nil, models.ErrStatsNotFound
	}
	return &s, nil
}

func (m *MemoryStore) SaveStats(_ context.Context, s *models.UserRatingStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[s.UserID] = *s
	return nil
}
