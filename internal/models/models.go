package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TripStatus string

const (
	TripPlanned   TripStatus = "planned"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Open reports whether bookings on a trip in status s may still be confirmed.
func (s TripStatus) Open() bool {
	return s == TripPlanned || s == TripActive
}

// Trip is one scheduled ride. AvailableSeats is the fixed capacity set at
// creation; what is left of it is always derived from confirmed bookings.
type Trip struct {
	ID                   string     `json:"id"`
	DriverID             string     `json:"driver_id"`
	CommunityID          string     `json:"community_id"`
	VehicleID            string     `json:"vehicle_id"`
	DepartureLocation    string     `json:"departure_location"`
	DepartureCoord       *Coord     `json:"departure_coord,omitempty"`
	ArrivalLocation      string     `json:"arrival_location"`
	ArrivalCoord         *Coord     `json:"arrival_coord,omitempty"`
	DepartureTime        time.Time  `json:"departure_time"`
	EstimatedArrivalTime time.Time  `json:"estimated_arrival_time"`
	AvailableSeats       int        `json:"available_seats"`
	PricePerSeat         float64    `json:"price_per_seat"`
	Description          string     `json:"description,omitempty"`
	Recurring            bool       `json:"recurring"`
	RecurringDays        string     `json:"recurring_days,omitempty"`
	Status               TripStatus `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TripTransition moves a trip from one status to another and, in the same
// write, moves its bookings in any of BookingsFrom to BookingsTo. An empty
// BookingsFrom leaves bookings alone.
type TripTransition struct {
	TripID       string
	From, To     TripStatus
	BookingsFrom []BookingStatus
	BookingsTo   BookingStatus
	At           time.Time
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s BookingStatus) Terminal() bool {
	return s == BookingCancelled || s == BookingCompleted
}

type Booking struct {
	ID              string        `json:"id"`
	TripID          string        `json:"trip_id"`
	PassengerID     string        `json:"passenger_id"`
	SeatsBooked     int           `json:"seats_booked"`
	PickupLocation  string        `json:"pickup_location,omitempty"`
	DropoffLocation string        `json:"dropoff_location,omitempty"`
	Status          BookingStatus `json:"status"`
	Message         string        `json:"message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type RatingType string

const (
	RatingDriver    RatingType = "driver"
	RatingPassenger RatingType = "passenger"
)

type Rating struct {
	ID            string     `json:"id"`
	TripID        string     `json:"trip_id"`
	RaterID       string     `json:"rater_id"`
	RatedUserID   string     `json:"rated_user_id"`
	Type          RatingType `json:"rating_type"`
	Score         int        `json:"score"`
	Punctuality   *int       `json:"punctuality,omitempty"`
	Communication *int       `json:"communication,omitempty"`
	Cleanliness   *int       `json:"cleanliness,omitempty"`
	Safety        *int       `json:"safety,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// UserRatingStats is a rebuildable projection of every Rating whose
// RatedUserID is UserID.
type UserRatingStats struct {
	UserID                 string    `json:"user_id"`
	DriverAverageRating    float64   `json:"driver_average_rating"`
	DriverTotalRatings     int       `json:"driver_total_ratings"`
	PassengerAverageRating float64   `json:"passenger_average_rating"`
	PassengerTotalRatings  int       `json:"passenger_total_ratings"`
	OverallAverageRating   float64   `json:"overall_average_rating"`
	TotalRatings           int       `json:"total_ratings"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// User is the directory's view of an account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
