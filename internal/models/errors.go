package models

import "errors"

var (
	// authorization
	ErrNotAMember      = errors.New("driver is not a member of the community")
	ErrVehicleNotOwned = errors.New("vehicle is not owned by the driver")
	ErrNotDriver       = errors.New("only the trip driver may do this")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrNotAParticipant = errors.New("rater did not take part in the trip")

	// state conflicts
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTripNotBookable   = errors.New("trip is not open for booking")
	ErrTripNotCompleted  = errors.New("trip is not completed")
	ErrDuplicateBooking  = errors.New("passenger already holds a booking on this trip")
	ErrDuplicateRating   = errors.New("user already rated for this trip")

	// capacity
	ErrInsufficientSeats = errors.New("not enough remaining seats")

	// input
	ErrInvalidInput  = errors.New("invalid input")
	ErrSelfBooking   = errors.New("driver cannot book own trip")
	ErrInvalidTarget = errors.New("invalid rating target")

	// lookups
	ErrTripNotFound    = errors.New("trip not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrStatsNotFound   = errors.New("rating stats not found")

	// infrastructure
	ErrLockTimeout = errors.New("timed out waiting for lock")
)
