package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool so the directory adapter and health checks can share it.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

const tripColumns = `id, driver_id, community_id, vehicle_id,
	departure_location, departure_lat, departure_lon,
	arrival_location, arrival_lat, arrival_lon,
	departure_time, estimated_arrival_time, available_seats, price_per_seat,
	description, recurring, recurring_days, status, created_at, updated_at`

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	depLat, depLon := coordArgs(t.DepartureCoord)
	arrLat, arrLon := coordArgs(t.ArrivalCoord)
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, t.DriverID, t.CommunityID, t.VehicleID,
		t.DepartureLocation, depLat, depLon,
		t.ArrivalLocation, arrLat, arrLon,
		t.DepartureTime, t.EstimatedArrivalTime, t.AvailableSeats, t.PricePerSeat,
		t.Description, t.Recurring, t.RecurringDays, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var (
		t              models.Trip
		status         string
		depLat, depLon sql.NullFloat64
		arrLat, arrLon sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id).Scan(
		&t.ID, &t.DriverID, &t.CommunityID, &t.VehicleID,
		&t.DepartureLocation, &depLat, &depLon,
		&t.ArrivalLocation, &arrLat, &arrLon,
		&t.DepartureTime, &t.EstimatedArrivalTime, &t.AvailableSeats, &t.PricePerSeat,
		&t.Description, &t.Recurring, &t.RecurringDays, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTripNotFound
		}
		return nil, fmt.Errorf("query trip: %w", err)
	}
	t.Status = models.TripStatus(status)
	t.DepartureCoord = coordFrom(depLat, depLon)
	t.ArrivalCoord = coordFrom(arrLat, arrLon)
	return &t, nil
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockTrip takes the trip row lock. Every write that depends on a trip's
// status or capacity goes through it, so such writes queue per trip.
func lockTrip(ctx context.Context, tx *sql.Tx, id string) (status models.TripStatus, capacity int, err error) {
	var st string
	err = tx.QueryRowContext(ctx, `SELECT status, available_seats FROM trips WHERE id = $1 FOR UPDATE`, id).Scan(&st, &capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, models.ErrTripNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("lock trip: %w", err)
	}
	return models.TripStatus(st), capacity, nil
}

func (p *PostgresStore) SetTripStatus(ctx context.Context, tr models.TripTransition) (int, error) {
	var moved int
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, _, err := lockTrip(ctx, tx, tr.TripID)
		if err != nil {
			return err
		}
		if current != tr.From {
			return models.ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET status = $1, updated_at = $2 WHERE id = $3`,
			string(tr.To), tr.At, tr.TripID); err != nil {
			return fmt.Errorf("update trip status: %w", err)
		}
		if len(tr.BookingsFrom) == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE bookings SET status = $1, updated_at = $2
			WHERE trip_id = $3 AND status = ANY($4)`,
			string(tr.BookingsTo), tr.At, tr.TripID, pq.Array(statusArgs(tr.BookingsFrom)))
		if err != nil {
			return fmt.Errorf("transition trip bookings: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		moved = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

const bookingColumns = `id, trip_id, passenger_id, seats_booked, pickup_location,
	dropoff_location, status, message, created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.TripID, b.PassengerID, b.SeatsBooked, b.PickupLocation,
		b.DropoffLocation, string(b.Status), b.Message, b.CreatedAt, b.UpdatedAt)
	switch pqCode(err) {
	case "":
	case pgUniqueViolation:
		return models.ErrDuplicateBooking
	case pgForeignKeyViolation:
		return models.ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func scanBooking(s interface{ Scan(...any) error }) (models.Booking, error) {
	var (
		b      models.Booking
		status string
	)
	err := s.Scan(&b.ID, &b.TripID, &b.PassengerID, &b.SeatsBooked, &b.PickupLocation,
		&b.DropoffLocation, &status, &b.Message, &b.CreatedAt, &b.UpdatedAt)
	b.Status = models.BookingStatus(status)
	return b, err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("query booking: %w", err)
	}
	return &b, nil
}

func (p *PostgresStore) ConfirmBooking(ctx context.Context, id string, at time.Time) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var tripID string
		err := tx.QueryRowContext(ctx, `SELECT trip_id FROM bookings WHERE id = $1`, id).Scan(&tripID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrBookingNotFound
		}
		if err != nil {
			return fmt.Errorf("query booking: %w", err)
		}

		tripStatus, capacity, err := lockTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		// read again under the trip lock; a concurrent cancel may have won
		var (
			status string
			seats  int
		)
		if err := tx.QueryRowContext(ctx, `SELECT status, seats_booked FROM bookings WHERE id = $1 FOR UPDATE`, id).
			Scan(&status, &seats); err != nil {
			return fmt.Errorf("lock booking: %w", err)
		}
		if models.BookingStatus(status) != models.BookingPending {
			return models.ErrInvalidTransition
		}
		if !tripStatus.Open() {
			return models.ErrTripNotBookable
		}
		var confirmed int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(seats_booked), 0) FROM bookings
			WHERE trip_id = $1 AND status = $2`, tripID, string(models.BookingConfirmed)).Scan(&confirmed); err != nil {
			return fmt.Errorf("sum confirmed seats: %w", err)
		}
		if confirmed+seats > capacity {
			return models.ErrInsufficientSeats
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3`,
			string(models.BookingConfirmed), at, id); err != nil {
			return fmt.Errorf("confirm booking: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) CancelBooking(ctx context.Context, id string, at time.Time) error {
	open := []models.BookingStatus{models.BookingPending, models.BookingConfirmed}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`, string(models.BookingCancelled), at, id, pq.Array(statusArgs(open)))
	if err != nil {
		return fmt.Errorf("cancel booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := p.GetBooking(ctx, id); err != nil {
		return err
	}
	return models.ErrInvalidTransition
}

func (p *PostgresStore) ListBookings(ctx context.Context, tripID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE trip_id = $1 ORDER BY created_at DESC, id DESC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ConfirmedSeats(ctx context.Context, tripID string) (int, error) {
	var total int
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(seats_booked), 0) FROM bookings
		WHERE trip_id = $1 AND status = $2`, tripID, string(models.BookingConfirmed)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum confirmed seats: %w", err)
	}
	return total, nil
}

func (p *PostgresStore) HasBooking(ctx context.Context, tripID, passengerID string, status models.BookingStatus) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings
		WHERE trip_id = $1 AND passenger_id = $2 AND status = $3)`, tripID, passengerID, string(status)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query booking existence: %w", err)
	}
	return exists, nil
}

func statusArgs(in []models.BookingStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

const ratingColumns = `id, trip_id, rater_id, rated_user_id, rating_type, score,
	punctuality, communication, cleanliness, safety, comment, created_at`

func (p *PostgresStore) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ratings (`+ratingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.TripID, r.RaterID, r.RatedUserID, string(r.Type), r.Score,
		intArg(r.Punctuality), intArg(r.Communication), intArg(r.Cleanliness), intArg(r.Safety),
		r.Comment, r.CreatedAt)
	switch pqCode(err) {
	case "":
	case pgUniqueViolation:
		return models.ErrDuplicateRating
	case pgForeignKeyViolation:
		return models.ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListRatingsFor(ctx context.Context, ratedUserID string) ([]models.Rating, error) {
	return p.queryRatings(ctx, `SELECT `+ratingColumns+` FROM ratings
		WHERE rated_user_id = $1 ORDER BY created_at DESC, id DESC`, ratedUserID)
}

func (p *PostgresStore) ListRatingsBy(ctx context.Context, raterID string) ([]models.Rating, error) {
	return p.queryRatings(ctx, `SELECT `+ratingColumns+` FROM ratings
		WHERE rater_id = $1 ORDER BY created_at DESC, id DESC`, raterID)
}

func (p *PostgresStore) queryRatings(ctx context.Context, query string, arg string) ([]models.Rating, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()

	out := make([]models.Rating, 0)
	for rows.Next() {
		var (
			r                       models.Rating
			kind                    string
			punct, comm, clean, saf sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.TripID, &r.RaterID, &r.RatedUserID, &kind, &r.Score,
			&punct, &comm, &clean, &saf, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		r.Type = models.RatingType(kind)
		r.Punctuality = intFrom(punct)
		r.Communication = intFrom(comm)
		r.Cleanliness = intFrom(clean)
		r.Safety = intFrom(saf)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetStats(ctx context.Context, userID string) (*models.UserRatingStats, error) {
	var s models.UserRatingStats
	err := p.db.QueryRowContext(ctx, `SELECT user_id, driver_average_rating, driver_total_ratings,
		passenger_average_rating, passenger_total_ratings, overall_average_rating, total_ratings, updated_at
		FROM user_rating_stats WHERE user_id = $1`, userID).Scan(
		&s.UserID, &s.DriverAverageRating, &s.DriverTotalRatings,
		&s.PassengerAverageRating, &s.PassengerTotalRatings, &s.OverallAverageRating, &s.TotalRatings, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrStatsNotFound
		}
		return nil, fmt.Errorf("query rating stats: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) SaveStats(ctx context.Context, s *models.UserRatingStats) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO user_rating_stats (user_id, driver_average_rating,
		driver_total_ratings, passenger_average_rating, passenger_total_ratings,
		overall_average_rating, total_ratings, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id) DO UPDATE SET
			driver_average_rating = EXCLUDED.driver_average_rating,
			driver_total_ratings = EXCLUDED.driver_total_ratings,
			passenger_average_rating = EXCLUDED.passenger_average_rating,
			passenger_total_ratings = EXCLUDED.passenger_total_ratings,
			overall_average_rating = EXCLUDED.overall_average_rating,
			total_ratings = EXCLUDED.total_ratings,
			updated_at = EXCLUDED.updated_at`,
		s.UserID, s.DriverAverageRating, s.DriverTotalRatings, s.PassengerAverageRating,
		s.PassengerTotalRatings, s.OverallAverageRating, s.TotalRatings, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rating stats: %w", err)
	}
	return nil
}

func coordArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func coordFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func intArg(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFrom(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
