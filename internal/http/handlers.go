package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/feed"
	"github.com/example/carpool/internal/inventory"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/validate"
)

// Deps are the collaborators the HTTP surface needs. Ready is optional and
// backs /ready.
type Deps struct {
	Trips     *inventory.Service
	Bookings  *booking.Service
	Ratings   *rating.Service
	Feed      *feed.Registry
	JWTSecret string
	Logger    *zap.Logger
	Ready     func(ctx context.Context) error
}

type Server struct {
	trips    *inventory.Service
	bookings *booking.Service
	ratings  *rating.Service
	feed     *feed.Registry
	secret   []byte
	ready    func(ctx context.Context) error
	logger   *zap.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		trips:    d.Trips,
		bookings: d.Bookings,
		ratings:  d.Ratings,
		feed:     d.Feed,
		secret:   []byte(d.JWTSecret),
		ready:    d.Ready,
		logger:   logging.OrNop(d.Logger),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/status", s.handleTripStatus).Methods("PATCH")
	api.HandleFunc("/trips/{trip_id}/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/bookings", s.handleRequestBooking).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/ratings/{user_id}", s.handleSubmitRating).Methods("POST")
	api.HandleFunc("/bookings/{booking_id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{booking_id}/confirm", s.handleConfirmBooking).Methods("POST")
	api.HandleFunc("/bookings/{booking_id}/cancel", s.handleCancelBooking).Methods("POST")
	api.HandleFunc("/users/{user_id}/ratings", s.handleRatingsReceived).Methods("GET")
	api.HandleFunc("/users/{user_id}/ratings/given", s.handleRatingsGiven).Methods("GET")
	api.HandleFunc("/users/{user_id}/rating-stats", s.handleRatingStats).Methods("GET")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/trips/{trip_id}", s.handleTripFeed)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in inventory.TripInput
	if !s.decode(w, r, &in) {
		return
	}
	in.DriverID = actorFromContext(r.Context())
	t, err := s.trips.CreateTrip(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	v, err := s.trips.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type statusRequest struct {
	Status models.TripStatus `json:"status"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.trips.UpdateStatus(r.Context(), mux.Vars(r)["trip_id"], actorFromContext(r.Context()), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ListForTrip(r.Context(), mux.Vars(r)["trip_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var in booking.BookingInput
	if !s.decode(w, r, &in) {
		return
	}
	in.TripID = mux.Vars(r)["trip_id"]
	in.PassengerID = actorFromContext(r.Context())
	b, err := s.bookings.Request(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), mux.Vars(r)["booking_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Confirm(r.Context(), mux.Vars(r)["booking_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Cancel(r.Context(), mux.Vars(r)["booking_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var in rating.RatingInput
	if !s.decode(w, r, &in) {
		return
	}
	vars := mux.Vars(r)
	in.TripID, in.RatedUserID = vars["trip_id"], vars["user_id"]
	in.RaterID = actorFromContext(r.Context())
	rt, err := s.ratings.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleRatingsReceived(w http.ResponseWriter, r *http.Request) {
	list, err := s.ratings.ListReceived(r.Context(), mux.Vars(r)["user_id"], r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRatingsGiven(w http.ResponseWriter, r *http.Request) {
	list, err := s.ratings.ListGiven(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRatingStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ratings.Stats(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTripFeed(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if _, err := s.trips.GetTrip(r.Context(), tripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.feed == nil {
		http.Error(w, "feed disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.feed.Serve(w, r, tripID); err != nil {
		s.logger.Debug("trip feed closed", zap.String("trip_id", tripID), zap.Error(err))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, validate.Invalid("malformed body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{models.ErrSelfBooking, http.StatusBadRequest, "self_booking"},
	{models.ErrInvalidTarget, http.StatusBadRequest, "invalid_target"},
	{models.ErrNotAMember, http.StatusForbidden, "not_a_member"},
	{models.ErrVehicleNotOwned, http.StatusForbidden, "vehicle_not_owned"},
	{models.ErrNotDriver, http.StatusForbidden, "not_driver"},
	{models.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
	{models.ErrNotAParticipant, http.StatusForbidden, "not_a_participant"},
	{models.ErrTripNotFound, http.StatusNotFound, "trip_not_found"},
	{models.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	{models.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{models.ErrTripNotBookable, http.StatusConflict, "trip_not_bookable"},
	{models.ErrTripNotCompleted, http.StatusConflict, "trip_not_completed"},
	{models.ErrDuplicateBooking, http.StatusConflict, "duplicate_booking"},
	{models.ErrDuplicateRating, http.StatusConflict, "duplicate_rating"},
	{models.ErrInsufficientSeats, http.StatusConflict, "insufficient_seats"},
	{models.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			writeJSON(w, k.status, errorBody{Error: err.Error(), Code: k.code})
			return
		}
	}
	s.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestIDFromContext(r.Context())),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
}
