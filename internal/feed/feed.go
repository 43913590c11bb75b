package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected watcher of a trip.
type Session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *Session) Send(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// Registry holds the sockets watching each trip and forwards that trip's
// events to them. It implements events.Publisher.
type Registry struct {
	Logger   *zap.Logger
	Upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{Logger: log, sessions: make(map[string]map[*Session]struct{})}
}

func (r *Registry) Add(tripID string, conn Conn) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]map[*Session]struct{})
	}
	set, ok := r.sessions[tripID]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[tripID] = set
	}
	set[s] = struct{}{}
	observability.FeedWatchers.Inc()
	return s
}

func (r *Registry) Remove(tripID string, s *Session) {
	r.mu.Lock()
	set, ok := r.sessions[tripID]
	if ok {
		if _, held := set[s]; held {
			delete(set, s)
			observability.FeedWatchers.Dec()
		}
		if len(set) == 0 {
			delete(r.sessions, tripID)
		}
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *Registry) Watchers(tripID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[tripID])
}

// Publish sends e to every watcher of e.TripID. Watchers whose write fails
// are dropped.
func (r *Registry) Publish(_ context.Context, e events.Event) error {
	if e.TripID == "" {
		return nil
	}
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions[e.TripID]))
	for s := range r.sessions[e.TripID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(e); err != nil {
			logging.OrNop(r.Logger).Debug("ws send error", zap.String("trip_id", e.TripID), zap.Error(err))
			r.Remove(e.TripID, s)
		}
	}
	return nil
}

// Serve upgrades the request and keeps the socket registered for tripID
// until the client goes away. Inbound frames are discarded.
func (r *Registry) Serve(w http.ResponseWriter, req *http.Request, tripID string) error {
	conn, err := r.Upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	s := r.Add(tripID, conn)
	defer r.Remove(tripID, s)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
	}
}

var _ events.Publisher = (*Registry)(nil)
