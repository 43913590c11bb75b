package lock

import (
	"context"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Locker serializes work on a key. The returned release func must be called
// exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func TripKey(tripID string) string  { return "trip:" + tripID }
func StatsKey(userID string) string { return "stats:" + userID }

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped once nobody holds or waits on them.
type Local struct {
	// Wait bounds how long Acquire blocks; zero means only ctx bounds it.
	Wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	return &Local{Wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	if l.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Wait)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
		observability.LockWait.WithLabelValues("local").Observe(time.Since(start).Seconds())
	case <-ctx.Done():
		l.unref(key, s)
		return nil, waitErr(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func waitErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return models.ErrLockTimeout
	}
	return ctx.Err()
}

var _ Locker = (*Local)(nil)
