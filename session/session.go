// Package session tracks per-session interpreter state and serializes
// access to it.
//
// A session is the unit of persistence: the globals bound by one
// submission stay visible to later submissions with the same identifier.
// The registry guarantees at-most-one execution per session while letting
// distinct sessions run in parallel.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.starlark.net/starlark"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger for the registry.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTTL enables idle eviction: sessions not acquired for ttl are dropped
// by a background sweep. The default is no expiration; evicting a session
// discards its globals but never touches its workspace directory.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// Session is one client's persistent interpreter state.
type Session struct {
	// ID is the client-chosen identifier.
	ID string
	// Globals holds the names bound by prior submissions. Only the
	// goroutine that holds the session lock may read or mutate them.
	Globals starlark.StringDict

	lock     chan struct{}
	created  time.Time
	lastUsed time.Time // guarded by Registry.mu
}

// Release returns the session lock. It must be called exactly once per
// successful Acquire, on every exit path.
func (s *Session) Release() { <-s.lock }

// Age reports how long the session has existed.
func (s *Session) Age() time.Duration { return time.Since(s.created) }

// Registry owns all live sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	logger   *slog.Logger
	ttl      time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewRegistry creates an empty registry. With WithTTL set it starts the
// background eviction sweep; call Close to stop it.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		logger:   nopLogger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl > 0 {
		go r.run()
	} else {
		close(r.doneCh)
	}
	return r
}

// Acquire returns the session for id with its lock held, creating the
// session on first use. It blocks until the lock is available or ctx is
// done. The caller must Release the session when its execution finishes.
func (r *Registry) Acquire(ctx context.Context, id string) (*Session, error) {
	for {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok {
			s = &Session{
				ID:      id,
				Globals: make(starlark.StringDict),
				lock:    make(chan struct{}, 1),
				created: time.Now(),
			}
			r.sessions[id] = s
			r.logger.Debug("session: created", "session_id", id, "count", len(r.sessions))
		}
		s.lastUsed = time.Now()
		r.mu.Unlock()

		select {
		case s.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The entry may have been evicted or removed while we waited for
		// the lock; holding state for a dead entry would fork the session,
		// so drop it and retry.
		r.mu.Lock()
		current := r.sessions[id] == s
		r.mu.Unlock()
		if current {
			return s, nil
		}
		s.Release()
	}
}

// Get returns the session for id without creating or locking it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove drops the session for id, discarding its globals. An execution
// already holding the session finishes undisturbed, but its mutations are
// lost: the next Acquire starts fresh.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.logger.Debug("session: removed", "session_id", id)
	return true
}

// Close stops the eviction sweep, if one is running. Sessions themselves
// are not affected.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Registry) run() {
	defer close(r.doneCh)

	sweep := r.ttl / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	t := time.NewTicker(sweep)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if n := r.evictExpired(); n > 0 {
				r.logger.Debug("session: eviction sweep", "evicted", n, "remaining", r.Len())
			}
		case <-r.stopCh:
			return
		}
	}
}

// evictExpired drops every idle session whose lock is free. Sessions in
// the middle of an execution are skipped and picked up by a later sweep.
func (r *Registry) evictExpired() int {
	now := time.Now()
	var evicted int

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) < r.ttl {
			continue
		}
		select {
		case s.lock <- struct{}{}:
		default:
			continue
		}
		delete(r.sessions, id)
		<-s.lock
		evicted++
		r.logger.Debug("session: evicted idle", "session_id", id, "idle", now.Sub(s.lastUsed).Round(time.Second))
	}
	return evicted
}
