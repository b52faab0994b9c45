package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGracePeriod is how long a disconnected session may linger before it
// is destroyed. Chosen to survive a quick page reload without keeping dead
// sessions around.
const DefaultGracePeriod = 1100 * time.Millisecond

var (
	// ErrIDCollision indicates a freshly derived session ID already exists in
	// the registry. Existing sessions are never overwritten.
	ErrIDCollision = errors.New("session id collision")
	// ErrSessionDestroyed is returned when attaching to a session that
	// already reached its terminal state.
	ErrSessionDestroyed = errors.New("session destroyed")
)

// Config configures a Registry. Zero values get conservative defaults; Store
// is required.
type Config struct {
	// GracePeriod is the reconnect window after stream disconnect.
	GracePeriod time.Duration
	// Hooks receives lifecycle notifications. Optional.
	Hooks Hooks
	// Store backs the per-session ephemeral data stores.
	Store DataStore
	// ReleaseAuthorities is invoked during destruction, before the destroyed
	// notification, so every owned object drops the session from its
	// authority set.
	ReleaseAuthorities func(sessionID string)
	Logger             *slog.Logger
}

// Registry creates, looks up and destroys sessions and runs the
// disconnect, grace period, destroy state machine. Safe for concurrent use;
// the registry lock guards only the index, per-session state has its own
// mutex.
type Registry struct {
	grace   time.Duration
	hooks   Hooks
	store   DataStore
	release func(string)
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs the lifecycle manager.
func NewRegistry(cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		grace:    cfg.GracePeriod,
		hooks:    cfg.Hooks,
		store:    cfg.Store,
		release:  cfg.ReleaseAuthorities,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// GracePeriod returns the configured reconnect window.
func (r *Registry) GracePeriod() time.Duration { return r.grace }

// Resolve returns the session for a client token, creating one when the
// token is absent or unknown. The created flag reports whether a
// SessionCreated notification fired.
func (r *Registry) Resolve(ctx context.Context, token, remoteAddr string) (s *Session, created bool, err error) {
	if token != "" {
		if s, ok := r.Get(token); ok {
			return s, false, nil
		}
	}

	ip := ClientIP(remoteAddr)
	id := DeriveID(uuid.NewString(), ip)
	s = &Session{
		id:        id,
		remoteIP:  ip,
		createdAt: time.Now(),
		reg:       r,
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, false, ErrIDCollision
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.InfoContext(ctx, "session.create", slog.String("session_id", id))
	r.hooks.SessionCreated(ctx, s)
	return s, true, nil
}

// Get looks up a session by token without creating one.
func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls fn for every live session until it returns false. The snapshot
// is taken under the registry lock; fn runs outside it.
func (r *Registry) Range(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

// Attach installs sink as the session's push stream. A pending grace timer
// is cancelled and disposed before the transition; if one was running a
// SessionReconnected notification fires. An already-attached stream is
// superseded, keeping the at-most-one-stream invariant.
func (r *Registry) Attach(ctx context.Context, s *Session, sink StreamSink, onErr func(error)) (*Stream, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrSessionDestroyed
	}
	reconnected := false
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		reconnected = true
	}
	if prev := s.stream; prev != nil {
		prev.close()
	}
	st := newStream(sink, onErr)
	s.stream = st
	s.mu.Unlock()

	if reconnected {
		r.log.InfoContext(ctx, "session.reconnect", slog.String("session_id", s.id))
		r.hooks.SessionReconnected(ctx, s)
	} else {
		r.log.InfoContext(ctx, "session.attach", slog.String("session_id", s.id))
	}
	return st, nil
}

// Detach clears the session's stream handle and arms the grace timer. It is
// a no-op when st is no longer the current stream, so a handler returning
// late cannot disturb a superseding attach.
func (r *Registry) Detach(ctx context.Context, s *Session, st *Stream) {
	st.close()

	s.mu.Lock()
	if s.destroyed || s.stream != st {
		s.mu.Unlock()
		return
	}
	s.stream = nil
	s.graceTimer = time.AfterFunc(r.grace, func() { r.expire(s) })
	s.mu.Unlock()

	r.log.InfoContext(ctx, "session.disconnect", slog.String("session_id", s.id))
	r.hooks.SessionDisconnected(ctx, s)
}

// expire runs when a grace timer elapses. A timer that fires microseconds
// before a reattach cancels it is tolerated: the attach check below makes
// the common case a no-op, and the rare loser sees a benign
// destroy-then-recreate rather than a fatal race.
func (r *Registry) expire(s *Session) {
	s.mu.Lock()
	if s.destroyed || s.stream != nil || s.graceTimer == nil {
		s.mu.Unlock()
		return
	}
	s.graceTimer = nil
	s.destroyed = true
	s.mu.Unlock()

	ctx := context.Background()
	r.log.Info("session.expire", slog.String("session_id", s.id))
	r.finalize(ctx, s)
}

// Destroy tears a session down immediately, regardless of state. Intended
// for administrative shutdown paths; normal destruction goes through the
// grace timer.
func (r *Registry) Destroy(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
	s.mu.Unlock()

	r.finalize(ctx, s)
}

func (r *Registry) finalize(ctx context.Context, s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	if r.release != nil {
		r.release(s.id)
	}
	if err := r.store.Clear(ctx, s.id); err != nil {
		r.log.ErrorContext(ctx, "session.store.clear.fail",
			slog.String("session_id", s.id), slog.String("err", err.Error()))
	}
	r.hooks.SessionDestroyed(ctx, s)
}
