package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"
)

// Session represents one remote client. Its ID is derived deterministically
// from a server-minted nonce and the client's network identity and stays
// stable across reconnects for as long as the client keeps resending it.
//
// A session carries an ephemeral key/value store (process-local, never
// transmitted) and at most one attached push stream.
type Session struct {
	id        string
	remoteIP  string
	createdAt time.Time

	reg *Registry

	mu         sync.Mutex
	stream     *Stream
	graceTimer *time.Timer
	destroyed  bool
}

// ID returns the stable session identifier used as the client token.
func (s *Session) ID() string { return s.id }

// RemoteIP returns the client network identity the ID was derived from.
func (s *Session) RemoteIP() string { return s.remoteIP }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Connected reports whether a push stream is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Destroyed reports whether the session has reached its terminal state.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Send enqueues an encoded push frame for delivery on the attached stream.
// It never blocks. It returns false when no stream is attached or the stream
// is shutting down; delivery is best-effort, not queued for later.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return false
	}
	return st.enqueue(frame)
}

// Put stores a value in the session's ephemeral data store. Values are never
// transmitted to the client and are cleared when the session is destroyed.
func (s *Session) Put(ctx context.Context, key string, value any) error {
	return s.reg.store.Set(ctx, s.id, key, value)
}

// Value retrieves a value from the session's ephemeral data store.
func (s *Session) Value(ctx context.Context, key string) (any, bool, error) {
	return s.reg.store.Get(ctx, s.id, key)
}

// Forget removes a key from the session's ephemeral data store.
func (s *Session) Forget(ctx context.Context, key string) error {
	return s.reg.store.Delete(ctx, s.id, key)
}

// DeriveID computes the session ID for a nonce and a client network identity.
// The pair must hash to an ID that is unique registry-wide; a collision is
// treated as a generation failure by the registry, never an overwrite.
func DeriveID(nonce, clientIP string) string {
	sum := sha256.Sum256([]byte(nonce + "|" + clientIP))
	return hex.EncodeToString(sum[:16])
}

// ClientIP extracts the bare IP from an http.Request-style RemoteAddr. Values
// without a port are returned as-is.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return strings.Trim(host, "[]")
}
