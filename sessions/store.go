package sessions

import "context"

// DataStore backs the per-session ephemeral key/value stores. Implementations
// must be safe for concurrent use. The contents are process-internal state
// attached to a session; they are never transmitted to clients and are
// cleared wholesale when the owning session is destroyed.
type DataStore interface {
	Set(ctx context.Context, sessionID, key string, value any) error
	Get(ctx context.Context, sessionID, key string) (any, bool, error)
	Delete(ctx context.Context, sessionID, key string) error
	// Clear drops every key held for the session.
	Clear(ctx context.Context, sessionID string) error
}
