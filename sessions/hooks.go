package sessions

import "context"

// Hooks receives lifecycle notifications. All callbacks run synchronously on
// the goroutine that drove the transition; implementations that do slow work
// should hand off.
type Hooks interface {
	// SessionCreated fires when a request with no known token produced a new
	// session.
	SessionCreated(ctx context.Context, s *Session)
	// SessionReconnected fires when a stream attach cancelled a running grace
	// timer, distinguishing reconnect-after-drop from first connect.
	SessionReconnected(ctx context.Context, s *Session)
	// SessionDisconnected fires when the transport signalled client
	// disconnection and the grace timer was armed.
	SessionDisconnected(ctx context.Context, s *Session)
	// SessionDestroyed fires after the grace period elapsed: authorities are
	// already released and the data store cleared.
	SessionDestroyed(ctx context.Context, s *Session)
}

// NopHooks implements Hooks with no-ops. Embed it to implement a subset.
type NopHooks struct{}

func (NopHooks) SessionCreated(context.Context, *Session)      {}
func (NopHooks) SessionReconnected(context.Context, *Session)  {}
func (NopHooks) SessionDisconnected(context.Context, *Session) {}
func (NopHooks) SessionDestroyed(context.Context, *Session)    {}

type multiHooks []Hooks

// MultiHooks fans lifecycle notifications out to several listeners in order.
func MultiHooks(hooks ...Hooks) Hooks {
	out := make(multiHooks, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (m multiHooks) SessionCreated(ctx context.Context, s *Session) {
	for _, h := range m {
		h.SessionCreated(ctx, s)
	}
}

func (m multiHooks) SessionReconnected(ctx context.Context, s *Session) {
	for _, h := range m {
		h.SessionReconnected(ctx, s)
	}
}

func (m multiHooks) SessionDisconnected(ctx context.Context, s *Session) {
	for _, h := range m {
		h.SessionDisconnected(ctx, s)
	}
}

func (m multiHooks) SessionDestroyed(ctx context.Context, s *Session) {
	for _, h := range m {
		h.SessionDestroyed(ctx, s)
	}
}
