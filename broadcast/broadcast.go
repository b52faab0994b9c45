// Package broadcast fans field-change and event notifications out to the
// sessions allowed to see the emitting object.
//
// Delivery is authority-scoped: a restricted object reaches only its owning
// sessions, a public object reaches every session with an attached stream.
// The payload is encoded once per emission and the same bytes are enqueued
// for every eligible stream; per-recipient failures are reported to the
// error observer without aborting delivery to the rest.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DasDarki/MagicWire/observe"
	"github.com/DasDarki/MagicWire/protocol"
	"github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/wire"
)

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithErrorObserver sets the observer that receives encoding and delivery
// failures.
func WithErrorObserver(obs observe.ErrorObserver) Option {
	return func(b *Broadcaster) { b.observer = obs }
}

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broadcaster) { b.log = log }
}

// WithMetrics sets the metrics sink for delivery counters.
func WithMetrics(m observe.MetricsSink) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster implements wire.Notifier on top of the two registries.
type Broadcaster struct {
	sessions *sessions.Registry
	wire     *wire.Registry
	observer observe.ErrorObserver
	metrics  observe.MetricsSink
	log      *slog.Logger
}

// New builds a Broadcaster. Bind it into the object registry with
// wire.Registry.Bind so Object.SetField and Object.Emit reach it.
func New(sess *sessions.Registry, reg *wire.Registry, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessions: sess,
		wire:     reg,
		observer: observe.NewLogObserver(nil),
		metrics:  observe.NopMetrics(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FieldChanged broadcasts a field-change message for the object.
func (b *Broadcaster) FieldChanged(obj *wire.Object, field string, value any) {
	frame, err := protocol.EncodeFieldChange(obj.Name(), field, value)
	if err != nil {
		b.observer.ObserveError(context.Background(), err)
		return
	}
	b.fanOut(obj, frame, protocol.KindFieldChange)
}

// EventRaised broadcasts an event message for the object.
func (b *Broadcaster) EventRaised(obj *wire.Object, event string, args any) {
	frame, err := protocol.EncodeEvent(obj.Name(), event, args)
	if err != nil {
		b.observer.ObserveError(context.Background(), err)
		return
	}
	b.fanOut(obj, frame, protocol.KindEvent)
}

func (b *Broadcaster) fanOut(obj *wire.Object, frame []byte, kind string) {
	delivered := 0
	if ids, restricted := b.wire.AuthoritySessions(obj); restricted {
		for _, id := range ids {
			s, ok := b.sessions.Get(id)
			if !ok {
				// Authority sets can hold a just-destroyed session for a
				// moment; treat like a session without a stream.
				continue
			}
			if b.deliver(s, frame, obj.Name()) {
				delivered++
			}
		}
	} else {
		b.sessions.Range(func(s *sessions.Session) bool {
			if b.deliver(s, frame, obj.Name()) {
				delivered++
			}
			return true
		})
	}

	b.metrics.IncCounter("broadcast_deliveries", map[string]string{"kind": kind})
	b.log.Debug("broadcast.fanout",
		slog.String("object", obj.Name()),
		slog.String("kind", kind),
		slog.Int("delivered", delivered))
}

// deliver enqueues the frame on one session's stream. Sessions without an
// attached stream are skipped; messages are not queued for later.
func (b *Broadcaster) deliver(s *sessions.Session, frame []byte, objName string) bool {
	if !s.Connected() {
		return false
	}
	if !s.Send(frame) {
		b.observer.ObserveError(context.Background(),
			fmt.Errorf("broadcast to session %s for object %s: stream closed", s.ID(), objName))
		return false
	}
	return true
}

var _ wire.Notifier = (*Broadcaster)(nil)
