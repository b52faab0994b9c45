// Package wire defines the managed stateful objects a server exposes to
// remote clients and the registry that indexes them and tracks per-object
// authority.
//
// Objects are declared through an explicit builder API at startup: name,
// fields, operations and an optional state provider are supplied as ordinary
// constructor options; there is no reflection-driven registration. State
// mutation goes through Object.SetField, the explicit set-and-notify point
// that drives field-change broadcasts.
package wire

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/DasDarki/MagicWire/sessions"
)

// OperationFunc is one entry in an object's operation table. It receives the
// calling session and the ordered argument list; interpreting and validating
// the arguments is the operation's own concern.
type OperationFunc func(ctx context.Context, caller *sessions.Session, args []json.RawMessage) (any, error)

// StateFunc produces the object's full current state for Init snapshots.
type StateFunc func() map[string]any

// Notifier receives field-change and event notifications from objects. The
// broadcast emitter implements it; the registry binds it to every registered
// object.
type Notifier interface {
	FieldChanged(obj *Object, field string, value any)
	EventRaised(obj *Object, event string, args any)
}

// Object is a server-side stateful entity exposed for remote invocation and
// state synchronization. Objects are created once at process startup and are
// never destroyed for the life of the process.
type Object struct {
	name    string
	ops     map[string]OperationFunc
	schemas map[string]*jsonschema.Schema
	state   StateFunc

	mu     sync.RWMutex
	fields map[string]any

	notifyMu sync.RWMutex
	notifier Notifier
}

// ObjectOption configures an Object under construction.
type ObjectOption func(*Object)

// NewObject builds a wire object. The name must be non-empty, unique across
// the registry, and must not start with '$' (reserved for protocol keys).
func NewObject(name string, opts ...ObjectOption) *Object {
	o := &Object{
		name:    name,
		ops:     make(map[string]OperationFunc),
		schemas: make(map[string]*jsonschema.Schema),
		fields:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithField declares a synchronized field with an initial value.
func WithField(name string, initial any) ObjectOption {
	return func(o *Object) { o.fields[name] = initial }
}

// WithOperation adds an entry to the operation table.
func WithOperation(name string, fn OperationFunc) ObjectOption {
	return func(o *Object) { o.ops[name] = fn }
}

// WithStateProvider overrides the default snapshot (a copy of the declared
// fields) with a custom state producer.
func WithStateProvider(fn StateFunc) ObjectOption {
	return func(o *Object) { o.state = fn }
}

// Name returns the registry-unique object name.
func (o *Object) Name() string { return o.name }

// SetField stores a field value and notifies the bound emitter. This is the
// explicit change-detection point: server-side logic that mutates state must
// go through it for clients to see the change.
func (o *Object) SetField(field string, value any) {
	o.mu.Lock()
	o.fields[field] = value
	o.mu.Unlock()

	if n := o.currentNotifier(); n != nil {
		n.FieldChanged(o, field, value)
	}
}

// Field returns the current value of a declared field.
func (o *Object) Field(field string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.fields[field]
	return v, ok
}

// Emit raises a named event with an argument payload. Pass nil for an event
// without arguments.
func (o *Object) Emit(event string, args any) {
	if n := o.currentNotifier(); n != nil {
		n.EventRaised(o, event, args)
	}
}

// State returns the object's full current state for Init snapshots.
func (o *Object) State() map[string]any {
	if o.state != nil {
		return o.state()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	snapshot := make(map[string]any, len(o.fields))
	for k, v := range o.fields {
		snapshot[k] = v
	}
	return snapshot
}

// Operation looks up an entry in the operation table.
func (o *Object) Operation(name string) (OperationFunc, bool) {
	fn, ok := o.ops[name]
	return fn, ok
}

// OperationNames lists the operation table keys.
func (o *Object) OperationNames() []string {
	names := make([]string, 0, len(o.ops))
	for name := range o.ops {
		names = append(names, name)
	}
	return names
}

func (o *Object) bind(n Notifier) {
	o.notifyMu.Lock()
	o.notifier = n
	o.notifyMu.Unlock()
}

func (o *Object) currentNotifier() Notifier {
	o.notifyMu.RLock()
	defer o.notifyMu.RUnlock()
	return o.notifier
}
