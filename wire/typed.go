package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/DasDarki/MagicWire/sessions"
)

// TypedOperation wraps a handler taking a struct argument. The first element
// of the ordered argument list is decoded into T; a missing first argument
// yields the zero value. Decode failures surface as operation failures, so
// they are absorbed at the dispatcher boundary like any other handler error.
func TypedOperation[T any](fn func(ctx context.Context, caller *sessions.Session, args T) (any, error)) OperationFunc {
	return func(ctx context.Context, caller *sessions.Session, raw []json.RawMessage) (any, error) {
		var args T
		if len(raw) > 0 && len(raw[0]) > 0 {
			if err := json.Unmarshal(raw[0], &args); err != nil {
				return nil, fmt.Errorf("decode typed arguments: %w", err)
			}
		}
		return fn(ctx, caller, args)
	}
}

// WithTypedOperation adds a typed operation together with a JSON Schema
// derived from T. The schema is served from the transport's schema endpoint
// for external client binding generators.
func WithTypedOperation[T any](name string, fn func(ctx context.Context, caller *sessions.Session, args T) (any, error)) ObjectOption {
	return func(o *Object) {
		o.ops[name] = TypedOperation(fn)
		o.schemas[name] = reflectSchema[T]()
	}
}

func reflectSchema[T any]() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	var proto T
	return r.Reflect(&proto)
}

// ObjectSchema describes one object for external tooling: its current field
// names and its operation table, with argument schemas where declared.
type ObjectSchema struct {
	Name       string                        `json:"name"`
	Fields     []string                      `json:"fields"`
	Operations map[string]*jsonschema.Schema `json:"operations"`
}

// Describe builds the object's schema descriptor. Operations registered
// without a typed argument struct appear with a null schema.
func (o *Object) Describe() ObjectSchema {
	o.mu.RLock()
	fields := make([]string, 0, len(o.fields))
	for name := range o.fields {
		fields = append(fields, name)
	}
	o.mu.RUnlock()
	sort.Strings(fields)

	ops := make(map[string]*jsonschema.Schema, len(o.ops))
	for name := range o.ops {
		ops[name] = o.schemas[name]
	}
	return ObjectSchema{Name: o.name, Fields: fields, Operations: ops}
}
