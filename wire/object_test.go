package wire

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/DasDarki/MagicWire/sessions"
)

type recordingNotifier struct {
	mu     sync.Mutex
	fields []string
	events []string
}

func (n *recordingNotifier) FieldChanged(obj *Object, field string, value any) {
	n.mu.Lock()
	n.fields = append(n.fields, obj.Name()+"."+field)
	n.mu.Unlock()
}

func (n *recordingNotifier) EventRaised(obj *Object, event string, args any) {
	n.mu.Lock()
	n.events = append(n.events, obj.Name()+"."+event)
	n.mu.Unlock()
}

func TestObjectFieldsAndState(t *testing.T) {
	t.Parallel()

	obj := NewObject("counter", WithField("value", 0), WithField("label", "ticks"))

	v, ok := obj.Field("value")
	if !ok || v != 0 {
		t.Fatalf("value = %v ok=%v", v, ok)
	}
	if _, ok := obj.Field("missing"); ok {
		t.Fatal("missing field must not resolve")
	}

	obj.SetField("value", 5)
	state := obj.State()
	if state["value"] != 5 || state["label"] != "ticks" {
		t.Fatalf("state = %v", state)
	}

	// State returns a copy.
	state["value"] = 99
	if v, _ := obj.Field("value"); v != 5 {
		t.Fatalf("state mutation leaked into object: %v", v)
	}
}

func TestObjectStateProvider(t *testing.T) {
	t.Parallel()

	obj := NewObject("clock", WithStateProvider(func() map[string]any {
		return map[string]any{"now": "fixed"}
	}))
	if got := obj.State()["now"]; got != "fixed" {
		t.Fatalf("state = %v", got)
	}
}

func TestObjectNotifications(t *testing.T) {
	t.Parallel()

	obj := NewObject("counter", WithField("value", 0))
	n := &recordingNotifier{}
	obj.bind(n)

	obj.SetField("value", 1)
	obj.Emit("reset", nil)

	if len(n.fields) != 1 || n.fields[0] != "counter.value" {
		t.Fatalf("field notifications = %v", n.fields)
	}
	if len(n.events) != 1 || n.events[0] != "counter.reset" {
		t.Fatalf("event notifications = %v", n.events)
	}
}

func TestObjectSetFieldBeforeBindDoesNotPanic(t *testing.T) {
	t.Parallel()

	obj := NewObject("counter", WithField("value", 0))
	obj.SetField("value", 1)
	obj.Emit("ev", nil)
}

func TestTypedOperation(t *testing.T) {
	t.Parallel()

	type addArgs struct {
		Delta int `json:"delta"`
	}

	obj := NewObject("counter",
		WithTypedOperation("add", func(_ context.Context, _ *sessions.Session, args addArgs) (any, error) {
			return args.Delta + 1, nil
		}),
	)

	op, ok := obj.Operation("add")
	if !ok {
		t.Fatal("typed operation not registered")
	}

	res, err := op(context.Background(), nil, []json.RawMessage{json.RawMessage(`{"delta":4}`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res != 5 {
		t.Fatalf("result = %v, want 5", res)
	}

	// No arguments decodes to the zero value.
	res, err = op(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("invoke without args: %v", err)
	}
	if res != 1 {
		t.Fatalf("zero-value result = %v, want 1", res)
	}

	// A malformed payload is an error, not a panic.
	if _, err := op(context.Background(), nil, []json.RawMessage{json.RawMessage(`"nope"`)}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	type args struct {
		Name string `json:"name"`
	}
	obj := NewObject("profile",
		WithField("name", ""),
		WithField("age", 0),
		WithOperation("clear", func(context.Context, *sessions.Session, []json.RawMessage) (any, error) {
			return nil, nil
		}),
		WithTypedOperation("setName", func(_ context.Context, _ *sessions.Session, _ args) (any, error) {
			return nil, nil
		}),
	)

	desc := obj.Describe()
	if desc.Name != "profile" {
		t.Fatalf("name = %q", desc.Name)
	}
	if len(desc.Fields) != 2 || desc.Fields[0] != "age" || desc.Fields[1] != "name" {
		t.Fatalf("fields = %v", desc.Fields)
	}
	if _, ok := desc.Operations["clear"]; !ok {
		t.Fatal("clear operation missing from schema table")
	}
	if desc.Operations["setName"] == nil {
		t.Fatal("typed operation must carry a reflected schema")
	}
}
