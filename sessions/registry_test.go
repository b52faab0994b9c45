package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/sessions/memorystore"
)

type captureSink struct {
	frames chan []byte
}

func newCaptureSink() *captureSink {
	return &captureSink{frames: make(chan []byte, 256)}
}

func (c *captureSink) WriteFrame(p []byte) error {
	c.frames <- p
	return nil
}

type failingSink struct {
	err error
}

func (f *failingSink) WriteFrame([]byte) error { return f.err }

type hookRecorder struct {
	mu        sync.Mutex
	events    []string
	destroyed chan string
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{destroyed: make(chan string, 8)}
}

func (h *hookRecorder) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *hookRecorder) SessionCreated(_ context.Context, s *Session)      { h.record("created") }
func (h *hookRecorder) SessionReconnected(_ context.Context, s *Session)  { h.record("reconnected") }
func (h *hookRecorder) SessionDisconnected(_ context.Context, s *Session) { h.record("disconnected") }
func (h *hookRecorder) SessionDestroyed(_ context.Context, s *Session) {
	h.record("destroyed")
	h.destroyed <- s.ID()
}

func newTestRegistry(grace time.Duration, hooks Hooks, release func(string)) *Registry {
	return NewRegistry(Config{
		GracePeriod:        grace,
		Hooks:              hooks,
		Store:              memorystore.New(),
		ReleaseAuthorities: release,
	})
}

func TestResolveCreatesAndReuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(0, nil, nil)

	s1, created, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil || !created {
		t.Fatalf("first resolve: created=%v err=%v", created, err)
	}
	if s1.ID() == "" || s1.RemoteIP() != "192.0.2.1" {
		t.Fatalf("session = id %q ip %q", s1.ID(), s1.RemoteIP())
	}

	s2, created, err := r.Resolve(ctx, s1.ID(), "192.0.2.1:2222")
	if err != nil || created {
		t.Fatalf("token resolve: created=%v err=%v", created, err)
	}
	if s2 != s1 {
		t.Fatal("same token must resolve to the same session")
	}

	s3, created, err := r.Resolve(ctx, "no-such-token", "192.0.2.1:3333")
	if err != nil || !created {
		t.Fatalf("unknown token resolve: created=%v err=%v", created, err)
	}
	if s3.ID() == s1.ID() {
		t.Fatal("unknown token must create a fresh session")
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
}

func TestDeriveID(t *testing.T) {
	t.Parallel()

	a := DeriveID("nonce-1", "10.0.0.1")
	b := DeriveID("nonce-1", "10.0.0.1")
	if a != b {
		t.Fatal("derivation must be deterministic")
	}
	if len(a) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(a))
	}
	if DeriveID("nonce-1", "10.0.0.2") == a {
		t.Fatal("different IPs must derive different ids")
	}
	if DeriveID("nonce-2", "10.0.0.1") == a {
		t.Fatal("different nonces must derive different ids")
	}
}

func TestStreamDeliveryPreservesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(0, nil, nil)

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Send([]byte("x")) {
		t.Fatal("send without a stream must report false")
	}

	sink := newCaptureSink()
	st, err := r.Attach(ctx, s, sink, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !s.Connected() {
		t.Fatal("session must be connected after attach")
	}

	const n = 100
	for i := 0; i < n; i++ {
		if !s.Send([]byte(fmt.Sprintf("frame-%03d", i))) {
			t.Fatalf("send %d rejected", i)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-sink.frames:
			if want := fmt.Sprintf("frame-%03d", i); string(got) != want {
				t.Fatalf("frame %d = %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	r.Detach(ctx, s, st)
	if s.Connected() {
		t.Fatal("session must not be connected after detach")
	}
	if s.Send([]byte("late")) {
		t.Fatal("send after detach must report false")
	}
}

func TestSinkErrorReportedAndStreamClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(time.Hour, nil, nil)

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	wantErr := errors.New("boom")
	errCh := make(chan error, 1)
	_, err = r.Attach(ctx, s, &failingSink{err: wantErr}, func(e error) { errCh <- e })
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.Send([]byte("frame"))
	select {
	case got := <-errCh:
		if !errors.Is(got, wantErr) {
			t.Fatalf("err = %v, want %v", got, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink error")
	}
}

func TestGraceExpiryDestroysSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hooks := newHookRecorder()
	var releasedMu sync.Mutex
	var released []string
	r := newTestRegistry(20*time.Millisecond, hooks, func(id string) {
		releasedMu.Lock()
		released = append(released, id)
		releasedMu.Unlock()
	})

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}

	st, err := r.Attach(ctx, s, newCaptureSink(), nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	r.Detach(ctx, s, st)

	select {
	case id := <-hooks.destroyed:
		if id != s.ID() {
			t.Fatalf("destroyed id = %q, want %q", id, s.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destruction")
	}

	if !s.Destroyed() {
		t.Fatal("session must be in destroyed state")
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatal("destroyed session must leave the registry")
	}
	releasedMu.Lock()
	if len(released) != 1 || released[0] != s.ID() {
		t.Fatalf("released = %v", released)
	}
	releasedMu.Unlock()
	if got := hooks.snapshot(); len(got) != 3 || got[0] != "created" || got[1] != "disconnected" || got[2] != "destroyed" {
		t.Fatalf("hook order = %v", got)
	}

	// The token now resolves to a brand new session with a fresh store.
	s2, created, err := r.Resolve(ctx, s.ID(), "192.0.2.1:1111")
	if err != nil || !created {
		t.Fatalf("resolve after expiry: created=%v err=%v", created, err)
	}
	if _, ok, _ := s2.Value(ctx, "k"); ok {
		t.Fatal("data must not survive destruction")
	}

	if _, err := r.Attach(ctx, s, newCaptureSink(), nil); !errors.Is(err, ErrSessionDestroyed) {
		t.Fatalf("attach to destroyed = %v, want ErrSessionDestroyed", err)
	}
}

func TestReattachWithinGraceKeepsSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hooks := newHookRecorder()
	r := newTestRegistry(500*time.Millisecond, hooks, nil)

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Put(ctx, "name", "ada"); err != nil {
		t.Fatalf("put: %v", err)
	}

	st, err := r.Attach(ctx, s, newCaptureSink(), nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	r.Detach(ctx, s, st)

	sink := newCaptureSink()
	if _, err := r.Attach(ctx, s, sink, nil); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	got, ok, err := s.Value(ctx, "name")
	if err != nil || !ok || got != "ada" {
		t.Fatalf("value after reattach = %v ok=%v err=%v", got, ok, err)
	}

	// New stream delivers.
	s.Send([]byte("hello"))
	select {
	case f := <-sink.frames:
		if string(f) != "hello" {
			t.Fatalf("frame = %q", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame on new stream")
	}

	// The grace period passes without destruction.
	time.Sleep(700 * time.Millisecond)
	if s.Destroyed() {
		t.Fatal("reattached session must survive the grace period")
	}
	for _, ev := range hooks.snapshot() {
		if ev == "destroyed" {
			t.Fatal("destroyed hook must not fire")
		}
	}
	found := false
	for _, ev := range hooks.snapshot() {
		if ev == "reconnected" {
			found = true
		}
	}
	if !found {
		t.Fatal("reconnected hook must fire on reattach within grace")
	}
}

func TestAttachSupersedesPreviousStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(time.Hour, nil, nil)

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	st1, err := r.Attach(ctx, s, newCaptureSink(), nil)
	if err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	sink2 := newCaptureSink()
	if _, err := r.Attach(ctx, s, sink2, nil); err != nil {
		t.Fatalf("attach 2: %v", err)
	}

	s.Send([]byte("to-second"))
	select {
	case f := <-sink2.frames:
		if string(f) != "to-second" {
			t.Fatalf("frame = %q", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame on superseding stream")
	}

	// Detach with the stale handle must not disturb the current stream.
	r.Detach(ctx, s, st1)
	if !s.Connected() {
		t.Fatal("stale detach must not disconnect the session")
	}
}

func TestDestroyImmediate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hooks := newHookRecorder()
	r := newTestRegistry(time.Hour, hooks, nil)

	s, _, err := r.Resolve(ctx, "", "192.0.2.1:1111")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Attach(ctx, s, newCaptureSink(), nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	r.Destroy(ctx, s)
	if !s.Destroyed() {
		t.Fatal("session must be destroyed")
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatal("destroyed session must leave the registry")
	}
	r.Destroy(ctx, s) // second call is a no-op
	select {
	case <-hooks.destroyed:
	case <-time.After(time.Second):
		t.Fatal("destroyed hook did not fire")
	}
	select {
	case <-hooks.destroyed:
		t.Fatal("destroyed hook fired twice")
	default:
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	if got := ClientIP("192.0.2.7:4242"); got != "192.0.2.7" {
		t.Fatalf("ClientIP = %q", got)
	}
	if got := ClientIP("[::1]:80"); got != "::1" {
		t.Fatalf("ClientIP v6 = %q", got)
	}
	if got := ClientIP("no-port"); got != "no-port" {
		t.Fatalf("ClientIP without port = %q", got)
	}
}
