package tests

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DasDarki/MagicWire"
	"github.com/DasDarki/MagicWire/protocol"
	"github.com/DasDarki/MagicWire/wirehttp"
)

// startServer boots a full app behind an httptest server rooted at /wire.
func startServer(t *testing.T, appOpts []magicwire.Option, handlerOpts ...wirehttp.Option) (*httptest.Server, *magicwire.App) {
	t.Helper()
	app := magicwire.New(appOpts...)
	h, err := app.Handler(append([]wirehttp.Option{wirehttp.WithBasePath("/wire")}, handlerOpts...)...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, app
}

// initSession POSTs /wire/init and returns the session id with the full
// response body.
func initSession(t *testing.T, srv *httptest.Server, token string) (string, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/wire/init", nil)
	if err != nil {
		t.Fatalf("init request: %v", err)
	}
	if token != "" {
		req.Header.Set(wirehttp.SessionHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init status: %d", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode init body: %v", err)
	}
	raw, ok := body[protocol.SessionKey]
	if !ok {
		t.Fatalf("init body missing session key: %v", body)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		t.Fatalf("decode session id: %v", err)
	}
	return id, body
}

// openStream opens the SSE stream for a session. The returned body stays
// open until the context is canceled.
func openStream(ctx context.Context, t *testing.T, srv *httptest.Server, sessID string) io.ReadCloser {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/wire/stream", nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(wirehttp.SessionHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("stream content type: %s", ct)
	}
	return resp.Body
}

// invoke POSTs /wire/invoke/{object}/{operation} with a JSON array body and
// returns the raw HTTP response.
func invoke(t *testing.T, srv *httptest.Server, sessID, object, operation string, args ...any) *http.Response {
	t.Helper()
	var body io.Reader
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("encode args: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/wire/invoke/"+object+"/"+operation, body)
	if err != nil {
		t.Fatalf("invoke request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessID != "" {
		req.Header.Set(wirehttp.SessionHeader, sessID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	return resp
}

// invokeResult runs invoke and decodes the result body, failing on any
// non-200 status.
func invokeResult(t *testing.T, srv *httptest.Server, sessID, object, operation string, args ...any) protocol.InvokeResult {
	t.Helper()
	resp := invoke(t, srv, sessID, object, operation, args...)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("invoke %s.%s status %d: %s", object, operation, resp.StatusCode, b)
	}
	var res protocol.InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode invoke result: %v", err)
	}
	return res
}

// waitForPush scans an SSE stream (lines beginning with "data: ") until it
// sees a push message matching kind, object and name. It enforces a bounded
// timeout independent of the caller stream lifetime.
func waitForPush(parent context.Context, r io.Reader, kind, object, name string, timeout time.Duration) (protocol.PushMessage, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return protocol.PushMessage{}, waitErr(ctx, kind, object, name)
		default:
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		var msg protocol.PushMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		if msg.Kind == kind && msg.Object == object && msg.Name == name {
			return msg, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.PushMessage{}, fmt.Errorf("scan error before seeing %s %s.%s: %w", kind, object, name, err)
	}
	return protocol.PushMessage{}, fmt.Errorf("stream closed before seeing %s %s.%s", kind, object, name)
}

func waitErr(ctx context.Context, kind, object, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout waiting for %s %s.%s", kind, object, name)
	}
	return fmt.Errorf("context canceled waiting for %s %s.%s: %v", kind, object, name, ctx.Err())
}
