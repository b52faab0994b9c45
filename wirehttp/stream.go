package wirehttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/DasDarki/MagicWire/internal/logctx"
	"github.com/DasDarki/MagicWire/sessions"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context guard. It serializes concurrent writes/flushes and avoids writing
// after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseSink writes push frames as SSE events.
type sseSink struct {
	wf *lockedWriteFlusher
}

func (s *sseSink) WriteFrame(p []byte) error {
	return writeSSEEvent(s.wf, p)
}

// writeSSEEvent frames one encoded push message as a Server-Sent Event and
// flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := wf.Write(payload); err != nil {
		return err
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

// handleStream attaches a push stream to the calling session and blocks
// until the client disconnects. WebSocket upgrades are honored; everything
// else negotiates Server-Sent Events. The stream is a pure write sink:
// no further client input is read on it.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "wire.stream")
	defer span.End()

	if websocket.IsWebSocketUpgrade(r) {
		h.handleStreamWS(ctx, w, r, start)
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "stream.accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "stream.flusher.missing")
		return
	}

	sess, created, err := h.sessions.Resolve(ctx, sessionToken(r), r.RemoteAddr)
	if err != nil {
		h.observer.ObserveError(ctx, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Created: created})
	span.SetAttributes(attribute.String("wire.session", sess.ID()))

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	st, err := h.sessions.Attach(ctx, sess, &sseSink{wf: wf}, func(err error) {
		if !isStreamClosed(err) {
			h.observer.ObserveError(ctx, err)
		}
	})
	if err != nil {
		h.log.WarnContext(ctx, "stream.attach.fail", slog.String("err", err.Error()))
		return
	}

	h.metrics.IncCounter("streams_opened", map[string]string{"transport": "sse"})
	h.log.InfoContext(ctx, "stream.start", slog.String("transport", "sse"))

	// Block until the transport signals client disconnection. Grace-timer
	// correctness depends on reacting to this promptly.
	<-ctx.Done()

	detachCtx := context.WithoutCancel(ctx)
	h.sessions.Detach(detachCtx, sess, st)
	h.log.InfoContext(detachCtx, "stream.end", slog.Duration("dur", time.Since(start)))
}

// handleStreamWS is the WebSocket flavor of the stream endpoint. The client
// side of the socket is drained only to learn about disconnection; its
// content is ignored, keeping the stream write-only.
func (h *Handler) handleStreamWS(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time) {
	sess, created, err := h.sessions.Resolve(ctx, sessionToken(r), r.RemoteAddr)
	if err != nil {
		h.observer.ObserveError(ctx, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Created: created})

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WarnContext(ctx, "stream.ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	st, err := h.sessions.Attach(ctx, sess, &wsSink{conn: conn}, func(err error) {
		if !isStreamClosed(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			h.observer.ObserveError(ctx, err)
		}
	})
	if err != nil {
		h.log.WarnContext(ctx, "stream.attach.fail", slog.String("err", err.Error()))
		return
	}

	h.metrics.IncCounter("streams_opened", map[string]string{"transport": "websocket"})
	h.log.InfoContext(ctx, "stream.start", slog.String("transport", "websocket"))

	// Drain the read side until it errors; that is the disconnect signal.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	detachCtx := context.WithoutCancel(ctx)
	h.sessions.Detach(detachCtx, sess, st)
	h.log.InfoContext(detachCtx, "stream.end", slog.Duration("dur", time.Since(start)))
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is the embedding server's concern; the wire protocol
	// itself carries no credentials beyond the session token.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsSink writes push frames as WebSocket text messages. Only the session's
// single writer goroutine calls WriteFrame, satisfying gorilla's one-writer
// rule.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(p []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, p)
}

var (
	_ sessions.StreamSink = (*sseSink)(nil)
	_ sessions.StreamSink = (*wsSink)(nil)
)
