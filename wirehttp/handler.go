// Package wirehttp is the HTTP transport for the wire protocol: three
// endpoints (Init, Stream, Invoke) plus a schema descriptor endpoint for
// external binding generators. Push delivery runs over Server-Sent Events,
// with a WebSocket upgrade path for clients that prefer it.
package wirehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DasDarki/MagicWire/internal/logctx"
	"github.com/DasDarki/MagicWire/observe"
	"github.com/DasDarki/MagicWire/protocol"
	"github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/wire"
)

var _ http.Handler = (*Handler)(nil)

const (
	// SessionHeader carries the client token on every request after Init.
	SessionHeader = "Mw-Session"
	// SessionQueryParam is the query fallback for clients that cannot set
	// headers (EventSource).
	sessionQueryParam = "session"

	maxInvokeBody = 1 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a minimal JSON body for transport-level rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	basePath   string
	serverName string
	logger     *slog.Logger
	observer   observe.ErrorObserver
	metrics    observe.MetricsSink
}

// WithBasePath mounts the endpoints under a path prefix, e.g. "/wire".
func WithBasePath(p string) Option {
	return func(c *newConfig) { c.basePath = strings.TrimSuffix(p, "/") }
}

// WithServerName sets a human-readable server name surfaced in the schema
// document.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithErrorObserver sets the process-wide error observer the dispatcher
// reports absorbed failures to.
func WithErrorObserver(obs observe.ErrorObserver) Option {
	return func(c *newConfig) { c.observer = obs }
}

// WithMetrics sets the metrics sink for request counters and latencies.
func WithMetrics(m observe.MetricsSink) Option {
	return func(c *newConfig) { c.metrics = m }
}

// Handler implements the wire HTTP transport on top of the two registries.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	tracer     trace.Tracer
	serverName string

	sessions *sessions.Registry
	wire     *wire.Registry
	observer observe.ErrorObserver
	metrics  observe.MetricsSink
}

// New constructs the transport handler. Both registries are required.
func New(sessReg *sessions.Registry, wireReg *wire.Registry, opts ...Option) (*Handler, error) {
	if sessReg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if wireReg == nil {
		return nil, fmt.Errorf("wire registry is required")
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.observer == nil {
		cfg.observer = observe.NewLogObserver(cfg.logger)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.NopMetrics()
	}

	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		tracer:     otel.Tracer("github.com/DasDarki/MagicWire/wirehttp"),
		serverName: cfg.serverName,
		sessions:   sessReg,
		wire:       wireReg,
		observer:   cfg.observer,
		metrics:    cfg.metrics,
	}

	base := cfg.basePath
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/init", base), h.handleInit)
	mux.HandleFunc(fmt.Sprintf("GET %s/stream", base), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("POST %s/invoke/{object}/{operation}", base), h.handleInvoke)
	mux.HandleFunc(fmt.Sprintf("GET %s/schema", base), h.handleSchema)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// sessionToken extracts the client token. The header wins over the query
// parameter; absence is not an error, it just means a fresh session.
func sessionToken(r *http.Request) string {
	if tok := r.Header.Get(SessionHeader); tok != "" {
		return tok
	}
	return r.URL.Query().Get(sessionQueryParam)
}

// handleInit resolves or creates the calling session and returns its ID with
// a state snapshot of every object the session may see. Objects outside the
// caller's authority are omitted entirely, not redacted.
func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "wire.init")
	defer span.End()
	h.log.InfoContext(ctx, "http.init.start")

	sess, created, err := h.sessions.Resolve(ctx, sessionToken(r), r.RemoteAddr)
	if err != nil {
		span.SetStatus(codes.Error, "session resolve")
		span.RecordError(err)
		h.observer.ObserveError(ctx, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve session")
		h.log.ErrorContext(ctx, "session.resolve.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Created: created})
	span.SetAttributes(attribute.String("wire.session", sess.ID()))

	resp := map[string]any{protocol.SessionKey: sess.ID()}
	for _, obj := range h.wire.VisibleTo(sess.ID()) {
		resp[obj.Name()] = obj.State()
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "init.write.fail", slog.String("err", err.Error()))
		return
	}
	h.metrics.IncCounter("init_requests", nil)
	h.metrics.ObserveHistogram("request_duration_seconds", time.Since(start).Seconds(), map[string]string{"endpoint": "init"})
	h.log.InfoContext(ctx, "http.init.ok", slog.Duration("dur", time.Since(start)))
}

// handleInvoke runs one operation on one object. Failure mapping, in check
// order: empty identifiers and unparseable argument payloads are malformed
// requests, unknown objects are not found, callers outside a restricted
// object's authority set are unauthorized. An unknown operation name on a
// valid object resolves to an empty result, not an error; so does an
// operation failure, which only reaches the error observer.
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "wire.invoke")
	defer span.End()

	objName := r.PathValue("object")
	opName := r.PathValue("operation")
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Object: objName, Operation: opName})
	span.SetAttributes(attribute.String("wire.object", objName), attribute.String("wire.operation", opName))
	h.log.InfoContext(ctx, "http.invoke.start")

	if objName == "" || opName == "" {
		h.finishInvoke(ctx, w, start, http.StatusBadRequest, "object and operation names are required")
		return
	}

	obj, ok := h.wire.Lookup(objName)
	if !ok {
		h.finishInvoke(ctx, w, start, http.StatusNotFound, "unknown object")
		return
	}

	if r.ContentLength != 0 {
		if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
			h.finishInvoke(ctx, w, start, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		h.finishInvoke(ctx, w, start, http.StatusBadRequest, "failed to read request body")
		return
	}
	args, err := protocol.DecodeArgs(body)
	if err != nil {
		h.finishInvoke(ctx, w, start, http.StatusBadRequest, err.Error())
		return
	}

	sess, created, err := h.sessions.Resolve(ctx, sessionToken(r), r.RemoteAddr)
	if err != nil {
		span.SetStatus(codes.Error, "session resolve")
		span.RecordError(err)
		h.observer.ObserveError(ctx, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Created: created})

	if !h.wire.Authorized(obj, sess.ID()) {
		// No hint about the object's state or operation table.
		h.finishInvoke(ctx, w, start, http.StatusForbidden, "not authorized")
		return
	}

	op, ok := obj.Operation(opName)
	if !ok {
		// Unknown operation names are swallowed rather than rejected; callers
		// relying on strict validation must check the result themselves.
		h.writeInvokeResult(ctx, w, start, protocol.EmptyInvokeResult(), "empty")
		return
	}

	result, err := h.safeInvoke(ctx, op, sess, args)
	if err != nil {
		h.observer.ObserveError(ctx, fmt.Errorf("invoke %s.%s: %w", objName, opName, err))
		h.log.WarnContext(ctx, "invoke.operation.fail", slog.String("err", err.Error()))
		h.writeInvokeResult(ctx, w, start, protocol.EmptyInvokeResult(), "operation_failure")
		return
	}

	res, err := protocol.NewInvokeResult(result)
	if err != nil {
		h.observer.ObserveError(ctx, err)
		h.writeInvokeResult(ctx, w, start, protocol.EmptyInvokeResult(), "encode_failure")
		return
	}
	h.writeInvokeResult(ctx, w, start, res, "ok")
}

// safeInvoke runs the operation with panic recovery so a faulting handler
// can never take the dispatcher down or leak a stack trace to the client.
func (h *Handler) safeInvoke(ctx context.Context, op wire.OperationFunc, sess *sessions.Session, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return op(ctx, sess, args)
}

func (h *Handler) writeInvokeResult(ctx context.Context, w http.ResponseWriter, start time.Time, res protocol.InvokeResult, outcome string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "invoke.write.fail", slog.String("err", err.Error()))
	}
	h.metrics.IncCounter("invocations", map[string]string{"outcome": outcome})
	h.metrics.ObserveHistogram("request_duration_seconds", time.Since(start).Seconds(), map[string]string{"endpoint": "invoke"})
	h.log.InfoContext(ctx, "http.invoke.ok", slog.String("outcome", outcome), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) finishInvoke(ctx context.Context, w http.ResponseWriter, start time.Time, status int, msg string) {
	writeJSONError(w, status, msg)
	outcome := map[int]string{
		http.StatusBadRequest:           "malformed",
		http.StatusNotFound:             "not_found",
		http.StatusForbidden:            "unauthorized",
		http.StatusUnsupportedMediaType: "malformed",
	}[status]
	h.metrics.IncCounter("invocations", map[string]string{"outcome": outcome})
	h.log.InfoContext(ctx, "http.invoke.reject",
		slog.Int("status", status), slog.String("reason", msg), slog.Duration("dur", time.Since(start)))
}

// handleSchema serves the object/operation descriptors used by external
// client binding generators. Restricted objects are included only for
// callers inside their authority set, mirroring Init's visibility rule.
func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "wire.schema")
	defer span.End()

	// An unknown or absent token sees public objects only. No session is
	// created for schema reads.
	sessID := ""
	if s, ok := h.sessions.Get(sessionToken(r)); ok {
		sessID = s.ID()
	}

	type schemaDoc struct {
		Server  string                       `json:"server,omitempty"`
		Objects map[string]wire.ObjectSchema `json:"objects"`
	}
	doc := schemaDoc{Server: h.serverName, Objects: make(map[string]wire.ObjectSchema)}
	for _, obj := range h.wire.VisibleTo(sessID) {
		doc.Objects[obj.Name()] = obj.Describe()
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.log.ErrorContext(ctx, "schema.write.fail", slog.String("err", err.Error()))
	}
}

// isStreamClosed reports whether an error is one of the benign stream
// teardown errors seen when a client disconnects mid-write.
func isStreamClosed(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe)
}
