// Package magicwire exposes long-lived stateful server objects to remote
// clients: request/response operation invocation plus asynchronous
// field-change and event push, with per-object visibility scoped to an
// owning subset of sessions.
//
// An App bundles the three core services: the session registry (lifecycle,
// grace-period reconnects, ephemeral data), the wire object registry
// (identity, operation tables, authority) and the broadcast emitter
// (authority-scoped fan-out). App.Handler returns the HTTP transport
// carrying the Init, Stream and Invoke endpoints.
//
//	app := magicwire.New()
//	counter := wire.NewObject("counter",
//		wire.WithField("value", 0),
//		wire.WithOperation("increment", incrementFn),
//	)
//	if err := app.Register(counter); err != nil {
//		log.Fatal(err)
//	}
//	h, err := app.Handler(wirehttp.WithBasePath("/wire"))
package magicwire

import (
	"log/slog"
	"time"

	"github.com/DasDarki/MagicWire/broadcast"
	"github.com/DasDarki/MagicWire/observe"
	"github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/sessions/memorystore"
	"github.com/DasDarki/MagicWire/wire"
	"github.com/DasDarki/MagicWire/wirehttp"
)

// Option configures an App.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	hooks       []sessions.Hooks
	gracePeriod time.Duration
	store       sessions.DataStore
	observer    observe.ErrorObserver
	metrics     observe.MetricsSink
}

// WithLogger sets the slog logger shared by all services.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithHooks adds session lifecycle listeners.
func WithHooks(h ...sessions.Hooks) Option {
	return func(c *config) { c.hooks = append(c.hooks, h...) }
}

// WithGracePeriod overrides the reconnect window after stream disconnect.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) { c.gracePeriod = d }
}

// WithDataStore swaps the per-session data store backend. Defaults to the
// in-memory store.
func WithDataStore(s sessions.DataStore) Option {
	return func(c *config) { c.store = s }
}

// WithErrorObserver sets the process-wide error observer.
func WithErrorObserver(obs observe.ErrorObserver) Option {
	return func(c *config) { c.observer = obs }
}

// WithMetrics sets the metrics sink shared by the dispatcher and the
// broadcaster.
func WithMetrics(m observe.MetricsSink) Option {
	return func(c *config) { c.metrics = m }
}

// App wires the core services together. Construct once at process start.
type App struct {
	Sessions  *sessions.Registry
	Wire      *wire.Registry
	Broadcast *broadcast.Broadcaster

	log      *slog.Logger
	observer observe.ErrorObserver
	metrics  observe.MetricsSink
}

// New assembles the registries and the emitter and binds them: destroyed
// sessions release their authorities, and object mutations reach the
// broadcaster.
func New(opts ...Option) *App {
	cfg := &config{
		logger:  slog.Default(),
		store:   memorystore.New(),
		metrics: observe.NopMetrics(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.observer == nil {
		cfg.observer = observe.NewLogObserver(cfg.logger)
	}

	wireReg := wire.NewRegistry()
	sessReg := sessions.NewRegistry(sessions.Config{
		GracePeriod:        cfg.gracePeriod,
		Hooks:              sessions.MultiHooks(cfg.hooks...),
		Store:              cfg.store,
		ReleaseAuthorities: wireReg.ReleaseSession,
		Logger:             cfg.logger,
	})
	bcast := broadcast.New(sessReg, wireReg,
		broadcast.WithErrorObserver(cfg.observer),
		broadcast.WithLogger(cfg.logger),
		broadcast.WithMetrics(cfg.metrics),
	)
	wireReg.Bind(bcast)

	return &App{
		Sessions:  sessReg,
		Wire:      wireReg,
		Broadcast: bcast,
		log:       cfg.logger,
		observer:  cfg.observer,
		metrics:   cfg.metrics,
	}
}

// Register adds objects to the wire registry, stopping at the first error.
func (a *App) Register(objs ...*wire.Object) error {
	for _, obj := range objs {
		if err := a.Wire.Register(obj); err != nil {
			return err
		}
	}
	return nil
}

// Handler builds the HTTP transport for this app. The app's logger, error
// observer and metrics sink are applied first so explicit options win.
func (a *App) Handler(opts ...wirehttp.Option) (*wirehttp.Handler, error) {
	base := []wirehttp.Option{
		wirehttp.WithLogger(a.log),
		wirehttp.WithErrorObserver(a.observer),
		wirehttp.WithMetrics(a.metrics),
	}
	return wirehttp.New(a.Sessions, a.Wire, append(base, opts...)...)
}
