// Package observe holds the process-wide observation contracts shared by the
// transport, the broadcast emitter and the session registry: an error observer
// for failures that are handled locally but still worth surfacing, and a
// metrics sink for optional instrumentation without a hard dependency on any
// metrics library.
package observe

import (
	"context"
	"log/slog"
)

// ErrorObserver receives failures that were fully handled at the boundary
// that detected them. It is informational only; implementations must not use
// it for control flow.
type ErrorObserver interface {
	ObserveError(ctx context.Context, err error)
}

// ErrorObserverFunc adapts a function to the ErrorObserver interface.
type ErrorObserverFunc func(ctx context.Context, err error)

func (f ErrorObserverFunc) ObserveError(ctx context.Context, err error) { f(ctx, err) }

// NewLogObserver returns an ErrorObserver that reports through the given
// slog logger. A nil logger falls back to slog.Default().
func NewLogObserver(log *slog.Logger) ErrorObserver {
	if log == nil {
		log = slog.Default()
	}
	return ErrorObserverFunc(func(ctx context.Context, err error) {
		log.ErrorContext(ctx, "observer.error", slog.String("err", err.Error()))
	})
}

// NopObserver discards all errors.
func NopObserver() ErrorObserver {
	return ErrorObserverFunc(func(context.Context, error) {})
}

// MetricsSink allows optional instrumentation without a hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string)                {}
func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// NopMetrics returns a MetricsSink that drops everything.
func NopMetrics() MetricsSink { return nopMetrics{} }
