// Package observability carries kazi's Prometheus metrics, OpenTelemetry
// tracing and readiness checks. Metrics and tracing are optional; every
// observer method is safe on a nil collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/config"
)

// Observability bundles the enabled components. Metrics and Tracer are nil
// when disabled; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

func New(ctx context.Context, cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
		logger.Debug("metrics enabled", slog.String("path", cfg.Metrics.Path))
	}

	ts, err := NewTracerSetup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	if ts != nil {
		obs.Tracer = ts
		logger.Info("tracing enabled",
			slog.String("endpoint", cfg.Tracing.Endpoint),
			slog.String("protocol", cfg.Tracing.Protocol),
			slog.Float64("sample_rate", cfg.Tracing.SampleRate),
		)
	}
	return obs, nil
}

// Shutdown flushes the tracer.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

// TracerOrNoop never returns nil.
func (o *Observability) TracerOrNoop() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracer.Tracer()
}
