// Package tracing enables OpenTelemetry tracing for the proxy. Inbound and
// outbound HTTP spans come from the otelhttp wrappers of the transports;
// this extension installs the provider and annotates spans with the
// matched rule.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/tracing"
)

// TraceHeader returns the trace ID to clients.
const TraceHeader = "x-trace-id"

// Extension owns the process tracer.
type Extension struct {
	opts   []tracing.Option
	tracer *tracing.Tracer
}

// New creates the extension. Options are passed to tracing.New.
func New(opts ...tracing.Option) *Extension {
	return &Extension{opts: opts}
}

func (e *Extension) Name() string { return "tracing" }

func (e *Extension) Init(ctx context.Context, a *app.App) error {
	logger := a.ExtensionLogger(e)
	tr, err := tracing.New(ctx, a.Config.Tracing, e.opts...)
	if err != nil {
		return err
	}
	e.tracer = tr
	if !tr.Enabled() {
		logger.Debug("Tracing disabled by configuration")
		return nil
	}
	logger.Info("Tracing enabled",
		zap.String("endpoint", a.Config.Tracing.Endpoint),
		zap.Float64("sample_rate", a.Config.Tracing.SampleRate),
	)

	a.OnConfigMatchFound.Tap(e.Name(), annotate)
	a.OnModifyResponseHeaders.Tap(e.Name(), traceID)
	a.OnStop.Tap(e.Name(), func(ctx context.Context, _ *app.App) error {
		return e.tracer.Shutdown(ctx)
	})
	return nil
}

// Tracer returns the tracer. It is available after Init.
func (e *Extension) Tracer() *tracing.Tracer {
	return e.tracer
}

func annotate(ctx context.Context, c *pipeline.ConfigMatch) (*pipeline.ConfigMatch, error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("relay.rule.path", c.Match.MatchPath()),
			attribute.String("relay.rule.target", c.Match.Target),
		)
	}
	return c, nil
}

func traceID(ctx context.Context, c *pipeline.ResponseHead) (*pipeline.ResponseHead, error) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() && c.ResponseHeaders != nil {
		c.ResponseHeaders.Set(TraceHeader, sc.TraceID().String())
	}
	return c, nil
}
