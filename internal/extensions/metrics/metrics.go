// Package metrics records request metrics into a Prometheus collector.
package metrics

import (
	"context"
	"time"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/pipeline"
)

// Extension counts completed and unmatched requests.
type Extension struct {
	collector *metrics.Collector
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return "metrics" }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.collector = metrics.NewCollector()
	a.OnResponse.Tap(e.Name(), e.record)
	a.OnConfigMatchNotFound.Tap(e.Name(), func(context.Context, *pipeline.PreConfigMatch) error {
		e.collector.RecordUnmatched()
		return nil
	})
	return nil
}

// Collector returns the collector. It is available after Init.
func (e *Extension) Collector() *metrics.Collector {
	return e.collector
}

func (e *Extension) record(_ context.Context, c *pipeline.Response) error {
	rule := metrics.Unmatched
	if c.Match != nil {
		rule = c.Match.MatchPath()
	}
	var elapsed time.Duration
	if !c.StartedAt.IsZero() {
		elapsed = time.Since(c.StartedAt)
	}
	e.collector.RecordRequest(rule, c.Request.Method, c.ResponseStatusCode, elapsed)
	return nil
}
