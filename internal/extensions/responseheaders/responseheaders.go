// Package responseheaders applies per-rule header actions to service
// responses.
package responseheaders

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rules"
)

const name = "responseHeaders"

// Extension applies response.headers.
type Extension struct {
	logger *zap.Logger
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	a.OnModifyServiceResponseHeaders.Tap(name, e.apply)
	a.OnMigrateRules.Tap(name, e.migrate)
	return nil
}

func (e *Extension) apply(_ context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponseHead, error) {
	if c.Match.Response == nil || len(c.Match.Response.Headers) == 0 {
		return c, nil
	}
	if c.ServiceResponseHeaders == nil {
		c.ServiceResponseHeaders = headers.New()
	}
	Apply(c.ServiceResponseHeaders, c.Match.Response.Headers, c.Log())
	return c, nil
}

// Apply runs actions against h in header name order.
func Apply(h *headers.Map, actions map[string]config.HeaderAction, log *zap.Logger) {
	for _, header := range slices.Sorted(maps.Keys(actions)) {
		a := actions[header]
		switch a.Action {
		case config.HeaderDrop:
			if !h.Has(header) {
				log.Debug("Header not found in response, nothing to drop", zap.String("header", header))
				continue
			}
			log.Debug("Dropping header from response", zap.String("header", header))
			h.Del(header)
		case config.HeaderSet:
			log.Debug("Setting header", zap.String("header", header), zap.String("value", a.Value))
			h.Set(header, a.Value)
		case config.HeaderSetIfMissing:
			if h.Has(header) {
				log.Debug("Header already exists, not setting", zap.String("header", header))
				continue
			}
			log.Debug("Setting header", zap.String("header", header), zap.String("value", a.Value))
			h.Set(header, a.Value)
		}
	}
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if r.ResponseHeaders == nil {
			return nil
		}
		updated := r.Clone()
		updated.ResponseHeaders = nil
		if resp := updated.EnsureResponse(); resp.Headers == nil {
			resp.Headers = maps.Clone(r.ResponseHeaders)
		}

		e.logger.Warn(`The "responseHeaders" property is deprecated. Please use "response.headers" instead.`,
			zap.Int("rule", i),
			zap.String("option", "responseHeaders"),
		)
		return &updated
	})
}
