// Package cors adds CORS headers to proxied responses and optionally
// answers preflight requests without calling the service.
package cors

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rewrite"
	"github.com/wudi/relay/internal/rules"
)

const name = "cors"

// Extension applies response.cors.
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
	a.OnModifyServiceResponseHeaders.Tap(name, e.addHeaders)
	a.OnServiceCall.Tap(name, e.preflight)
	a.OnMigrateRules.Tap(name, e.migrate)
	return nil
}

// settings returns the rule's CORS options with defaults applied.
func settings(r *config.Rule) (config.CORS, bool) {
	if r == nil || r.Response == nil || !r.Response.CORS.Enabled() {
		return config.CORS{}, false
	}
	s := *r.Response.CORS
	if s.Preflight == "" {
		s.Preflight = config.PreflightAuto
	}
	return s, true
}

func headersFor(c *pipeline.ConfigMatch, mode config.CORSMode, upstream *pipeline.ServiceResponseHead) rewrite.CORSResult {
	in := rewrite.CORSInput{
		Mode:           mode,
		Method:         c.Request.Method,
		URL:            c.Request.URL,
		RequestHeaders: c.Headers,
	}
	if upstream != nil {
		in.UpstreamHeaders = upstream.ServiceResponseHeaders
	}
	res := rewrite.CORSHeaders(in)
	if res.FellBack {
		c.Log().Debug(`cors set to "referer" but no referer header found, falling back to "proxy"`)
	}
	return res
}

func (e *Extension) addHeaders(_ context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponseHead, error) {
	s, ok := settings(c.Match)
	if !ok {
		return c, nil
	}
	res := headersFor(&c.ConfigMatch, s.Mode, c)
	if res.Headers.Len() == 0 {
		return c, nil
	}

	c.Log().Debug("Adding CORS headers",
		zap.String("mode", string(res.AllowedVia)),
		zap.Strings("headers", res.Headers.Keys()),
	)
	if c.ServiceResponseHeaders == nil {
		c.ServiceResponseHeaders = res.Headers
	} else {
		c.ServiceResponseHeaders.Assign(res.Headers)
	}
	if s.Preflight == config.PreflightAuto && res.Preflight {
		c.ServiceResponseStatusCode = http.StatusOK
	}
	return c, nil
}

func (e *Extension) preflight(_ context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponse, bool, error) {
	s, ok := settings(c.Match)
	if !ok || s.Preflight != config.PreflightOn || c.Request.Method != http.MethodOptions {
		return nil, false, nil
	}

	c.Log().Debug("Answering preflight request")
	res := headersFor(&c.ConfigMatch, s.Mode, nil)
	return &pipeline.ServiceResponse{
		ServiceResponseHead: pipeline.ServiceResponseHead{
			ServiceCall:               *c,
			ServiceResponseHeaders:    res.Headers,
			ServiceResponseStatusCode: http.StatusNoContent,
		},
	}, true, nil
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if r.CORS == nil && r.Preflight == nil {
			return nil
		}
		updated := r.Clone()
		updated.CORS, updated.Preflight = nil, nil

		resp := updated.EnsureResponse()
		if resp.CORS == nil {
			migrated := config.CORS{Mode: config.CORSReferer, Preflight: config.PreflightAuto}
			if r.CORS != nil {
				migrated.Mode = r.CORS.Mode
				if r.CORS.Preflight != "" {
					migrated.Preflight = r.CORS.Preflight
				}
			}
			if r.Preflight != nil {
				migrated.Preflight = *r.Preflight
			}
			resp.CORS = &migrated
		}

		e.logger.Warn(`The "cors" and "preflight" properties are deprecated. Please use "response.cors" instead.`,
			zap.Int("rule", i),
			zap.String("option", "cors"),
		)
		return &updated
	})
}
