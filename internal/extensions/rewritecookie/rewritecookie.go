// Package rewritecookie moves cookies set by a service onto the proxy host.
package rewritecookie

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rewrite"
	"github.com/wudi/relay/internal/rules"
)

const name = "rewriteCookie"

// Extension rewrites the Domain attribute of Set-Cookie headers when
// response.rewrite.cookie is on.
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
	a.OnModifyServiceResponseHeaders.Tap(name, e.rewrite)
	a.OnMigrateRules.Tap(name, e.migrate)
	return nil
}

func (e *Extension) rewrite(_ context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponseHead, error) {
	if !c.Match.ResponseRewrite().Cookie {
		return c, nil
	}
	log := c.Log()
	if c.ServiceResponseHeaders == nil || !c.ServiceResponseHeaders.Has("set-cookie") {
		log.Debug("No cookie to rewrite")
		return c, nil
	}

	target, err := url.Parse(c.Match.Target)
	if err != nil {
		return nil, err
	}
	proxy, err := url.Parse(c.Request.URL)
	if err != nil {
		return nil, err
	}
	from, to := target.Hostname(), proxy.Hostname()

	log.Debug("Rewriting cookie domain", zap.String("from", from), zap.String("to", to))
	c.ServiceResponseHeaders.Update("set-cookie", func(cookie string) string {
		return rewrite.CookieDomain(cookie, from, to)
	})
	return c, nil
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if !r.RewriteCookie {
			return nil
		}
		updated := r.Clone()
		updated.RewriteCookie = false
		updated.EnsureRewrite().Cookie = true

		e.logger.Warn(`The "rewriteCookie" property is deprecated. Please use "response.rewrite.cookie" instead.`,
			zap.Int("rule", i),
			zap.String("option", "rewriteCookie"),
		)
		return &updated
	})
}
