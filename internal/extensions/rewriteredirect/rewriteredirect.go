// Package rewriteredirect maps redirects issued by a service back onto the
// proxy, so clients stay on the proxy after following them.
package rewriteredirect

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/matchpath"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rules"
)

const name = "rewriteRedirect"

// Extension rewrites Location headers when response.rewrite.redirects is on.
type Extension struct {
	logger  *zap.Logger
	matcher *matchpath.Extension
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Dependencies() []app.Extension {
	return []app.Extension{matchpath.New()}
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	e.matcher = app.Get[*matchpath.Extension](a)
	a.OnModifyServiceResponseHeaders.Tap(name, e.rewrite)
	a.OnMigrateRules.Tap(name, e.migrate)
	return nil
}

func (e *Extension) rewrite(_ context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponseHead, error) {
	if !c.Match.ResponseRewrite().Redirects || c.ServiceResponseHeaders == nil {
		return c, nil
	}
	location := c.ServiceResponseHeaders.Get("location")
	if location == "" {
		return c, nil
	}
	log := c.Log()

	if strings.HasPrefix(location, "/") {
		resolved, err := resolveReference(c.Match.Target, location)
		if err != nil {
			log.Debug("Cannot resolve redirect", zap.String("location", location), zap.Error(err))
			return c, nil
		}
		location = resolved
	}

	rule, ok := e.matcher.ReverseMatch(&c.ConfigMatch, location)
	if !ok {
		return c, nil
	}
	rewritten, ok := e.matcher.ResolveProxyURL(rule, location)
	if !ok {
		log.Debug("Cannot rewrite redirect, no inverse url for rule",
			zap.String("location", location),
			zap.String("rule", rule.MatchPath()),
		)
		return c, nil
	}

	log.Debug("Rewriting redirect", zap.String("from", location), zap.String("to", rewritten))
	c.ServiceResponseHeaders.Set("location", rewritten)
	return c, nil
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if !r.RewriteRedirects {
			return nil
		}
		updated := r.Clone()
		updated.RewriteRedirects = false
		updated.EnsureRewrite().Redirects = true

		e.logger.Warn(`The "rewriteRedirects" property is deprecated. Please use "response.rewrite.redirects" instead.`,
			zap.Int("rule", i),
			zap.String("option", "rewriteRedirects"),
		)
		return &updated
	})
}
