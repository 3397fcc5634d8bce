// Package matchpath binds rules to request path prefixes and maps matched
// requests onto their target URLs.
package matchpath

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rules"
)

const name = "matchPath"

// Extension matches requests by path prefix.
type Extension struct {
	logger *zap.Logger
	host   string
	port   int
	rules  func() *rules.Set
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	e.host = a.Config.ListenHost()
	e.port = a.Config.ListenPort()
	e.rules = a.Rules

	a.OnConfigMatch.Tap(name, e.matchPath)
	a.OnModifyServiceRequestHeaders.Tap(name, e.rewriteServiceURL)
	a.OnMigrateRules.Tap(name, e.migrate)
	a.OnStart.Tap(name, e.logBindings)
	return nil
}

func (e *Extension) matchPath(c *pipeline.PreConfigMatch) (*pipeline.ConfigMatch, bool) {
	log := c.Log()
	log.Debug("Trying to match by path", zap.String("path", c.Request.Path))

	rule, ok := c.Rules.Match(c.Request.Path)
	if !ok {
		log.Debug("No match found by path")
		return nil, false
	}

	matched := &pipeline.ConfigMatch{PreConfigMatch: *c, Match: rule}
	matched.Logger = log.With(zap.String("rule", rule.MatchPath()), zap.String("target", rule.Target))
	matched.Logger.Debug("Matched rule by path")
	return matched, true
}

func (e *Extension) rewriteServiceURL(_ context.Context, c *pipeline.ServiceRequest) (*pipeline.ServiceRequest, error) {
	if c.Match.MatchPath() == "" {
		return c, nil
	}
	u, err := e.ResolveServiceURL(&c.ConfigMatch)
	if err != nil {
		return nil, err
	}
	c.ServiceRequestURL = u
	return c, nil
}

// ResolveServiceURL returns the upstream URL for a matched request.
func (e *Extension) ResolveServiceURL(c *pipeline.ConfigMatch) (string, error) {
	u, err := rules.ResolveServiceURL(c.Match, c.Request.URL)
	if err != nil {
		return "", fmt.Errorf("resolving service url for %s: %w", c.Request.URL, err)
	}
	return u, nil
}

// ResolveProxyURL maps an upstream URL served under rule back onto the
// proxy. It reports false when the rule has no match path or the proxy has
// no HTTP port.
func (e *Extension) ResolveProxyURL(rule *config.Rule, targetURL string) (string, bool) {
	if e.port == 0 {
		return "", false
	}
	return rules.ResolveProxyURL(rule, targetURL, e.host, e.port)
}

// ReverseMatch finds the rule serving an upstream URL in the rule set that
// routed c. Without a snapshot it falls back to the current rules.
func (e *Extension) ReverseMatch(c *pipeline.ConfigMatch, location string) (*config.Rule, bool) {
	set := c.Rules
	if set == nil {
		set = e.rules()
	}
	return set.ReverseMatch(location)
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if r.Source == "" {
			return nil
		}
		updated := r.Clone()
		updated.Match = &config.RuleMatch{Path: r.Source}
		updated.Source = ""

		e.logger.Warn(`The "source" property is deprecated. Please use "match.path" instead.`,
			zap.Int("rule", i),
			zap.String("option", "source"),
			zap.String("path", r.Source),
		)
		return &updated
	})
}

func (e *Extension) logBindings(_ context.Context, a *app.App) error {
	for _, r := range a.Rules().Rules() {
		if r.MatchPath() == "" {
			continue
		}
		e.logger.Info(fmt.Sprintf("Binding path %s to service %s", r.MatchPath(), r.Target))
	}
	return nil
}
