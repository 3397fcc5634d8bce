// Package matchreferer routes requests for absolute paths, such as
// "/static/app.js" requested by a page served under "/proxy", to the rule
// that served the referring page.
package matchreferer

import (
	"context"
	"net/url"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rules"
)

// Stage runs after direct matchers had their chance.
const Stage = 2

const name = "matchAbsolutePathsByReferer"

// Extension matches by the Referer header when the path itself matches
// nothing.
type Extension struct {
	logger *zap.Logger
	match  *hook.Bail[*pipeline.PreConfigMatch, *pipeline.ConfigMatch]
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) BindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.BoolVar(&cfg.MatchAbsolutePathsByReferer, "match-absolute-paths-by-referer", cfg.MatchAbsolutePathsByReferer,
		"Match absolute paths by the referer of the request")
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	e.match = a.OnConfigMatch

	a.OnMigrateRules.Tap(name, e.migrate)

	if !a.Config.MatchAbsolutePathsByReferer {
		e.logger.Info("Matching absolute paths by referer is disabled by configuration")
		return nil
	}
	a.OnConfigMatch.Tap(name, e.matchReferer, hook.WithStage(Stage))
	return nil
}

func (e *Extension) matchReferer(c *pipeline.PreConfigMatch) (*pipeline.ConfigMatch, bool) {
	referer := c.Headers.Get("referer")
	if referer == "" || c.Request.IsRebasing {
		return nil, false
	}
	ref, err := url.Parse(referer)
	if err != nil || !ref.IsAbs() {
		c.Log().Debug("Ignoring unusable referer", zap.String("referer", referer))
		return nil, false
	}

	log := c.Log().With(zap.String("referer", referer))
	log.Debug("Trying to match path by referer")

	byReferer := *c
	byReferer.Logger = log
	byReferer.Request.IsRebasing = true
	byReferer.Request.URL = referer
	byReferer.Request.Path = ref.EscapedPath()

	found, ok := e.match.Call(&byReferer)
	if !ok {
		return nil, false
	}
	log.Debug("Matched path by referer", zap.String("rule", found.Match.MatchPath()))

	matched := &pipeline.ConfigMatch{PreConfigMatch: *c, Match: found.Match}
	matched.Logger = log
	return matched, true
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if !r.RebaseAbsolutePathsByReferer {
			return nil
		}
		updated := r.Clone()
		updated.RebaseAbsolutePathsByReferer = false

		e.logger.Warn("This option is now enabled by default for all paths. "+
			"It can be disabled globally with --match-absolute-paths-by-referer=false",
			zap.Int("rule", i),
			zap.String("option", "rebaseAbsolutePathsByReferer"),
		)
		return &updated
	})
}
