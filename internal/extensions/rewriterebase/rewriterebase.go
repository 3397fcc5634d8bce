// Package rewriterebase rewrites response bodies so that root-relative
// references resolve under the rule's match path.
package rewriterebase

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/decodebody"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/rewrite"
	"github.com/wudi/relay/internal/rules"
)

// Stage runs after the body was decoded.
const Stage = 2

const name = "rewriteRebase"

// Extension applies response.rewrite.rebase.
type Extension struct {
	logger   *zap.Logger
	rewriter *rewrite.ResponseRewriter
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Dependencies() []app.Extension {
	return []app.Extension{decodebody.New()}
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	e.rewriter = &rewrite.ResponseRewriter{
		Processors: rewrite.RebaseProcessors(),
		Option: func(r *config.Rule) *config.BodyRewrite {
			return r.ResponseRewrite().Rebase
		},
	}
	a.OnModifyServiceResponseBody.Tap(name, e.rewriter.Rewrite, hook.WithStage(Stage))
	a.OnMigrateRules.Tap(name, e.migrate)
	return nil
}

// Stats returns processor counters.
func (e *Extension) Stats() map[string]interface{} {
	return e.rewriter.Processors.Stats()
}

func (e *Extension) migrate(_ context.Context, set *rules.Set) error {
	return set.Migrate(func(i int, r *config.Rule) *config.Rule {
		if r.RewriteBody == nil {
			return nil
		}
		updated := r.Clone()
		legacy := updated.RewriteBody
		updated.RewriteBody = nil
		if rw := updated.EnsureRewrite(); rw.Rebase == nil {
			rw.Rebase = legacy
		}

		e.logger.Warn(`The "rewriteBody" property is deprecated. Please use "response.rewrite.rebase" instead.`,
			zap.Int("rule", i),
			zap.String("option", "rewriteBody"),
		)
		return &updated
	})
}
