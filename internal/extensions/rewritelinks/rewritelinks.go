// Package rewritelinks replaces absolute links to a rule's target in
// response bodies with links to the proxy.
package rewritelinks

import (
	"context"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/decodebody"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/rewrite"
)

// Stage runs after the body was decoded.
const Stage = 2

const name = "rewriteLinksInResponse"

// Extension applies response.rewrite.linksInResponse.
type Extension struct {
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
	e.rewriter = &rewrite.ResponseRewriter{
		Processors: rewrite.LinkProcessors(),
		Option: func(r *config.Rule) *config.BodyRewrite {
			return r.ResponseRewrite().LinksInResponse
		},
	}
	a.OnModifyServiceResponseBody.Tap(name, e.rewriter.Rewrite, hook.WithStage(Stage))
	return nil
}

// Stats returns processor counters.
func (e *Extension) Stats() map[string]interface{} {
	return e.rewriter.Processors.Stats()
}
