// Package requestid tags every request with an x-request-id.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/pipeline"
)

func init() {
	uuid.EnableRandPool()
}

// Header carries the request ID to the service and back to the client.
const Header = "x-request-id"

// Stage runs before any other request header handler so that their logs
// carry the ID.
const Stage = -10

// Extension keeps an incoming x-request-id or generates one.
type Extension struct {
	// Generator creates new IDs. Defaults to random UUIDs.
	Generator func() string
}

// New creates the extension.
func New() *Extension {
	return &Extension{Generator: func() string { return uuid.New().String() }}
}

func (e *Extension) Name() string { return "requestId" }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	a.OnRequestHeaders.Tap(e.Name(), e.assign, hook.WithStage(Stage))
	a.OnModifyResponseHeaders.Tap(e.Name(), echo)
	return nil
}

func (e *Extension) assign(_ context.Context, c *pipeline.RequestHeaders) (*pipeline.RequestHeaders, error) {
	id := c.Headers.Get(Header)
	if id == "" {
		id = e.Generator()
		c.Headers.Set(Header, id)
	}
	c.Logger = c.Log().With(zap.String("request_id", id))
	return c, nil
}

func echo(_ context.Context, c *pipeline.ResponseHead) (*pipeline.ResponseHead, error) {
	id := c.Headers.Get(Header)
	if id == "" || c.ResponseHeaders == nil {
		return c, nil
	}
	c.ResponseHeaders.Set(Header, id)
	return c, nil
}
