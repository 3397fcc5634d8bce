// Package sethost sets the Host header of upstream requests.
package sethost

import (
	"context"
	"fmt"
	"net/url"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/pipeline"
)

// Stage runs after the service URL is final.
const Stage = 2

// Extension sets the Host header to the target host, or to the value of the
// rule's request.setHost.to.
type Extension struct{}

// New creates the extension.
func New() *Extension { return &Extension{} }

func (e *Extension) Name() string { return "setHost" }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	a.OnModifyServiceRequestHeaders.Tap(e.Name(), setHost, hook.WithStage(Stage))
	return nil
}

func setHost(_ context.Context, c *pipeline.ServiceRequest) (*pipeline.ServiceRequest, error) {
	host := ""
	if r := c.Match.Request; r != nil && r.SetHost != nil && r.SetHost.To != "" {
		host = r.SetHost.To
	} else {
		u, err := url.Parse(c.ServiceRequestURL)
		if err != nil {
			return nil, fmt.Errorf("parsing service url: %w", err)
		}
		host = u.Host
	}

	if c.ServiceRequestOptions.Headers == nil {
		c.ServiceRequestOptions.Headers = headers.New()
	}
	c.ServiceRequestOptions.Headers.Set("host", host)
	return c, nil
}
