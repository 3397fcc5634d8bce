package testutil

import (
	"context"
	"testing"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
)

// Register creates an app for cfg and initializes ext and its dependencies
// without starting it.
func Register(t testing.TB, cfg *config.Config, ext app.Extension) *app.App {
	t.Helper()
	a, _ := NewApp(t, cfg)
	if _, err := a.Register(context.Background(), ext); err != nil {
		t.Fatalf("registering %s: %v", ext.Name(), err)
	}
	return a
}

// ServiceResponseHead builds a post-service context for a request to
// requestURL matched by rule.
func ServiceResponseHead(a *app.App, rule *config.Rule, method, requestURL string, req, resp *headers.Map) *pipeline.ServiceResponseHead {
	if req == nil {
		req = headers.New()
	}
	if resp == nil {
		resp = headers.New()
	}
	c := &pipeline.ServiceResponseHead{
		ServiceResponseHeaders:    resp,
		ServiceResponseStatusCode: 200,
	}
	c.Logger = a.Logger
	c.Headers = req
	c.Rules = a.Rules()
	c.Request = pipeline.RequestMetadata{URL: requestURL, Method: method}
	c.Match = rule
	return c
}

// ServiceResponse builds a post-service context carrying body.
func ServiceResponse(a *app.App, rule *config.Rule, requestURL string, resp *headers.Map, body []byte) *pipeline.ServiceResponse {
	return &pipeline.ServiceResponse{
		ServiceResponseHead:    *ServiceResponseHead(a, rule, "GET", requestURL, nil, resp),
		ServiceResponseHasBody: true,
		ServiceResponseBody:    body,
	}
}
