package testutil

import (
	"bytes"
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
)

// ProxyHost is the host requests sent by Execute claim to arrive on.
const ProxyHost = "proxy.test"

// Rule binds path to target.
func Rule(path, target string) config.Rule {
	return config.Rule{Target: target, Match: &config.RuleMatch{Path: path}}
}

// Execute runs one request through the full flow of a started app without
// a network listener. path includes the query string.
func Execute(t testing.TB, a *app.App, method, path string, body []byte) (*pipeline.Response, error) {
	t.Helper()
	h := headers.New()
	h.Set("host", ProxyHost)
	c := &pipeline.RequestHeaders{
		Connection: pipeline.Connection{Logger: a.Logger, RemoteAddr: "192.0.2.1:1234", StartedAt: time.Now()},
		Headers:    h,
	}
	return a.Flows.ExecuteRequestResponse(context.Background(), c, &memoryTransport{
		flows:  a.Flows,
		method: method,
		path:   path,
		body:   body,
	})
}

// memoryTransport implements the transport callbacks for Execute.
type memoryTransport struct {
	flows  *pipeline.Flows
	method string
	path   string
	body   []byte
}

func (m *memoryTransport) PrepareRequest(_ context.Context, c *pipeline.RequestHeaders) (pipeline.RequestMetadata, error) {
	host := c.Headers.Get("host")
	return pipeline.RequestMetadata{
		Host:   host,
		Path:   m.path,
		URL:    "http://" + host + m.path,
		Method: m.method,
	}, nil
}

func (m *memoryTransport) PrepareRequestBody(ctx context.Context, c *pipeline.ConfigMatch) (*pipeline.RequestBody, error) {
	return m.flows.CollectRequestBody(ctx, c, bytes.NewReader(m.body))
}

func (m *memoryTransport) PrepareServiceRequestHeaders(_ context.Context, c *pipeline.RequestBody) (*pipeline.ServiceRequest, error) {
	target, err := url.Parse(c.Match.Target)
	if err != nil {
		return nil, err
	}
	return &pipeline.ServiceRequest{
		RequestBody:       *c,
		ServiceRequestURL: c.Match.Target,
		ServiceRequestOptions: pipeline.ServiceRequestOptions{
			Method:  m.method,
			Path:    target.Path,
			Headers: c.Headers.Clone(),
		},
	}, nil
}

func (m *memoryTransport) PrepareServiceRequestBody(_ context.Context, c *pipeline.ServiceRequest) (*pipeline.ServiceCall, error) {
	return &pipeline.ServiceCall{
		ServiceRequest:        *c,
		ServiceRequestHasBody: c.HasBody,
		ServiceRequestBody:    c.Body,
	}, nil
}

func (m *memoryTransport) PrepareResponseHeaders(_ context.Context, c *pipeline.ServiceResponse) (*pipeline.ResponseHead, error) {
	return &pipeline.ResponseHead{
		ServiceResponse:    *c,
		ResponseHeaders:    c.ServiceResponseHeaders,
		ResponseStatusCode: c.ServiceResponseStatusCode,
	}, nil
}

func (m *memoryTransport) PrepareResponseBody(_ context.Context, c *pipeline.ResponseHead) (*pipeline.Response, error) {
	return &pipeline.Response{
		ResponseHead:    *c,
		ResponseHasBody: c.ServiceResponseHasBody,
		ResponseBody:    c.ServiceResponseBody,
	}, nil
}
