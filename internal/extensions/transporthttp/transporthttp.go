// Package transporthttp calls upstream services over HTTP.
package transporthttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/proxy"
)

// Stage leaves room for handlers that want to answer before the upstream is
// called.
const Stage = 2

const name = "transportHttp"

// Extension sends service calls upstream. Redirects are returned to the
// caller, never followed.
type Extension struct {
	flows     *pipeline.Flows
	logger    *zap.Logger
	transport *http.Transport
	rt        http.RoundTripper
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.flows = a.Flows
	e.logger = a.ExtensionLogger(e)

	tr, err := proxy.NewTransport(proxy.MergeTransportConfig(proxy.DefaultTransportConfig, a.Config.Transport))
	if err != nil {
		return err
	}
	e.transport = tr
	e.rt = otelhttp.NewTransport(tr)

	a.OnServiceCall.Tap(name, e.serviceCall, hook.WithStage(Stage))
	a.OnStop.Tap(name, func(context.Context, *app.App) error {
		e.transport.CloseIdleConnections()
		return nil
	})
	return nil
}

func (e *Extension) serviceCall(ctx context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponse, bool, error) {
	log := c.Log()
	log.Debug("Sending request to service",
		zap.String("url", c.ServiceRequestURL),
		zap.String("method", c.ServiceRequestOptions.Method),
	)

	req, err := NewRequest(ctx, c)
	if err != nil {
		return nil, false, err
	}
	resp, err := e.rt.RoundTrip(req)
	if err != nil {
		return nil, false, fmt.Errorf("calling service %s: %w", c.ServiceRequestURL, err)
	}
	defer resp.Body.Close()

	out, err := e.flows.ExecuteService(ctx, c, &response{flows: e.flows, resp: resp})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// NewRequest builds the upstream request for a service call. A "host"
// entry of the header map becomes the request's Host.
func NewRequest(ctx context.Context, c *pipeline.ServiceCall) (*http.Request, error) {
	method := c.ServiceRequestOptions.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if c.ServiceRequestHasBody {
		body = bytes.NewReader(c.ServiceRequestBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ServiceRequestURL, body)
	if err != nil {
		return nil, fmt.Errorf("building service request: %w", err)
	}

	h := headers.New()
	if c.ServiceRequestOptions.Headers != nil {
		h = c.ServiceRequestOptions.Headers.Clone()
	}
	host := h.Get("host")
	h.Del("host")
	h.Del("content-length")
	proxy.RemoveHopHeaders(h)

	req.Header = h.HTTP()
	if host != "" {
		req.Host = host
	}
	return req, nil
}

type response struct {
	flows *pipeline.Flows
	resp  *http.Response
}

func (r *response) PrepareServiceResponseHeaders(_ context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponseHead, error) {
	return &pipeline.ServiceResponseHead{
		ServiceCall:               *c,
		ServiceResponseHeaders:    headers.FromHTTP(r.resp.Header),
		ServiceResponseStatusCode: r.resp.StatusCode,
	}, nil
}

func (r *response) PrepareServiceResponseBody(ctx context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponse, error) {
	return r.flows.CollectServiceResponseBody(ctx, c, r.resp.Body)
}
