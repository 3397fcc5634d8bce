// Package inputhttp is the inbound HTTP transport. It accepts client
// requests, runs them through the request/response flow and writes the
// result back.
package inputhttp

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/extensions/matchpath"
	"github.com/wudi/relay/internal/extensions/sethost"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/listener"
	"github.com/wudi/relay/internal/middleware"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/proxy"
)

const name = "inputHttp"

// Extension serves the proxy over HTTP.
type Extension struct {
	app      *app.App
	logger   *zap.Logger
	handler  http.Handler
	listener *listener.HTTPListener
	maxBody  int64

	mu      sync.RWMutex
	upgrade http.Handler
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Dependencies() []app.Extension {
	return []app.Extension{sethost.New(), matchpath.New()}
}

func (e *Extension) BindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.IntVarP(&cfg.HTTP.Port, "port", "p", cfg.HTTP.Port, "The port to run the HTTP proxy on")
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.app = a
	e.logger = a.ExtensionLogger(e)
	e.maxBody = a.Config.HTTP.MaxBodyBytes
	e.handler = middleware.NewChain(
		middleware.Recovery(e.logger),
		middleware.AccessLog(e.logger),
	).Then(otelhttp.NewHandler(http.HandlerFunc(e.serveHTTP), "relay",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "proxy " + r.Method
		}),
	))

	addr := a.Config.HTTPAddress()
	if addr == "" {
		e.logger.Info("HTTP transport disabled by configuration")
		return nil
	}

	cfg := a.Config.HTTP
	e.listener = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:                "http",
		Address:           addr,
		Handler:           e.handler,
		Logger:            e.logger,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	})
	e.listener.Server().ConnContext = ConnContext
	return a.Listeners.Add(e.listener)
}

// ConnContext attaches per-connection state to ctx. Servers that serve
// Handler should install it so the connection hook runs once per client
// connection instead of once per request.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, &connState{startedAt: time.Now()})
}

// Handler returns the proxy handler. It is available after Init.
func (e *Extension) Handler() http.Handler {
	return e.handler
}

// Addr returns the address the HTTP listener is bound to, or "" when the
// transport is disabled.
func (e *Extension) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr()
}

// SetUpgradeHandler routes protocol upgrade requests to h.
func (e *Extension) SetUpgradeHandler(h http.Handler) {
	e.mu.Lock()
	e.upgrade = h
	e.mu.Unlock()
}

// IsUpgrade reports whether r asks for a protocol upgrade.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range headers.SplitList(r.Header.Get("Connection")) {
		if strings.EqualFold(token, "upgrade") {
			return true
		}
	}
	return false
}

type connKey struct{}

// connState runs the connection hook once per client connection, before
// its first request is processed.
type connState struct {
	startedAt time.Time
	once      sync.Once
	err       error
}

func (e *Extension) onConnection(r *http.Request, log *zap.Logger) error {
	cs, ok := r.Context().Value(connKey{}).(*connState)
	if !ok {
		cs = &connState{startedAt: time.Now()}
	}
	cs.once.Do(func() {
		cs.err = e.app.OnConnection.Call(r.Context(), &pipeline.Connection{
			Logger:     log,
			RemoteAddr: r.RemoteAddr,
			StartedAt:  cs.startedAt,
		})
	})
	return cs.err
}

// NewRequestHeaders builds the first routing context for r. The Host header
// is part of the header map.
func NewRequestHeaders(r *http.Request, log *zap.Logger) *pipeline.RequestHeaders {
	h := headers.New()
	h.Set("host", r.Host)
	h.Assign(headers.FromHTTP(r.Header))
	return &pipeline.RequestHeaders{
		Connection: pipeline.Connection{
			Logger:     log,
			RemoteAddr: r.RemoteAddr,
			StartedAt:  time.Now(),
		},
		Headers: h,
	}
}

func (e *Extension) serveHTTP(w http.ResponseWriter, r *http.Request) {
	log := e.app.Logger.With(zap.String("method", r.Method), zap.String("url", r.RequestURI))

	if err := e.onConnection(r, log); err != nil {
		e.writeError(w, log, err)
		return
	}

	if IsUpgrade(r) {
		e.mu.RLock()
		up := e.upgrade
		e.mu.RUnlock()
		if up != nil {
			up.ServeHTTP(w, r)
			return
		}
	}

	if e.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, e.maxBody)
	}

	log.Debug("Incoming HTTP request", zap.Any("headers", r.Header))

	resp, err := e.app.Flows.ExecuteRequestResponse(r.Context(), NewRequestHeaders(r, log), NewTransport(e.app.Flows, r))
	if err != nil {
		e.writeError(w, log, err)
		return
	}
	WriteResponse(w, resp)
}

func (e *Extension) writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	if early, ok := errors.AsEarlyResponse(err); ok {
		early.WriteTo(w)
		return
	}
	if stderrors.Is(err, context.Canceled) {
		log.Debug("Client went away", zap.Error(err))
	} else {
		log.Error("Proxy request failed", zap.Error(err))
	}
	errors.ErrProxy.WriteTo(w)
}

// WriteResponse writes the final routing context to w. Hop-by-hop headers
// are dropped and Content-Length follows the body actually written.
func WriteResponse(w http.ResponseWriter, resp *pipeline.Response) {
	h := headers.New()
	if resp.ResponseHeaders != nil {
		h = resp.ResponseHeaders.Clone()
	}
	proxy.RemoveHopHeaders(h)
	if resp.ResponseHasBody {
		h.Set("content-length", strconv.Itoa(len(resp.ResponseBody)))
	}

	h.WriteTo(w.Header())
	w.WriteHeader(resp.ResponseStatusCode)
	if resp.ResponseHasBody {
		w.Write(resp.ResponseBody)
	}
}

// Transport implements the inbound callbacks of the request flow for one
// HTTP request.
type Transport struct {
	flows *pipeline.Flows
	req   *http.Request
}

// NewTransport creates the transport callbacks for r.
func NewTransport(flows *pipeline.Flows, r *http.Request) *Transport {
	return &Transport{flows: flows, req: r}
}

func (t *Transport) PrepareRequest(_ context.Context, c *pipeline.RequestHeaders) (pipeline.RequestMetadata, error) {
	host := c.Headers.Get("host")
	if host == "" {
		host = t.req.Host
	}
	return pipeline.RequestMetadata{
		Host:   host,
		Path:   t.req.RequestURI,
		URL:    "http://" + host + t.req.RequestURI,
		Method: t.req.Method,
	}, nil
}

func (t *Transport) PrepareRequestBody(ctx context.Context, c *pipeline.ConfigMatch) (*pipeline.RequestBody, error) {
	body, err := t.flows.CollectRequestBody(ctx, c, t.req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.Bail(http.StatusRequestEntityTooLarge)
		}
		return nil, err
	}
	return body, nil
}

func (t *Transport) PrepareServiceRequestHeaders(_ context.Context, c *pipeline.RequestBody) (*pipeline.ServiceRequest, error) {
	target, err := url.Parse(c.Match.Target)
	if err != nil {
		return nil, fmt.Errorf("parsing target: %w", err)
	}
	return &pipeline.ServiceRequest{
		RequestBody:       *c,
		ServiceRequestURL: c.Match.Target,
		ServiceRequestOptions: pipeline.ServiceRequestOptions{
			Method:  t.req.Method,
			Path:    target.Path,
			Headers: c.Headers.Clone(),
		},
	}, nil
}

func (t *Transport) PrepareServiceRequestBody(_ context.Context, c *pipeline.ServiceRequest) (*pipeline.ServiceCall, error) {
	call := &pipeline.ServiceCall{ServiceRequest: *c}
	if c.HasBody {
		call.ServiceRequestHasBody = true
		call.ServiceRequestBody = c.Body
	}
	return call, nil
}

func (t *Transport) PrepareResponseHeaders(_ context.Context, c *pipeline.ServiceResponse) (*pipeline.ResponseHead, error) {
	return &pipeline.ResponseHead{
		ServiceResponse:    *c,
		ResponseHeaders:    c.ServiceResponseHeaders,
		ResponseStatusCode: c.ServiceResponseStatusCode,
	}, nil
}

func (t *Transport) PrepareResponseBody(_ context.Context, c *pipeline.ResponseHead) (*pipeline.Response, error) {
	resp := &pipeline.Response{ResponseHead: *c}
	if c.ServiceResponseHasBody {
		resp.ResponseHasBody = true
		resp.ResponseBody = c.ServiceResponseBody
	}
	return resp, nil
}
