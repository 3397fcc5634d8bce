// Package testutil builds apps for extension tests. The app it returns has a
// fake upstream service claiming every service call, so extensions can be
// exercised without network access.
package testutil

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/pipeline"
)

// FakeServiceStage is the stage the fake service taps onServiceCall at.
// Real service handlers at lower stages take precedence.
const FakeServiceStage = 10

// Upstream is a canned upstream response.
type Upstream struct {
	StatusCode int
	Headers    *headers.Map
	Body       []byte
}

// DefaultUpstream answers 200 text/plain "test".
func DefaultUpstream() Upstream {
	h := headers.New()
	h.Set("content-type", "text/plain")
	return Upstream{StatusCode: 200, Headers: h, Body: []byte("test")}
}

// FakeService records service calls and answers them with a canned response.
type FakeService struct {
	flows *pipeline.Flows

	mu      sync.Mutex
	calls   []*pipeline.ServiceCall
	respond func(*pipeline.ServiceCall) (Upstream, error)
}

// NewFakeService answers with DefaultUpstream until told otherwise.
func NewFakeService() *FakeService {
	return &FakeService{
		respond: func(*pipeline.ServiceCall) (Upstream, error) { return DefaultUpstream(), nil },
	}
}

func (f *FakeService) Name() string { return "fakeService" }

func (f *FakeService) Init(_ context.Context, a *app.App) error {
	f.flows = a.Flows
	a.OnServiceCall.Tap(f.Name(), func(ctx context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponse, bool, error) {
		f.mu.Lock()
		f.calls = append(f.calls, c)
		respond := f.respond
		f.mu.Unlock()

		up, err := respond(c)
		if err != nil {
			return nil, false, err
		}
		resp, err := f.flows.ExecuteService(ctx, c, &fakeMethods{up: up, flows: f.flows})
		if err != nil {
			return nil, false, err
		}
		return resp, true, nil
	}, hook.WithStage(FakeServiceStage))
	return nil
}

// Respond replaces the canned response.
func (f *FakeService) Respond(up Upstream) {
	f.RespondWith(func(*pipeline.ServiceCall) (Upstream, error) { return up, nil })
}

// RespondWith computes the response per call. An error is propagated as a
// service failure.
func (f *FakeService) RespondWith(fn func(*pipeline.ServiceCall) (Upstream, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

// Calls returns every service call seen so far.
func (f *FakeService) Calls() []*pipeline.ServiceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pipeline.ServiceCall(nil), f.calls...)
}

// LastCall returns the most recent call, or nil.
func (f *FakeService) LastCall() *pipeline.ServiceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeMethods struct {
	up    Upstream
	flows *pipeline.Flows
}

func (m *fakeMethods) PrepareServiceResponseHeaders(_ context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponseHead, error) {
	h := m.up.Headers
	if h == nil {
		h = headers.New()
	} else {
		h = h.Clone()
	}
	status := m.up.StatusCode
	if status == 0 {
		status = 200
	}
	return &pipeline.ServiceResponseHead{
		ServiceCall:               *c,
		ServiceResponseHeaders:    h,
		ServiceResponseStatusCode: status,
	}, nil
}

func (m *fakeMethods) PrepareServiceResponseBody(ctx context.Context, c *pipeline.ServiceResponseHead) (*pipeline.ServiceResponse, error) {
	return m.flows.CollectServiceResponseBody(ctx, c, bytes.NewReader(m.up.Body))
}

// Config returns a default configuration with the given rules and no
// listeners.
func Config(list ...config.Rule) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = 0
	cfg.Socks.Enabled = false
	cfg.Rules = list
	return cfg
}

// NewApp creates an app logging to t with a FakeService queued.
func NewApp(t testing.TB, cfg *config.Config) (*app.App, *FakeService) {
	t.Helper()
	if cfg == nil {
		cfg = Config()
	}
	a := app.New(cfg, zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel)))
	svc := NewFakeService()
	a.Use(svc)
	return a, svc
}

// Start starts a and stops it when the test ends.
func Start(t testing.TB, a *app.App) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("starting app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			t.Errorf("stopping app: %v", err)
		}
	})
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
