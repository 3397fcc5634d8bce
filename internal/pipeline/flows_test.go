package pipeline

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/rules"
)

// recorder collects the names of the stages a request passed through.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

func record[T any](rec *recorder, name string) hook.WaterfallFunc[T] {
	return func(_ context.Context, v T) (T, error) {
		rec.add(name)
		return v, nil
	}
}

// fakeTransport mirrors what an inbound HTTP transport does.
type fakeTransport struct {
	flows *Flows
	rec   *recorder
	body  io.Reader
}

func (t *fakeTransport) PrepareRequest(_ context.Context, c *RequestHeaders) (RequestMetadata, error) {
	t.rec.add("prepareRequest")
	return RequestMetadata{Host: "localhost", Path: "/proxy/a", URL: "http://localhost/proxy/a", Method: "POST"}, nil
}

func (t *fakeTransport) PrepareRequestBody(ctx context.Context, c *ConfigMatch) (*RequestBody, error) {
	t.rec.add("prepareRequestBody")
	return t.flows.CollectRequestBody(ctx, c, t.body)
}

func (t *fakeTransport) PrepareServiceRequestHeaders(_ context.Context, c *RequestBody) (*ServiceRequest, error) {
	t.rec.add("prepareServiceRequestHeaders")
	return &ServiceRequest{
		RequestBody:       *c,
		ServiceRequestURL: c.Match.Target,
		ServiceRequestOptions: ServiceRequestOptions{
			Method:  c.Request.Method,
			Headers: c.Headers.Clone(),
		},
	}, nil
}

func (t *fakeTransport) PrepareServiceRequestBody(_ context.Context, c *ServiceRequest) (*ServiceCall, error) {
	t.rec.add("prepareServiceRequestBody")
	return &ServiceCall{ServiceRequest: *c, ServiceRequestHasBody: c.HasBody, ServiceRequestBody: c.Body}, nil
}

func (t *fakeTransport) PrepareResponseHeaders(_ context.Context, c *ServiceResponse) (*ResponseHead, error) {
	t.rec.add("prepareResponseHeaders")
	return &ResponseHead{ServiceResponse: *c, ResponseHeaders: c.ServiceResponseHeaders, ResponseStatusCode: c.ServiceResponseStatusCode}, nil
}

func (t *fakeTransport) PrepareResponseBody(_ context.Context, c *ResponseHead) (*Response, error) {
	t.rec.add("prepareResponseBody")
	return &Response{ResponseHead: *c, ResponseHasBody: c.ServiceResponseHasBody, ResponseBody: c.ServiceResponseBody}, nil
}

// fakeService mirrors what an outbound client does.
type fakeService struct {
	flows *Flows
	rec   *recorder
	body  string
}

func (s *fakeService) PrepareServiceResponseHeaders(_ context.Context, c *ServiceCall) (*ServiceResponseHead, error) {
	s.rec.add("prepareServiceResponseHeaders")
	h := headers.New()
	h.Set("content-type", "text/plain")
	return &ServiceResponseHead{ServiceCall: *c, ServiceResponseHeaders: h, ServiceResponseStatusCode: http.StatusOK}, nil
}

func (s *fakeService) PrepareServiceResponseBody(ctx context.Context, c *ServiceResponseHead) (*ServiceResponse, error) {
	s.rec.add("prepareServiceResponseBody")
	return s.flows.CollectServiceResponseBody(ctx, c, strings.NewReader(s.body))
}

type fixture struct {
	hooks     *Hooks
	flows     *Flows
	rec       *recorder
	transport *fakeTransport
	service   *fakeService
}

func newFixture(t *testing.T, list ...config.Rule) *fixture {
	t.Helper()
	set := rules.New(list)
	set.Freeze()

	h := NewHooks()
	f := NewFlows(h, func() *rules.Set { return set }, zaptest.NewLogger(t))
	rec := &recorder{}
	fx := &fixture{
		hooks:     h,
		flows:     f,
		rec:       rec,
		transport: &fakeTransport{flows: f, rec: rec, body: strings.NewReader("ping")},
		service:   &fakeService{flows: f, rec: rec, body: "pong"},
	}

	h.OnConfigMatch.Tap("match", func(c *PreConfigMatch) (*ConfigMatch, bool) {
		rec.add("onConfigMatch")
		r, ok := c.Rules.Match(c.Request.Path)
		if !ok {
			return nil, false
		}
		return &ConfigMatch{PreConfigMatch: *c, Match: r}, true
	})
	h.OnServiceCall.Tap("service", func(ctx context.Context, c *ServiceCall) (*ServiceResponse, bool, error) {
		rec.add("onServiceCall")
		resp, err := f.ExecuteService(ctx, c, fx.service)
		return resp, err == nil, err
	})
	return fx
}

func (fx *fixture) run(ctx context.Context) (*Response, error) {
	return fx.flows.ExecuteRequestResponse(ctx, &RequestHeaders{
		Connection: Connection{Logger: zap.NewNop()},
		Headers:    headers.New(),
	}, fx.transport)
}

func proxyRule() config.Rule {
	return config.Rule{Target: "http://svc", Match: &config.RuleMatch{Path: "/proxy"}}
}

func TestFlowOrder(t *testing.T) {
	fx := newFixture(t, proxyRule())
	h, rec := fx.hooks, fx.rec

	h.OnRequestHeaders.Tap("t", record[*RequestHeaders](rec, "onRequestHeaders"))
	h.OnPreConfigMatch.Tap("t", record[*PreConfigMatch](rec, "onPreConfigMatch"))
	h.OnConfigMatchFound.Tap("t", record[*ConfigMatch](rec, "onConfigMatchFound"))
	h.OnModifyRequestHeaders.Tap("t", record[*ConfigMatch](rec, "onModifyRequestHeaders"))
	h.OnRequestBodyChunk.Tap("t", record[*RequestBodyChunk](rec, "onRequestBodyChunk"))
	h.OnModifyRequestBody.Tap("t", record[*RequestBody](rec, "onModifyRequestBody"))
	h.OnPreServiceCall.Tap("t", record[*RequestBody](rec, "onPreServiceCall"))
	h.OnModifyServiceRequestHeaders.Tap("t", record[*ServiceRequest](rec, "onModifyServiceRequestHeaders"))
	h.OnModifyServiceRequestBody.Tap("t", record[*ServiceCall](rec, "onModifyServiceRequestBody"))
	h.OnServiceResponseHeaders.Tap("t", record[*ServiceResponseHead](rec, "onServiceResponseHeaders"))
	h.OnModifyServiceResponseHeaders.Tap("t", record[*ServiceResponseHead](rec, "onModifyServiceResponseHeaders"))
	h.OnServiceResponseBodyChunk.Tap("t", record[*ServiceResponseBodyChunk](rec, "onServiceResponseBodyChunk"))
	h.OnModifyServiceResponseBody.Tap("t", record[*ServiceResponse](rec, "onModifyServiceResponseBody"))
	h.OnPostServiceCall.Tap("t", record[*ServiceResponse](rec, "onPostServiceCall"))
	h.OnModifyResponseHeaders.Tap("t", record[*ResponseHead](rec, "onModifyResponseHeaders"))
	h.OnModifyResponseBody.Tap("t", record[*Response](rec, "onModifyResponseBody"))
	h.OnResponse.Tap("t", func(context.Context, *Response) error {
		rec.add("onResponse")
		return nil
	})

	resp, err := fx.run(context.Background())
	if err != nil {
		t.Fatalf("ExecuteRequestResponse() error: %v", err)
	}

	want := strings.Join([]string{
		"onRequestHeaders",
		"prepareRequest",
		"onPreConfigMatch",
		"onConfigMatch",
		"onConfigMatchFound",
		"onModifyRequestHeaders",
		"prepareRequestBody",
		"onRequestBodyChunk",
		"onModifyRequestBody",
		"onPreServiceCall",
		"prepareServiceRequestHeaders",
		"onModifyServiceRequestHeaders",
		"prepareServiceRequestBody",
		"onModifyServiceRequestBody",
		"onServiceCall",
		"prepareServiceResponseHeaders",
		"onServiceResponseHeaders",
		"onModifyServiceResponseHeaders",
		"prepareServiceResponseBody",
		"onServiceResponseBodyChunk",
		"onModifyServiceResponseBody",
		"onPostServiceCall",
		"prepareResponseHeaders",
		"onModifyResponseHeaders",
		"prepareResponseBody",
		"onModifyResponseBody",
		"onResponse",
	}, ",")
	if got := rec.String(); got != want {
		t.Errorf("stage order:\n got  %s\n want %s", got, want)
	}

	if resp.ResponseStatusCode != http.StatusOK || string(resp.ResponseBody) != "pong" {
		t.Errorf("response = %d %q", resp.ResponseStatusCode, resp.ResponseBody)
	}
	// earlier stages stay readable on the final context
	if resp.Match.Target != "http://svc" || string(resp.Body) != "ping" || resp.Request.Path != "/proxy/a" {
		t.Errorf("context lost earlier fields: %+v", resp.ConfigMatch)
	}
}

func TestFlowNoMatch(t *testing.T) {
	fx := newFixture(t, config.Rule{Target: "http://svc", Match: &config.RuleMatch{Path: "/elsewhere"}})

	notFound := make(chan string, 2)
	for _, name := range []string{"a", "b"} {
		name := name
		fx.hooks.OnConfigMatchNotFound.Tap(name, func(_ context.Context, c *PreConfigMatch) error {
			notFound <- name
			return nil
		})
	}

	_, err := fx.run(context.Background())
	early, ok := errors.AsEarlyResponse(err)
	if !ok || early.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 early response", err)
	}
	if len(notFound) != 2 {
		t.Errorf("not-found observers called %d times, want 2", len(notFound))
	}
	if strings.Contains(fx.rec.String(), "onServiceCall") {
		t.Error("service was called for an unmatched request")
	}
}

func TestFlowEarlyResponseStopsFlow(t *testing.T) {
	fx := newFixture(t, proxyRule())
	fx.hooks.OnModifyRequestHeaders.Tap("deny", func(context.Context, *ConfigMatch) (*ConfigMatch, error) {
		return nil, errors.Bail(http.StatusForbidden).WithBody([]byte("denied"))
	})

	_, err := fx.run(context.Background())
	early, ok := errors.AsEarlyResponse(err)
	if !ok || early.StatusCode != http.StatusForbidden || string(early.Body) != "denied" {
		t.Fatalf("err = %v, want 403 early response", err)
	}
	if strings.Contains(fx.rec.String(), "prepareRequestBody") {
		t.Errorf("stages ran after the early response: %s", fx.rec)
	}
}

func TestFlowNoServiceHandler(t *testing.T) {
	set := rules.New([]config.Rule{proxyRule()})
	h := NewHooks()
	f := NewFlows(h, func() *rules.Set { return set }, zaptest.NewLogger(t))
	h.OnConfigMatch.Tap("match", func(c *PreConfigMatch) (*ConfigMatch, bool) {
		r, ok := c.Rules.Match(c.Request.Path)
		return &ConfigMatch{PreConfigMatch: *c, Match: r}, ok
	})

	rec := &recorder{}
	_, err := f.ExecuteRequestResponse(context.Background(), &RequestHeaders{Headers: headers.New()},
		&fakeTransport{flows: f, rec: rec, body: strings.NewReader("")})
	if !errors.IsNoHandler(err) {
		t.Fatalf("err = %v, want NoHandlerError", err)
	}
}

func TestFlowNilServiceResponse(t *testing.T) {
	fx := newFixture(t, proxyRule())
	fx.hooks.OnServiceCall.Tap("nil", func(context.Context, *ServiceCall) (*ServiceResponse, bool, error) {
		return nil, true, nil
	}, hook.WithStage(-1))

	_, err := fx.run(context.Background())
	early, ok := errors.AsEarlyResponse(err)
	if !ok || early.StatusCode != http.StatusInternalServerError || string(early.Body) != "No service call response" {
		t.Fatalf("err = %v", err)
	}
}

func TestFlowFatalError(t *testing.T) {
	fx := newFixture(t, proxyRule())
	boom := stderrors.New("connection refused")
	fx.hooks.OnServiceCall.Tap("fail", func(context.Context, *ServiceCall) (*ServiceResponse, bool, error) {
		return nil, false, boom
	}, hook.WithStage(-1))

	_, err := fx.run(context.Background())
	if !stderrors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := errors.AsEarlyResponse(err); ok {
		t.Error("fatal error should not be an early response")
	}
}

func TestCollectRequestBodyChunks(t *testing.T) {
	fx := newFixture(t, proxyRule())
	fx.hooks.OnRequestBodyChunk.Tap("upper", func(_ context.Context, c *RequestBodyChunk) (*RequestBodyChunk, error) {
		c.Chunk = bytes.ToUpper(c.Chunk)
		return c, nil
	})

	data := strings.Repeat("a", ChunkSize+10)
	chunks := 0
	fx.hooks.OnRequestBodyChunk.Tap("count", func(_ context.Context, c *RequestBodyChunk) (*RequestBodyChunk, error) {
		chunks++
		return c, nil
	})

	body, err := fx.flows.CollectRequestBody(context.Background(), &ConfigMatch{}, strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if !body.HasBody || string(body.Body) != strings.ToUpper(data) {
		t.Errorf("body not transformed, len %d", len(body.Body))
	}
	if chunks != 2 {
		t.Errorf("chunk hook ran %d times, want 2", chunks)
	}

	empty, err := fx.flows.CollectRequestBody(context.Background(), &ConfigMatch{}, strings.NewReader(""))
	if err != nil || empty.HasBody {
		t.Errorf("empty body: HasBody = %v, err = %v", empty.HasBody, err)
	}
}

func TestCollectRequestBodyTruncated(t *testing.T) {
	fx := newFixture(t, proxyRule())
	r := io.MultiReader(strings.NewReader("partial"), iotestErrReader{io.ErrUnexpectedEOF})

	_, err := fx.flows.CollectRequestBody(context.Background(), &ConfigMatch{}, r)
	early, ok := errors.AsEarlyResponse(err)
	if !ok || early.StatusCode != http.StatusInternalServerError || string(early.Body) != "Request not complete" {
		t.Fatalf("err = %v, want request incomplete", err)
	}
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestDescribe(t *testing.T) {
	h := NewHooks()
	h.OnResponse.Tap("metrics", func(context.Context, *Response) error { return nil }, hook.WithStage(5))

	d := h.Describe()
	if len(d) != 21 {
		t.Errorf("Describe() has %d points, want 21", len(d))
	}
	taps := d["onResponse"]
	if len(taps) != 1 || taps[0].Name != "metrics" || taps[0].Stage != 5 {
		t.Errorf("onResponse taps = %+v", taps)
	}
	if len(d["onServiceCall"]) != 1 {
		t.Errorf("onServiceCall should list the default handler: %+v", d["onServiceCall"])
	}
}
