package transporthttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/inputhttp"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/testutil"
)

// newProxy starts a proxy in front of upstream with path /up bound to it.
func newProxy(t *testing.T, upstream *httptest.Server) (*app.App, *httptest.Server) {
	t.Helper()
	cfg := testutil.Config(config.Rule{Target: upstream.URL + "/base", Match: &config.RuleMatch{Path: "/up"}})
	a := app.New(cfg, zaptest.NewLogger(t))
	in := inputhttp.New()
	a.Use(in, New())
	testutil.Start(t, a)

	srv := httptest.NewServer(in.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestForwardsRequest(t *testing.T) {
	var got struct {
		method, path, host, body, custom, hop string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.path, got.host, got.body = r.Method, r.URL.RequestURI(), r.Host, string(b)
		got.custom, got.hop = r.Header.Get("X-Custom"), r.Header.Get("Keep-Alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer upstream.Close()
	_, srv := newProxy(t, upstream)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/up/items/1?v=2", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated || string(body) != "created" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header lost")
	}
	if got.method != http.MethodPut || got.path != "/base/items/1?v=2" || got.body != "payload" {
		t.Errorf("upstream saw %+v", got)
	}
	if got.host != strings.TrimPrefix(upstream.URL, "http://") {
		t.Errorf("upstream host = %q", got.host)
	}
	if got.custom != "abc" {
		t.Error("end-to-end header not forwarded")
	}
	if got.hop != "" {
		t.Error("hop-by-hop header forwarded")
	}
}

func TestDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()
	_, srv := newProxy(t, upstream)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/up/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("got %d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestResponseBodyChunksSeen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "lower")
	}))
	defer upstream.Close()
	a, srv := newProxy(t, upstream)
	a.OnServiceResponseBodyChunk.Tap("upper", func(_ context.Context, c *pipeline.ServiceResponseBodyChunk) (*pipeline.ServiceResponseBodyChunk, error) {
		c.Chunk = []byte(strings.ToUpper(string(c.Chunk)))
		return c, nil
	})

	resp, err := http.Get(srv.URL + "/up/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "LOWER" {
		t.Errorf("body = %q", body)
	}
}

func TestUnreachableService(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	_, srv := newProxy(t, upstream)
	upstream.Close()

	resp, err := http.Get(srv.URL + "/up/x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError || string(body) != "Proxy Server Error" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
}

func TestEarlierServiceHandlerWins(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}))
	defer upstream.Close()

	cfg := testutil.Config(config.Rule{Target: upstream.URL, Match: &config.RuleMatch{Path: "/up"}})
	a := app.New(cfg, zaptest.NewLogger(t))
	in := inputhttp.New()
	a.Use(in, New())
	a.OnServiceCall.Tap("cached", func(_ context.Context, c *pipeline.ServiceCall) (*pipeline.ServiceResponse, bool, error) {
		resp := &pipeline.ServiceResponse{}
		resp.ServiceCall = *c
		resp.ServiceResponseStatusCode = http.StatusOK
		resp.ServiceResponseHeaders = headers.New()
		resp.ServiceResponseHasBody = true
		resp.ServiceResponseBody = []byte("cached")
		return resp, true, nil
	})
	testutil.Start(t, a)

	rec := httptest.NewRecorder()
	in.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up/x", nil))
	if rec.Body.String() != "cached" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNewRequest(t *testing.T) {
	h := headers.New()
	h.Set("host", "vhost.test")
	h.Set("connection", "close, x-drop")
	h.Set("x-drop", "1")
	h.Set("content-length", "999")
	h.Set("accept", "text/html")

	c := &pipeline.ServiceCall{ServiceRequestHasBody: true, ServiceRequestBody: []byte("abc")}
	c.ServiceRequestURL = "http://svc.test/path?q=1"
	c.ServiceRequestOptions = pipeline.ServiceRequestOptions{Method: http.MethodPost, Headers: h}

	req, err := NewRequest(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if req.Host != "vhost.test" || req.URL.Host != "svc.test" {
		t.Errorf("Host = %q, URL host = %q", req.Host, req.URL.Host)
	}
	if req.ContentLength != 3 {
		t.Errorf("ContentLength = %d", req.ContentLength)
	}
	for _, name := range []string{"Connection", "X-Drop", "Content-Length", "Host"} {
		if v := req.Header.Get(name); v != "" {
			t.Errorf("%s = %q should be removed", name, v)
		}
	}
	if req.Header.Get("Accept") != "text/html" {
		t.Error("accept header lost")
	}
	if h.Get("host") != "vhost.test" {
		t.Error("NewRequest modified the context headers")
	}
}
