package cors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/extensions/inputhttp"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/testutil"
)

func corsRule(mode config.CORSMode, preflight config.Preflight) config.Rule {
	return config.Rule{
		Target:   "http://svc.test",
		Match:    &config.RuleMatch{Path: "/api"},
		Response: &config.RuleResponse{CORS: &config.CORS{Mode: mode, Preflight: preflight}},
	}
}

func TestCORSHeaders(t *testing.T) {
	tests := []struct {
		name        string
		mode        config.CORSMode
		referer     string
		origin      string
		credentials string
	}{
		{"referer", config.CORSReferer, "http://app.test:3000/page", "http://app.test:3000", "true"},
		{"referer falls back to proxy", config.CORSReferer, "", "http://localhost:8000", "true"},
		{"proxy", config.CORSProxy, "http://app.test/page", "http://localhost:8000", "true"},
		{"any", config.CORSAny, "http://app.test/page", "*", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := corsRule(tt.mode, config.PreflightAuto)
			a := testutil.Register(t, testutil.Config(rule), New())

			req := headers.New()
			if tt.referer != "" {
				req.Set("referer", tt.referer)
			}
			up := headers.New()
			up.Set("access-control-allow-methods", "PROPFIND")
			c := testutil.ServiceResponseHead(a, &rule, http.MethodGet, "http://localhost:8000/api/x", req, up)

			out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
			if err != nil {
				t.Fatal(err)
			}
			h := out.ServiceResponseHeaders
			if got := h.Get("access-control-allow-origin"); got != tt.origin {
				t.Errorf("allow-origin = %q, want %q", got, tt.origin)
			}
			if got := h.Get("access-control-allow-credentials"); got != tt.credentials {
				t.Errorf("allow-credentials = %q, want %q", got, tt.credentials)
			}
			if got := h.Get("access-control-allow-methods"); got != "GET, POST, PUT, PATCH, DELETE, OPTIONS, PROPFIND" {
				t.Errorf("allow-methods = %q", got)
			}
		})
	}
}

func TestPreflightAutoCoercesStatus(t *testing.T) {
	rule := corsRule(config.CORSAny, config.PreflightAuto)
	a := testutil.Register(t, testutil.Config(rule), New())

	req := headers.New()
	req.Set("access-control-request-headers", "X-Custom")
	c := testutil.ServiceResponseHead(a, &rule, http.MethodOptions, "http://localhost:8000/api", req, nil)
	c.ServiceResponseStatusCode = http.StatusMethodNotAllowed

	out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if out.ServiceResponseStatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", out.ServiceResponseStatusCode)
	}
	want := "X-Requested-With, Content-Type, Accept, Origin, Authorization, Cache-Control, Pragma, Expires, X-Custom"
	if got := out.ServiceResponseHeaders.Get("access-control-allow-headers"); got != want {
		t.Errorf("allow-headers = %q", got)
	}
}

func TestDisabledModeAddsNothing(t *testing.T) {
	rule := corsRule("", config.PreflightAuto)
	a := testutil.Register(t, testutil.Config(rule), New())

	c := testutil.ServiceResponseHead(a, &rule, http.MethodOptions, "http://localhost:8000/api", nil, nil)
	c.ServiceResponseStatusCode = http.StatusNotFound
	out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if out.ServiceResponseHeaders.Len() != 0 || out.ServiceResponseStatusCode != http.StatusNotFound {
		t.Errorf("headers = %v, status = %d", out.ServiceResponseHeaders.Keys(), out.ServiceResponseStatusCode)
	}
}

func TestEmptyObjectDisablesCORS(t *testing.T) {
	cfg, err := config.NewLoader().Parse([]byte("- target: http://svc.test\n  match: {path: /api}\n  response:\n    cors: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	rule := cfg.Rules[0]
	a := testutil.Register(t, testutil.Config(rule), New())

	req := headers.New()
	req.Set("referer", "http://app.test/")
	c := testutil.ServiceResponseHead(a, &rule, http.MethodGet, "http://localhost:8000/api", req, nil)
	out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if out.ServiceResponseHeaders.Has("access-control-allow-origin") {
		t.Errorf("cors: {} added headers %v", out.ServiceResponseHeaders.Keys())
	}
}

func TestPreflightAnsweredByProxy(t *testing.T) {
	rule := corsRule(config.CORSReferer, config.PreflightOn)
	a, svc := testutil.NewApp(t, testutil.Config(rule))
	in := inputhttp.New()
	a.Use(in, New())
	testutil.Start(t, a)

	req := httptest.NewRequest(http.MethodOptions, "/api/items", nil)
	req.Header.Set("Referer", "http://app.test/")
	rec := httptest.NewRecorder()
	in.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Errorf("allow-origin = %q", got)
	}
	if n := len(svc.Calls()); n != 0 {
		t.Errorf("service called %d times for a preflight", n)
	}

	rec = httptest.NewRecorder()
	in.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	if rec.Code != http.StatusOK || len(svc.Calls()) != 1 {
		t.Errorf("GET status = %d, calls = %d", rec.Code, len(svc.Calls()))
	}
}

func TestMigrateDeprecatedCORS(t *testing.T) {
	on := config.PreflightOn
	tests := []struct {
		name string
		rule config.Rule
		want config.CORS
	}{
		{
			name: "cors only",
			rule: config.Rule{Target: "http://svc.test", CORS: &config.CORS{Mode: config.CORSProxy}},
			want: config.CORS{Mode: config.CORSProxy, Preflight: config.PreflightAuto},
		},
		{
			name: "preflight only",
			rule: config.Rule{Target: "http://svc.test", Preflight: &on},
			want: config.CORS{Mode: config.CORSReferer, Preflight: config.PreflightOn},
		},
		{
			name: "both",
			rule: config.Rule{Target: "http://svc.test", CORS: &config.CORS{Mode: config.CORSAny}, Preflight: &on},
			want: config.CORS{Mode: config.CORSAny, Preflight: config.PreflightOn},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := testutil.NewApp(t, testutil.Config(tt.rule))
			a.Use(New())
			testutil.Start(t, a)

			r := a.Rules().Rules()[0]
			if r.CORS != nil || r.Preflight != nil {
				t.Error("deprecated fields kept")
			}
			if r.Response == nil || r.Response.CORS == nil || *r.Response.CORS != tt.want {
				t.Errorf("response.cors = %+v, want %+v", r.Response, tt.want)
			}
		})
	}
}
