package matchreferer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/inputhttp"
	"github.com/wudi/relay/internal/testutil"
)

func proxyRule() config.Rule {
	return config.Rule{Target: "http://svc.test/app", Match: &config.RuleMatch{Path: "/proxy"}}
}

func serve(t *testing.T, cfg *config.Config) (http.Handler, *testutil.FakeService) {
	t.Helper()
	a, svc := testutil.NewApp(t, cfg)
	in := inputhttp.New()
	a.Use(in, New())
	testutil.Start(t, a)
	return in.Handler(), svc
}

func do(h http.Handler, path, referer string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestMatchByReferer(t *testing.T) {
	h, svc := serve(t, testutil.Config(proxyRule()))

	if code := do(h, "/static/main.css?v=1", "http://localhost:8000/proxy/page.html"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	c := svc.LastCall()
	if c.ServiceRequestURL != "http://svc.test/static/main.css?v=1" {
		t.Errorf("service url = %q", c.ServiceRequestURL)
	}
	if c.Request.Path != "/static/main.css?v=1" || c.Request.IsRebasing {
		t.Errorf("request metadata should be the original one: %+v", c.Request)
	}
}

func TestRefererDoesNotOverrideDirectMatch(t *testing.T) {
	other := config.Rule{Target: "http://other.test", Match: &config.RuleMatch{Path: "/other"}}
	h, svc := serve(t, testutil.Config(proxyRule(), other))

	do(h, "/other/x", "http://localhost:8000/proxy/page.html")
	if got := svc.LastCall().ServiceRequestURL; got != "http://other.test/x" {
		t.Errorf("service url = %q", got)
	}
}

func TestNoMatchingReferer(t *testing.T) {
	h, svc := serve(t, testutil.Config(proxyRule()))

	tests := []struct{ name, referer string }{
		{"no referer", ""},
		{"unbound referer", "http://localhost:8000/elsewhere"},
		{"relative referer", "/proxy/page.html"},
		{"garbage", "::not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := do(h, "/static/main.css", tt.referer); code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", code)
			}
		})
	}
	if n := len(svc.Calls()); n != 0 {
		t.Errorf("service called %d times", n)
	}
}

func TestDisabled(t *testing.T) {
	cfg := testutil.Config(proxyRule())
	cfg.MatchAbsolutePathsByReferer = false
	h, _ := serve(t, cfg)

	if code := do(h, "/static/main.css", "http://localhost:8000/proxy/page.html"); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestFlag(t *testing.T) {
	cfg := testutil.Config()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	New().BindFlags(fs, cfg)
	if err := fs.Parse([]string{"--match-absolute-paths-by-referer=false"}); err != nil {
		t.Fatal(err)
	}
	if cfg.MatchAbsolutePathsByReferer {
		t.Error("flag not applied")
	}
}

func TestMigrateDeprecatedOption(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := proxyRule()
	r.RebaseAbsolutePathsByReferer = true
	a := app.New(testutil.Config(r), zap.New(core))
	a.Use(testutil.NewFakeService(), New())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	if a.Rules().Rules()[0].RebaseAbsolutePathsByReferer {
		t.Error("deprecated option kept")
	}
	if logs.FilterField(zap.String("option", "rebaseAbsolutePathsByReferer")).Len() != 1 {
		t.Errorf("logs = %v", logs.All())
	}
}
