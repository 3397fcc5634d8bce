package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zaptest"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/extensions"
)

func testConfig(rules ...Rule) *Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = 0
	cfg.Socks.Enabled = false
	cfg.Rules = rules
	return cfg
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	if _, err := New(nil).Build(); err == nil {
		t.Error("nil config accepted")
	}
	cfg := testConfig(Rule{Target: "relative/path"})
	if _, err := New(cfg).WithDefaults().Build(); err == nil {
		t.Error("invalid rule accepted")
	}
}

func TestServeWithDefaults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "upstream "+r.URL.Path)
	}))
	defer upstream.Close()

	cfg := testConfig(Rule{Target: upstream.URL + "/v1", Match: &config.RuleMatch{Path: "/api"}})
	srv, err := New(cfg).WithLogger(zaptest.NewLogger(t)).WithDefaults().Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(ShutdownTimeout)

	proxy := httptest.NewServer(srv.Handler())
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "upstream /v1/items" {
		t.Errorf("body = %q", body)
	}
	if got := len(srv.App().Extensions()); got < len(extensions.Default()) {
		t.Errorf("%d extensions initialized", got)
	}
}

func TestHandlerWithoutHTTPTransport(t *testing.T) {
	srv, err := New(testConfig()).Build()
	if err != nil {
		t.Fatal(err)
	}
	if srv.Handler() != nil {
		t.Error("handler without inputhttp")
	}
}

func TestBindFlags(t *testing.T) {
	cfg := testConfig()
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	BindFlags(fs, cfg, extensions.Default()...)

	err := fs.Parse([]string{
		"--host", "0.0.0.0",
		"--port", "9000",
		"--socks",
		"--socks-port", "1081",
		"--log-level", "debug",
		"--admin-address", ":9901",
		"--watch",
		"--match-absolute-paths-by-referer=false",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" || cfg.HTTP.Port != 9000 || !cfg.Socks.Enabled || cfg.Socks.Port != 1081 {
		t.Errorf("listener flags not applied: %+v", cfg)
	}
	if cfg.Logging.Level != "debug" || cfg.Admin.Address != ":9901" || !cfg.Watch || cfg.MatchAbsolutePathsByReferer {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestReloadRules(t *testing.T) {
	srv, err := New(testConfig()).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.ReloadRules(context.Background()); err == nil {
		t.Error("reload without a file succeeded")
	}

	path := filepath.Join(t.TempDir(), "rules.json")
	os.WriteFile(path, []byte(`[{"target": "http://a.test", "match": {"path": "/a"}}]`), 0o644)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.Port = 0
	cfg.Socks.Enabled = false
	srv, err = New(cfg).WithDefaults().Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(ShutdownTimeout)

	os.WriteFile(path, []byte(`[{"target": "http://b.test", "match": {"path": "/b"}}]`), 0o644)
	if err := srv.ReloadRules(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.App().Rules().Match("/b"); !ok {
		t.Error("reloaded rule not active")
	}
}
