package rewritecookie

import (
	"context"
	"slices"
	"testing"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/testutil"
)

func TestRewriteCookieDomains(t *testing.T) {
	rule := config.Rule{
		Target:   "http://example.com",
		Match:    &config.RuleMatch{Path: "/proxy"},
		Response: &config.RuleResponse{Rewrite: &config.Rewrite{Cookie: true}},
	}
	a := testutil.Register(t, testutil.Config(rule), New())

	resp := headers.New()
	resp.Add("set-cookie", "test=value; Domain=example.com")
	resp.Add("set-cookie", "test2=value2; Path=/; Domain=.example.com; HttpOnly")
	resp.Add("set-cookie", "other=1; Domain=other.com")
	resp.Add("set-cookie", "plain=1")

	c := testutil.ServiceResponseHead(a, &rule, "GET", "http://localhost:8000/proxy", nil, resp)
	out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"test=value; Domain=localhost",
		"test2=value2; Path=/; Domain=localhost; HttpOnly",
		"other=1; Domain=other.com",
		"plain=1",
	}
	if got := out.ServiceResponseHeaders.Values("set-cookie"); !slices.Equal(got, want) {
		t.Errorf("set-cookie = %q, want %q", got, want)
	}
}

func TestRewriteCookieDisabled(t *testing.T) {
	rule := config.Rule{Target: "http://example.com", Match: &config.RuleMatch{Path: "/proxy"}}
	a := testutil.Register(t, testutil.Config(rule), New())

	resp := headers.New()
	resp.Set("set-cookie", "test=value; Domain=example.com")
	c := testutil.ServiceResponseHead(a, &rule, "GET", "http://localhost:8000/proxy", nil, resp)
	out, err := a.OnModifyServiceResponseHeaders.Call(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.ServiceResponseHeaders.Get("set-cookie"); got != "test=value; Domain=example.com" {
		t.Errorf("cookie rewritten without rewrite.cookie: %q", got)
	}
}

func TestMigrateRewriteCookie(t *testing.T) {
	a, _ := testutil.NewApp(t, testutil.Config(config.Rule{
		Target:        "http://example.com",
		Match:         &config.RuleMatch{Path: "/proxy"},
		RewriteCookie: true,
	}))
	a.Use(New())
	testutil.Start(t, a)

	r := a.Rules().Rules()[0]
	if r.RewriteCookie || !r.ResponseRewrite().Cookie {
		t.Errorf("rule after migration: %+v", r)
	}
}
