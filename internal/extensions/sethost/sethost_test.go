package sethost

import (
	"context"
	"testing"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
)

func serviceRequest(rule *config.Rule, url string, h *headers.Map) *pipeline.ServiceRequest {
	c := &pipeline.ServiceRequest{ServiceRequestURL: url}
	c.Match = rule
	c.ServiceRequestOptions.Headers = h
	return c
}

func TestSetHost(t *testing.T) {
	tests := []struct {
		name string
		rule config.Rule
		url  string
		want string
	}{
		{
			name: "from target",
			rule: config.Rule{Target: "http://svc.test:8080"},
			url:  "http://svc.test:8080/a",
			want: "svc.test:8080",
		},
		{
			name: "explicit",
			rule: config.Rule{
				Target:  "http://10.0.0.1",
				Request: &config.RuleRequest{SetHost: &config.SetHost{To: "vhost.test"}},
			},
			url:  "http://10.0.0.1/",
			want: "vhost.test",
		},
		{
			name: "empty override falls back to target",
			rule: config.Rule{
				Target:  "http://svc.test",
				Request: &config.RuleRequest{SetHost: &config.SetHost{}},
			},
			url:  "http://svc.test/",
			want: "svc.test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := headers.New()
			h.Set("host", "localhost:8000")
			out, err := setHost(context.Background(), serviceRequest(&tt.rule, tt.url, h))
			if err != nil {
				t.Fatal(err)
			}
			if got := out.ServiceRequestOptions.Headers.Get("host"); got != tt.want {
				t.Errorf("host = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetHostAllocatesHeaders(t *testing.T) {
	rule := config.Rule{Target: "http://svc.test"}
	out, err := setHost(context.Background(), serviceRequest(&rule, "http://svc.test/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.ServiceRequestOptions.Headers.Get("host") != "svc.test" {
		t.Error("host not set")
	}
}
