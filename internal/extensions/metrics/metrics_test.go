package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/relay/internal/testutil"
)

func TestRecordsRequests(t *testing.T) {
	a, svc := testutil.NewApp(t, testutil.Config(testutil.Rule("/api", "http://service.test")))
	ext := New()
	a.Use(ext)
	testutil.Start(t, a)

	up := testutil.DefaultUpstream()
	up.StatusCode = 201
	svc.Respond(up)

	for i := 0; i < 2; i++ {
		if _, err := testutil.Execute(t, a, "POST", "/api/items", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := testutil.Execute(t, a, "GET", "/nowhere", nil); err == nil {
		t.Fatal("unmatched request succeeded")
	}

	rec := httptest.NewRecorder()
	ext.Collector().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`relay_requests_total{method="POST",rule="/api",status="201"} 2`,
		`relay_request_duration_seconds_count{rule="/api"} 2`,
		"relay_unmatched_requests_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition lacks %q", want)
		}
	}
}
