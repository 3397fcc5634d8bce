package requestid

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/testutil"
)

func requestHeaders(logger *zap.Logger, h *headers.Map) *pipeline.RequestHeaders {
	return &pipeline.RequestHeaders{
		Connection: pipeline.Connection{Logger: logger},
		Headers:    h,
	}
}

func TestGeneratesID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := testutil.Register(t, testutil.Config(), New())

	c, err := a.OnRequestHeaders.Call(context.Background(), requestHeaders(zap.New(core), headers.New()))
	if err != nil {
		t.Fatal(err)
	}
	id := c.Headers.Get(Header)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("x-request-id %q is not a uuid: %v", id, err)
	}

	c.Log().Info("tagged")
	entries := logs.FilterMessage("tagged").AllUntimed()
	if len(entries) != 1 || entries[0].ContextMap()["request_id"] != id {
		t.Errorf("log fields = %+v", entries)
	}
}

func TestKeepsIncomingID(t *testing.T) {
	a := testutil.Register(t, testutil.Config(), New())
	h := headers.New()
	h.Set("X-Request-Id", "abc-123")

	c, err := a.OnRequestHeaders.Call(context.Background(), requestHeaders(zap.NewNop(), h))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Headers.Get(Header); got != "abc-123" {
		t.Errorf("x-request-id = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	a, svc := testutil.NewApp(t, testutil.Config(testutil.Rule("/api", "http://service.test")))
	ext := New()
	ext.Generator = func() string { return "fixed" }
	a.Use(ext)
	testutil.Start(t, a)

	resp, err := testutil.Execute(t, a, "GET", "/api/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.LastCall().ServiceRequestOptions.Headers.Get(Header); got != "fixed" {
		t.Errorf("service saw x-request-id %q", got)
	}
	if got := resp.ResponseHeaders.Get(Header); got != "fixed" {
		t.Errorf("response x-request-id = %q", got)
	}
}
