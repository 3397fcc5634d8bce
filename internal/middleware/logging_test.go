package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "hello")
	}))

	req := httptest.NewRequest(http.MethodPost, "/items?x=1", nil)
	req.Header.Set("User-Agent", "test-agent")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("Request completed").AllUntimed()
	if len(entries) != 1 {
		t.Fatalf("logged %d lines", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(201) || fields["body_bytes"] != int64(5) {
		t.Errorf("status/bytes = %v/%v", fields["status"], fields["body_bytes"])
	}
	if fields["uri"] != "/items?x=1" || fields["method"] != "POST" || fields["user_agent"] != "test-agent" {
		t.Errorf("fields = %v", fields)
	}
}
