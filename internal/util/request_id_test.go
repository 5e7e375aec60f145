package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestIDReusesIncomingID(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-123" {
		t.Fatalf("context id = %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("response header = %q", rec.Header().Get("X-Request-Id"))
	}
}

func TestWithRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatalf("no id generated")
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("header %q does not match context %q", rec.Header().Get("X-Request-Id"), seen)
	}
}

func TestRequestIDOutsideRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := RequestID(req.Context()); got != "" {
		t.Fatalf("id without middleware = %q", got)
	}
}
