package remotewrite

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context, string) (string, error) { return s.token, nil }

func newTestHandler(t *testing.T, upstream http.Handler) *Handler {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	h, err := NewHandler(Config{
		IngestionURL: srv.URL + "/dataCollectionRules/dcr/streams/Microsoft-PrometheusMetrics/api/v1/write",
		Tokens:       staticTokens{token: "rw-token"},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestHealthPaths(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, path := range []string{"/", "/health", "/healthz", "/ready", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
			t.Fatalf("GET %s = %d %q", path, rec.Code, rec.Body.String())
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /metrics = %d, want 404", rec.Code)
	}
}

func TestForwardSuccessReturns204(t *testing.T) {
	t.Parallel()
	var gotAuth, gotContentType, gotEncoding, gotBody string
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotEncoding = r.Header.Get("Content-Encoding")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/write", strings.NewReader("snappy-payload"))
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if gotAuth != "Bearer rw-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/x-protobuf" || gotEncoding != "snappy" {
		t.Fatalf("forward headers = %q/%q", gotContentType, gotEncoding)
	}
	if gotBody != "snappy-payload" {
		t.Fatalf("forward body = %q", gotBody)
	}
}

func TestForwardDefaultsContentType(t *testing.T) {
	t.Parallel()
	var gotContentType string
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/write", strings.NewReader("x")))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if gotContentType != "application/x-protobuf" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
}

func TestForwardUpstreamErrorReturns502WithBody(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream not found", http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/write", strings.NewReader("x")))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stream not found") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestUnknownPostPath(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/other", strings.NewReader("x")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewHandlerValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewHandler(Config{Tokens: staticTokens{}}); err == nil {
		t.Fatalf("expected error for missing ingestion url")
	}
	if _, err := NewHandler(Config{IngestionURL: "https://x"}); err == nil {
		t.Fatalf("expected error for missing token provider")
	}
}
