package lokiapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, endpointSuffix string, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{Endpoint: srv.URL + endpointSuffix})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestQueryRangeNanosecondBounds(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotQuery url.Values
	client := newTestClient(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"status": "success", "data": {"result": []}}`))
	}))
	limit := 20
	step := 30.0
	_, err := client.QueryRange(context.Background(), RangeParams{
		Query:       `{app="grocery-api"}`,
		StartMs:     1_700_000_000_000,
		EndMs:       1_700_000_060_000,
		Limit:       &limit,
		StepSeconds: &step,
	})
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if gotPath != "/loki/api/v1/query_range" {
		t.Fatalf("path = %q", gotPath)
	}
	if got := gotQuery.Get("start"); got != "1700000000000000000" {
		t.Fatalf("start = %q", got)
	}
	if got := gotQuery.Get("end"); got != "1700000060000000000" {
		t.Fatalf("end = %q", got)
	}
	if got := gotQuery.Get("limit"); got != "20" {
		t.Fatalf("limit = %q", got)
	}
	if got := gotQuery.Get("step"); got != "30" {
		t.Fatalf("step = %q", got)
	}
}

func TestQueryRangeEndpointWithLokiSuffix(t *testing.T) {
	t.Parallel()
	var gotPath string
	client := newTestClient(t, "/loki", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	if _, err := client.QueryRange(context.Background(), RangeParams{Query: "{}", StartMs: 0, EndMs: 1}); err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if gotPath != "/loki/api/v1/query_range" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestQueryRangeErrorCarriesBodyAndQuery(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parse error at line 1", http.StatusBadRequest)
	}))
	_, err := client.QueryRange(context.Background(), RangeParams{Query: `{bad=`, StartMs: 0, EndMs: 1})
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"HTTP 400", "parse error at line 1", "{bad="} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestMatchesDatasourceName(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"Loki (grocery)": true,
		" loki ":         true,
		"Prometheus":     false,
		"":               false,
	}
	for name, want := range cases {
		if got := MatchesDatasourceName(name); got != want {
			t.Fatalf("MatchesDatasourceName(%q) = %v, want %v", name, got, want)
		}
	}
}
