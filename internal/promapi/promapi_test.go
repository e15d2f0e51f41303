package promapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context, string) (string, error) { return s.token, nil }

func TestQueryRangeSecondsAndAuth(t *testing.T) {
	t.Parallel()
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/v1/query_range" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"status": "success"}`))
	}))
	defer srv.Close()

	client, err := New(Config{QueryEndpoint: srv.URL, Tokens: staticTokens{token: "amw-token"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.QueryRange(context.Background(), "up", 1_700_000_000_500, 1_700_003_600_500, 60); err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if gotAuth != "Bearer amw-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	for _, want := range []string{"query=up", "start=1700000000", "end=1700003600", "step=60"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestQueryRangeErrorBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden by RBAC", http.StatusForbidden)
	}))
	defer srv.Close()
	client, err := New(Config{QueryEndpoint: srv.URL, Tokens: staticTokens{token: "x"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.QueryRange(context.Background(), "up", 0, 1000, 60)
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") || !strings.Contains(err.Error(), "forbidden by RBAC") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMatchesDatasourceName(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"Prometheus (AMW)": true,
		"prom (managed)":   true,
		"My Prometheus":    true,
		"Loki (grocery)":   false,
		"":                 false,
	}
	for name, want := range cases {
		if got := MatchesDatasourceName(name); got != want {
			t.Fatalf("MatchesDatasourceName(%q) = %v, want %v", name, got, want)
		}
	}
}
