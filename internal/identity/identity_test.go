package identity

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

type fakeCredential struct {
	calls  int
	token  string
	expiry time.Time
}

func (f *fakeCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls++
	return azcore.AccessToken{Token: f.token, ExpiresOn: f.expiry}, nil
}

func TestScopeForResource(t *testing.T) {
	t.Parallel()
	cases := []struct {
		resource string
		want     string
	}{
		{"https://grafana.azure.com", "https://grafana.azure.com/.default"},
		{"https://monitor.azure.com/", "https://monitor.azure.com/.default"},
		{"https://prometheus.monitor.azure.com/.default", "https://prometheus.monitor.azure.com/.default"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := ScopeForResource(tc.resource); got != tc.want {
			t.Fatalf("ScopeForResource(%q) = %q, want %q", tc.resource, got, tc.want)
		}
	}
}

func TestTokenCachedUntilRefreshMargin(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	cred := &fakeCredential{token: "tok-1", expiry: base.Add(10 * time.Minute)}
	src, err := NewSource(Options{Credential: cred, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := src.Token(ctx, GrafanaResource)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("Token = %q, want tok-1", tok)
		}
	}
	if cred.calls != 1 {
		t.Fatalf("credential called %d times, want 1", cred.calls)
	}

	// Inside the refresh margin the cached token is discarded.
	now = base.Add(9 * time.Minute)
	cred.token = "tok-2"
	cred.expiry = now.Add(10 * time.Minute)
	tok, err := src.Token(ctx, GrafanaResource)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("Token = %q, want tok-2", tok)
	}
	if cred.calls != 2 {
		t.Fatalf("credential called %d times, want 2", cred.calls)
	}
}

func TestTokenEmptyResource(t *testing.T) {
	t.Parallel()
	src, err := NewSource(Options{Credential: &fakeCredential{token: "x", expiry: time.Now().Add(time.Hour)}})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if _, err := src.Token(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty resource")
	}
}
