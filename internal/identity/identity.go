// Package identity resolves Azure Entra tokens for the resources the proxy
// talks to. Tokens come from the ambient managed identity and are cached per
// resource until shortly before expiry.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/logfields"
)

// Well-known resource URIs accepted by the Azure services the proxy fronts.
const (
	// GrafanaResource is the audience for Azure Managed Grafana API calls.
	GrafanaResource = "https://grafana.azure.com"
	// PrometheusResource is the audience for Azure Monitor workspace query
	// endpoints.
	PrometheusResource = "https://prometheus.monitor.azure.com"
	// MonitorResource is the audience for Azure Monitor ingestion, including
	// Prometheus remote write.
	MonitorResource = "https://monitor.azure.com/"
)

// refreshMargin is how long before expiry a cached token stops being reused.
const refreshMargin = 2 * time.Minute

// Credential is the subset of azcore.TokenCredential the source needs.
// azidentity credentials satisfy it; tests substitute fakes.
type Credential interface {
	GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error)
}

// Options configures a Source.
type Options struct {
	// ClientID selects a user-assigned managed identity. Empty means the
	// system-assigned identity.
	ClientID string
	// Credential overrides the managed identity credential. Used by tests.
	Credential Credential
	// Logger receives token acquisition events. Nil disables logging.
	Logger pslog.Logger
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

type cachedToken struct {
	token     string
	expiresOn time.Time
}

// Source hands out bearer tokens scoped to Azure resources, reusing cached
// tokens until they are within the refresh margin of expiry.
type Source struct {
	cred   Credential
	logger pslog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewSource builds a token source backed by the ambient managed identity.
func NewSource(opts Options) (*Source, error) {
	cred := opts.Credential
	if cred == nil {
		var micOpts *azidentity.ManagedIdentityCredentialOptions
		if strings.TrimSpace(opts.ClientID) != "" {
			micOpts = &azidentity.ManagedIdentityCredentialOptions{
				ID: azidentity.ClientID(strings.TrimSpace(opts.ClientID)),
			}
		}
		mic, err := azidentity.NewManagedIdentityCredential(micOpts)
		if err != nil {
			return nil, fmt.Errorf("managed identity credential: %w", err)
		}
		cred = mic
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Source{
		cred:   cred,
		logger: logfields.WithSubsystem(logger, "identity"),
		now:    now,
		cache:  make(map[string]cachedToken),
	}, nil
}

// Token returns a bearer token for the given resource URI. The resource is
// normalised to a single ".default" scope.
func (s *Source) Token(ctx context.Context, resource string) (string, error) {
	scope := ScopeForResource(resource)
	if scope == "" {
		return "", fmt.Errorf("identity: empty resource")
	}

	s.mu.Lock()
	if entry, ok := s.cache[scope]; ok && entry.expiresOn.After(s.now().Add(refreshMargin)) {
		s.mu.Unlock()
		return entry.token, nil
	}
	s.mu.Unlock()

	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return "", fmt.Errorf("identity: acquire token for %s: %w", scope, err)
	}

	s.mu.Lock()
	s.cache[scope] = cachedToken{token: tok.Token, expiresOn: tok.ExpiresOn}
	s.mu.Unlock()

	s.logger.Debug("token acquired", "scope", scope, "expires_on", tok.ExpiresOn.UTC().Format(time.RFC3339))
	return tok.Token, nil
}

// ScopeForResource converts a resource URI into the ".default" scope expected
// by the token endpoint. Trailing slashes on the resource are preserved so the
// audience matches what the service validates.
func ScopeForResource(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ""
	}
	if strings.HasSuffix(resource, "/.default") {
		return resource
	}
	if strings.HasSuffix(resource, "/") {
		return resource + ".default"
	}
	return resource + "/.default"
}
