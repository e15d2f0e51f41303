// Package promapi runs PromQL range queries directly against an Azure
// Monitor workspace query endpoint, authenticating with a managed identity
// token for the Prometheus data-plane resource.
package promapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/identity"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/amgmcp/internal/version"
)

// TokenProvider mints bearer tokens for an Azure resource URI.
type TokenProvider interface {
	Token(ctx context.Context, resource string) (string, error)
}

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 2000
)

// Config configures a Client.
type Config struct {
	// QueryEndpoint is the workspace-scoped Prometheus query endpoint, e.g.
	// https://myamw-abcd.eastus.prometheus.monitor.azure.com.
	QueryEndpoint string
	// Resource overrides the AAD resource tokens are minted for.
	Resource string
	// Timeout bounds each query. Defaults to 15s.
	Timeout time.Duration
	// Tokens supplies bearer tokens. Required.
	Tokens     TokenProvider
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client queries one Azure Monitor workspace.
type Client struct {
	endpoint   string
	resource   string
	timeout    time.Duration
	tokens     TokenProvider
	httpClient *http.Client
	logger     pslog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.QueryEndpoint), "/")
	if endpoint == "" {
		return nil, errors.New("promapi: query endpoint is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("promapi: token provider is required")
	}
	resource := strings.TrimSpace(cfg.Resource)
	if resource == "" {
		resource = identity.PrometheusResource
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		endpoint:   endpoint,
		resource:   resource,
		timeout:    timeout,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logfields.WithSubsystem(logger, "amw"),
	}, nil
}

// Endpoint returns the normalised query endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// QueryRange runs GET /api/v1/query_range. Times are Unix milliseconds and
// are converted to the whole seconds the Prometheus API expects.
func (c *Client) QueryRange(ctx context.Context, expr string, startMs, endMs int64, stepSeconds int) (json.RawMessage, error) {
	if stepSeconds < 1 {
		stepSeconds = 1
	}
	q := url.Values{}
	q.Set("query", expr)
	q.Set("start", strconv.FormatInt(max(0, startMs/1000), 10))
	q.Set("end", strconv.FormatInt(max(0, endMs/1000), 10))
	q.Set("step", strconv.Itoa(stepSeconds))
	apiURL := c.endpoint + "/api/v1/query_range?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.resource)
	if err != nil {
		return nil, fmt.Errorf("promapi: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("promapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promapi: query_range: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("promapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("promapi: query_range failed (HTTP %d). Body=%s", resp.StatusCode, truncateBody(body))
	}
	if !json.Valid(body) {
		return nil, errors.New("promapi: query_range returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// MatchesDatasourceName reports whether a datasource name looks like a
// Prometheus datasource.
func MatchesDatasourceName(name string) bool {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return false
	}
	return strings.Contains(lowered, "prometheus") ||
		strings.HasPrefix(lowered, "prom (") ||
		strings.HasPrefix(lowered, "prometheus (")
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "<empty>"
	}
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
