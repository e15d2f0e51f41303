// Package lokiapi queries a Loki endpoint directly over HTTP. The proxy uses
// it to answer log queries without round-tripping through Grafana or the
// stdio backend.
package lokiapi

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

	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/amgmcp/internal/version"
)

const (
	defaultTimeout = 15 * time.Second

	// maxErrorBody caps how much of the Loki error body (usually a LogQL
	// parse error) is carried into the returned error.
	maxErrorBody = 2000
)

// Config configures a Client.
type Config struct {
	// Endpoint is the Loki base URL. A bare host (https://host) and a base
	// that already includes /loki are both accepted.
	Endpoint string
	// Timeout bounds each query. Defaults to 15s.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client runs LogQL range queries against one Loki endpoint.
type Client struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     pslog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("lokiapi: endpoint is required")
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
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logfields.WithSubsystem(logger, "loki"),
	}, nil
}

// Endpoint returns the normalised base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// RangeParams describe one query_range call. Times are Unix milliseconds;
// they are converted to the nanoseconds Loki expects.
type RangeParams struct {
	Query   string
	StartMs int64
	EndMs   int64
	// Limit caps the number of returned entries when non-nil.
	Limit *int
	// StepSeconds sets the evaluation step for metric queries when non-nil.
	StepSeconds *float64
}

// QueryRange runs GET /loki/api/v1/query_range and returns the raw JSON
// response.
func (c *Client) QueryRange(ctx context.Context, params RangeParams) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", params.Query)
	q.Set("start", strconv.FormatInt(params.StartMs*1_000_000, 10))
	q.Set("end", strconv.FormatInt(params.EndMs*1_000_000, 10))
	if params.Limit != nil {
		q.Set("limit", strconv.Itoa(*params.Limit))
	}
	if params.StepSeconds != nil {
		q.Set("step", strconv.FormatFloat(*params.StepSeconds, 'f', -1, 64))
	}

	base := c.endpoint
	var apiURL string
	if strings.HasSuffix(base, "/loki") {
		apiURL = base + "/api/v1/query_range"
	} else {
		apiURL = base + "/loki/api/v1/query_range"
	}
	apiURL += "?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("lokiapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lokiapi: query_range: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lokiapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lokiapi: query_range failed (HTTP %d). Body=%s. Query=%s",
			resp.StatusCode, truncateBody(body), params.Query)
	}
	if !json.Valid(body) {
		return nil, errors.New("lokiapi: query_range returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// MatchesDatasourceName reports whether a datasource name looks like a Loki
// datasource.
func MatchesDatasourceName(name string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(name)), "loki")
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
