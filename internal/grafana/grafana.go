// Package grafana is a thin client for the Azure Managed Grafana HTTP API.
// It covers the read surface the proxy needs: dashboard lookup, search, the
// datasource proxy query path, and PNG rendering. Authentication is a bearer
// token minted for the Grafana AAD resource on every request.
package grafana

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

// StatusError is returned for non-2xx Grafana responses. Body is truncated
// to maxErrorBody bytes.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("grafana: GET %s failed (HTTP %d). Body=%s", e.Path, e.StatusCode, e.Body)
}

const (
	defaultHTTPTimeout       = 20 * time.Second
	defaultRenderTimeout     = 20 * time.Second
	defaultProxyQueryTimeout = 10 * time.Second
	defaultOrgID             = 1

	// maxErrorBody caps how much of an upstream error body is carried into
	// the returned error.
	maxErrorBody = 2000
)

// Config configures a Client.
type Config struct {
	// Endpoint is the Grafana base URL, e.g. https://myworkspace.grafana.azure.com.
	Endpoint string
	// Resource overrides the AAD resource tokens are minted for.
	Resource string
	// OrgID is sent as X-Grafana-Org-Id. Defaults to 1.
	OrgID int
	// HTTPTimeout bounds JSON API calls.
	HTTPTimeout time.Duration
	// RenderTimeout bounds /render calls. Kept comfortably below common MCP
	// client read timeouts so a structured error wins over a client cancel.
	RenderTimeout time.Duration
	// ProxyQueryTimeout bounds datasource proxy query_range calls.
	ProxyQueryTimeout time.Duration
	// Tokens supplies bearer tokens. Required.
	Tokens TokenProvider
	// HTTPClient overrides the transport. Timeouts are applied per request.
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client talks to one Azure Managed Grafana instance.
type Client struct {
	endpoint          string
	resource          string
	orgID             int
	httpTimeout       time.Duration
	renderTimeout     time.Duration
	proxyQueryTimeout time.Duration
	tokens            TokenProvider
	httpClient        *http.Client
	logger            pslog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("grafana: endpoint is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("grafana: token provider is required")
	}
	resource := strings.TrimSpace(cfg.Resource)
	if resource == "" {
		resource = identity.GrafanaResource
	}
	orgID := cfg.OrgID
	if orgID <= 0 {
		orgID = defaultOrgID
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}
	renderTimeout := cfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = defaultRenderTimeout
	}
	proxyTimeout := cfg.ProxyQueryTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = defaultProxyQueryTimeout
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
		endpoint:          endpoint,
		resource:          resource,
		orgID:             orgID,
		httpTimeout:       httpTimeout,
		renderTimeout:     renderTimeout,
		proxyQueryTimeout: proxyTimeout,
		tokens:            cfg.Tokens,
		httpClient:        httpClient,
		logger:            logfields.WithSubsystem(logger, "grafana"),
	}, nil
}

// Endpoint returns the normalised base URL.
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) get(ctx context.Context, path, accept string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.resource)
	if err != nil {
		return nil, fmt.Errorf("grafana: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, fmt.Errorf("grafana: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Grafana-Org-Id", strconv.Itoa(c.orgID))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grafana: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("grafana: read response for %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

// GetJSON performs an authenticated GET against the Grafana API and returns
// the raw JSON body.
func (c *Client) GetJSON(ctx context.Context, path string) (json.RawMessage, error) {
	return c.getJSONTimeout(ctx, path, c.httpTimeout)
}

func (c *Client) getJSONTimeout(ctx context.Context, path string, timeout time.Duration) (json.RawMessage, error) {
	body, err := c.get(ctx, path, "application/json", timeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("grafana: GET %s returned invalid JSON", path)
	}
	return json.RawMessage(body), nil
}

// DashboardByUID fetches a dashboard, GET /api/dashboards/uid/:uid.
func (c *Client) DashboardByUID(ctx context.Context, uid string) (*DashboardEnvelope, error) {
	raw, err := c.GetJSON(ctx, "/api/dashboards/uid/"+url.PathEscape(uid))
	if err != nil {
		return nil, err
	}
	var env DashboardEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("grafana: decode dashboard %s: %w", uid, err)
	}
	return &env, nil
}

// Search runs the dashboard search API, GET /api/search.
func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", strings.TrimSpace(query))
	return c.GetJSON(ctx, "/api/search?"+q.Encode())
}

// ProxyQueryRange runs a PromQL range query through Grafana's datasource
// proxy. The proxy authenticates against the datasource server-side, so the
// caller's identity only needs Grafana access, not AMW data-plane access.
func (c *Client) ProxyQueryRange(ctx context.Context, datasourceUID, expr string, startMs, endMs int64, stepSeconds int) (json.RawMessage, error) {
	datasourceUID = strings.TrimSpace(datasourceUID)
	if datasourceUID == "" {
		return nil, errors.New("grafana: datasource uid is required")
	}
	if stepSeconds < 1 {
		stepSeconds = 1
	}
	q := url.Values{}
	q.Set("query", expr)
	q.Set("start", strconv.FormatInt(max(0, startMs/1000), 10))
	q.Set("end", strconv.FormatInt(max(0, endMs/1000), 10))
	q.Set("step", strconv.Itoa(stepSeconds))
	path := "/api/datasources/proxy/uid/" + url.PathEscape(datasourceUID) + "/api/v1/query_range?" + q.Encode()
	return c.getJSONTimeout(ctx, path, c.proxyQueryTimeout)
}

// RenderRequest selects what RenderPNG draws.
type RenderRequest struct {
	DashboardUID string
	// PanelID renders a single panel via /render/d-solo. When nil and
	// FullDashboard is false, the first renderable panel is used.
	PanelID *int
	// FullDashboard renders the whole dashboard when no panel id is given.
	FullDashboard bool
	FromMs        *int64
	ToMs          *int64
	Width         *int
	Height        *int
}

// RenderPNG renders a dashboard or panel to PNG bytes. Single-panel renders
// are preferred: they are faster and less likely to exceed MCP client
// timeouts.
func (c *Client) RenderPNG(ctx context.Context, req RenderRequest) ([]byte, error) {
	uid := strings.TrimSpace(req.DashboardUID)
	if uid == "" {
		return nil, errors.New("grafana: dashboard uid is required")
	}

	env, err := c.DashboardByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	slug := env.Slug()

	panelID := req.PanelID
	if panelID == nil && !req.FullDashboard {
		panelID = env.FirstRenderablePanelID()
	}

	var path string
	if panelID != nil {
		path = "/render/d-solo/" + url.PathEscape(uid) + "/" + url.PathEscape(slug)
	} else {
		path = "/render/d/" + url.PathEscape(uid) + "/" + url.PathEscape(slug)
	}

	q := url.Values{}
	q.Set("orgId", strconv.Itoa(c.orgID))
	if panelID != nil {
		q.Set("panelId", strconv.Itoa(*panelID))
	}
	if req.FromMs != nil {
		q.Set("from", strconv.FormatInt(*req.FromMs, 10))
	}
	if req.ToMs != nil {
		q.Set("to", strconv.FormatInt(*req.ToMs, 10))
	}
	if req.Width != nil {
		q.Set("width", strconv.Itoa(*req.Width))
	}
	if req.Height != nil {
		q.Set("height", strconv.Itoa(*req.Height))
	}
	path += "?" + q.Encode()

	c.logger.Debug("render png", "path", path)
	return c.get(ctx, path, "image/png", c.renderTimeout)
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
