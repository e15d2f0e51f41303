package amgmcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigFileName is the config file searched for when --config is omitted.
const DefaultConfigFileName = "amgmcp.yaml"

// Defaults applied by ApplyDefaults.
const (
	DefaultListen             = ":8000"
	DefaultMCPPath            = "/mcp"
	DefaultGrafanaResource    = "https://grafana.azure.com"
	DefaultGrafanaOrgID       = 1
	DefaultDashboardUID       = "afbppudwbhl34b"
	DefaultDashboardTitle     = "Grocery App - SRE Overview (Custom)"
	DefaultLokiDatasource     = "Loki (grocery)"
	DefaultAMWDatasource      = "Prometheus (AMW)"
	DefaultBackendBinary      = "/usr/local/bin/amg-mcp"
	DefaultDatasourceCacheTTL = 5 * time.Minute
	DefaultMaxBodyBytes       = int64(4 << 20)

	DefaultGrafanaHTTPTimeout   = 20 * time.Second
	DefaultGrafanaRenderTimeout = 20 * time.Second
	DefaultProxyQueryTimeout    = 10 * time.Second
	DefaultLokiTimeout          = 15 * time.Second
	DefaultAMWTimeout           = 15 * time.Second
	DefaultBackendInitTimeout   = 20 * time.Second
	DefaultBackendToolsTimeout  = 30 * time.Second
	DefaultBackendToolTimeout   = 90 * time.Second
	DefaultBackendPromTimeout   = 10 * time.Second
)

// Config controls the proxy server.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// MCPPath is the streamable HTTP endpoint path.
	MCPPath string

	// GrafanaEndpoint is the Azure Managed Grafana base URL. Required.
	GrafanaEndpoint string
	// GrafanaResource is the AAD resource Grafana tokens are minted for.
	GrafanaResource string
	// GrafanaOrgID is sent as X-Grafana-Org-Id.
	GrafanaOrgID int
	// GrafanaHTTPTimeout bounds Grafana JSON API calls.
	GrafanaHTTPTimeout time.Duration
	// GrafanaRenderTimeout bounds /render calls.
	GrafanaRenderTimeout time.Duration
	// GrafanaProxyQueryTimeout bounds datasource proxy PromQL calls.
	GrafanaProxyQueryTimeout time.Duration

	// PrometheusDatasourceUID is the default datasource uid for the Grafana
	// datasource proxy query path when callers pass only a datasource name.
	PrometheusDatasourceUID string
	// AMWQueryEndpoint is the Azure Monitor workspace Prometheus query
	// endpoint for the direct fallback path. Optional.
	AMWQueryEndpoint string
	// AMWTimeout bounds direct AMW queries.
	AMWTimeout time.Duration

	// LokiEndpoint enables the Loki-direct query path. Optional.
	LokiEndpoint string
	// LokiTimeout bounds Loki queries.
	LokiTimeout time.Duration

	// AzureClientID selects a user-assigned managed identity.
	AzureClientID string

	// DefaultDashboardUID is used by dashboard tools when callers omit the
	// uid, and by the deterministic search fallback.
	DefaultDashboardUID string
	// DefaultDashboardTitle is the title the search fallback answers with.
	DefaultDashboardTitle string
	// LokiDatasourceName labels the synthesised Loki datasource entry.
	LokiDatasourceName string
	// AMWDatasourceName labels the synthesised Prometheus datasource entry.
	AMWDatasourceName string

	// DashboardTemplates maps dashboard uid to a template file path used
	// when the Grafana API is unavailable.
	DashboardTemplates map[string]string
	// DisableTemplateWatch turns off fsnotify invalidation of parsed
	// templates.
	DisableTemplateWatch bool

	// DatasourceCacheTTL caches datasource list responses. Zero selects the
	// default; negative disables the cache.
	DatasourceCacheTTL time.Duration

	// BackendCommand is the argv used to spawn the amg-mcp stdio backend.
	// When empty it is derived from GrafanaEndpoint.
	BackendCommand []string
	// DisableBackend runs without the stdio backend entirely; backend
	// fallbacks and passthrough tools answer structured errors.
	DisableBackend bool
	// BackendInitTimeout bounds the backend initialize handshake.
	BackendInitTimeout time.Duration
	// BackendToolsTimeout bounds the backend tools/list call.
	BackendToolsTimeout time.Duration
	// BackendToolTimeout bounds each forwarded tool call.
	BackendToolTimeout time.Duration
	// BackendPromTimeout bounds the opt-in fast Prometheus attempt against
	// the backend.
	BackendPromTimeout time.Duration
	// DisableBackendWarmup skips the best-effort backend start at boot.
	DisableBackendWarmup bool

	// EnableWriteTools unlocks write-capable backend tools.
	EnableWriteTools bool
	// EnableAzureTools registers the Azure Monitor passthrough tools
	// (resource logs, resource graph, subscriptions).
	EnableAzureTools bool
	// EnableDirectSearch lets amgmcp_dashboard_search hit the Grafana
	// search API instead of the deterministic fallback.
	EnableDirectSearch bool
	// EnableBackendPrometheus opts Prometheus queries into the stdio
	// backend as a last resort.
	EnableBackendPrometheus bool
	// EnableBackendRenderFallback consults the stdio backend when Grafana
	// rendering fails and the placeholder is disabled.
	EnableBackendRenderFallback bool
	// DisablePlaceholderRender turns off the 1x1 placeholder PNG answer
	// when Grafana rendering fails.
	DisablePlaceholderRender bool
	// DisableLokiDirectDatasourceList turns off the fast synthesised
	// datasource list when a Loki endpoint is configured.
	DisableLokiDirectDatasourceList bool
	// RenderFullDashboard renders whole dashboards when no panel id is
	// given instead of picking the first renderable panel.
	RenderFullDashboard bool

	// MaxBodyBytes caps how much of an MCP POST body the compatibility
	// middleware buffers.
	MaxBodyBytes int64

	// OTLPEndpoint enables OTLP trace export. Accepts host[:port] or a
	// grpc/grpcs/http/https URL.
	OTLPEndpoint string
	// MetricsListen serves prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the exporter.
	// Requires MetricsListen.
	EnableProfilingMetrics bool
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.MCPPath) == "" {
		cfg.MCPPath = DefaultMCPPath
	}
	cfg.GrafanaEndpoint = strings.TrimRight(strings.TrimSpace(cfg.GrafanaEndpoint), "/")
	if strings.TrimSpace(cfg.GrafanaResource) == "" {
		cfg.GrafanaResource = DefaultGrafanaResource
	}
	if cfg.GrafanaOrgID <= 0 {
		cfg.GrafanaOrgID = DefaultGrafanaOrgID
	}
	if cfg.GrafanaHTTPTimeout <= 0 {
		cfg.GrafanaHTTPTimeout = DefaultGrafanaHTTPTimeout
	}
	if cfg.GrafanaRenderTimeout <= 0 {
		cfg.GrafanaRenderTimeout = DefaultGrafanaRenderTimeout
	}
	if cfg.GrafanaProxyQueryTimeout <= 0 {
		cfg.GrafanaProxyQueryTimeout = DefaultProxyQueryTimeout
	}
	cfg.AMWQueryEndpoint = strings.TrimRight(strings.TrimSpace(cfg.AMWQueryEndpoint), "/")
	if cfg.AMWTimeout <= 0 {
		cfg.AMWTimeout = DefaultAMWTimeout
	}
	cfg.LokiEndpoint = strings.TrimRight(strings.TrimSpace(cfg.LokiEndpoint), "/")
	if cfg.LokiTimeout <= 0 {
		cfg.LokiTimeout = DefaultLokiTimeout
	}
	if strings.TrimSpace(cfg.DefaultDashboardUID) == "" {
		cfg.DefaultDashboardUID = DefaultDashboardUID
	}
	if strings.TrimSpace(cfg.DefaultDashboardTitle) == "" {
		cfg.DefaultDashboardTitle = DefaultDashboardTitle
	}
	if strings.TrimSpace(cfg.LokiDatasourceName) == "" {
		cfg.LokiDatasourceName = DefaultLokiDatasource
	}
	if strings.TrimSpace(cfg.AMWDatasourceName) == "" {
		cfg.AMWDatasourceName = DefaultAMWDatasource
	}
	if cfg.DatasourceCacheTTL == 0 {
		cfg.DatasourceCacheTTL = DefaultDatasourceCacheTTL
	}
	if len(cfg.BackendCommand) == 0 && !cfg.DisableBackend && cfg.GrafanaEndpoint != "" {
		cfg.BackendCommand = []string{
			DefaultBackendBinary,
			"--AmgMcpOptions:Transport=Stdio",
			"--AmgMcpOptions:AzureManagedGrafanaEndpoint=" + cfg.GrafanaEndpoint,
		}
	}
	if cfg.BackendInitTimeout <= 0 {
		cfg.BackendInitTimeout = DefaultBackendInitTimeout
	}
	if cfg.BackendToolsTimeout <= 0 {
		cfg.BackendToolsTimeout = DefaultBackendToolsTimeout
	}
	if cfg.BackendToolTimeout <= 0 {
		cfg.BackendToolTimeout = DefaultBackendToolTimeout
	}
	if cfg.BackendPromTimeout <= 0 {
		cfg.BackendPromTimeout = DefaultBackendPromTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// ValidateConfig rejects configurations the server cannot run with.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(cfg.GrafanaEndpoint) == "" {
		return fmt.Errorf("grafana endpoint required")
	}
	if !strings.HasPrefix(cfg.GrafanaEndpoint, "http://") && !strings.HasPrefix(cfg.GrafanaEndpoint, "https://") {
		return fmt.Errorf("grafana endpoint must be an absolute http(s) URL")
	}
	if !strings.HasPrefix(cfg.MCPPath, "/") {
		return fmt.Errorf("mcp path must start with /")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.amgmcp).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".amgmcp"), nil
}
