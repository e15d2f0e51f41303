package amgmcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/amgmcp/internal/backend"
	"pkt.systems/amgmcp/internal/dashtmpl"
	"pkt.systems/amgmcp/internal/grafana"
	"pkt.systems/amgmcp/internal/identity"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/amgmcp/internal/lokiapi"
	"pkt.systems/amgmcp/internal/promapi"
	"pkt.systems/amgmcp/internal/version"
	"pkt.systems/pslog"
)

const httpSpanName = "amgmcp.http"

// Server runs the MCP proxy until the context is cancelled.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config Config
	Logger pslog.Logger
	// Registerer receives the proxy's prometheus metrics. Optional.
	Registerer prometheus.Registerer
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	transportLog pslog.Logger
	toolLog      pslog.Logger

	tokens    *identity.Source
	grafana   *grafana.Client
	loki      *lokiapi.Client
	amw       *promapi.Client
	templates *dashtmpl.Store
	backend   *backend.Manager
	dsCache   *datasourceCache
	metrics   *proxyMetrics
	telemetry *telemetryBundle

	httpServer  *http.Server
	mcpHTTPPath string
	stdio       bool
}

// NewServer constructs the Azure Managed Grafana MCP proxy serving MCP over
// streamable HTTP.
func NewServer(req NewServerRequest) (Server, error) {
	return newServer(req, false)
}

// NewStdioServer constructs the proxy serving the same tool catalog over the
// MCP stdio transport. Intended for in-container runners that exec the proxy
// directly instead of reaching it over HTTP.
func NewStdioServer(req NewServerRequest) (Server, error) {
	return newServer(req, true)
}

func newServer(req NewServerRequest, stdio bool) (Server, error) {
	cfg := req.Config
	ApplyDefaults(&cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "amgmcp")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: logfields.WithSubsystem(logger, "server.lifecycle"),
		transportLog: logfields.WithSubsystem(logger, "mcp.transport.http"),
		toolLog:      logfields.WithSubsystem(logger, "mcp.tools"),
		mcpHTTPPath:  cleanHTTPPath(cfg.MCPPath),
		stdio:        stdio,
	}

	telemetry, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry

	registerer := req.Registerer
	if registerer == nil && telemetry != nil {
		registerer = telemetry.Registry()
	}
	s.metrics = newProxyMetrics(registerer)

	fail := func(err error) (Server, error) {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}

	tokens, err := identity.NewSource(identity.Options{
		ClientID: cfg.AzureClientID,
		Logger:   logfields.WithSubsystem(logger, "identity"),
	})
	if err != nil {
		return fail(fmt.Errorf("managed identity: %w", err))
	}
	s.tokens = tokens

	s.grafana, err = grafana.New(grafana.Config{
		Endpoint:          cfg.GrafanaEndpoint,
		Resource:          cfg.GrafanaResource,
		OrgID:             cfg.GrafanaOrgID,
		HTTPTimeout:       cfg.GrafanaHTTPTimeout,
		RenderTimeout:     cfg.GrafanaRenderTimeout,
		ProxyQueryTimeout: cfg.GrafanaProxyQueryTimeout,
		Tokens:            tokens,
		Logger:            logfields.WithSubsystem(logger, "grafana"),
	})
	if err != nil {
		return fail(fmt.Errorf("grafana client: %w", err))
	}

	if cfg.LokiEndpoint != "" {
		s.loki, err = lokiapi.New(lokiapi.Config{
			Endpoint: cfg.LokiEndpoint,
			Timeout:  cfg.LokiTimeout,
			Logger:   logfields.WithSubsystem(logger, "loki"),
		})
		if err != nil {
			return fail(fmt.Errorf("loki client: %w", err))
		}
	}

	if cfg.AMWQueryEndpoint != "" {
		s.amw, err = promapi.New(promapi.Config{
			QueryEndpoint: cfg.AMWQueryEndpoint,
			Timeout:       cfg.AMWTimeout,
			Tokens:        tokens,
			Logger:        logfields.WithSubsystem(logger, "amw"),
		})
		if err != nil {
			return fail(fmt.Errorf("amw client: %w", err))
		}
	}

	s.templates, err = dashtmpl.NewStore(dashtmpl.StoreConfig{
		Templates: cfg.DashboardTemplates,
		Watch:     !cfg.DisableTemplateWatch,
		Logger:    logfields.WithSubsystem(logger, "dashboards.templates"),
	})
	if err != nil {
		return fail(fmt.Errorf("dashboard templates: %w", err))
	}
	if cfg.DefaultDashboardUID != "" && !s.templates.Has(cfg.DefaultDashboardUID) {
		// Without a registered template the fallback chain for the default
		// dashboard dead-ends whenever the Grafana API is unreachable.
		logger.Warn("no dashboard template registered for default dashboard",
			"uid", cfg.DefaultDashboardUID)
	}

	if len(cfg.BackendCommand) > 0 && !cfg.DisableBackend {
		s.backend = backend.NewManager(backend.Config{
			Command:          cfg.BackendCommand,
			InitTimeout:      cfg.BackendInitTimeout,
			ToolsListTimeout: cfg.BackendToolsTimeout,
			ToolTimeout:      cfg.BackendToolTimeout,
			OnReset:          func(string) { s.metrics.observeReset() },
			Logger:           logfields.WithSubsystem(logger, "backend"),
		})
	}

	s.dsCache = newDatasourceCache(cfg.DatasourceCacheTTL)

	if !stdio {
		mux := s.buildMux()
		s.httpServer = &http.Server{
			Addr: cfg.Listen,
			Handler: otelhttp.NewHandler(mux, httpSpanName,
				otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents)),
		}
	}

	return s, nil
}

func (s *server) Run(ctx context.Context) error {
	if s.stdio {
		s.lifecycleLog.Info("starting amgmcp proxy on stdio",
			"grafana_endpoint", s.cfg.GrafanaEndpoint,
			"version", version.Current(),
		)
	} else {
		s.lifecycleLog.Info("starting amgmcp proxy",
			"listen", s.cfg.Listen,
			"mcp_path", s.mcpHTTPPath,
			"grafana_endpoint", s.cfg.GrafanaEndpoint,
			"version", version.Current(),
		)
	}
	defer func() {
		if s.backend != nil {
			s.backend.Close()
		}
		if s.templates != nil {
			_ = s.templates.Close()
		}
		if s.telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
				s.lifecycleLog.Warn("telemetry shutdown failed", "error", err)
			}
			cancel()
		}
	}()

	if s.backend != nil && !s.cfg.DisableBackendWarmup {
		// Warm the stdio backend so the first tool call does not pay the
		// spawn plus handshake latency.
		go func() {
			warmCtx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendInitTimeout+s.cfg.BackendToolsTimeout)
			defer cancel()
			s.backend.WarmUp(warmCtx)
		}()
	}

	if s.stdio {
		return s.buildMCPServer().Run(ctx, &mcpsdk.StdioTransport{})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) buildMux() *http.ServeMux {
	mcpSrv := s.buildMCPServer()

	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return mcpSrv
	}, &mcpsdk.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle(s.mcpHTTPPath, withStreamableCompat(streamable, s.cfg.MaxBodyBytes, s.transportLog))
	mux.HandleFunc("/", s.handleProbe)
	mux.HandleFunc("/healthz", s.handleProbe)
	return mux
}

func (s *server) buildMCPServer() *mcpsdk.Server {
	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "amg-mcp-http-proxy",
		Version: version.Current(),
	}, &mcpsdk.ServerOptions{
		Instructions:       serverInstructions(s.cfg),
		InitializedHandler: s.handleInitialized,
	})
	s.registerTools(mcpSrv)
	return mcpSrv
}

// handleProbe answers container health checks on / and /healthz.
func (s *server) handleProbe(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"amg-mcp-http-proxy","status":"ok"}`)
	case "/healthz":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	default:
		http.NotFound(w, r)
	}
}

func (s *server) handleInitialized(ctx context.Context, req *mcpsdk.InitializedRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.transportLog.Info("mcp session initialized", "session_id", req.Session.ID())
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	descriptions := buildToolDescriptions(s.cfg)
	desc := func(name string) string {
		description, ok := descriptions[name]
		if !ok {
			panic(fmt.Sprintf("missing MCP tool description for %q", name))
		}
		return description
	}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDatasourceList,
		Description: desc(toolDatasourceList),
	}, withToolErrors(toolDatasourceList, s.toolLog, s.metrics, s.handleDatasourceListTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolQueryDatasource,
		Description: desc(toolQueryDatasource),
	}, withToolErrors(toolQueryDatasource, s.toolLog, s.metrics, s.handleQueryDatasourceTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDashboardSearch,
		Description: desc(toolDashboardSearch),
	}, withToolErrors(toolDashboardSearch, s.toolLog, s.metrics, s.handleDashboardSearchTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDashboardSummary,
		Description: desc(toolDashboardSummary),
	}, withToolErrors(toolDashboardSummary, s.toolLog, s.metrics, s.handleDashboardSummaryTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolImageRender,
		Description: desc(toolImageRender),
	}, withToolErrors(toolImageRender, s.toolLog, s.metrics, s.handleImageRenderTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolPanelData,
		Description: desc(toolPanelData),
	}, withToolErrors(toolPanelData, s.toolLog, s.metrics, s.handlePanelDataTool))

	if s.cfg.EnableAzureTools {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolQueryResourceLog,
			Description: desc(toolQueryResourceLog),
		}, withToolErrors(toolQueryResourceLog, s.toolLog, s.metrics, s.handleResourceLogTool))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolQueryResourceGraph,
			Description: desc(toolQueryResourceGraph),
		}, withToolErrors(toolQueryResourceGraph, s.toolLog, s.metrics, s.handleResourceGraphTool))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolAzureSubscriptions,
			Description: desc(toolAzureSubscriptions),
		}, withToolErrors(toolAzureSubscriptions, s.toolLog, s.metrics, s.handleAzureSubscriptionsTool))
	}
}

func serverInstructions(cfg Config) string {
	return strings.TrimSpace(fmt.Sprintf(`
Azure Managed Grafana MCP proxy operating manual:
- Discovery workflow: %s to find datasources, %s to find dashboards (default uid %s).
- Query workflow: %s runs PromQL/LogQL against a datasource; pass from/to in epoch milliseconds.
- Panel workflow: %s lists panels and template variables; %s fetches the data behind a panel title; %s renders a panel as PNG.
- All tools answer JSON envelopes with ok and source fields. ok=false carries errorType, error and a hint; treat a hint as the next action.
- Queries run with the proxy's managed identity; RBAC failures surface as envelope errors, not protocol errors.
`,
		toolDatasourceList, toolDashboardSearch, cfg.DefaultDashboardUID,
		toolQueryDatasource,
		toolDashboardSummary, toolPanelData, toolImageRender,
	))
}

func cleanHTTPPath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return DefaultMCPPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
