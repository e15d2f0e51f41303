package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/amgmcp"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("AMGMCP_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "amgmcp")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				logfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether the argv runs the root command
// itself rather than a subcommand, so failures log structured instead of
// printing to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		for _, fs := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
			var flag *pflag.Flag
			if short {
				flag = fs.ShorthandLookup(name)
			} else {
				flag = fs.Lookup(name)
			}
			if flag != nil {
				return flag
			}
		}
		return nil
	}
	isSubcommand := func(token string) bool {
		for _, sub := range root.Commands() {
			if token == sub.Name() {
				return true
			}
			for _, alias := range sub.Aliases {
				if token == alias {
					return true
				}
			}
		}
		return false
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.ContainsRune(arg, '=') {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return false
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			sh := strings.TrimPrefix(arg, "-")
			flag := lookup(string(sh[len(sh)-1]), true)
			if flag == nil {
				return false
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommand(arg)
		}
	}
	return true
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := amgmcp.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, amgmcp.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "amgmcp",
		Short:         "amgmcp is an MCP proxy in front of Azure Managed Grafana with direct Loki/Prometheus fallbacks",
		SilenceErrors: true,
		Example: `
  # Proxy an Azure Managed Grafana workspace on :8000/mcp
  amgmcp --grafana-endpoint https://mygrafana-abcd.wcus.grafana.azure.com

  # Same, but with direct data-plane fallbacks for Loki and AMW PromQL
  AMGMCP_GRAFANA_ENDPOINT=https://mygrafana-abcd.wcus.grafana.azure.com \
  AMGMCP_LOKI_ENDPOINT=http://loki.internal:3100 \
  AMGMCP_AMW_QUERY_ENDPOINT=https://myamw-xyz.eastus.prometheus.monitor.azure.com \
  amgmcp

  # Serve the same tool catalog on stdio (for exec-style MCP clients)
  amgmcp stdio --grafana-endpoint https://mygrafana-abcd.wcus.grafana.azure.com
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := logfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to amgmcp",
				"app", "amgmcp",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg amgmcp.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logger = withConfiguredLevel(logger)

			server, err := amgmcp.NewServer(amgmcp.NewServerRequest{
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.amgmcp/"+amgmcp.DefaultConfigFileName+")")
	flags.String("listen", amgmcp.DefaultListen, "HTTP listen address for the MCP proxy")
	flags.String("mcp-path", amgmcp.DefaultMCPPath, "HTTP path for the MCP streamable endpoint")
	flags.StringP("grafana-endpoint", "g", "", "Azure Managed Grafana endpoint URL (required)")
	flags.String("grafana-resource", amgmcp.DefaultGrafanaResource, "AAD resource for Grafana data-plane tokens")
	flags.Int("grafana-org-id", amgmcp.DefaultGrafanaOrgID, "Grafana org id sent as X-Grafana-Org-Id")
	flags.Duration("grafana-http-timeout", amgmcp.DefaultGrafanaHTTPTimeout, "timeout for Grafana JSON API calls")
	flags.Duration("grafana-render-timeout", amgmcp.DefaultGrafanaRenderTimeout, "timeout for Grafana /render calls")
	flags.Duration("grafana-proxy-query-timeout", amgmcp.DefaultProxyQueryTimeout, "timeout for Grafana datasource proxy queries")
	flags.String("prometheus-datasource-uid", "", "default Prometheus datasource uid for the Grafana datasource proxy path")
	flags.String("amw-query-endpoint", "", "Azure Monitor workspace Prometheus query endpoint for the direct fallback path")
	flags.Duration("amw-timeout", amgmcp.DefaultAMWTimeout, "timeout for direct AMW PromQL queries")
	flags.String("loki-endpoint", "", "Loki base URL enabling the loki-direct query path")
	flags.Duration("loki-timeout", amgmcp.DefaultLokiTimeout, "timeout for direct Loki queries")
	flags.String("azure-client-id", "", "client id of a user-assigned managed identity (empty uses the system-assigned identity)")
	flags.String("default-dashboard-uid", amgmcp.DefaultDashboardUID, "dashboard uid used when tool callers omit one")
	flags.String("default-dashboard-title", amgmcp.DefaultDashboardTitle, "dashboard title answered by the deterministic search fallback")
	flags.String("loki-datasource-name", amgmcp.DefaultLokiDatasource, "name of the synthesised Loki datasource entry")
	flags.String("amw-datasource-name", amgmcp.DefaultAMWDatasource, "name of the synthesised Prometheus datasource entry")
	flags.StringToString("dashboard-template", nil, "dashboard template files as uid=path pairs (used when the Grafana API is unavailable)")
	flags.Bool("disable-template-watch", false, "disable fsnotify invalidation of parsed dashboard templates")
	flags.Duration("datasource-cache-ttl", amgmcp.DefaultDatasourceCacheTTL, "cache duration for datasource list responses (negative disables)")
	flags.StringSlice("backend-command", nil, "argv for the amg-mcp stdio backend (default derived from the Grafana endpoint)")
	flags.Bool("disable-backend", false, "run without the amg-mcp stdio backend")
	flags.Duration("backend-init-timeout", amgmcp.DefaultBackendInitTimeout, "timeout for the backend initialize handshake")
	flags.Duration("backend-tools-timeout", amgmcp.DefaultBackendToolsTimeout, "timeout for the backend tools/list call")
	flags.Duration("backend-tool-timeout", amgmcp.DefaultBackendToolTimeout, "timeout for forwarded backend tool calls (keep below client read timeouts)")
	flags.Duration("backend-prom-timeout", amgmcp.DefaultBackendPromTimeout, "timeout for the opt-in fast Prometheus attempt against the backend")
	flags.Bool("disable-backend-warmup", false, "skip the best-effort backend handshake at startup")
	flags.Bool("enable-write-tools", false, "unlock write-capable Grafana backend tools")
	flags.Bool("enable-azure-tools", false, "register the Azure Monitor passthrough tools (resource logs, resource graph, subscriptions)")
	flags.Bool("enable-direct-search", false, "let dashboard search hit the Grafana search API instead of the deterministic fallback")
	flags.Bool("enable-backend-prometheus", false, "let Prometheus queries fall back to the stdio backend as a last resort")
	flags.Bool("enable-backend-render-fallback", false, "consult the stdio backend when Grafana rendering fails and the placeholder is disabled")
	flags.Bool("disable-placeholder-render", false, "disable the 1x1 placeholder PNG answer when Grafana rendering fails")
	flags.Bool("disable-loki-datasource-list", false, "disable the synthesised loki-direct datasource list")
	flags.Bool("render-full-dashboard", false, "render whole dashboards when no panel id is given")
	flags.String("max-body", humanizeBytes(amgmcp.DefaultMaxBodyBytes), "maximum MCP request body size buffered by the compatibility layer")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("AMGMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "mcp-path",
		"grafana-endpoint", "grafana-resource", "grafana-org-id",
		"grafana-http-timeout", "grafana-render-timeout", "grafana-proxy-query-timeout",
		"prometheus-datasource-uid", "amw-query-endpoint", "amw-timeout",
		"loki-endpoint", "loki-timeout",
		"azure-client-id",
		"default-dashboard-uid", "default-dashboard-title",
		"loki-datasource-name", "amw-datasource-name",
		"dashboard-template", "disable-template-watch",
		"datasource-cache-ttl",
		"backend-command", "disable-backend",
		"backend-init-timeout", "backend-tools-timeout", "backend-tool-timeout", "backend-prom-timeout",
		"disable-backend-warmup",
		"enable-write-tools", "enable-azure-tools", "enable-direct-search",
		"enable-backend-prometheus", "enable-backend-render-fallback",
		"disable-placeholder-render", "disable-loki-datasource-list", "render-full-dashboard",
		"max-body",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newStdioCommand(baseLogger))
	cmd.AddCommand(newQueryCommand(baseLogger))
	cmd.AddCommand(newRemoteWriteCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *amgmcp.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MCPPath = viper.GetString("mcp-path")
	cfg.GrafanaEndpoint = viper.GetString("grafana-endpoint")
	cfg.GrafanaResource = viper.GetString("grafana-resource")
	cfg.GrafanaOrgID = viper.GetInt("grafana-org-id")
	cfg.GrafanaHTTPTimeout = viper.GetDuration("grafana-http-timeout")
	cfg.GrafanaRenderTimeout = viper.GetDuration("grafana-render-timeout")
	cfg.GrafanaProxyQueryTimeout = viper.GetDuration("grafana-proxy-query-timeout")
	cfg.PrometheusDatasourceUID = viper.GetString("prometheus-datasource-uid")
	cfg.AMWQueryEndpoint = viper.GetString("amw-query-endpoint")
	cfg.AMWTimeout = viper.GetDuration("amw-timeout")
	cfg.LokiEndpoint = viper.GetString("loki-endpoint")
	cfg.LokiTimeout = viper.GetDuration("loki-timeout")
	cfg.AzureClientID = viper.GetString("azure-client-id")
	cfg.DefaultDashboardUID = viper.GetString("default-dashboard-uid")
	cfg.DefaultDashboardTitle = viper.GetString("default-dashboard-title")
	cfg.LokiDatasourceName = viper.GetString("loki-datasource-name")
	cfg.AMWDatasourceName = viper.GetString("amw-datasource-name")
	if templates := viper.GetStringMapString("dashboard-template"); len(templates) > 0 {
		cfg.DashboardTemplates = make(map[string]string, len(templates))
		for uid, path := range templates {
			expanded, err := expandPath(path)
			if err != nil {
				return fmt.Errorf("expand dashboard template path %q: %w", path, err)
			}
			cfg.DashboardTemplates[uid] = expanded
		}
	}
	cfg.DisableTemplateWatch = viper.GetBool("disable-template-watch")
	cfg.DatasourceCacheTTL = viper.GetDuration("datasource-cache-ttl")
	cfg.BackendCommand = viper.GetStringSlice("backend-command")
	cfg.DisableBackend = viper.GetBool("disable-backend")
	cfg.BackendInitTimeout = viper.GetDuration("backend-init-timeout")
	cfg.BackendToolsTimeout = viper.GetDuration("backend-tools-timeout")
	cfg.BackendToolTimeout = viper.GetDuration("backend-tool-timeout")
	cfg.BackendPromTimeout = viper.GetDuration("backend-prom-timeout")
	cfg.DisableBackendWarmup = viper.GetBool("disable-backend-warmup")
	cfg.EnableWriteTools = viper.GetBool("enable-write-tools")
	cfg.EnableAzureTools = viper.GetBool("enable-azure-tools")
	cfg.EnableDirectSearch = viper.GetBool("enable-direct-search")
	cfg.EnableBackendPrometheus = viper.GetBool("enable-backend-prometheus")
	cfg.EnableBackendRenderFallback = viper.GetBool("enable-backend-render-fallback")
	cfg.DisablePlaceholderRender = viper.GetBool("disable-placeholder-render")
	cfg.DisableLokiDirectDatasourceList = viper.GetBool("disable-loki-datasource-list")
	cfg.RenderFullDashboard = viper.GetBool("render-full-dashboard")
	if maxBody := viper.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return nil
}

// withConfiguredLevel applies the log-level viper key to the logger.
func withConfiguredLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
