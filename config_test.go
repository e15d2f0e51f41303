package amgmcp

import (
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com/"}
	ApplyDefaults(&cfg)

	if cfg.Listen != DefaultListen {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.MCPPath != DefaultMCPPath {
		t.Fatalf("MCPPath = %q", cfg.MCPPath)
	}
	if cfg.GrafanaEndpoint != "https://g.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.GrafanaEndpoint)
	}
	if cfg.GrafanaResource != DefaultGrafanaResource || cfg.GrafanaOrgID != DefaultGrafanaOrgID {
		t.Fatalf("grafana defaults: %q org=%d", cfg.GrafanaResource, cfg.GrafanaOrgID)
	}
	if cfg.DatasourceCacheTTL != DefaultDatasourceCacheTTL {
		t.Fatalf("DatasourceCacheTTL = %s", cfg.DatasourceCacheTTL)
	}
	if cfg.BackendToolTimeout != DefaultBackendToolTimeout {
		t.Fatalf("BackendToolTimeout = %s", cfg.BackendToolTimeout)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
}

func TestApplyDefaultsDerivesBackendCommand(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com"}
	ApplyDefaults(&cfg)

	if len(cfg.BackendCommand) != 3 {
		t.Fatalf("BackendCommand = %v", cfg.BackendCommand)
	}
	if cfg.BackendCommand[0] != DefaultBackendBinary {
		t.Fatalf("binary = %q", cfg.BackendCommand[0])
	}
	if cfg.BackendCommand[1] != "--AmgMcpOptions:Transport=Stdio" {
		t.Fatalf("transport arg = %q", cfg.BackendCommand[1])
	}
	if want := "--AmgMcpOptions:AzureManagedGrafanaEndpoint=https://g.example.com"; cfg.BackendCommand[2] != want {
		t.Fatalf("endpoint arg = %q", cfg.BackendCommand[2])
	}
}

func TestApplyDefaultsHonorsDisableBackend(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com", DisableBackend: true}
	ApplyDefaults(&cfg)
	if len(cfg.BackendCommand) != 0 {
		t.Fatalf("BackendCommand = %v, want none", cfg.BackendCommand)
	}
}

func TestApplyDefaultsKeepsExplicitBackendCommand(t *testing.T) {
	t.Parallel()
	cfg := Config{
		GrafanaEndpoint: "https://g.example.com",
		BackendCommand:  []string{"/opt/amg-mcp", "--stdio"},
	}
	ApplyDefaults(&cfg)
	if len(cfg.BackendCommand) != 2 || cfg.BackendCommand[0] != "/opt/amg-mcp" {
		t.Fatalf("BackendCommand = %v", cfg.BackendCommand)
	}
}

func TestApplyDefaultsNegativeCacheTTLSurvives(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com", DatasourceCacheTTL: -1}
	ApplyDefaults(&cfg)
	if cfg.DatasourceCacheTTL != -1 {
		t.Fatalf("negative TTL overwritten: %s", cfg.DatasourceCacheTTL)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	valid := Config{Listen: ":8000", MCPPath: "/mcp", GrafanaEndpoint: "https://g.example.com"}
	if err := ValidateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]Config{
		"missing listen":   {MCPPath: "/mcp", GrafanaEndpoint: "https://g.example.com"},
		"missing endpoint": {Listen: ":8000", MCPPath: "/mcp"},
		"bad endpoint":     {Listen: ":8000", MCPPath: "/mcp", GrafanaEndpoint: "g.example.com"},
		"bad mcp path":     {Listen: ":8000", MCPPath: "mcp", GrafanaEndpoint: "https://g.example.com"},
	}
	for name, cfg := range cases {
		if err := ValidateConfig(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCleanHTTPPath(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":       DefaultMCPPath,
		"  ":     DefaultMCPPath,
		"/mcp":   "/mcp",
		"mcp":    "/mcp",
		"/mcp/":  "/mcp",
		"/mcp//": "/mcp",
		"/":      "/",
	}
	for in, want := range cases {
		if got := cleanHTTPPath(in); got != want {
			t.Fatalf("cleanHTTPPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDatasourceCacheTTL(t *testing.T) {
	t.Parallel()
	cache := newDatasourceCache(50 * time.Millisecond)
	if _, ok := cache.get(); ok {
		t.Fatalf("empty cache reported a hit")
	}
	cache.set([]byte(`{"ok":true}`))
	got, ok := cache.get()
	if !ok || !strings.Contains(string(got), `"ok":true`) {
		t.Fatalf("cache miss after set: %q ok=%v", got, ok)
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := cache.get(); ok {
		t.Fatalf("cache hit after TTL expiry")
	}
}

func TestDatasourceCacheDisabled(t *testing.T) {
	t.Parallel()
	cache := newDatasourceCache(-1)
	cache.set([]byte(`{"ok":true}`))
	if _, ok := cache.get(); ok {
		t.Fatalf("disabled cache stored a value")
	}
}
