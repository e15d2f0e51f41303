package amgmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"
)

func connectTestClient(t *testing.T, s *server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	mcpSrv := s.buildMCPServer()
	t1, t2 := mcpsdk.NewInMemoryTransports()
	ss, err := mcpSrv.Connect(ctx, t1, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "amgmcp-test", Version: "0.0.0"}, nil)
	cs, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callToolJSON(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	text := resultText(t, res)
	var envelope map[string]any
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		t.Fatalf("tool %s answered non-JSON %q: %v", name, text, err)
	}
	return envelope
}

func TestToolsListRegistersProxyCatalog(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, nil))

	list, err := cs.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	got := make(map[string]bool, len(list.Tools))
	for _, tool := range list.Tools {
		got[tool.Name] = true
	}
	for _, name := range proxyToolNames {
		if !got[name] {
			t.Fatalf("tool %s not registered; got %v", name, got)
		}
	}
	for _, name := range azureToolNames {
		if got[name] {
			t.Fatalf("azure tool %s registered without opt-in", name)
		}
	}
}

func TestToolsListIncludesAzureToolsWhenEnabled(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, func(cfg *Config) {
		cfg.EnableAzureTools = true
	}))

	list, err := cs.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	got := make(map[string]bool, len(list.Tools))
	for _, tool := range list.Tools {
		got[tool.Name] = true
	}
	for _, name := range azureToolNames {
		if !got[name] {
			t.Fatalf("azure tool %s missing after opt-in", name)
		}
	}
}

func TestDatasourceListSynthesisesLokiEntry(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, nil))

	envelope := callToolJSON(t, cs, toolDatasourceList, nil)
	if envelope["ok"] != true || envelope["source"] != "loki-direct" {
		t.Fatalf("envelope = %v", envelope)
	}
	datasources, _ := envelope["datasources"].([]any)
	if len(datasources) != 1 {
		t.Fatalf("datasources = %v", envelope["datasources"])
	}
	entry, _ := datasources[0].(map[string]any)
	if entry["name"] != DefaultLokiDatasource || entry["type"] != "loki" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestDashboardSearchAnswersFallback(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, nil))

	envelope := callToolJSON(t, cs, toolDashboardSearch, map[string]any{"query": "grocery sre overview"})
	if envelope["ok"] != true || envelope["source"] != "fallback" {
		t.Fatalf("envelope = %v", envelope)
	}
	result, _ := envelope["result"].([]any)
	if len(result) != 1 {
		t.Fatalf("result = %v", envelope["result"])
	}
	hit, _ := result[0].(map[string]any)
	if hit["uid"] != DefaultDashboardUID {
		t.Fatalf("hit = %v", hit)
	}
}

func TestQueryDatasourcePrometheusRequiresExpr(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, nil))

	envelope := callToolJSON(t, cs, toolQueryDatasource, map[string]any{
		"datasourceName": "Prometheus (AMW)",
		"fromMs":         1000,
		"toMs":           2000,
	})
	if envelope["ok"] != false || envelope["errorType"] != "ValueError" {
		t.Fatalf("envelope = %v", envelope)
	}
	if envelope["source"] != "prometheus" {
		t.Fatalf("source = %v", envelope["source"])
	}
}

func TestQueryDatasourceLokiRequiresBounds(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, nil))

	envelope := callToolJSON(t, cs, toolQueryDatasource, map[string]any{
		"datasourceName": "Loki (grocery)",
		"query":          `{app="grocery-api"}`,
	})
	if envelope["ok"] != false || envelope["errorType"] != "ValueError" {
		t.Fatalf("envelope = %v", envelope)
	}
	if envelope["source"] != "loki-direct" {
		t.Fatalf("source = %v", envelope["source"])
	}
}

func TestBackendPassthroughWithoutBackendAnswersRuntimeError(t *testing.T) {
	t.Parallel()
	cs := connectTestClient(t, newTestServer(t, func(cfg *Config) {
		cfg.EnableAzureTools = true
	}))

	envelope := callToolJSON(t, cs, toolAzureSubscriptions, nil)
	if envelope["ok"] != false || envelope["errorType"] != "RuntimeError" {
		t.Fatalf("envelope = %v", envelope)
	}
	if msg, _ := envelope["error"].(string); !strings.Contains(msg, "not configured") {
		t.Fatalf("error = %v", envelope["error"])
	}
}

func TestNewServerWarnsWhenDefaultTemplateMissing(t *testing.T) {
	t.Parallel()
	var logBuf bytes.Buffer
	logger := pslog.NewWithOptions(&logBuf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	cfg := Config{
		GrafanaEndpoint:      "http://127.0.0.1:1",
		DisableBackend:       true,
		DisableBackendWarmup: true,
		DisableTemplateWatch: true,
		DatasourceCacheTTL:   -1,
	}
	if _, err := NewServer(NewServerRequest{Config: cfg, Logger: logger}); err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if !strings.Contains(logBuf.String(), "no dashboard template registered") {
		t.Fatalf("missing template warning not logged: %s", logBuf.String())
	}
}

func TestHandleProbe(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	cases := map[string]map[string]string{
		"/":        {"name": "amg-mcp-http-proxy", "status": "ok"},
		"/healthz": {"status": "ok"},
	}
	for path, want := range cases {
		rec := httptest.NewRecorder()
		s.handleProbe(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
		var probe map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &probe); err != nil {
			t.Fatalf("probe body %q: %v", rec.Body.String(), err)
		}
		if len(probe) != len(want) {
			t.Fatalf("GET %s probe = %v, want %v", path, probe, want)
		}
		for k, v := range want {
			if probe[k] != v {
				t.Fatalf("GET %s probe = %v, want %v", path, probe, want)
			}
		}
	}

	rec := httptest.NewRecorder()
	s.handleProbe(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /other = %d", rec.Code)
	}
}
