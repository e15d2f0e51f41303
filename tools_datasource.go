package amgmcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/amgmcp/internal/backend"
	"pkt.systems/amgmcp/internal/lokiapi"
	"pkt.systems/amgmcp/internal/promapi"
)

const rbacHint = "If AMW direct returns HTTP 403, ensure the proxy's managed identity has 'Monitoring Data Reader' on the Azure Monitor workspace and allow time for RBAC propagation."

// datasourceCache holds the last successful datasource list briefly so
// investigation workflows stay snappy and slow calls do not pile up into
// client-side timeouts.
type datasourceCache struct {
	ttl time.Duration

	mu    sync.Mutex
	value json.RawMessage
	at    time.Time
}

func newDatasourceCache(ttl time.Duration) *datasourceCache {
	return &datasourceCache{ttl: ttl}
}

func (c *datasourceCache) get() (json.RawMessage, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || time.Since(c.at) > c.ttl {
		return nil, false
	}
	return c.value, true
}

func (c *datasourceCache) set(value json.RawMessage) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.at = time.Now()
}

// backendCall forwards a tool call to the stdio backend, answering a
// structured failure envelope when no backend is configured.
func (s *server) backendCall(ctx context.Context, name string, args map[string]any) json.RawMessage {
	if s.backend == nil {
		data, _ := json.Marshal(toolFailure{
			ErrorType: "RuntimeError",
			Error:     "amg-mcp stdio backend is not configured",
			Hint:      "Set the backend command (or the Grafana endpoint it is derived from) to enable backend tool calls.",
		})
		return data
	}
	return s.backend.Call(ctx, name, args)
}

func (s *server) backendCallTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) json.RawMessage {
	if s.backend == nil {
		return s.backendCall(ctx, name, args)
	}
	return s.backend.CallTimeout(ctx, name, args, timeout)
}

type datasourceEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type datasourceListInput struct{}

func (s *server) handleDatasourceListTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ datasourceListInput) (*mcpsdk.CallToolResult, any, error) {
	if cached, ok := s.dsCache.get(); ok {
		return rawResult(cached), nil, nil
	}

	// With direct Loki access configured, a minimal synthesised list beats a
	// slow round trip through the stdio backend.
	if s.loki != nil && !s.cfg.DisableLokiDirectDatasourceList {
		out, err := json.Marshal(map[string]any{
			"ok":     true,
			"source": "loki-direct",
			"datasources": []datasourceEntry{
				{Name: s.cfg.LokiDatasourceName, Type: "loki", URL: s.cfg.LokiEndpoint},
			},
		})
		if err != nil {
			return nil, nil, err
		}
		s.dsCache.set(out)
		return rawResult(out), nil, nil
	}

	// The Grafana data-plane /api/datasources call can return 401 in some
	// managed identity setups; the backend keeps behavior stable.
	out := s.backendCall(ctx, toolDatasourceList, map[string]any{})

	if backend.IsTimeoutFailure(out) {
		var datasources []datasourceEntry
		if s.loki != nil {
			datasources = append(datasources, datasourceEntry{Name: s.cfg.LokiDatasourceName, Type: "loki", URL: s.cfg.LokiEndpoint})
		}
		if s.amw != nil {
			datasources = append(datasources, datasourceEntry{Name: s.cfg.AMWDatasourceName, Type: "prometheus", URL: s.cfg.AMWQueryEndpoint})
		}
		if len(datasources) > 0 {
			fallback, err := json.Marshal(map[string]any{
				"ok":          true,
				"source":      "direct-fallback",
				"datasources": datasources,
			})
			if err != nil {
				return nil, nil, err
			}
			out = fallback
		}
	}
	if !backend.IsFailure(out) {
		s.dsCache.set(out)
	}
	return rawResult(out), nil, nil
}

// queryDatasourceInput accepts the argument spellings observed from various
// MCP clients; the strictest agreed-upon names are the camelCase ones.
type queryDatasourceInput struct {
	DatasourceUID      *string `json:"datasourceUid,omitempty"`
	DatasourceUIDUpper *string `json:"datasourceUID,omitempty"`
	DatasourceUIDSnake *string `json:"datasource_uid,omitempty"`
	DatasourceName     *string `json:"datasourceName,omitempty"`
	DatasourceNameLower *string `json:"datasourcename,omitempty"`

	Query *string `json:"query,omitempty"`
	Expr  *string `json:"expr,omitempty"`
	Limit *int    `json:"limit,omitempty"`

	FromMs         *int64 `json:"fromMs,omitempty"`
	ToMs           *int64 `json:"toMs,omitempty"`
	FromMsLower    *int64 `json:"fromms,omitempty"`
	ToMsLower      *int64 `json:"toms,omitempty"`
	StartTime      *int64 `json:"startTime,omitempty"`
	EndTime        *int64 `json:"endTime,omitempty"`
	StartTimeLower *int64 `json:"starttime,omitempty"`
	EndTimeLower   *int64 `json:"endtime,omitempty"`
}

func firstString(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// backendArgs mirrors the caller's arguments under every key spelling the
// backend tool might accept; unsupported keys are filtered before the call.
func (in queryDatasourceInput) backendArgs() map[string]any {
	args := map[string]any{}
	if in.DatasourceUID != nil {
		args["datasourceUid"] = *in.DatasourceUID
	}
	if in.DatasourceUIDUpper != nil {
		args["datasourceUID"] = *in.DatasourceUIDUpper
	}
	if in.DatasourceUIDSnake != nil {
		args["datasource_uid"] = *in.DatasourceUIDSnake
	}
	if name := firstString(in.DatasourceName, in.DatasourceNameLower); name != nil {
		args["datasourceName"] = *name
	}
	if in.Query != nil {
		args["query"] = *in.Query
	}
	if in.Expr != nil {
		args["expr"] = *in.Expr
	}
	if q := firstString(in.Query, in.Expr); q != nil && strings.TrimSpace(*q) != "" {
		if _, ok := args["query"]; !ok {
			args["query"] = *q
		}
		if _, ok := args["expr"]; !ok {
			args["expr"] = *q
		}
	}
	if in.Limit != nil {
		args["limit"] = *in.Limit
	}
	if from := firstInt64(in.FromMs, in.FromMsLower); from != nil {
		args["from"] = *from
		args["startTime"] = *from
	}
	if to := firstInt64(in.ToMs, in.ToMsLower); to != nil {
		args["to"] = *to
		args["endTime"] = *to
	}
	if in.StartTime != nil {
		args["startTime"] = *in.StartTime
	}
	if in.EndTime != nil {
		args["endTime"] = *in.EndTime
	}
	return args
}

func (s *server) handleQueryDatasourceTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in queryDatasourceInput) (*mcpsdk.CallToolResult, any, error) {
	args := in.backendArgs()
	dsName := firstString(in.DatasourceName, in.DatasourceNameLower)
	startMs := firstInt64(in.FromMs, in.FromMsLower, in.StartTime, in.StartTimeLower)
	endMs := firstInt64(in.ToMs, in.ToMsLower, in.EndTime, in.EndTimeLower)

	if dsName != nil && promapi.MatchesDatasourceName(*dsName) {
		return s.queryPrometheus(ctx, in, args, startMs, endMs), nil, nil
	}

	// Loki-direct wins when the datasource looks like Loki and a direct
	// endpoint is configured.
	if dsName != nil && lokiapi.MatchesDatasourceName(*dsName) && s.loki != nil {
		return s.queryLokiDirect(ctx, in, startMs, endMs), nil, nil
	}

	return rawResult(s.backendCall(ctx, toolQueryDatasource, args)), nil, nil
}

// queryPrometheus avoids the stdio backend by default: it can stall long
// enough to hit common MCP client read timeouts. The order is Grafana's
// datasource proxy (server-side auth), then direct AMW PromQL, then an
// opt-in bounded backend attempt.
func (s *server) queryPrometheus(ctx context.Context, in queryDatasourceInput, args map[string]any, startMs, endMs *int64) *mcpsdk.CallToolResult {
	expr := firstString(in.Expr, in.Query)
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return failureResult("ValueError", "expr (PromQL) is required", "", map[string]any{"source": "prometheus"})
	}
	if startMs == nil || endMs == nil {
		return failureResult("ValueError", "fromMs/toMs (or startTime/endTime) are required", "", map[string]any{"source": "prometheus"})
	}

	var proxyErr, amwErr *errInfo
	var backendResp json.RawMessage

	uid := firstString(in.DatasourceUID, in.DatasourceUIDUpper, in.DatasourceUIDSnake)
	if uid == nil && strings.TrimSpace(s.cfg.PrometheusDatasourceUID) != "" {
		uid = &s.cfg.PrometheusDatasourceUID
	}
	if uid != nil {
		payload, err := s.grafana.ProxyQueryRange(ctx, *uid, *expr, *startMs, *endMs, 60)
		if err == nil {
			return jsonResult(map[string]any{
				"ok":            true,
				"source":        "grafana-datasource-proxy",
				"datasourceUid": *uid,
				"result":        payload,
			})
		}
		proxyErr = errInfoFrom(err)
		s.toolLog.Warn("grafana datasource proxy query failed", "datasource_uid", *uid, "error", err.Error())
	}

	if s.amw != nil {
		payload, err := s.amw.QueryRange(ctx, *expr, *startMs, *endMs, 60)
		if err == nil {
			return jsonResult(map[string]any{
				"ok":           true,
				"source":       "amw-direct",
				"result":       payload,
				"grafanaProxy": proxyErr,
			})
		}
		amwErr = errInfoFrom(err)
		s.toolLog.Warn("amw direct query failed", "error", err.Error())
	}

	if s.cfg.EnableBackendPrometheus {
		backendResp = s.backendCallTimeout(ctx, toolQueryDatasource, args, s.cfg.BackendPromTimeout)
		if !backend.IsFailure(backendResp) {
			return rawResult(backendResp)
		}
	}

	return failureResult("RuntimeError", "All Prometheus query strategies failed", rbacHint, map[string]any{
		"source":       "prometheus",
		"grafanaProxy": proxyErr,
		"amw":          amwErr,
		"backend":      backendResp,
	})
}

func (s *server) queryLokiDirect(ctx context.Context, in queryDatasourceInput, startMs, endMs *int64) *mcpsdk.CallToolResult {
	query := firstString(in.Query, in.Expr)
	if query == nil || strings.TrimSpace(*query) == "" {
		return failureResult("ValueError", "query is required", "", map[string]any{"source": "loki-direct"})
	}
	if startMs == nil || endMs == nil {
		return failureResult("ValueError", "fromMs/toMs (or startTime/endTime) are required", "", map[string]any{"source": "loki-direct"})
	}
	payload, err := s.loki.QueryRange(ctx, lokiapi.RangeParams{
		Query:   *query,
		StartMs: *startMs,
		EndMs:   *endMs,
		Limit:   in.Limit,
	})
	if err != nil {
		return failureResult(classifyToolError(err), err.Error(), "", map[string]any{"source": "loki-direct"})
	}
	return jsonResult(map[string]any{
		"ok":     true,
		"source": "loki-direct",
		"result": payload,
	})
}
