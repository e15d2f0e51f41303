package amgmcp

import (
	"context"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/amgmcp/internal/dashtmpl"
	"pkt.systems/amgmcp/internal/lokiapi"
)

type panelDataInput struct {
	DashboardUID *string           `json:"dashboardUid,omitempty"`
	UID          *string           `json:"uid,omitempty"`
	PanelTitle   *string           `json:"panelTitle,omitempty"`
	App          *string           `json:"app,omitempty"`
	TemplateVars map[string]string `json:"templateVars,omitempty"`
	FromMs       *int64            `json:"fromMs,omitempty"`
	ToMs         *int64            `json:"toMs,omitempty"`
	StepMs       *int64            `json:"stepMs,omitempty"`
	Limit        *int              `json:"limit,omitempty"`
}

// handlePanelDataTool answers the data behind a panel without rendering: it
// reads the dashboard template, extracts the panel's Loki query, resolves
// template variables, and runs query_range directly.
func (s *server) handlePanelDataTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in panelDataInput) (*mcpsdk.CallToolResult, any, error) {
	uid := s.cfg.DefaultDashboardUID
	if v := firstString(in.DashboardUID, in.UID); v != nil && strings.TrimSpace(*v) != "" {
		uid = strings.TrimSpace(*v)
	}
	if uid == "" {
		return failureResult("ValueError", "dashboardUid is required", "", map[string]any{"source": "template"}), nil, nil
	}

	title := ""
	if in.PanelTitle != nil {
		title = strings.TrimSpace(*in.PanelTitle)
	}
	if title == "" {
		return failureResult("ValueError", "panelTitle is required", "", map[string]any{"source": "template"}), nil, nil
	}

	overrides := map[string]string{}
	if in.App != nil {
		if app := strings.TrimSpace(*in.App); app != "" {
			overrides["app"] = app
		}
	}
	for k, v := range in.TemplateVars {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key != "" && val != "" {
			overrides[key] = val
		}
	}

	if s.loki == nil {
		return failureResult("RuntimeError", "no Loki endpoint is configured", "", map[string]any{"source": "loki-direct"}), nil, nil
	}

	// Default window: last 60 minutes, 30 second step.
	nowMs := time.Now().UnixMilli()
	endMs := nowMs
	if in.ToMs != nil {
		endMs = *in.ToMs
	}
	startMs := endMs - 60*60*1000
	if in.FromMs != nil {
		startMs = *in.FromMs
	}
	if endMs <= startMs {
		return failureResult("ValueError", "toMs must be > fromMs", "", map[string]any{"source": "loki-direct"}), nil, nil
	}
	stepMs := int64(30_000)
	if in.StepMs != nil {
		stepMs = *in.StepMs
	}
	if stepMs <= 0 {
		return failureResult("ValueError", "stepMs must be > 0", "", map[string]any{"source": "loki-direct"}), nil, nil
	}

	panel, expr, err := s.templates.PanelQuery(uid, title, "A")
	if err != nil {
		return failureResult(classifyToolError(err), err.Error(), "", map[string]any{"source": "template"}), nil, nil
	}
	vars, err := s.templates.DefaultVars(uid)
	if err != nil {
		return failureResult(classifyToolError(err), err.Error(), "", map[string]any{"source": "template"}), nil, nil
	}
	for k, v := range dashtmpl.MacroVars(startMs, endMs, stepMs) {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	effectiveExpr := dashtmpl.ApplyVars(expr, vars)

	stepSeconds := float64(stepMs) / 1000.0
	payload, err := s.loki.QueryRange(ctx, lokiapi.RangeParams{
		Query:       effectiveExpr,
		StartMs:     startMs,
		EndMs:       endMs,
		Limit:       in.Limit,
		StepSeconds: &stepSeconds,
	})
	if err != nil {
		return failureResult(classifyToolError(err), err.Error(), "", map[string]any{"source": "template"}), nil, nil
	}

	return jsonResult(map[string]any{
		"ok":           true,
		"source":       "loki-direct",
		"dashboardUid": uid,
		"panel":        panel,
		"query": map[string]any{
			"expr":   effectiveExpr,
			"fromMs": startMs,
			"toMs":   endMs,
			"stepMs": stepMs,
			"vars":   vars,
		},
		"result": payload,
	}), nil, nil
}
