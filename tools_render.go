package amgmcp

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/amgmcp/internal/grafana"
)

// placeholderPNGBase64 is a 1x1 transparent PNG returned when Grafana's
// render endpoint rejects the request. Azure Managed Grafana does not allow
// AAD-authenticated access to /render in all configurations, and connector
// flows break on hard render failures.
const placeholderPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMCAO5N5sYAAAAASUVORK5CYII="

const renderHint = "Azure Managed Grafana may not allow AAD-authenticated access to the /render endpoint in all configurations. This proxy can return a placeholder image to keep connector flows reliable."

type imageRenderInput struct {
	DashboardUID *string        `json:"dashboardUid,omitempty"`
	UID          *string        `json:"uid,omitempty"`
	PanelID      *int           `json:"panelId,omitempty"`
	FromMs       *int64         `json:"fromMs,omitempty"`
	ToMs         *int64         `json:"toMs,omitempty"`
	Width        *int           `json:"width,omitempty"`
	Height       *int           `json:"height,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

func (in imageRenderInput) backendArgs() map[string]any {
	args := map[string]any{}
	for k, v := range in.Arguments {
		args[k] = v
	}
	setDefault := func(key string, value any) {
		if _, ok := args[key]; !ok {
			args[key] = value
		}
	}
	if uid := firstString(in.DashboardUID, in.UID); uid != nil {
		setDefault("dashboardUid", *uid)
		setDefault("uid", *uid)
	}
	if in.PanelID != nil {
		setDefault("panelId", *in.PanelID)
	}
	if in.FromMs != nil {
		setDefault("from", *in.FromMs)
		setDefault("fromMs", *in.FromMs)
	}
	if in.ToMs != nil {
		setDefault("to", *in.ToMs)
		setDefault("toMs", *in.ToMs)
	}
	if in.Width != nil {
		setDefault("width", *in.Width)
	}
	if in.Height != nil {
		setDefault("height", *in.Height)
	}
	return args
}

// panelIDAlias pulls a panel id out of the free-form arguments map. Numbers
// arrive as float64 after JSON decoding; some connectors send strings.
func panelIDAlias(args map[string]any) *int {
	switch v := args["panelId"].(type) {
	case float64:
		id := int(v)
		return &id
	case int:
		return &v
	case string:
		if id, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return &id
		}
	}
	return nil
}

func (s *server) handleImageRenderTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in imageRenderInput) (*mcpsdk.CallToolResult, any, error) {
	uid := ""
	if v := firstString(in.DashboardUID, in.UID); v != nil {
		uid = strings.TrimSpace(*v)
	}
	panelID := in.PanelID
	if panelID == nil {
		panelID = panelIDAlias(in.Arguments)
	}

	png, err := s.grafana.RenderPNG(ctx, grafana.RenderRequest{
		DashboardUID:  uid,
		PanelID:       panelID,
		FullDashboard: s.cfg.RenderFullDashboard,
		FromMs:        in.FromMs,
		ToMs:          in.ToMs,
		Width:         in.Width,
		Height:        in.Height,
	})
	if err == nil {
		return jsonResult(map[string]any{
			"ok":          true,
			"source":      "grafana-direct",
			"contentType": "image/png",
			"imageBase64": base64.StdEncoding.EncodeToString(png),
			"bytes":       len(png),
		}), nil, nil
	}
	s.toolLog.Warn("grafana render failed", "uid", uid, "error", err.Error())

	warning := map[string]any{
		"errorType": classifyToolError(err),
		"error":     err.Error(),
		"hint":      renderHint,
	}

	if !s.cfg.DisablePlaceholderRender {
		placeholder, decodeErr := base64.StdEncoding.DecodeString(placeholderPNGBase64)
		if decodeErr != nil {
			return nil, nil, decodeErr
		}
		return jsonResult(map[string]any{
			"ok":          true,
			"source":      "placeholder",
			"contentType": "image/png",
			"imageBase64": placeholderPNGBase64,
			"bytes":       len(placeholder),
			"warning":     warning,
		}), nil, nil
	}

	extra := map[string]any{"source": "grafana-direct"}
	// Off by default: amg-mcp can stall long enough for the whole request
	// to exceed client timeouts.
	if s.cfg.EnableBackendRenderFallback {
		extra["backend"] = s.backendCall(ctx, toolImageRender, in.backendArgs())
	}
	return failureResult(classifyToolError(err), err.Error(), renderHint, extra), nil, nil
}
