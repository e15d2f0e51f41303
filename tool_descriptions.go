package amgmcp

import (
	"strings"
)

const (
	toolDatasourceList     = "amgmcp_datasource_list"
	toolQueryDatasource    = "amgmcp_query_datasource"
	toolDashboardSearch    = "amgmcp_dashboard_search"
	toolDashboardSummary   = "amgmcp_get_dashboard_summary"
	toolImageRender        = "amgmcp_image_render"
	toolPanelData          = "amgmcp_get_panel_data"
	toolQueryResourceLog   = "amgmcp_query_resource_log"
	toolQueryResourceGraph = "amgmcp_query_resource_graph"
	toolAzureSubscriptions = "amgmcp_query_azure_subscriptions"
)

var proxyToolNames = []string{
	toolDatasourceList,
	toolQueryDatasource,
	toolDashboardSearch,
	toolDashboardSummary,
	toolImageRender,
	toolPanelData,
}

var azureToolNames = []string{
	toolQueryResourceLog,
	toolQueryResourceGraph,
	toolAzureSubscriptions,
}

type toolContract struct {
	Top      []string
	Purpose  string
	UseWhen  string
	Requires string
	Effects  string
	Retry    string
	Next     string
}

func formatToolDescription(spec toolContract) string {
	lines := make([]string, 0, len(spec.Top)+6)
	for _, line := range spec.Top {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, []string{
		"Purpose: " + spec.Purpose,
		"Use when: " + spec.UseWhen,
		"Requires: " + spec.Requires,
		"Effects: " + spec.Effects,
		"Retry: " + spec.Retry,
		"Next: " + spec.Next,
	}...)
	return strings.Join(lines, "\n")
}

const envelopeLine = "RESULT: Responses are JSON envelopes with ok/source fields; ok=false carries errorType, error and a hint."

func buildToolDescriptions(cfg Config) map[string]string {
	dashboardUID := strings.TrimSpace(cfg.DefaultDashboardUID)
	if dashboardUID == "" {
		dashboardUID = DefaultDashboardUID
	}

	return map[string]string{
		toolDatasourceList: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "List the Grafana datasources the proxy can query.",
			UseWhen:  "You need a datasource uid or name before running a query.",
			Requires: "Nothing.",
			Effects:  "Read-only; responses are cached briefly.",
			Retry:    "Safe to retry.",
			Next:     "Call " + toolQueryDatasource + " with a datasource name or uid.",
		}),
		toolQueryDatasource: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Run a PromQL or LogQL query against a Grafana datasource.",
			UseWhen:  "You need metric samples or log lines for a time window.",
			Requires: "datasourceName (or datasourceUid), query/expr, and a from/to window in milliseconds.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry; tighten the window if the query times out.",
			Next:     "Inspect result.data for samples or streams.",
		}),
		toolDashboardSearch: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Find dashboards by title.",
			UseWhen:  "You need a dashboard uid.",
			Requires: "Optional query/title string.",
			Effects:  "Read-only; may answer from a deterministic fallback.",
			Retry:    "Safe to retry.",
			Next:     "Call " + toolDashboardSummary + " with the uid (default " + dashboardUID + ").",
		}),
		toolDashboardSummary: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Summarise a dashboard: title, template variables, and panels with ids and types.",
			UseWhen:  "You need panel titles or ids before fetching panel data or rendering an image.",
			Requires: "Optional uid; defaults to " + dashboardUID + ".",
			Effects:  "Read-only; falls back to a bundled dashboard template when Grafana is unreachable.",
			Retry:    "Safe to retry.",
			Next:     "Call " + toolPanelData + " or " + toolImageRender + " with a panel from the summary.",
		}),
		toolImageRender: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Render a dashboard panel as a PNG.",
			UseWhen:  "You need a visual snapshot of a panel or dashboard.",
			Requires: "Optional dashboardUid/panelId/fromMs/toMs/width/height.",
			Effects:  "Read-only; may answer with a placeholder image when the renderer is unavailable.",
			Retry:    "Safe to retry.",
			Next:     "Decode imageBase64 as PNG.",
		}),
		toolPanelData: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Fetch the data behind a dashboard panel by title, resolving template variables.",
			UseWhen:  "You want the numbers or log lines a panel displays.",
			Requires: "panelTitle; optional uid, fromMs/toMs/stepMs, app, templateVars.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry; tighten the window if the query times out.",
			Next:     "Inspect result.data; the resolved query is echoed back.",
		}),
		toolQueryResourceLog: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Run KQL against Azure Monitor resource logs through Grafana's Azure Monitor datasource.",
			UseWhen:  "You need platform logs for an Azure resource.",
			Requires: "query (KQL) and usually resourceId.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry.",
			Next:     "Inspect the returned rows.",
		}),
		toolQueryResourceGraph: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "Run an Azure Resource Graph query.",
			UseWhen:  "You need resource inventory or topology.",
			Requires: "query (KQL); optional subscriptions list.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry.",
			Next:     "Inspect the returned rows.",
		}),
		toolAzureSubscriptions: formatToolDescription(toolContract{
			Top:      []string{envelopeLine},
			Purpose:  "List subscriptions visible to Grafana's Azure Monitor datasource.",
			UseWhen:  "You need subscription ids for resource graph queries.",
			Requires: "Nothing.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry.",
			Next:     "Feed ids into " + toolQueryResourceGraph + ".",
		}),
	}
}
