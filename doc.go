// Package amgmcp implements an MCP streamable HTTP proxy in front of Azure
// Managed Grafana. It exposes a small set of read-only investigation tools
// (datasource listing, PromQL/LogQL queries, dashboard summaries, panel data
// and panel rendering) that authenticate with the proxy's managed identity
// and degrade gracefully: every tool tries a fast direct data-plane path
// first and falls back to the amg-mcp stdio backend, a baked-in dashboard
// template, or a deterministic answer before surfacing a structured error
// envelope.
package amgmcp
