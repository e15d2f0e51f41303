package amgmcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// writeTools names the backend tools that mutate Grafana state. None of the
// currently forwarded tools do, so the set is empty; gating stays in place
// for when write-capable tools are added.
var writeTools = map[string]struct{}{}

func (s *server) requireWriteEnabled(tool string) error {
	if _, ok := writeTools[tool]; !ok {
		return nil
	}
	if s.cfg.EnableWriteTools {
		return nil
	}
	return valueErrorf("%s is disabled by default. Enable write tools to use write-capable Grafana tools.", tool)
}

type resourceLogInput struct {
	Query      *string        `json:"query,omitempty"`
	KQL        *string        `json:"kql,omitempty"`
	ResourceID *string        `json:"resourceId,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func (s *server) handleResourceLogTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in resourceLogInput) (*mcpsdk.CallToolResult, any, error) {
	if err := s.requireWriteEnabled(toolQueryResourceLog); err != nil {
		return nil, nil, err
	}
	args := map[string]any{}
	for k, v := range in.Arguments {
		args[k] = v
	}
	if q := firstString(in.Query, in.KQL); q != nil {
		if _, ok := args["query"]; !ok {
			args["query"] = *q
		}
		if _, ok := args["kql"]; !ok {
			args["kql"] = *q
		}
	}
	if in.ResourceID != nil {
		if _, ok := args["resourceId"]; !ok {
			args["resourceId"] = *in.ResourceID
		}
	}
	return rawResult(s.backendCall(ctx, toolQueryResourceLog, args)), nil, nil
}

type resourceGraphInput struct {
	Query         *string        `json:"query,omitempty"`
	KQL           *string        `json:"kql,omitempty"`
	Subscriptions []string       `json:"subscriptions,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

func (s *server) handleResourceGraphTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in resourceGraphInput) (*mcpsdk.CallToolResult, any, error) {
	if err := s.requireWriteEnabled(toolQueryResourceGraph); err != nil {
		return nil, nil, err
	}
	args := map[string]any{}
	for k, v := range in.Arguments {
		args[k] = v
	}
	if q := firstString(in.Query, in.KQL); q != nil {
		if _, ok := args["query"]; !ok {
			args["query"] = *q
		}
		if _, ok := args["kql"]; !ok {
			args["kql"] = *q
		}
	}
	if in.Subscriptions != nil {
		if _, ok := args["subscriptions"]; !ok {
			args["subscriptions"] = in.Subscriptions
		}
	}
	return rawResult(s.backendCall(ctx, toolQueryResourceGraph, args)), nil, nil
}

type azureSubscriptionsInput struct {
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *server) handleAzureSubscriptionsTool(ctx context.Context, _ *mcpsdk.CallToolRequest, in azureSubscriptionsInput) (*mcpsdk.CallToolResult, any, error) {
	if err := s.requireWriteEnabled(toolAzureSubscriptions); err != nil {
		return nil, nil, err
	}
	args := map[string]any{}
	for k, v := range in.Arguments {
		args[k] = v
	}
	return rawResult(s.backendCall(ctx, toolAzureSubscriptions, args)), nil, nil
}
