package amgmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/logfields"
)

// toolFailure is the uniform error envelope tools answer with when every
// strategy fails. Agents key off errorType and hint rather than MCP
// protocol errors, so failures still travel as tool results.
type toolFailure struct {
	OK        bool   `json:"ok"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Hint      string `json:"hint,omitempty"`
}

// errInfo captures why one strategy in a chain was skipped or failed.
type errInfo struct {
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

func errInfoFrom(err error) *errInfo {
	if err == nil {
		return nil
	}
	return &errInfo{ErrorType: classifyToolError(err), Error: err.Error()}
}

// valueError marks caller mistakes (missing or malformed arguments).
type valueError struct{ msg string }

func (e *valueError) Error() string { return e.msg }

func valueErrorf(format string, args ...any) error {
	return &valueError{msg: fmt.Sprintf(format, args...)}
}

func classifyToolError(err error) string {
	if err == nil {
		return ""
	}
	var ve *valueError
	if errors.As(err, &ve) {
		return "ValueError"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return "TimeoutError"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "TimeoutError"
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return "ValueError"
	default:
		return "RuntimeError"
	}
}

// jsonResult wraps any payload as a single JSON text content block.
func jsonResult(v any) *mcpsdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"ok":false,"errorType":"RuntimeError","error":%q}`, err.Error()))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

// rawResult wraps already-serialised JSON as a tool result.
func rawResult(data json.RawMessage) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

// failureResult builds the terminal error envelope for a tool call. The
// extra map merges additional per-strategy diagnostics into the envelope.
func failureResult(errorType, message, hint string, extra map[string]any) *mcpsdk.CallToolResult {
	payload := map[string]any{
		"ok":        false,
		"errorType": errorType,
		"error":     message,
	}
	if hint != "" {
		payload["hint"] = hint
	}
	for k, v := range extra {
		payload[k] = v
	}
	res := jsonResult(payload)
	res.IsError = true
	return res
}

// withToolErrors converts handler errors that escaped the strategy chains
// into structured envelopes instead of raw MCP protocol errors.
func withToolErrors[In any](tool string, logger pslog.Logger, m *proxyMetrics, handler mcpsdk.ToolHandlerFor[In, any]) mcpsdk.ToolHandlerFor[In, any] {
	log := logfields.WithTool(logger, tool)
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, any, error) {
		stop := m.timeTool(tool)
		defer stop()
		res, out, err := handler(ctx, req, in)
		if err != nil {
			m.observe(tool, "error")
			log.Warn("tool handler error", "error_type", classifyToolError(err), "error", err.Error())
			return failureResult(classifyToolError(err), err.Error(), "", nil), nil, nil
		}
		if res != nil && res.IsError {
			m.observe(tool, "failure")
		} else {
			m.observe(tool, "ok")
		}
		return res, out, nil
	}
}
