// Package backend bridges tool calls to the vendor amg-mcp server over
// stdio. The vendor binary predates the streamable HTTP transport and only
// understands LSP-style framed JSON-RPC with a minimal initialize payload,
// so the bridge keeps its handshake deliberately sparse. A manager wraps the
// bridge with lazy startup and reset-on-failure semantics: a stalled or
// broken process is killed and respawned on the next call.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/logfields"
)

const (
	defaultInitTimeout      = 20 * time.Second
	defaultToolsListTimeout = 30 * time.Second
	// defaultToolTimeout stays below common MCP client read timeouts (~100s)
	// so the proxy answers with a structured error before the client cancels.
	defaultToolTimeout = 90 * time.Second
)

// Config configures the stdio backend.
type Config struct {
	// Command is the argv used to spawn the backend process. Required.
	Command []string
	// InitTimeout bounds the initialize handshake.
	InitTimeout time.Duration
	// ToolsListTimeout bounds the tools/list call done at startup.
	ToolsListTimeout time.Duration
	// ToolTimeout bounds each tools/call.
	ToolTimeout time.Duration
	// OnReset is invoked after the backend process is killed and cleared.
	// Optional.
	OnReset func(reason string)
	Logger  pslog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ToolsListTimeout <= 0 {
		cfg.ToolsListTimeout = defaultToolsListTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
}

// bridge is one live backend process with a completed handshake.
type bridge struct {
	cmd    *exec.Cmd
	conn   *conn
	nextID atomic.Int64

	// supported caches each backend tool's input schema property names so
	// forwarded arguments can be filtered down to what the tool accepts.
	supported map[string]map[string]struct{}
}

func dial(ctx context.Context, cfg Config) (*bridge, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("backend: command is required")
	}
	logger := logfields.WithSubsystem(cfg.Logger, "backend")

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: start %s: %w", cfg.Command[0], err)
	}
	go pumpStderr(stderr, logfields.WithSubsystem(cfg.Logger, "backend.stderr"))

	b := &bridge{
		cmd:       cmd,
		conn:      newConn(stdin, stdout, logger),
		supported: make(map[string]map[string]struct{}),
	}

	// The vendor server may hang without emitting framed output when given
	// newer initialize params (protocolVersion/clientInfo). Keep the payload
	// minimal.
	initResp, err := b.request(ctx, "initialize", map[string]any{"capabilities": map[string]any{}}, cfg.InitTimeout)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("backend: initialize: %w", err)
	}
	if errObj := responseError(initResp); errObj != nil {
		b.close()
		return nil, fmt.Errorf("%w: initialize failed: %s", ErrProcess, errObj)
	}

	// Some stdio servers expect the LSP-style name, others the MCP name.
	// Sending both is harmless.
	_ = b.conn.Notify("initialized", map[string]any{})
	_ = b.conn.Notify("notifications/initialized", map[string]any{})

	toolsResp, err := b.request(ctx, "tools/list", map[string]any{}, cfg.ToolsListTimeout)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("backend: tools/list: %w", err)
	}
	if errObj := responseError(toolsResp); errObj != nil {
		b.close()
		return nil, fmt.Errorf("%w: tools/list failed: %s", ErrProcess, errObj)
	}
	b.supported = schemaProperties(toolsResp)

	logger.Info("backend handshake complete", "tools", len(b.supported))
	return b, nil
}

func (b *bridge) request(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id := b.nextID.Add(1)
	return b.conn.Request(ctx, id, method, params, timeout)
}

func (b *bridge) toolCall(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	args = filterArgs(b.supported[name], args)
	return b.request(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, timeout)
}

// filterArgs drops arguments the backend tool's schema does not declare.
// Without a cached schema the arguments pass through unchanged.
func filterArgs(supported map[string]struct{}, args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	if len(supported) == 0 {
		return args
	}
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := supported[k]; ok {
			filtered[k] = v
		}
	}
	return filtered
}

func (b *bridge) close() {
	b.conn.fail(fmt.Errorf("%w: closed", ErrProcess))
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	go func() { _ = b.cmd.Wait() }()
}

func pumpStderr(r io.Reader, logger pslog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Info(line)
		}
	}
}

// responseError returns the raw "error" member of a JSON-RPC response, or
// nil when the response is a success.
func responseError(resp json.RawMessage) json.RawMessage {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return nil
	}
	if len(probe.Error) == 0 || string(probe.Error) == "null" {
		return nil
	}
	return probe.Error
}

// schemaProperties extracts each tool's input schema property names from a
// tools/list response.
func schemaProperties(resp json.RawMessage) map[string]map[string]struct{} {
	var parsed struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Properties map[string]json.RawMessage `json:"properties"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	out := make(map[string]map[string]struct{})
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return out
	}
	for _, tool := range parsed.Result.Tools {
		if tool.Name == "" || len(tool.InputSchema.Properties) == 0 {
			continue
		}
		keys := make(map[string]struct{}, len(tool.InputSchema.Properties))
		for k := range tool.InputSchema.Properties {
			keys[k] = struct{}{}
		}
		out[tool.Name] = keys
	}
	return out
}

// Manager lazily starts the backend and resets it when calls time out or the
// process misbehaves.
type Manager struct {
	cfg    Config
	logger pslog.Logger

	mu     sync.Mutex
	bridge *bridge
}

// NewManager builds a manager. The backend process is not started until the
// first call (or WarmUp).
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		logger: logfields.WithSubsystem(cfg.Logger, "backend"),
	}
}

// WarmUp starts the backend so the first tool call does not pay handshake
// latency. Failures are logged, not returned; tool calls surface them.
func (m *Manager) WarmUp(ctx context.Context) {
	if _, err := m.get(ctx); err != nil {
		m.logger.Warn("backend warm-up failed", "error", err.Error())
		return
	}
	m.logger.Info("backend warm-up complete")
}

// Close terminates the backend process if one is running.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bridge != nil {
		m.bridge.close()
		m.bridge = nil
	}
}

func (m *Manager) get(ctx context.Context) (*bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bridge != nil {
		return m.bridge, nil
	}
	b, err := dial(ctx, m.cfg)
	if err != nil {
		return nil, err
	}
	m.bridge = b
	return b, nil
}

func (m *Manager) reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bridge == nil {
		return
	}
	m.bridge.close()
	m.bridge = nil
	m.logger.Warn("backend reset", "reason", reason)
	if m.cfg.OnReset != nil {
		m.cfg.OnReset(reason)
	}
}

// failure is the structured error returned to tool callers when the backend
// path fails.
type failure struct {
	OK        bool   `json:"ok"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Hint      string `json:"hint,omitempty"`
}

const (
	timeoutHint = "The amg-mcp stdio call exceeded the proxy timeout. This can happen during backend startup (initialize/tools/list) as well as tool calls. Retry, or raise backend-init-timeout / backend-tools-timeout / backend-tool-timeout (keep the tool timeout below 100s to avoid client cancellation)."
	processHint = "The amg-mcp process appears unhealthy. The proxy reset it; retry the tool call."
)

// Call forwards a tool call with the default tool timeout.
func (m *Manager) Call(ctx context.Context, name string, args map[string]any) json.RawMessage {
	return m.CallTimeout(ctx, name, args, m.cfg.ToolTimeout)
}

// CallTimeout forwards a tool call with an explicit timeout. It never
// returns an error: failures become a structured ok:false payload so tool
// responses stay JSON end to end. Timeouts and process failures also reset
// the backend so the next call starts fresh.
func (m *Manager) CallTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) json.RawMessage {
	b, err := m.get(ctx)
	if err != nil {
		return m.failureFor(name, err)
	}
	resp, err := b.toolCall(ctx, name, args, timeout)
	if err != nil {
		return m.failureFor(name, err)
	}
	return resp
}

func (m *Manager) failureFor(name string, err error) json.RawMessage {
	f := failure{ErrorType: "Error", Error: err.Error()}
	switch {
	case errors.Is(err, ErrTimeout):
		m.reset(fmt.Sprintf("timeout calling %s: %v", name, err))
		f.ErrorType = "TimeoutError"
		f.Hint = timeoutHint
	case errors.Is(err, ErrProcess):
		m.reset(fmt.Sprintf("process failure calling %s: %v", name, err))
		f.ErrorType = "RuntimeError"
		f.Hint = processHint
	}
	data, marshalErr := json.Marshal(f)
	if marshalErr != nil {
		return json.RawMessage(`{"ok":false,"errorType":"RuntimeError","error":"backend failure"}`)
	}
	return data
}

// IsTimeoutFailure reports whether a backend response is the structured
// ok:false TimeoutError payload. The datasource list tool uses this to pick
// its direct fallback.
func IsTimeoutFailure(resp json.RawMessage) bool {
	var probe struct {
		OK        *bool  `json:"ok"`
		ErrorType string `json:"errorType"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return false
	}
	return probe.OK != nil && !*probe.OK && probe.ErrorType == "TimeoutError"
}

// IsFailure reports whether a backend response carries an error member or is
// a structured ok:false payload. Successful responses are cacheable.
func IsFailure(resp json.RawMessage) bool {
	var probe struct {
		OK    *bool           `json:"ok"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return true
	}
	if probe.OK != nil && !*probe.OK {
		return true
	}
	return len(probe.Error) > 0 && string(probe.Error) != "null"
}
