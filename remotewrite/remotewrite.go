// Package remotewrite forwards Prometheus remote-write requests to an Azure
// Monitor workspace ingestion endpoint, attaching a managed identity bearer
// token. It exists because stock Prometheus/OpenTelemetry collectors cannot
// mint Azure tokens themselves: they write to this forwarder and the
// forwarder authenticates upstream.
package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/identity"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/amgmcp/internal/version"
)

// TokenProvider mints bearer tokens for an Azure resource URI.
type TokenProvider interface {
	Token(ctx context.Context, resource string) (string, error)
}

const (
	// DefaultListen is the bind address the forwarder serves on.
	DefaultListen = ":8081"
	// DefaultForwardTimeout bounds the upstream POST.
	DefaultForwardTimeout = 30 * time.Second
)

// Config configures the forwarder.
type Config struct {
	// IngestionURL is the full remote-write ingestion URL of the Azure
	// Monitor workspace. Required.
	IngestionURL string
	// Resource overrides the AAD resource tokens are minted for.
	Resource string
	// ForwardTimeout bounds the upstream POST. Defaults to 30s.
	ForwardTimeout time.Duration
	// Tokens supplies bearer tokens. Required.
	Tokens     TokenProvider
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Handler accepts remote-write POSTs and forwards them upstream.
type Handler struct {
	ingestionURL string
	resource     string
	timeout      time.Duration
	tokens       TokenProvider
	httpClient   *http.Client
	logger       pslog.Logger
}

// NewHandler validates cfg and returns the forwarder.
func NewHandler(cfg Config) (*Handler, error) {
	ingestionURL := strings.TrimSpace(cfg.IngestionURL)
	if ingestionURL == "" {
		return nil, errors.New("remotewrite: ingestion url is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("remotewrite: token provider is required")
	}
	resource := strings.TrimSpace(cfg.Resource)
	if resource == "" {
		resource = identity.MonitorResource
	}
	timeout := cfg.ForwardTimeout
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		ingestionURL: ingestionURL,
		resource:     resource,
		timeout:      timeout,
		tokens:       cfg.Tokens,
		httpClient:   httpClient,
		logger:       logfields.WithSubsystem(logger, "remotewrite"),
	}, nil
}

func isHealthPath(path string) bool {
	switch path {
	case "/", "/health", "/healthz", "/ready", "/readyz":
		return true
	}
	return false
}

func isWritePath(path string) bool {
	return path == "/api/v1/write" || path == "/write"
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if isHealthPath(r.URL.Path) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	case http.MethodPost:
		if !isWritePath(r.URL.Path) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.forward(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body: "+err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	token, err := h.tokens.Token(ctx, h.resource)
	if err != nil {
		h.logger.Error("token acquisition failed", "error", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.ingestionURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/x-protobuf"
	}
	req.Header.Set("Content-Type", contentType)
	// Remote write commonly uses snappy; preserve the encoding when present.
	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Error("forward failed", "error", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	// Prometheus expects a 2xx for success; everything else surfaces the
	// upstream body so misconfiguration is debuggable from the scraper side.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.logger.Warn("upstream rejected write", "status", resp.StatusCode, "body_bytes", len(respBody))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(respBody)
}
