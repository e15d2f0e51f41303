package amgmcp

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/logfields"
)

// Defaults patched into incomplete initialize requests. Some connectors
// send an empty params object and the inner MCP handler rejects it.
const (
	compatProtocolVersion = "2025-11-25"
	compatClientName      = "azure-sre-agent"
)

// withStreamableCompat smooths over MCP connector quirks in front of the
// streamable HTTP handler:
//   - injects a method-appropriate Accept header when clients omit it,
//   - answers sessionless GET/DELETE probes with 200 instead of 4xx,
//   - swallows empty or malformed POST bodies,
//   - patches missing initialize params with portal-compatible defaults.
func withStreamableCompat(next http.Handler, maxBodyBytes int64, logger pslog.Logger) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := xid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		logger.Debug("mcp request",
			logfields.CorrelationKey, reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"accept", r.Header.Get("Accept"),
			"content_type", r.Header.Get("Content-Type"))

		accept := strings.TrimSpace(r.Header.Get("Accept"))
		if accept == "" || accept == "*/*" {
			if r.Method == http.MethodPost {
				r.Header.Set("Accept", "application/json, text/event-stream")
			} else {
				r.Header.Set("Accept", "text/event-stream")
			}
		}

		sessionless := strings.TrimSpace(r.Header.Get("Mcp-Session-Id")) == ""

		switch {
		case r.Method == http.MethodDelete && sessionless:
			// Best-effort session cleanup from validators that never
			// tracked a session id.
			writeJSONNull(w)
			return
		case r.Method == http.MethodGet && sessionless:
			if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream") {
				body := ": ok\n\n"
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Content-Length", strconv.Itoa(len(body)))
				w.WriteHeader(http.StatusOK)
				io.WriteString(w, body)
				return
			}
			writeJSONNull(w)
			return
		case r.Method == http.MethodPost:
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err != nil || len(bytes.TrimSpace(raw)) == 0 {
				writeJSONNull(w)
				return
			}
			if !json.Valid(raw) {
				writeJSONNull(w)
				return
			}
			// Only objects are candidates for patching; arrays and scalars
			// pass through for the inner handler to judge.
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err == nil {
				if patched, changed := patchInitialize(obj); changed {
					raw = patched
				}
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			r.Header.Set("Content-Length", strconv.Itoa(len(raw)))
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSONNull(w http.ResponseWriter) {
	body := "null"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// patchInitialize fills missing initialize params so minimal clients pass
// protocol validation. Returns the re-encoded request when it changed.
func patchInitialize(obj map[string]json.RawMessage) ([]byte, bool) {
	var method string
	if err := json.Unmarshal(obj["method"], &method); err != nil || method != "initialize" {
		return nil, false
	}
	params := map[string]json.RawMessage{}
	if rawParams, ok := obj["params"]; ok {
		// Non-object params are replaced outright.
		_ = json.Unmarshal(rawParams, &params)
		if params == nil {
			params = map[string]json.RawMessage{}
		}
	}
	changed := false
	if _, ok := params["protocolVersion"]; !ok {
		params["protocolVersion"] = json.RawMessage(strconv.Quote(compatProtocolVersion))
		changed = true
	}
	if _, ok := params["capabilities"]; !ok {
		params["capabilities"] = json.RawMessage("{}")
		changed = true
	}
	if _, ok := params["clientInfo"]; !ok {
		info, _ := json.Marshal(map[string]string{"name": compatClientName, "version": ""})
		params["clientInfo"] = info
		changed = true
	}
	if !changed {
		return nil, false
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, false
	}
	obj["params"] = encodedParams
	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return encoded, true
}
