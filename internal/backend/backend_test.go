package backend

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestSchemaProperties(t *testing.T) {
	t.Parallel()
	resp := json.RawMessage(`{
	  "jsonrpc": "2.0", "id": 2,
	  "result": {"tools": [
	    {"name": "amgmcp_query_datasource",
	     "inputSchema": {"type": "object", "properties": {"datasourceUid": {}, "expr": {}, "from": {}}}},
	    {"name": "amgmcp_datasource_list", "inputSchema": {"type": "object"}},
	    {"name": ""}
	  ]}
	}`)
	props := schemaProperties(resp)
	keys, ok := props["amgmcp_query_datasource"]
	if !ok || len(keys) != 3 {
		t.Fatalf("props = %v", props)
	}
	if _, ok := keys["expr"]; !ok {
		t.Fatalf("expr missing from %v", keys)
	}
	if _, ok := props["amgmcp_datasource_list"]; ok {
		t.Fatalf("tool without properties must not be cached")
	}
}

func TestFilterArgs(t *testing.T) {
	t.Parallel()
	supported := map[string]struct{}{"expr": {}, "from": {}}
	args := map[string]any{"expr": "up", "from": 1, "bogus": true}

	filtered := filterArgs(supported, args)
	if len(filtered) != 2 {
		t.Fatalf("filtered = %v", filtered)
	}
	if _, ok := filtered["bogus"]; ok {
		t.Fatalf("unsupported key forwarded")
	}

	// Without a schema the arguments pass through unchanged.
	passthrough := filterArgs(nil, args)
	if len(passthrough) != 3 {
		t.Fatalf("passthrough = %v", passthrough)
	}

	if got := filterArgs(supported, nil); got == nil || len(got) != 0 {
		t.Fatalf("nil args should become empty map, got %v", got)
	}
}

func TestResponseError(t *testing.T) {
	t.Parallel()
	if responseError(json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`)) != nil {
		t.Fatalf("success response must have nil error")
	}
	if responseError(json.RawMessage(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600}}`)) == nil {
		t.Fatalf("error response must yield error member")
	}
	if responseError(json.RawMessage(`{"error":null}`)) != nil {
		t.Fatalf("null error must be treated as success")
	}
}

func TestManagerFailureEnvelopes(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Command: []string{"amg-mcp"}})

	timeoutResp := m.failureFor("amgmcp_datasource_list", fmt.Errorf("%w to tools/call after 90s", ErrTimeout))
	var f failure
	if err := json.Unmarshal(timeoutResp, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.OK || f.ErrorType != "TimeoutError" || f.Hint == "" {
		t.Fatalf("unexpected timeout envelope: %+v", f)
	}
	if !IsTimeoutFailure(timeoutResp) {
		t.Fatalf("IsTimeoutFailure should match")
	}
	if !IsFailure(timeoutResp) {
		t.Fatalf("IsFailure should match timeout envelope")
	}

	procResp := m.failureFor("amgmcp_image_render", fmt.Errorf("%w: stdout closed", ErrProcess))
	if err := json.Unmarshal(procResp, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ErrorType != "RuntimeError" || f.Hint == "" {
		t.Fatalf("unexpected process envelope: %+v", f)
	}
	if IsTimeoutFailure(procResp) {
		t.Fatalf("process failure is not a timeout failure")
	}

	otherResp := m.failureFor("x", fmt.Errorf("boom"))
	f = failure{}
	if err := json.Unmarshal(otherResp, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ErrorType != "Error" || f.Hint != "" {
		t.Fatalf("unexpected generic envelope: %+v", f)
	}
}

func TestIsFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`, false},
		{`{"jsonrpc":"2.0","id":1,"error":{"code":-32000}}`, true},
		{`{"ok":false,"errorType":"TimeoutError","error":"x"}`, true},
		{`{"ok":true,"datasources":[]}`, false},
		{`not json`, true},
	}
	for _, tc := range cases {
		if got := IsFailure(json.RawMessage(tc.raw)); got != tc.want {
			t.Fatalf("IsFailure(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
