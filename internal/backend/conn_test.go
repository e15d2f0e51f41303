package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if err := writeFrame(&buf, body); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("readFrame = %s, want %s", got, body)
	}
}

func TestReadFrameLFOnlyFraming(t *testing.T) {
	t.Parallel()
	raw := "Content-Length: 2\n\n{}"
	got, err := readFrame(bufio.NewReader(bytes.NewBufferString(raw)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(got) != "{}" {
		t.Fatalf("readFrame = %q", got)
	}
}

func TestReadFrameMissingContentLength(t *testing.T) {
	t.Parallel()
	raw := "X-Other: 1\r\n\r\n{}"
	if _, err := readFrame(bufio.NewReader(bytes.NewBufferString(raw))); err == nil {
		t.Fatalf("expected error for missing Content-Length")
	}
}

// fakePeer reads framed requests from r and answers each with the frames
// respond returns.
func fakePeer(t *testing.T, r io.Reader, w io.Writer, respond func(req map[string]any) []map[string]any) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(r)
		for {
			body, err := readFrame(reader)
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(body, &req); err != nil {
				continue
			}
			for _, resp := range respond(req) {
				out, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				_ = writeFrame(w, out)
			}
		}
	}()
}

func newTestConn(t *testing.T, respond func(req map[string]any) []map[string]any) *conn {
	t.Helper()
	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()
	t.Cleanup(func() {
		clientIn.Close()
		peerOut.Close()
		peerIn.Close()
		clientOut.Close()
	})
	fakePeer(t, peerIn, peerOut, respond)
	return newConn(clientOut, clientIn, pslog.NoopLogger())
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()
	c := newTestConn(t, func(req map[string]any) []map[string]any {
		return []map[string]any{{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  map[string]any{"echo": req["method"]},
		}}
	})
	resp, err := c.Request(context.Background(), 1, "tools/list", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var parsed struct {
		Result struct {
			Echo string `json:"echo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if parsed.Result.Echo != "tools/list" {
		t.Fatalf("echo = %q", parsed.Result.Echo)
	}
}

func TestRequestIgnoresNotificationsAndOtherIDs(t *testing.T) {
	t.Parallel()
	c := newTestConn(t, func(req map[string]any) []map[string]any {
		// A notification and a mismatched id precede the real reply.
		return []map[string]any{
			{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{}},
			{"jsonrpc": "2.0", "id": 999, "result": map[string]any{}},
			{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"real": true}},
		}
	})
	resp, err := c.Request(context.Background(), 7, "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var parsed struct {
		Result struct {
			Real bool `json:"real"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !parsed.Result.Real {
		t.Fatalf("got wrong response: %s", resp)
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()
	c := newTestConn(t, func(req map[string]any) []map[string]any {
		return nil // never answer
	})
	_, err := c.Request(context.Background(), 1, "tools/call", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	c.pendingMu.Lock()
	pending := len(c.pending)
	c.pendingMu.Unlock()
	if pending != 0 {
		t.Fatalf("pending entries leaked: %d", pending)
	}
}

func TestRequestProcessFailure(t *testing.T) {
	t.Parallel()
	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()
	go io.Copy(io.Discard, peerIn)
	c := newConn(clientOut, clientIn, pslog.NoopLogger())
	peerOut.Close() // simulates the process closing stdout

	_, err := c.Request(context.Background(), 1, "initialize", nil, time.Second)
	if !errors.Is(err, ErrProcess) {
		t.Fatalf("err = %v, want ErrProcess", err)
	}
}
