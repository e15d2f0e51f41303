package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// ErrTimeout marks a call that exceeded its deadline. The manager resets the
// backend process when it sees this.
var ErrTimeout = errors.New("backend: timed out waiting for response")

// ErrProcess marks a broken backend process (closed pipes, malformed frames).
var ErrProcess = errors.New("backend: process failure")

type jsonrpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      *int64         `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type jsonrpcMessage struct {
	ID    *int64          `json:"id"`
	Error json.RawMessage `json:"error"`
}

// conn speaks LSP-style framed JSON-RPC over a byte stream: headers up to a
// blank line, a Content-Length header, then the JSON body. Both CRLF and
// bare LF framing are accepted on the inbound side.
type conn struct {
	writeMu sync.Mutex
	w       io.Writer
	logger  pslog.Logger

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	done     chan struct{}
	failOnce sync.Once
	failErr  error
}

func newConn(w io.Writer, r io.Reader, logger pslog.Logger) *conn {
	c := &conn{
		w:       w,
		logger:  logger,
		pending: make(map[int64]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.done)
	})
}

func (c *conn) err() error {
	select {
	case <-c.done:
		return c.failErr
	default:
		return nil
	}
}

func (c *conn) readLoop(r *bufio.Reader) {
	for {
		body, err := readFrame(r)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrProcess, err))
			return
		}
		var msg jsonrpcMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Warn("discarding unparsable frame", "error", err.Error())
			continue
		}
		if msg.ID == nil {
			// Notification or request from the server side; the proxy does
			// not act on these.
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- json.RawMessage(body)
		}
	}
}

func (c *conn) send(payload jsonrpcRequest) error {
	if err := c.err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: encode request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.w, body)
}

// Notify sends a JSON-RPC notification.
func (c *conn) Notify(method string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	return c.send(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Request sends a JSON-RPC request and waits for the matching response. The
// returned message is the complete JSON-RPC response object.
func (c *conn) Request(ctx context.Context, id int64, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.send(jsonrpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case body := <-ch:
		return body, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%w to %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, c.failErr
	}
}

func writeFrame(w io.Writer, body []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("backend: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("backend: write frame body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, errors.New("missing Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
