package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Channel is one JSON-RPC 2.0 conversation over a server's stdio. Requests
// carry a per-channel id counter; responses are matched to waiters through
// the pending map. Interleaved notifications from the server are logged and
// dropped. When the stream ends, every pending call fails with
// ErrServerExited.
type Channel struct {
	name  string
	stdin io.Writer
	log   *zap.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	closed  bool

	done chan struct{}
}

// NewChannel starts the reader loop over the server's stdout.
func NewChannel(name string, stdin io.Writer, stdout io.Reader, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Channel{
		name:    name,
		stdin:   stdin,
		log:     log.Named("mcp").With(zap.String("server", name)),
		nextID:  1,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Done is closed when the server's stdout stream ends.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) readLoop(stdout io.Reader) {
	defer c.failPending()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			c.log.Warn("unparseable frame from server", zap.Error(err))
			continue
		}
		if probe.ID == nil {
			// Notification; the Gateway consumes none of them.
			c.log.Debug("server notification", zap.ByteString("frame", line))
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warn("unparseable response from server", zap.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			c.log.Warn("response for unknown id", zap.Int64("id", resp.ID))
		}
	}
}

// failPending closes the channel and wakes every waiter with a nil response,
// which surfaces as ErrServerExited.
func (c *Channel) failPending() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	stale := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	for _, ch := range stale {
		close(ch)
	}
}

// Close fails all pending calls. The underlying process is stopped by the
// owner, not here.
func (c *Channel) Close() { c.failPending() }

func (c *Channel) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrServerExited
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch

	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.stdin.Write(append(frame, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrServerExited
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Channel) notify(method string, params interface{}) {
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_, _ = c.stdin.Write(append(frame, '\n'))
}

// Initialize performs the MCP handshake and sends notifications/initialized.
func (c *Channel) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "gateway",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	c.notify("notifications/initialized", nil)
	return nil
}

// ListTools retrieves the server's tool catalog.
func (c *Channel) ListTools(ctx context.Context) ([]ToolSchema, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and normalises the result.
func (c *Channel) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}
