package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second
)

// ClientHooks are the optional client-side callbacks. OnMessage receives
// every inbound frame with its type already peeked.
type ClientHooks struct {
	OnConnected    func()
	OnDisconnected func()
	OnMessage      func(frameType string, raw json.RawMessage)
}

// Client is a reconnecting bridge-side connection to the Gateway socket.
// Used by the interactive console and by tests; production bridges are
// external processes speaking the same protocol.
type Client struct {
	path  string
	hooks ClientHooks
	log   *zap.Logger

	mu               sync.Mutex
	conn             net.Conn
	connected        bool
	shouldReconnect  bool
	reconnectRunning bool
}

// NewClient builds an unconnected client for the socket at path.
func NewClient(path string, hooks ClientHooks, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{path: path, hooks: hooks, log: log.Named("bridge-client")}
}

// Connect dials the socket and starts the read loop. On unexpected close the
// client reconnects with bounded backoff until Disconnect is called.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()
	return c.dial()
}

func (c *Client) dial() error {
	conn, err := net.DialTimeout("unix", c.path, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial bridge socket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected()
	}
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one frame. Fails when disconnected; the caller decides
// whether to retry after reconnection.
func (c *Client) Send(frame interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("bridge client not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		frameType, err := peekType(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(frameType, raw)
		}
	}

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	reconnect := c.shouldReconnect && !c.reconnectRunning
	if reconnect {
		c.reconnectRunning = true
	}
	c.mu.Unlock()

	if c.hooks.OnDisconnected != nil {
		c.hooks.OnDisconnected()
	}
	if reconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnectRunning = false
		c.mu.Unlock()
	}()

	backoff := reconnectMin
	for {
		c.mu.Lock()
		stop := !c.shouldReconnect
		c.mu.Unlock()
		if stop {
			return
		}

		if err := c.dial(); err == nil {
			return
		}
		c.log.Debug("reconnect failed, backing off", zap.Duration("backoff", backoff))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
