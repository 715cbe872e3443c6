package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const (
	maxClients = 64
	// maxQueuedFrames bounds each client's send queue. Overflow drops the
	// oldest non-critical frame; a critical frame that still cannot fit
	// disconnects the client.
	maxQueuedFrames = 256
	maxFrameBytes   = 4 << 20
	writeTimeout    = 10 * time.Second
)

// MessageHandler receives one inbound frame. reply sends a frame back on the
// same client connection.
type MessageHandler func(clientID, frameType string, raw json.RawMessage, reply func(frame interface{}))

// ServerHooks are the optional connection lifecycle callbacks.
type ServerHooks struct {
	OnConnect    func(clientID string)
	OnDisconnect func(clientID string)
}

// Server is the UNIX-socket JSON-lines listener bridges connect to.
type Server struct {
	path    string
	handler MessageHandler
	hooks   ServerHooks
	log     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*client
	closed   bool
	wg       sync.WaitGroup
}

type outFrame struct {
	data     []byte
	critical bool
}

type client struct {
	id   string
	conn net.Conn

	mu     sync.Mutex
	queue  []outFrame
	kick   chan struct{}
	closed bool
}

// NewServer builds an unstarted server for the socket at path.
func NewServer(path string, handler MessageHandler, hooks ServerHooks, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		path:    path,
		handler: handler,
		hooks:   hooks,
		log:     log.Named("bridge"),
		clients: make(map[string]*client),
	}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if info, err := os.Lstat(s.path); err == nil && info.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind bridge socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = netutil.LimitListener(listener, maxClients)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("bridge socket listening", zap.String("path", s.path))
	return nil
}

// Stop closes the listener and all client connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}

// Send queues a frame for one client. Unknown clients are a silent no-op;
// the bridge may have just disconnected.
func (s *Server) Send(clientID string, frame interface{}) {
	s.mu.Lock()
	c := s.clients[clientID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.deliver(c, frame)
}

// Broadcast queues a frame for every connected client.
func (s *Server) Broadcast(frame interface{}) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.deliver(c, frame)
	}
}

// ClientCount returns the number of connected bridges.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) deliver(c *client, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("frame marshal failed", zap.Error(err))
		return
	}
	frameType, err := peekType(data)
	if err != nil {
		s.log.Warn("outbound frame has no type", zap.Error(err))
		return
	}
	if !c.enqueue(outFrame{data: data, critical: critical(frameType)}) {
		s.log.Warn("client send queue overflow, disconnecting", zap.String("clientId", c.id))
		c.close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warn("bridge accept failed", zap.Error(err))
			}
			return
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			kick: make(chan struct{}, 1),
		}
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()

		s.log.Info("bridge connected", zap.String("clientId", c.id))
		if s.hooks.OnConnect != nil {
			s.hooks.OnConnect(c.id)
		}

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			s.readLoop(c)
		}()
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.log.Info("bridge disconnected", zap.String("clientId", c.id))
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(c.id)
		}
	}()

	scanner := bufio.NewScanner(c.conn)
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
			s.log.Warn("dropping malformed frame", zap.String("clientId", c.id), zap.Error(err))
			continue
		}
		if s.handler != nil {
			s.handler(c.id, frameType, raw, func(frame interface{}) {
				s.deliver(c, frame)
			})
		}
	}
}

func (c *client) enqueue(frame outFrame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return true
	}
	if len(c.queue) >= maxQueuedFrames {
		dropped := false
		for i, queued := range c.queue {
			if !queued.critical {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			if !frame.critical {
				// Queue is all critical; the new non-critical frame loses.
				c.mu.Unlock()
				return true
			}
			c.mu.Unlock()
			return false
		}
	}
	c.queue = append(c.queue, frame)
	// Kick under the lock so close cannot race the send.
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.mu.Unlock()
	return true
}

func (c *client) writeLoop() {
	for range c.kick {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(append(frame.data, '\n')); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.kick)
	c.mu.Unlock()
	_ = c.conn.Close()
}
