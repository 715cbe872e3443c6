package mcp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"gateway/internal/logging"
)

// Proxy is the HTTP-CONNECT egress filter shared by all MCP containers.
// Each container is registered by its bridge IP with a hostname allow-list;
// a CONNECT from an unregistered IP or to an unlisted host is refused.
// Every request, allowed or denied, is audited.
type Proxy struct {
	auditor *logging.Auditor
	log     *zap.Logger

	mu       sync.RWMutex
	listener net.Listener
	allowed  map[string]registration // caller IP -> registration
	closed   bool
	wg       sync.WaitGroup
}

type registration struct {
	server  string
	domains map[string]bool
}

const maxProxyConns = 256

// NewProxy builds an unstarted proxy.
func NewProxy(auditor *logging.Auditor, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{
		auditor: auditor,
		log:     log.Named("proxy"),
		allowed: make(map[string]registration),
	}
}

// Start binds an OS-chosen loopback port and begins accepting.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	p.mu.Lock()
	p.listener = netutil.LimitListener(listener, maxProxyConns)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop()
	p.log.Info("mcp proxy listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (p *Proxy) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Register maps a container IP to its server name and hostname allow-list.
func (p *Proxy) Register(ip, server string, domains []string) {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	p.mu.Lock()
	p.allowed[ip] = registration{server: server, domains: set}
	p.mu.Unlock()
}

// Unregister removes a container registration.
func (p *Proxy) Unregister(ip string) {
	p.mu.Lock()
	delete(p.allowed, ip)
	p.mu.Unlock()
}

// Stop closes the listener and waits for in-flight tunnels to finish.
func (p *Proxy) Stop() {
	p.mu.Lock()
	p.closed = true
	listener := p.listener
	p.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	p.wg.Wait()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.RLock()
			closed := p.closed
			p.mu.RUnlock()
			if !closed {
				p.log.Warn("proxy accept failed", zap.Error(err))
			}
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(conn)
		}()
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	callerIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) < 3 || parts[0] != "CONNECT" {
		p.refuse(conn, "405 Method Not Allowed")
		p.auditTarget(callerIP, "", "", false, "method not allowed")
		return
	}
	target := parts[1]

	// Drain headers up to the blank line.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		p.refuse(conn, "400 Bad Request")
		p.auditTarget(callerIP, "", target, false, "bad target")
		return
	}
	host = strings.ToLower(host)

	p.mu.RLock()
	reg, registered := p.allowed[callerIP]
	p.mu.RUnlock()

	if !registered {
		p.refuse(conn, "403 Forbidden")
		p.auditTarget(callerIP, "", host, false, "unregistered caller")
		return
	}
	if !reg.domains[host] {
		p.refuse(conn, "403 Forbidden")
		p.auditTarget(callerIP, reg.server, host, false, "domain not allowed")
		return
	}

	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		p.refuse(conn, "502 Bad Gateway")
		p.auditTarget(callerIP, reg.server, host, false, "resolution failed")
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(addrs[0], port), 15*time.Second)
	if err != nil {
		p.refuse(conn, "502 Bad Gateway")
		p.auditTarget(callerIP, reg.server, host, false, "dial failed")
		return
	}
	defer upstream.Close()

	_ = conn.SetReadDeadline(time.Time{})
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	p.auditTarget(callerIP, reg.server, host, true, "")

	// Splice until either side closes. Buffered bytes already read from the
	// client go first.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, reader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

func (p *Proxy) refuse(conn net.Conn, status string) {
	_, _ = conn.Write([]byte("HTTP/1.1 " + status + "\r\n\r\n"))
}

func (p *Proxy) auditTarget(callerIP, server, host string, allowed bool, reason string) {
	if p.auditor != nil {
		p.auditor.MCPProxyEvent(callerIP, server, host, allowed, reason)
	}
	p.log.Info("proxy request",
		zap.String("caller", callerIP),
		zap.String("target", host),
		zap.Bool("allowed", allowed),
		zap.String("reason", reason))
}
