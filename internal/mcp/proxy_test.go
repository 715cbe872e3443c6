package mcp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func startTestProxy(t *testing.T) *Proxy {
	t.Helper()
	proxy := NewProxy(nil, nil)
	if err := proxy.Start(); err != nil {
		t.Fatalf("proxy Start: %v", err)
	}
	t.Cleanup(proxy.Stop)
	return proxy
}

func proxyRequest(t *testing.T, addr, raw string) (net.Conn, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return conn, strings.TrimSpace(status)
}

func TestProxyRejectsNonConnect(t *testing.T) {
	proxy := startTestProxy(t)
	conn, status := proxyRequest(t, proxy.Addr(), "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	defer conn.Close()
	if !strings.Contains(status, "405") {
		t.Fatalf("status = %q, want 405", status)
	}
}

func TestProxyRejectsUnregisteredCaller(t *testing.T) {
	proxy := startTestProxy(t)
	conn, status := proxyRequest(t, proxy.Addr(), "CONNECT allowed.example:443 HTTP/1.1\r\n\r\n")
	defer conn.Close()
	if !strings.Contains(status, "403") {
		t.Fatalf("status = %q, want 403", status)
	}
}

func TestProxyRejectsUnlistedDomain(t *testing.T) {
	proxy := startTestProxy(t)
	proxy.Register("127.0.0.1", "vendor", []string{"api.vendor.example"})

	conn, status := proxyRequest(t, proxy.Addr(), "CONNECT other.example:443 HTTP/1.1\r\n\r\n")
	defer conn.Close()
	if !strings.Contains(status, "403") {
		t.Fatalf("status = %q, want 403", status)
	}
}

func TestProxyTunnelsAllowedDomain(t *testing.T) {
	// A local upstream stands in for the allowed host.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, _ := reader.ReadString('\n')
		conn.Write([]byte("echo: " + line))
	}()

	proxy := startTestProxy(t)
	proxy.Register("127.0.0.1", "local", []string{"127.0.0.1"})

	_, port, _ := net.SplitHostPort(upstream.Addr().String())
	conn, status := proxyRequest(t, proxy.Addr(), "CONNECT 127.0.0.1:"+port+" HTTP/1.1\r\n\r\n")
	defer conn.Close()
	if !strings.Contains(status, "200") {
		t.Fatalf("status = %q, want 200", status)
	}

	// Consume the blank line ending the proxy response, then speak through
	// the tunnel.
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	replied, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if !strings.HasPrefix(replied, "echo: ping") {
		t.Fatalf("reply = %q", replied)
	}
}
