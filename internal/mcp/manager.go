package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gateway/internal/config"
	"gateway/internal/logging"
	"gateway/internal/types"
)

// Manager owns every configured MCP server and the shared CONNECT proxy.
// Tool names are exposed with the mcp_{server}__ prefix and routed back by
// that prefix at call time.
type Manager struct {
	launcher    Launcher
	auditor     *logging.Auditor
	callTimeout time.Duration
	log         *zap.Logger

	mu      sync.RWMutex
	servers map[string]*Server
	proxy   *Proxy
}

// NewManager builds a manager over the given launcher.
func NewManager(launcher Launcher, auditor *logging.Auditor, callTimeout time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		launcher:    launcher,
		auditor:     auditor,
		callTimeout: callTimeout,
		log:         log.Named("mcp"),
		servers:     make(map[string]*Server),
	}
}

// Start boots the proxy, then every configured server in parallel. A server
// that fails to start is logged and skipped; its tools are simply absent.
// The proxy only runs when at least one server declares allowed domains.
func (m *Manager) Start(ctx context.Context, configs []config.MCPServerConfig) error {
	proxyAddr := ""
	needProxy := false
	for _, cfg := range configs {
		if len(cfg.AllowedDomains) > 0 {
			needProxy = true
			break
		}
	}
	if needProxy {
		proxy := NewProxy(m.auditor, m.log)
		if err := proxy.Start(); err != nil {
			return fmt.Errorf("start mcp proxy: %w", err)
		}
		m.mu.Lock()
		m.proxy = proxy
		m.mu.Unlock()
		proxyAddr = proxy.Addr()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		cfg := cfg
		group.Go(func() error {
			server := NewServer(cfg, m.launcher, m.callTimeout, m.log)
			if err := server.Start(groupCtx, proxyAddr); err != nil {
				m.log.Error("mcp server failed to start", zap.String("server", cfg.Name), zap.Error(err))
				return nil
			}
			m.mu.Lock()
			m.servers[cfg.Name] = server
			m.mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return nil
}

// RegisterContainer maps a server container's bridge IP to its allow-list
// on the proxy. Called by the launcher integration once the container IP is
// known.
func (m *Manager) RegisterContainer(serverName, ip string) {
	m.mu.RLock()
	proxy := m.proxy
	server := m.servers[serverName]
	m.mu.RUnlock()
	if proxy == nil || server == nil {
		return
	}
	proxy.Register(ip, serverName, server.AllowedDomains())
}

// Tools returns every exposed tool across all servers, prefixed.
func (m *Manager) Tools() []types.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []types.ToolDefinition
	for name, server := range m.servers {
		prefix := ToolPrefix(name)
		for _, tool := range server.Tools() {
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			defs = append(defs, types.ToolDefinition{
				Name:        prefix + tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return defs
}

// CallTool routes a prefixed tool name to its server.
func (m *Manager) CallTool(ctx context.Context, prefixedName string, args map[string]interface{}) (*CallResult, error) {
	serverName, tool, ok := SplitToolName(prefixedName)
	if !ok {
		return nil, fmt.Errorf("not an mcp tool name: %q", prefixedName)
	}
	m.mu.RLock()
	server := m.servers[serverName]
	m.mu.RUnlock()
	if server == nil {
		return nil, &ServerError{Server: serverName, Err: fmt.Errorf("unknown or unavailable server")}
	}
	return server.CallTool(ctx, tool, args)
}

// DefaultTier returns the configured classification tier for a server's
// tools, or "" when the server is unknown.
func (m *Manager) DefaultTier(prefixedName string) string {
	serverName, _, ok := SplitToolName(prefixedName)
	if !ok {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if server := m.servers[serverName]; server != nil {
		return server.cfg.DefaultTier
	}
	return ""
}

// Shutdown stops all servers and the proxy.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*Server)
	proxy := m.proxy
	m.proxy = nil
	m.mu.Unlock()

	for _, server := range servers {
		server.Stop()
	}
	if proxy != nil {
		proxy.Stop()
	}
}
