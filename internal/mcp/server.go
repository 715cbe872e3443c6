package mcp

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gateway/internal/config"
)

// Process is a running MCP server container with attached stdio.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stop() error
}

// Launcher starts the container for one configured server. Injected so
// tests can run in-process fakes over pipes.
type Launcher func(ctx context.Context, cfg config.MCPServerConfig, proxyAddr string) (Process, error)

// Server is one long-lived plug-in server: its container, its JSON-RPC
// channel and its filtered tool catalog.
type Server struct {
	cfg      config.MCPServerConfig
	launcher Launcher
	log      *zap.Logger

	callTimeout time.Duration

	mu        sync.Mutex
	process   Process
	channel   *Channel
	tools     []ToolSchema
	proxyAddr string
	restarted bool
}

// NewServer builds an unstarted server.
func NewServer(cfg config.MCPServerConfig, launcher Launcher, callTimeout time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = time.Minute
	}
	return &Server{
		cfg:         cfg,
		launcher:    launcher,
		callTimeout: callTimeout,
		log:         log.Named("mcp").With(zap.String("server", cfg.Name)),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// AllowedDomains returns the server's egress allow-list.
func (s *Server) AllowedDomains() []string { return s.cfg.AllowedDomains }

// Start launches the container, performs the MCP handshake and loads the
// filtered tool catalog.
func (s *Server) Start(ctx context.Context, proxyAddr string) error {
	process, err := s.launcher(ctx, s.cfg, proxyAddr)
	if err != nil {
		return &ServerError{Server: s.cfg.Name, Err: fmt.Errorf("launch: %w", err)}
	}
	channel := NewChannel(s.cfg.Name, process.Stdin(), process.Stdout(), s.log)

	if err := channel.Initialize(ctx); err != nil {
		channel.Close()
		_ = process.Stop()
		return &ServerError{Server: s.cfg.Name, Err: err}
	}
	tools, err := channel.ListTools(ctx)
	if err != nil {
		channel.Close()
		_ = process.Stop()
		return &ServerError{Server: s.cfg.Name, Err: err}
	}
	filtered := filterTools(tools, s.cfg)

	s.mu.Lock()
	s.process = process
	s.channel = channel
	s.tools = filtered
	s.proxyAddr = proxyAddr
	s.mu.Unlock()

	s.log.Info("mcp server started",
		zap.Int("toolsOffered", len(tools)),
		zap.Int("toolsExposed", len(filtered)))
	return nil
}

// Tools returns the filtered catalog.
func (s *Server) Tools() []ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolSchema(nil), s.tools...)
}

// CallTool invokes one of this server's tools by its unprefixed name. If
// the container has exited, one restart with backoff is attempted before
// the call fails.
func (s *Server) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		return nil, &ServerError{Server: s.cfg.Name, Err: ErrServerExited}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, err := channel.CallTool(callCtx, tool, args)
	if err == nil {
		return result, nil
	}
	if err != ErrServerExited {
		return nil, &ServerError{Server: s.cfg.Name, Err: err}
	}

	if restartErr := s.restartOnce(ctx); restartErr != nil {
		return nil, restartErr
	}
	s.mu.Lock()
	channel = s.channel
	s.mu.Unlock()
	result, err = channel.CallTool(callCtx, tool, args)
	if err != nil {
		return nil, &ServerError{Server: s.cfg.Name, Err: err}
	}
	return result, nil
}

// restartOnce relaunches a dead container at most once per server lifetime.
func (s *Server) restartOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.restarted {
		s.mu.Unlock()
		return &ServerError{Server: s.cfg.Name, Err: ErrServerExited}
	}
	s.restarted = true
	old := s.process
	proxyAddr := s.proxyAddr
	s.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}
	s.log.Warn("mcp server exited, restarting")

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return &ServerError{Server: s.cfg.Name, Err: ctx.Err()}
	}
	return s.Start(ctx, proxyAddr)
}

// Stop terminates the container and drains the channel.
func (s *Server) Stop() {
	s.mu.Lock()
	channel := s.channel
	process := s.process
	s.channel = nil
	s.process = nil
	s.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if process != nil {
		_ = process.Stop()
	}
}

// filterTools applies includeTools, excludeTools and maxTools in that
// order. Include and exclude are exact names; maxTools keeps the first N in
// name order so the exposed set is deterministic.
func filterTools(tools []ToolSchema, cfg config.MCPServerConfig) []ToolSchema {
	include := make(map[string]bool, len(cfg.IncludeTools))
	for _, name := range cfg.IncludeTools {
		include[name] = true
	}
	exclude := make(map[string]bool, len(cfg.ExcludeTools))
	for _, name := range cfg.ExcludeTools {
		exclude[name] = true
	}

	var kept []ToolSchema
	for _, tool := range tools {
		if len(include) > 0 && !include[tool.Name] {
			continue
		}
		if exclude[tool.Name] {
			continue
		}
		kept = append(kept, tool)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	if cfg.MaxTools > 0 && len(kept) > cfg.MaxTools {
		kept = kept[:cfg.MaxTools]
	}
	return kept
}

// dockerProcess runs the server container via the docker CLI with attached
// stdio, hardened the same way as ephemeral executors.
type dockerProcess struct {
	cmd    *exec.Cmd
	name   string
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *dockerProcess) Stdin() io.Writer  { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }

func (p *dockerProcess) Stop() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(rmCtx, "docker", "rm", "-f", p.name).Run()
	return nil
}

// DockerLauncher launches MCP server containers with docker run -i. A
// server with allowedDomains joins the proxy's network and receives the
// proxy address in its environment; everything else runs with network none.
func DockerLauncher(proxyNetwork string) Launcher {
	return func(ctx context.Context, cfg config.MCPServerConfig, proxyAddr string) (Process, error) {
		name := "gateway-mcp-" + cfg.Name
		args := []string{"run", "-i", "--name", name,
			"--cap-drop", "ALL",
			"--security-opt", "no-new-privileges",
			"--user", "1000:1000",
		}

		if len(cfg.AllowedDomains) > 0 && proxyAddr != "" {
			network := proxyNetwork
			if network == "" {
				network = "gateway-mcp"
			}
			args = append(args, "--network", network, "-e", "HTTPS_PROXY=http://"+proxyAddr)
		} else {
			args = append(args, "--network", "none")
		}

		if cfg.ResourceLimits.MemoryLimit != "" {
			args = append(args, "--memory", cfg.ResourceLimits.MemoryLimit)
		}
		if cfg.ResourceLimits.CPULimit > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", cfg.ResourceLimits.CPULimit))
		}
		if cfg.ResourceLimits.PidsLimit > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.ResourceLimits.PidsLimit))
		}
		for _, mount := range cfg.Mounts {
			mode := "rw"
			if mount.ReadOnly {
				mode = "ro"
			}
			args = append(args, "-v", fmt.Sprintf("%s:%s:%s", mount.HostPath, mount.ContainerPath, mode))
		}
		envKeys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, cfg.Env[k]))
		}

		args = append(args, cfg.Image)
		if cfg.Command != "" {
			args = append(args, cfg.Command)
			args = append(args, cfg.Args...)
		}

		// Best-effort removal of a stale container from a previous run.
		_ = exec.Command("docker", "rm", "-f", name).Run()

		cmd := exec.Command("docker", args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start container: %w", err)
		}

		// Drain stderr so the container cannot block on it.
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := stderr.Read(buf); err != nil {
					return
				}
			}
		}()

		return &dockerProcess{cmd: cmd, name: name, stdin: stdin, stdout: stdout}, nil
	}
}
