package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEWAY_CAPABILITY_SECRET", "GATEWAY_AUDIT_DIR", "GATEWAY_DATA_DIR", "GATEWAY_SOCKET",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "CODEX_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "gateway" {
		t.Errorf("expected Name=gateway, got %s", cfg.Name)
	}
	if cfg.Sessions.MaxTurns != 50 {
		t.Errorf("expected MaxTurns=50, got %d", cfg.Sessions.MaxTurns)
	}
	if cfg.Approvals.TimeoutMs != 300000 {
		t.Errorf("expected approval timeout 300000ms, got %d", cfg.Approvals.TimeoutMs)
	}
	if cfg.Tasks.MaxIterations != 10 {
		t.Errorf("expected MaxIterations=10, got %d", cfg.Tasks.MaxIterations)
	}
	if cfg.Skills.CharBudget != 6000 {
		t.Errorf("expected skills char budget 6000, got %d", cfg.Skills.CharBudget)
	}
	if len(cfg.ActionTiers.AutoApprove) == 0 {
		t.Error("expected default auto-approve rules")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SocketPath != DefaultConfig().SocketPath {
		t.Errorf("expected default socket path, got %s", cfg.SocketPath)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	raw := `
socketPath: /run/gw.sock
llm:
  provider: gemini
  model: gemini-2.5-pro
  maxTokens: 2048
executors:
  shell:
    image: myshell:1
trustedDomains:
  - docs.example.com
mcpServers:
  - name: github
    image: mcp-github:latest
    allowedDomains: [api.github.com]
    defaultTier: notify
heartbeats:
  - name: morning
    schedule: "0 8 * * *"
    prompt: "Summarise my day"
    enabled: true
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SocketPath != "/run/gw.sock" {
		t.Errorf("socketPath = %s", cfg.SocketPath)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Executors.Shell.Image != "myshell:1" {
		t.Errorf("shell image = %s", cfg.Executors.Shell.Image)
	}
	// Untouched sections keep their defaults.
	if cfg.Executors.File.Image != DefaultConfig().Executors.File.Image {
		t.Errorf("file image lost default: %s", cfg.Executors.File.Image)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Name != "github" {
		t.Errorf("mcpServers = %+v", cfg.MCPServers)
	}
	if len(cfg.Heartbeats) != 1 || !cfg.Heartbeats[0].Enabled {
		t.Errorf("heartbeats = %+v", cfg.Heartbeats)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_CAPABILITY_SECRET", "s3cret")
	t.Setenv("GATEWAY_AUDIT_DIR", "/var/log/gw")
	t.Setenv("ANTHROPIC_API_KEY", "ak-123")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CapabilitySecret != "s3cret" {
		t.Errorf("CapabilitySecret = %q", cfg.CapabilitySecret)
	}
	if cfg.AuditDir != "/var/log/gw" {
		t.Errorf("AuditDir = %q", cfg.AuditDir)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "ak-123" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestEnvOverridesRespectPinnedProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "ak-123")
	t.Setenv("GEMINI_API_KEY", "gk-456")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  provider: gemini\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.APIKey != "gk-456" {
		t.Errorf("pinned provider not respected: %+v", cfg.LLM)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.CapabilitySecret = "secret"
		cfg.LLM.APIKey = "key"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing secret", func(c *Config) { c.CapabilitySecret = "" }, "capabilitySecret"},
		{"missing audit dir", func(c *Config) { c.AuditDir = "" }, "auditDir"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "llama" }, "llm.provider"},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "llm.apiKey"},
		{"missing image", func(c *Config) { c.Executors.Web.Image = "" }, "executors.web.image"},
		{"separator in server name", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "a__b", Image: "img"}}
		}, "mcpServers.name"},
		{"duplicate server", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "gh", Image: "img"}, {Name: "gh", Image: "img"}}
		}, "mcpServers.name"},
		{"bad tier", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "gh", Image: "img", DefaultTier: "always"}}
		}, "mcpServers.defaultTier"},
		{"duplicate heartbeat", func(c *Config) {
			c.Heartbeats = []HeartbeatConfig{
				{Name: "hb", Prompt: "p", Schedule: "* * * * *"},
				{Name: "hb", Prompt: "p", Schedule: "* * * * *"},
			}
		}, "heartbeats.name"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
			if ce.Field != tc.field {
				t.Errorf("field = %s, want %s", ce.Field, tc.field)
			}
		})
	}
}
