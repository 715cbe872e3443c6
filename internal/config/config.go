// Package config loads and validates the Gateway's YAML configuration.
// Missing files yield defaults; secrets are taken from the environment and
// never written back to disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports missing or invalid configuration. It is fatal at
// startup: the Gateway refuses to run misconfigured rather than degrade.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config holds all Gateway configuration.
type Config struct {
	Name string `yaml:"name"`

	// Paths and transport
	SocketPath string `yaml:"socketPath"`
	DataDir    string `yaml:"dataDir"`
	AuditDir   string `yaml:"auditDir"`

	// CapabilitySecret signs executor capability tokens. Environment only.
	CapabilitySecret string `yaml:"-"`

	LLM LLMConfig `yaml:"llm"`

	Executors ExecutorsConfig `yaml:"executors"`
	Mounts    []MountConfig   `yaml:"mounts"`

	ActionTiers    ActionTiersConfig `yaml:"actionTiers"`
	TrustedDomains []string          `yaml:"trustedDomains"`

	SoulFile string       `yaml:"soulFile"`
	Skills   SkillsConfig `yaml:"skills"`

	Heartbeats []HeartbeatConfig `yaml:"heartbeats"`
	MCPServers []MCPServerConfig `yaml:"mcpServers"`

	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// LLMConfig selects the LLM provider abstraction.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // anthropic, openai, gemini, codex
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
	BaseURL   string `yaml:"baseURL"`
	Timeout   string `yaml:"timeout"`
	APIKey    string `yaml:"-"`
}

// ExecutorConfig is the sandbox policy for one ephemeral executor type.
type ExecutorConfig struct {
	Image            string  `yaml:"image"`
	MemoryLimit      string  `yaml:"memoryLimit"`
	CPULimit         float64 `yaml:"cpuLimit"`
	DefaultTimeout   string  `yaml:"defaultTimeout"`
	DefaultMaxOutput int     `yaml:"defaultMaxOutput"`
	// ResultFormat selects structured vs legacy browse output (web only).
	ResultFormat string `yaml:"resultFormat,omitempty"`
}

// Timeout parses DefaultTimeout, falling back to two minutes.
func (e ExecutorConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(e.DefaultTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// ExecutorsConfig holds per-type sandbox policy.
type ExecutorsConfig struct {
	Shell         ExecutorConfig `yaml:"shell"`
	File          ExecutorConfig `yaml:"file"`
	Web           ExecutorConfig `yaml:"web"`
	MaxConcurrent int            `yaml:"maxConcurrent"`
}

// ForType returns the policy for an executor type name.
func (e ExecutorsConfig) ForType(executorType string) (ExecutorConfig, bool) {
	switch executorType {
	case "shell":
		return e.Shell, true
	case "file":
		return e.File, true
	case "web":
		return e.Web, true
	}
	return ExecutorConfig{}, false
}

// MountConfig maps a host path into executor containers.
type MountConfig struct {
	HostPath      string `yaml:"hostPath"`
	ContainerPath string `yaml:"containerPath"`
	ReadOnly      bool   `yaml:"readOnly"`
}

// ClassificationRule matches one tool, optionally constrained by glob
// conditions on input fields.
type ClassificationRule struct {
	Tool       string            `yaml:"tool"`
	Conditions map[string]string `yaml:"conditions,omitempty"`
}

// ActionTiersConfig lists classification rules in priority order.
type ActionTiersConfig struct {
	AutoApprove     []ClassificationRule `yaml:"autoApprove"`
	Notify          []ClassificationRule `yaml:"notify"`
	RequireApproval []ClassificationRule `yaml:"requireApproval"`
}

// SkillsConfig configures the prompt builder's skills catalog.
type SkillsConfig struct {
	Directory  string                   `yaml:"directory"`
	CharBudget int                      `yaml:"charBudget"`
	Overrides  map[string]SkillOverride `yaml:"overrides,omitempty"`
}

// SkillOverride adjusts one skill by name.
type SkillOverride struct {
	Enabled    *bool `yaml:"enabled,omitempty"`
	AlwaysLoad bool  `yaml:"alwaysLoad,omitempty"`
}

// HeartbeatConfig is one scheduled synthetic prompt.
type HeartbeatConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression
	Prompt   string `yaml:"prompt"`
	Enabled  bool   `yaml:"enabled"`
	Channel  string `yaml:"channel,omitempty"`
}

// ResourceLimitsConfig bounds a long-lived MCP container.
type ResourceLimitsConfig struct {
	MemoryLimit string  `yaml:"memoryLimit"`
	CPULimit    float64 `yaml:"cpuLimit"`
	PidsLimit   int     `yaml:"pidsLimit"`
}

// MCPServerConfig registers one long-lived plug-in server.
type MCPServerConfig struct {
	Name           string               `yaml:"name"`
	Image          string               `yaml:"image"`
	Command        string               `yaml:"command,omitempty"`
	Args           []string             `yaml:"args,omitempty"`
	Env            map[string]string    `yaml:"env,omitempty"`
	Mounts         []MountConfig        `yaml:"mounts,omitempty"`
	ResourceLimits ResourceLimitsConfig `yaml:"resourceLimits"`
	AllowedDomains []string             `yaml:"allowedDomains,omitempty"`
	DefaultTier    string               `yaml:"defaultTier,omitempty"`
	IncludeTools   []string             `yaml:"includeTools,omitempty"`
	ExcludeTools   []string             `yaml:"excludeTools,omitempty"`
	MaxTools       int                  `yaml:"maxTools,omitempty"`
}

// ApprovalsConfig controls the HITL approval lifecycle.
type ApprovalsConfig struct {
	TimeoutMs     int64  `yaml:"timeoutMs"`
	SweepInterval string `yaml:"sweepInterval"`
}

// SessionsConfig controls the in-memory session store.
type SessionsConfig struct {
	MaxTurns      int    `yaml:"maxTurns"`
	TTL           string `yaml:"ttl"`
	SweepInterval string `yaml:"sweepInterval"`
}

// TasksConfig controls the multi-iteration task loop.
type TasksConfig struct {
	MaxIterations int `yaml:"maxIterations"`
}

// EmbeddingsConfig enables semantic memory recall. An empty provider
// disables it; memory search then relies on full-text matching alone.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider,omitempty"` // ollama, genai, or empty
	Endpoint string `yaml:"endpoint,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "gateway",

		SocketPath: "data/gateway.sock",
		DataDir:    "data",
		AuditDir:   "data/audit",

		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Timeout:   "120s",
		},

		Executors: ExecutorsConfig{
			Shell: ExecutorConfig{
				Image:            "gateway-executor-shell:latest",
				MemoryLimit:      "512m",
				CPULimit:         1.0,
				DefaultTimeout:   "120s",
				DefaultMaxOutput: 30000,
			},
			File: ExecutorConfig{
				Image:            "gateway-executor-file:latest",
				MemoryLimit:      "256m",
				CPULimit:         0.5,
				DefaultTimeout:   "60s",
				DefaultMaxOutput: 30000,
			},
			Web: ExecutorConfig{
				Image:            "gateway-executor-web:latest",
				MemoryLimit:      "1g",
				CPULimit:         1.0,
				DefaultTimeout:   "180s",
				DefaultMaxOutput: 30000,
				ResultFormat:     "structured",
			},
			MaxConcurrent: 4,
		},

		Mounts: []MountConfig{
			{HostPath: "data/workspace", ContainerPath: "/workspace", ReadOnly: false},
		},

		ActionTiers: ActionTiersConfig{
			AutoApprove: []ClassificationRule{
				{Tool: "read_file", Conditions: map[string]string{"path": "/workspace/**"}},
				{Tool: "list_directory", Conditions: map[string]string{"path": "/workspace/**"}},
				{Tool: "search_files"},
			},
			Notify: []ClassificationRule{
				{Tool: "write_file", Conditions: map[string]string{"path": "/workspace/**"}},
			},
			RequireApproval: []ClassificationRule{
				{Tool: "run_shell_command"},
				{Tool: "browse_web"},
			},
		},

		SoulFile: "data/soul.md",
		Skills: SkillsConfig{
			Directory:  "data/skills",
			CharBudget: 6000,
		},

		Approvals: ApprovalsConfig{
			TimeoutMs:     5 * 60 * 1000,
			SweepInterval: "60s",
		},
		Sessions: SessionsConfig{
			MaxTurns:      50,
			TTL:           "60m",
			SweepInterval: "5m",
		},
		Tasks: TasksConfig{
			MaxIterations: 10,
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults so a bare environment can still boot with env-provided secrets.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file. Secrets are excluded by
// their yaml:"-" tags.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if secret := os.Getenv("GATEWAY_CAPABILITY_SECRET"); secret != "" {
		c.CapabilitySecret = secret
	}
	if dir := os.Getenv("GATEWAY_AUDIT_DIR"); dir != "" {
		c.AuditDir = dir
	}
	if dir := os.Getenv("GATEWAY_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if sock := os.Getenv("GATEWAY_SOCKET"); sock != "" {
		c.SocketPath = sock
	}

	if c.Embeddings.Provider == "genai" {
		c.Embeddings.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	// When the provider is pinned in the file, only its own key applies.
	// Otherwise the first key found picks the provider.
	keys := map[string]string{
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"gemini":    os.Getenv("GEMINI_API_KEY"),
		"codex":     os.Getenv("CODEX_API_KEY"),
	}
	if keys["codex"] == "" {
		keys["codex"] = os.Getenv("OPENAI_API_KEY")
	}

	if key := keys[c.LLM.Provider]; key != "" {
		c.LLM.APIKey = key
		return
	}
	for _, provider := range []string{"anthropic", "openai", "gemini", "codex"} {
		if keys[provider] != "" {
			c.LLM.Provider = provider
			c.LLM.APIKey = keys[provider]
			return
		}
	}
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini", "codex"}

// ValidTiers lists the action tiers accepted in mcpServers[].defaultTier.
var ValidTiers = []string{"auto-approve", "notify", "require-approval"}

// Validate checks the configuration. Any error here is fatal at startup.
func (c *Config) Validate() error {
	if c.CapabilitySecret == "" {
		return &ConfigError{Field: "capabilitySecret", Msg: "GATEWAY_CAPABILITY_SECRET not set"}
	}
	if c.AuditDir == "" {
		return &ConfigError{Field: "auditDir", Msg: "audit directory required"}
	}
	if c.SocketPath == "" {
		return &ConfigError{Field: "socketPath", Msg: "socket path required"}
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return &ConfigError{Field: "llm.provider", Msg: fmt.Sprintf("invalid provider %q (valid: %v)", c.LLM.Provider, ValidProviders)}
	}
	if c.LLM.APIKey == "" {
		return &ConfigError{Field: "llm.apiKey", Msg: "no API key (set ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or CODEX_API_KEY)"}
	}

	for _, executor := range []struct {
		name string
		cfg  ExecutorConfig
	}{
		{"executors.shell", c.Executors.Shell},
		{"executors.file", c.Executors.File},
		{"executors.web", c.Executors.Web},
	} {
		if executor.cfg.Image == "" {
			return &ConfigError{Field: executor.name + ".image", Msg: "image required"}
		}
	}

	seen := make(map[string]bool)
	for _, server := range c.MCPServers {
		if server.Name == "" {
			return &ConfigError{Field: "mcpServers.name", Msg: "server name required"}
		}
		if strings.Contains(server.Name, "__") {
			return &ConfigError{Field: "mcpServers.name", Msg: fmt.Sprintf("%q must not contain the tool prefix separator", server.Name)}
		}
		if seen[server.Name] {
			return &ConfigError{Field: "mcpServers.name", Msg: fmt.Sprintf("duplicate server %q", server.Name)}
		}
		seen[server.Name] = true
		if server.Image == "" {
			return &ConfigError{Field: "mcpServers.image", Msg: fmt.Sprintf("server %q needs an image", server.Name)}
		}
		if server.DefaultTier != "" && !validTier(server.DefaultTier) {
			return &ConfigError{Field: "mcpServers.defaultTier", Msg: fmt.Sprintf("server %q: invalid tier %q", server.Name, server.DefaultTier)}
		}
	}

	names := make(map[string]bool)
	for _, hb := range c.Heartbeats {
		if hb.Name == "" || hb.Prompt == "" {
			return &ConfigError{Field: "heartbeats", Msg: "name and prompt required"}
		}
		if names[hb.Name] {
			return &ConfigError{Field: "heartbeats.name", Msg: fmt.Sprintf("duplicate heartbeat %q", hb.Name)}
		}
		names[hb.Name] = true
	}

	if c.Approvals.TimeoutMs <= 0 {
		return &ConfigError{Field: "approvals.timeoutMs", Msg: "must be positive"}
	}
	if c.Sessions.MaxTurns <= 0 {
		return &ConfigError{Field: "sessions.maxTurns", Msg: "must be positive"}
	}
	if c.Tasks.MaxIterations <= 0 {
		return &ConfigError{Field: "tasks.maxIterations", Msg: "must be positive"}
	}

	switch c.Embeddings.Provider {
	case "", "ollama":
	case "genai":
		if c.Embeddings.APIKey == "" {
			return &ConfigError{Field: "embeddings.apiKey", Msg: "GEMINI_API_KEY not set"}
		}
	default:
		return &ConfigError{Field: "embeddings.provider", Msg: fmt.Sprintf("invalid provider %q (valid: ollama, genai)", c.Embeddings.Provider)}
	}
	return nil
}

func validTier(tier string) bool {
	for _, t := range ValidTiers {
		if tier == t {
			return true
		}
	}
	return false
}

// LLMTimeout returns the LLM round-trip timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// ApprovalTimeout returns how long a pending approval may wait.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approvals.TimeoutMs) * time.Millisecond
}

// ApprovalSweepInterval returns the expiry sweeper period.
func (c *Config) ApprovalSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Approvals.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// SessionTTL returns the session idle lifetime.
func (c *Config) SessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Sessions.TTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SessionSweepInterval returns the session sweeper period.
func (c *Config) SessionSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Sessions.SweepInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
