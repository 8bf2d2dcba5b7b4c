// Package config handles loading and validating Nyumba configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Environment labels. Production enforces the sandbox gate.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the root configuration for Nyumba.
type Config struct {
	Environment   string               `json:"environment,omitempty" yaml:"environment,omitempty"` // "development" (default), "staging", "production". Override: NYUMBA_ENV.
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"`     // Runtime root. Default: ~/.nyumba. Override: NYUMBA_WORKSPACE.
	Log           LogConfig            `json:"log" yaml:"log"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from workspace)
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Artifacts     ArtifactsConfig      `json:"artifacts" yaml:"artifacts"`
	Dispatch      DispatchConfig       `json:"dispatch" yaml:"dispatch"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Home          HomeConfig           `json:"home" yaml:"home"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = gateway disabled (run command only)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = no retention sweeps
}

// Env returns the environment label, defaulting to development.
func (c *Config) Env() string {
	if c.Environment != "" {
		return c.Environment
	}
	return EnvDevelopment
}

// IsProduction reports whether the process runs with the production label.
func (c *Config) IsProduction() bool {
	return c.Env() == EnvProduction
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// MaxOpen returns the open-connection cap with a default of 25.
func (p *PostgresStorageConfig) MaxOpen() int {
	if p != nil && p.MaxOpenConns > 0 {
		return p.MaxOpenConns
	}
	return 25
}

// MaxIdle returns the idle-connection cap with a default of 5.
func (p *PostgresStorageConfig) MaxIdle() int {
	if p != nil && p.MaxIdleConns > 0 {
		return p.MaxIdleConns
	}
	return 5
}

// ConnMaxLifetime returns the connection lifetime with a default of 30m.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// ProviderConfig configures the LLM backend. The client speaks the
// OpenAI-compatible chat-completions protocol, which also covers Ollama,
// LM Studio, and similar local servers via base_url.
type ProviderConfig struct {
	Model         string `json:"model" yaml:"model"`
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENAI_API_KEY env var.
	BaseURL       string `json:"base_url" yaml:"base_url"`                   // Optional. Defaults to https://api.openai.com.
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`       // Tool-use loop ceiling. Default: 8.
	SystemPrompt  string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// Fallbacks are backup endpoints tried in order when the primary
	// fails before any of its stream has been forwarded.
	Fallbacks []FallbackConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// FallbackConfig is one backup model endpoint (e.g., a local Ollama
// server behind a hosted primary).
type FallbackConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"` // Provider label in logs. Default: "fallback".
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// Iterations returns the tool-use iteration ceiling with a default of 8.
func (p *ProviderConfig) Iterations() int {
	if p != nil && p.MaxIterations > 0 {
		return p.MaxIterations
	}
	return 8
}

// SandboxConfig configures the script execution sandbox.
type SandboxConfig struct {
	Enabled          *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`   // Default: true. Disabling in production is a fatal config error.
	Runtime          string `json:"runtime" yaml:"runtime"`                       // OCI CLI binary. Default: "docker"; "podman" also works.
	Image            string `json:"image" yaml:"image"`                           // Preferred analysis image. Default: "nyumba-analysis:latest".
	FallbackImage    string `json:"fallback_image" yaml:"fallback_image"`         // Generic interpreter image. Default: "python:3.12-slim".
	ImageFallback    string `json:"image_fallback" yaml:"image_fallback"`         // "degrade" (default) or "fail" when the preferred image is absent.
	Interpreter      string `json:"interpreter" yaml:"interpreter"`               // In-container interpreter. Default: "python3".
	IsolationRuntime string `json:"isolation_runtime" yaml:"isolation_runtime"`   // Strong-isolation runtime name. Default: "runsc" (gVisor).
	SeccompProfile   string `json:"seccomp_profile" yaml:"seccomp_profile"`       // Host path to a seccomp profile JSON. Empty = runtime default.
	DefaultPolicy    string `json:"default_policy" yaml:"default_policy"`         // Policy preset for untyped runs. Default: "standard".
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`       // Overrides the preset timeout when set. Must be 5–300.
	MaxMemoryMB      int    `json:"max_memory_mb" yaml:"max_memory_mb"`           // Overrides the preset memory ceiling when set. Must be 64–4096.
}

// SandboxEnabled returns whether sandboxing is on, defaulting to true.
func (s *SandboxConfig) SandboxEnabled() bool {
	if s != nil && s.Enabled != nil {
		return *s.Enabled
	}
	return true
}

// RuntimeBinary returns the container CLI binary name, defaulting to docker.
func (s *SandboxConfig) RuntimeBinary() string {
	if s != nil && s.Runtime != "" {
		return s.Runtime
	}
	return "docker"
}

// AnalysisImage returns the preferred data-science image.
func (s *SandboxConfig) AnalysisImage() string {
	if s != nil && s.Image != "" {
		return s.Image
	}
	return "nyumba-analysis:latest"
}

// FallbackImageName returns the generic interpreter image used when the
// preferred image is absent.
func (s *SandboxConfig) FallbackImageName() string {
	if s != nil && s.FallbackImage != "" {
		return s.FallbackImage
	}
	return "python:3.12-slim"
}

// FallbackMode returns "degrade" (run on the fallback image with a warning)
// or "fail" (refuse to run when the preferred image is absent).
func (s *SandboxConfig) FallbackMode() string {
	if s != nil && s.ImageFallback != "" {
		return s.ImageFallback
	}
	return "degrade"
}

// InterpreterBinary returns the in-container interpreter, defaulting to python3.
func (s *SandboxConfig) InterpreterBinary() string {
	if s != nil && s.Interpreter != "" {
		return s.Interpreter
	}
	return "python3"
}

// StrongIsolationRuntime returns the kernel-isolation runtime name,
// defaulting to runsc (gVisor).
func (s *SandboxConfig) StrongIsolationRuntime() string {
	if s != nil && s.IsolationRuntime != "" {
		return s.IsolationRuntime
	}
	return "runsc"
}

// PolicyName returns the default policy preset, defaulting to standard.
func (s *SandboxConfig) PolicyName() string {
	if s != nil && s.DefaultPolicy != "" {
		return s.DefaultPolicy
	}
	return "standard"
}

// ArtifactsConfig controls artifact egress and serving.
type ArtifactsConfig struct {
	MaxSizeBytes int64 `json:"max_size_bytes" yaml:"max_size_bytes"` // Per-file egress ceiling. Default: 10 MB.
}

// MaxSize returns the per-artifact size ceiling with a default of 10 MB.
func (a *ArtifactsConfig) MaxSize() int64 {
	if a != nil && a.MaxSizeBytes > 0 {
		return a.MaxSizeBytes
	}
	return 10 << 20
}

// DispatchConfig controls tool-call execution deadlines and progress polling.
type DispatchConfig struct {
	ToolTimeoutSeconds     int  `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`         // Per read-only call. Default: 30.
	AnalysisTimeoutSeconds int  `json:"analysis_timeout_seconds" yaml:"analysis_timeout_seconds"` // Per analysis-class call. Default: 180.
	PollIntervalMS         int  `json:"poll_interval_ms" yaml:"poll_interval_ms"`                 // Progress queue poll interval. Default: 50.
	Parallel               bool `json:"parallel" yaml:"parallel"`                                 // Run read-only calls concurrently.
}

// ToolTimeout returns the per-call deadline with a default of 30s.
func (d *DispatchConfig) ToolTimeout() time.Duration {
	if d != nil && d.ToolTimeoutSeconds > 0 {
		return time.Duration(d.ToolTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// AnalysisTimeout returns the analysis-call deadline with a default of 3m.
func (d *DispatchConfig) AnalysisTimeout() time.Duration {
	if d != nil && d.AnalysisTimeoutSeconds > 0 {
		return time.Duration(d.AnalysisTimeoutSeconds) * time.Second
	}
	return 3 * time.Minute
}

// PollInterval returns the progress poll interval with a default of 50ms.
func (d *DispatchConfig) PollInterval() time.Duration {
	if d != nil && d.PollIntervalMS > 0 {
		return time.Duration(d.PollIntervalMS) * time.Millisecond
	}
	return 50 * time.Millisecond
}

// ApprovalConfig configures the approval workflow for mutating calls.
type ApprovalConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"` // How long approvals stay actionable. 0 = 300s (5 min).
}

// TTL returns the approval time-to-live with a default of 5m.
func (a *ApprovalConfig) TTL() time.Duration {
	if a != nil && a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// HomeConfig configures the home state provider.
type HomeConfig struct {
	SeedFile     string `json:"seed_file,omitempty" yaml:"seed_file,omitempty"` // YAML file of entities loaded at startup.
	RecordStates bool   `json:"record_states" yaml:"record_states"`             // Append state changes to storage for history queries.
}

// ToolsConfig configures individual tool settings.
type ToolsConfig struct {
	History *HistoryToolConfig `json:"history,omitempty" yaml:"history,omitempty"` // nil = history_query not registered.
	MCP     []MCPServerConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`         // External MCP tool servers.
}

// HistoryToolConfig configures the read-only SQL history tool.
type HistoryToolConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`                         // Connection string. Override: NYUMBA_HISTORY_DSN env var.
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Maximum rows per query. Default: 500.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query timeout. Default: 15.
}

// RowLimit returns the per-query row cap with a default of 500.
func (h *HistoryToolConfig) RowLimit() int {
	if h != nil && h.MaxRows > 0 {
		return h.MaxRows
	}
	return 500
}

// QueryTimeout returns the per-query deadline with a default of 15s.
func (h *HistoryToolConfig) QueryTimeout() time.Duration {
	if h != nil && h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// MCPServerConfig defines a single external MCP server connection.
// Nyumba acts as an MCP client, connecting at startup, discovering tools,
// and registering them in the tool registry. Discovered tools are read-only
// unless listed in MutatingTools, in which case they go through approval.
type MCPServerConfig struct {
	Name          string            `json:"name" yaml:"name"`                                       // Server ID used for tool namespacing (e.g., "weather").
	Transport     string            `json:"transport" yaml:"transport"`                             // "stdio", "sse", or "streamable_http".
	Command       string            `json:"command,omitempty" yaml:"command,omitempty"`             // Executable to launch (stdio only).
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`                   // Command arguments (stdio only).
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                     // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL           string            `json:"url,omitempty" yaml:"url,omitempty"`                     // Server endpoint (sse/streamable_http only).
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`             // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	MutatingTools []string          `json:"mutating_tools,omitempty" yaml:"mutating_tools,omitempty"` // Original tool names that must be approval-gated.
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8642".
	AuthToken           string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"` // Bearer token for /v1. Override: NYUMBA_GATEWAY_TOKEN. Empty = no auth.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	RequestsPerMinute   int    `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Per-client rate limit on /v1. 0 = unlimited.
	WebSocket           bool   `json:"websocket" yaml:"websocket"` // Enable the /v1/events live feed.
}

// Addr returns the listen address with a default of ":8642".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8642"
}

// MaxRequestSize returns the request body ceiling with a default of 1 MB.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g != nil && g.MaxRequestSizeBytes > 0 {
		return g.MaxRequestSizeBytes
	}
	return 1 << 20
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "nyumba"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// RetentionConfig configures the report retention sweeper.
// When nil, reports and their artifacts are kept forever.
type RetentionConfig struct {
	Schedule   string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "0 3 * * *" (03:00 daily).
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Reports older than this are pruned. Default: 30.
}

// CronSchedule returns the sweep schedule with a default of 03:00 daily.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns the report retention period with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := 30
	if r != nil && r.MaxAgeDays > 0 {
		days = r.MaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.nyumba/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/nyumba.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".nyumba", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if env := os.Getenv("NYUMBA_ENV"); env != "" {
		cfg.Environment = env
	}
	if envWS := os.Getenv("NYUMBA_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if envTok := os.Getenv("NYUMBA_GATEWAY_TOKEN"); envTok != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &GatewayConfig{}
		}
		cfg.Gateway.AuthToken = envTok
	}
	if envDSN := os.Getenv("NYUMBA_HISTORY_DSN"); envDSN != "" {
		if cfg.Tools.History == nil {
			cfg.Tools.History = &HistoryToolConfig{}
		}
		cfg.Tools.History.DSN = envDSN
	}

	// Resolve workspace default.
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Workspace = filepath.Join(home, ".nyumba")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".nyumba"
		}
		return filepath.Join(home, ".nyumba")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Validate checks the configuration for fatal errors. The sandbox gate is
// the one non-negotiable rule: sandboxing must never be off in production.
func (c *Config) Validate() error {
	switch c.Env() {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		return fmt.Errorf("environment %q is not supported (use development, staging, or production)", c.Environment)
	}

	if !c.Sandbox.SandboxEnabled() && c.IsProduction() {
		return fmt.Errorf("sandbox.enabled: sandboxing must not be disabled in a production environment")
	}

	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	// Hosted OpenAI needs a key; local OpenAI-compatible servers do not.
	if c.Provider.APIKey == "" && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.api_key is required (set OPENAI_API_KEY env var) unless provider.base_url points at a local server")
	}
	for i, fb := range c.Provider.Fallbacks {
		if fb.Model == "" {
			return fmt.Errorf("provider.fallbacks[%d].model is required", i)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported (use text or json)", c.Log.Format)
	}

	if t := c.Sandbox.TimeoutSeconds; t != 0 && (t < 5 || t > 300) {
		return fmt.Errorf("sandbox.timeout_seconds: must be between 5 and 300, got %d", t)
	}
	if m := c.Sandbox.MaxMemoryMB; m != 0 && (m < 64 || m > 4096) {
		return fmt.Errorf("sandbox.max_memory_mb: must be between 64 and 4096, got %d", m)
	}
	switch c.Sandbox.ImageFallback {
	case "", "degrade", "fail":
	default:
		return fmt.Errorf("sandbox.image_fallback %q is not supported (use degrade or fail)", c.Sandbox.ImageFallback)
	}
	switch c.Sandbox.DefaultPolicy {
	case "", "minimal", "analysis", "standard", "extended":
	default:
		return fmt.Errorf("sandbox.default_policy %q is not a known policy preset", c.Sandbox.DefaultPolicy)
	}

	if c.Artifacts.MaxSizeBytes < 0 {
		return fmt.Errorf("artifacts.max_size_bytes must not be negative")
	}
	if c.Dispatch.ToolTimeoutSeconds < 0 {
		return fmt.Errorf("dispatch.tool_timeout_seconds must not be negative")
	}
	if c.Dispatch.AnalysisTimeoutSeconds < 0 {
		return fmt.Errorf("dispatch.analysis_timeout_seconds must not be negative")
	}
	if p := c.Dispatch.PollIntervalMS; p != 0 && (p < 1 || p > 1000) {
		return fmt.Errorf("dispatch.poll_interval_ms: must be between 1 and 1000, got %d", p)
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Retention != nil && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}

	return nil
}
