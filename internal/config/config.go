// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kazi. Override: KAZI_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Policy        domain.Policy        `json:"default_policy" yaml:"default_policy"` // Applied to projects without a stored policy.
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	GitHub        GitHubConfig         `json:"github" yaml:"github"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP and WebSocket gateway.
type ServerConfig struct {
	Addr                   string          `json:"addr" yaml:"addr"`                                         // Default: ":8080"
	APIKeys                []APIKeyConfig  `json:"api_keys" yaml:"api_keys"`                                 // At least one is required to serve.
	RateLimit              RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`                             // Per-user token bucket.
	StreamBuffer           int             `json:"stream_buffer" yaml:"stream_buffer"`                       // Events buffered per session stream. Default: 256
	ShutdownTimeoutSeconds int             `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Default: 30
	CORSOrigins            []string        `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"` // Browser origins allowed to open session sockets.
	EnableDocs             bool            `json:"enable_docs" yaml:"enable_docs"`                           // Serve the OpenAPI docs at /docs.
}

// APIKeyConfig maps a bearer token to the user it authenticates.
type APIKeyConfig struct {
	Key    string `json:"key" yaml:"key"`
	UserID string `json:"user_id" yaml:"user_id"`
}

// RateLimitConfig configures per-user request rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: RequestsPerMinute
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/kazi.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig configures the container runtime and the controller.
type SandboxConfig struct {
	Runtime               string  `json:"runtime" yaml:"runtime"`                                   // "docker" (default) or "process".
	Image                 string  `json:"image" yaml:"image"`                                       // Docker image with git and a POSIX shell.
	NamePrefix            string  `json:"name_prefix" yaml:"name_prefix"`                           // Container/volume name prefix. Default: "kazi".
	MaxSandboxes          int     `json:"max_sandboxes" yaml:"max_sandboxes"`                       // Pool capacity. Default: 20
	DefaultBranch         string  `json:"default_branch" yaml:"default_branch"`                     // Default: "main"
	CloneTimeoutSeconds   int     `json:"clone_timeout_seconds" yaml:"clone_timeout_seconds"`       // Default: 120
	ExecTimeoutSeconds    int     `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`         // Default: 30
	MaxExecTimeoutSeconds int     `json:"max_exec_timeout_seconds" yaml:"max_exec_timeout_seconds"` // Hard cap. Default: 300
	PIDsLimit             int     `json:"pids_limit" yaml:"pids_limit"`                             // Default: 256
	NetworkAllowed        bool    `json:"network_allowed" yaml:"network_allowed"`                   // Clone mode needs network.
	User                  string  `json:"user,omitempty" yaml:"user,omitempty"`
	VolumesDir            string  `json:"volumes_dir,omitempty" yaml:"volumes_dir,omitempty"` // Process runtime only. Default: <data_dir>/volumes.
	MaxCPUSeconds         int     `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Process runtime only. Default: 300
	ReconcileSchedule     string  `json:"reconcile_schedule" yaml:"reconcile_schedule"`       // Cron spec. Default: "@every 1m"
	DefaultCPU            float64 `json:"default_cpu" yaml:"default_cpu"`
	DefaultMemoryMB       int     `json:"default_memory_mb" yaml:"default_memory_mb"`
	DefaultDiskMB         int     `json:"default_disk_mb" yaml:"default_disk_mb"`
}

// ProviderConfig selects the completion service.
type ProviderConfig struct {
	Name           string `json:"name" yaml:"name"`                       // "anthropic" (default), "openai" or "scripted".
	Model          string `json:"model" yaml:"model"`                     // Provider model ID.
	APIKey         string `json:"api_key,omitempty" yaml:"api_key"`       // Override: ANTHROPIC_API_KEY / OPENAI_API_KEY.
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url"`     // OpenAI-compatible servers (e.g. Ollama).
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`         // Attempts including the first. Default: 4
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-call timeout. Default: 120
}

// AgentConfig bounds the tool-use loop.
type AgentConfig struct {
	MaxIterations      int    `json:"max_iterations" yaml:"max_iterations"`             // Default: 25
	MaxTokens          int    `json:"max_tokens" yaml:"max_tokens"`                     // Per-turn token budget. Default: 200000
	MaxOutputTokens    int    `json:"max_output_tokens" yaml:"max_output_tokens"`       // Per completion call. Default: model limit
	MaxHistoryMessages int    `json:"max_history_messages" yaml:"max_history_messages"` // Default: 100
	MaxMessageBytes    int    `json:"max_message_bytes" yaml:"max_message_bytes"`       // Default: 32768
	SystemPrompt       string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Summarize          bool   `json:"summarize" yaml:"summarize"`             // Summarize old messages instead of dropping them.
	GenerateTitles     bool   `json:"generate_titles" yaml:"generate_titles"` // Name sessions after their first message.
}

// ApprovalConfig configures human-in-the-loop approvals.
type ApprovalConfig struct {
	TTLSeconds     int                         `json:"ttl_seconds" yaml:"ttl_seconds"`         // Default: 86400 (24h)
	ExpirySchedule string                      `json:"expiry_schedule" yaml:"expiry_schedule"` // Cron spec. Default: "@every 1m"
	RetentionDays  int                         `json:"retention_days" yaml:"retention_days"`   // Resolved approvals are pruned after this. Default: 30
	Auto           approval.AutoApprovalConfig `json:"auto" yaml:"auto"`
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	Backend    string `json:"backend" yaml:"backend"`           // "db" (default) or "file".
	Path       string `json:"path,omitempty" yaml:"path"`       // JSONL path for the file backend. Default: <data_dir>/audit/audit.jsonl
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`   // Default: 100
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`   // Default: 10
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 90
}

// GitHubConfig enables pull request creation.
type GitHubConfig struct {
	Token   string `json:"token,omitempty" yaml:"token"`       // Override: GITHUB_TOKEN.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"` // GitHub Enterprise API URL.
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format     string `json:"format" yaml:"format"` // "text" (default) or "json"
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"` // Rotation size. Default: 100
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Default: 5
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ObservabilityConfig groups metrics, tracing and health settings.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`                           // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol" yaml:"protocol"`                           // "grpc" or "http". Default: "grpc"
	ServiceName string            `json:"service_name" yaml:"service_name"`                   // Default: "kazi"
	SampleRate  float64           `json:"sample_rate" yaml:"sample_rate"`                     // 0.0 to 1.0. Default: 1.0
	Insecure    bool              `json:"insecure" yaml:"insecure"`                           // Skip TLS for dev
	Environment string            `json:"environment,omitempty" yaml:"environment,omitempty"` // deployment.environment attribute
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`         // Sent with every export
}

// HealthConfig selects the readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeRuntime bool `json:"include_runtime" yaml:"include_runtime"`
}

// DefaultConfigPath returns ~/.kazi/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kazi.yaml"
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads the YAML or JSON file at path and applies environment overrides.
// A missing file at the default location yields an environment-only config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := decode(resolved, data, &cfg); err != nil {
				return nil, err
			}
		case errors.Is(err, os.ErrNotExist) && resolved == DefaultConfigPath():
		default:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".kazi")
		} else {
			cfg.DataDir = ".kazi"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides. Env vars take
// precedence over file values.
func (c *Config) applyEnv() error {
	c.DataDir = goutils.Env("KAZI_DATA_DIR", c.DataDir)
	c.Server.Addr = goutils.Env("KAZI_ADDR", c.Server.Addr)
	c.Sandbox.Runtime = goutils.Env("KAZI_SANDBOX_RUNTIME", c.Sandbox.Runtime)
	c.Sandbox.Image = goutils.Env("KAZI_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Provider.Name = goutils.Env("KAZI_PROVIDER", c.Provider.Name)
	c.Provider.Model = goutils.Env("KAZI_MODEL", c.Provider.Model)
	c.Provider.BaseURL = goutils.Env("KAZI_PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Logging.Level = goutils.Env("KAZI_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = goutils.Env("KAZI_LOG_FORMAT", c.Logging.Format)
	c.GitHub.Token = goutils.Env("GITHUB_TOKEN", c.GitHub.Token)

	if c.Provider.APIKey == "" {
		switch c.ProviderName() {
		case "anthropic":
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	c.Provider.APIKey = goutils.Env("KAZI_PROVIDER_API_KEY", c.Provider.APIKey)

	if driver := os.Getenv("KAZI_STORAGE_DRIVER"); driver != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("KAZI_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	// KAZI_API_KEYS is a comma-separated list of key:user pairs.
	if keys := os.Getenv("KAZI_API_KEYS"); keys != "" {
		parsed, err := parseAPIKeys(keys)
		if err != nil {
			return fmt.Errorf("parsing KAZI_API_KEYS: %w", err)
		}
		c.Server.APIKeys = parsed
	}
	if rpm := os.Getenv("KAZI_RATE_LIMIT_RPM"); rpm != "" {
		n, err := strconv.Atoi(rpm)
		if err != nil {
			return fmt.Errorf("parsing KAZI_RATE_LIMIT_RPM: %w", err)
		}
		c.Server.RateLimit.RequestsPerMinute = n
	}
	return nil
}

func parseAPIKeys(s string) ([]APIKeyConfig, error) {
	var out []APIKeyConfig
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("entry %q is not key:user", pair)
		}
		out = append(out, APIKeyConfig{Key: key, UserID: user})
	}
	return out, nil
}

// resolvePath expands a leading ~ and makes the path absolute.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}

// --- Derived values ---

// ServerAddr returns the listen address.
func (c *Config) ServerAddr() string {
	if c.Server.Addr != "" {
		return c.Server.Addr
	}
	return ":8080"
}

// APIKeyMap returns the configured API keys as key -> user ID.
func (c *Config) APIKeyMap() map[string]string {
	keys := make(map[string]string, len(c.Server.APIKeys))
	for _, k := range c.Server.APIKeys {
		keys[k.Key] = k.UserID
	}
	return keys
}

// StreamBuffer returns the per-session event buffer size.
func (c *Config) StreamBuffer() int {
	if c.Server.StreamBuffer > 0 {
		return c.Server.StreamBuffer
	}
	return 256
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds > 0 {
		return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StorageDriverName returns the configured storage driver.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return strings.ToLower(c.Storage.Driver)
	}
	return "sqlite"
}

// DatabasePath returns the SQLite database file path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "kazi.db")
}

// AuditLogPath returns the JSONL audit file path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit", "audit.jsonl")
}

// AuditBackend returns "db" or "file".
func (c *Config) AuditBackend() string {
	if c.Audit.Backend != "" {
		return strings.ToLower(c.Audit.Backend)
	}
	return "db"
}

// VolumesDir returns the host directory of process-runtime volumes.
func (c *Config) VolumesDir() string {
	if c.Sandbox.VolumesDir != "" {
		return c.Sandbox.VolumesDir
	}
	return filepath.Join(c.DataDir, "volumes")
}

// SandboxRuntime returns "docker" or "process".
func (c *Config) SandboxRuntime() string {
	if c.Sandbox.Runtime != "" {
		return strings.ToLower(c.Sandbox.Runtime)
	}
	return "docker"
}

// SandboxImage returns the container image.
func (c *Config) SandboxImage() string {
	if c.Sandbox.Image != "" {
		return c.Sandbox.Image
	}
	return "alpine/git:latest"
}

// ReconcileSchedule returns the cron spec of the sandbox reconcile job.
func (c *Config) ReconcileSchedule() string {
	if c.Sandbox.ReconcileSchedule != "" {
		return c.Sandbox.ReconcileSchedule
	}
	return "@every 1m"
}

// DefaultLimits returns the resource limits applied to new sandboxes.
func (c *Config) DefaultLimits() domain.ResourceLimits {
	return domain.ResourceLimits{
		CPU:      c.Sandbox.DefaultCPU,
		MemoryMB: c.Sandbox.DefaultMemoryMB,
		DiskMB:   c.Sandbox.DefaultDiskMB,
	}.WithDefaults()
}

// ProviderName returns the lower-cased provider name.
func (c *Config) ProviderName() string {
	if c.Provider.Name != "" {
		return strings.ToLower(c.Provider.Name)
	}
	return "anthropic"
}

// ApprovalTTL returns the approval lifetime.
func (c *Config) ApprovalTTL() time.Duration {
	if c.Approval.TTLSeconds > 0 {
		return time.Duration(c.Approval.TTLSeconds) * time.Second
	}
	return approval.DefaultTTL
}

// ApprovalExpirySchedule returns the cron spec of the approval expiry job.
func (c *Config) ApprovalExpirySchedule() string {
	if c.Approval.ExpirySchedule != "" {
		return c.Approval.ExpirySchedule
	}
	return "@every 1m"
}

// ApprovalRetention returns how long resolved approvals are kept.
func (c *Config) ApprovalRetention() time.Duration {
	if c.Approval.RetentionDays > 0 {
		return time.Duration(c.Approval.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// MetricsEnabled reports whether the Prometheus endpoint is served.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the Prometheus endpoint path.
func (c *Config) MetricsPath() string {
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

// Seconds converts a configured number of seconds, returning 0 for
// non-positive values so callers fall back to their own defaults.
func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set KAZI_DB_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.SandboxRuntime() {
	case "docker", "process":
	default:
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	if c.Sandbox.MaxSandboxes < 0 {
		return fmt.Errorf("sandbox.max_sandboxes must be >= 0")
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	if c.Agent.MaxIterations < 0 || c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent limits must be >= 0")
	}
	if lvl := c.Policy.MaxRiskLevel; lvl != "" {
		switch lvl {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("default_policy.max_risk_level %q is invalid", lvl)
		}
	}

	switch c.AuditBackend() {
	case "db", "file":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Server.APIKeys))
	for i, k := range c.Server.APIKeys {
		if k.Key == "" || k.UserID == "" {
			return fmt.Errorf("server.api_keys[%d]: key and user_id are required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("server.api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be >= 0")
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}

func (c *Config) validateProvider() error {
	switch c.ProviderName() {
	case "anthropic":
		if c.Provider.APIKey == "" {
			return fmt.Errorf("anthropic provider requires an API key (set ANTHROPIC_API_KEY)")
		}
	case "openai":
		if c.Provider.APIKey == "" && c.Provider.BaseURL == "" {
			return fmt.Errorf("openai provider requires an API key (set OPENAI_API_KEY) or a base_url")
		}
	case "scripted":
	default:
		return fmt.Errorf("unknown provider %q (known: anthropic, openai, scripted)", c.Provider.Name)
	}
	if c.Provider.MaxRetries < 0 || c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("provider retries and timeout must be >= 0")
	}
	return nil
}
