package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the orchestrator.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Auth        AuthConfig         `yaml:"auth"`
	StateStore  StateStoreConfig   `yaml:"state_store"`
	CostLedger  CostLedgerConfig   `yaml:"cost_ledger"`
	Circuit     CircuitConfig      `yaml:"circuit"`
	Flags       FlagsConfig        `yaml:"flags"`
	Registry    RegistryConfig     `yaml:"registry"`
	RAG         RAGConfig          `yaml:"rag"`
	LLM         LLMConfig          `yaml:"llm"`
	Tools       ToolsConfig        `yaml:"tools"`
	Cron        CronConfig         `yaml:"cron"`
	Streaming   StreamingConfig    `yaml:"streaming"`
	Logging     LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// StateStoreConfig configures the Redis-compatible conversation-state
// backend and its local degraded-mode cache.
type StateStoreConfig struct {
	// RedisAddr is the Redis-compatible endpoint (host:port).
	RedisAddr string `yaml:"redis_addr"`

	// RedisDB selects the logical Redis database.
	RedisDB int `yaml:"redis_db"`

	// RedisPassword authenticates against the Redis endpoint.
	RedisPassword string `yaml:"redis_password"`

	// KeyPrefix namespaces all keys this instance writes.
	KeyPrefix string `yaml:"key_prefix"`

	// TurnTTL is how long per-conversation turn history is retained.
	TurnTTL time.Duration `yaml:"turn_ttl"`

	// FallbackPath is the SQLite file used as a degraded-mode mirror
	// when Redis is unreachable.
	FallbackPath string `yaml:"fallback_path"`
}

// CostLedgerConfig configures budget limits and pricing overrides.
type CostLedgerConfig struct {
	// PerTurnLimitUSD caps spend for a single turn. Zero disables the check.
	PerTurnLimitUSD string `yaml:"per_turn_limit_usd"`

	// PerSessionLimitUSD caps cumulative spend for a conversation.
	PerSessionLimitUSD string `yaml:"per_session_limit_usd"`

	// DailyLimitUSD caps spend across a rolling UTC day.
	DailyLimitUSD string `yaml:"daily_limit_usd"`

	// MonthlyLimitUSD caps spend across a rolling UTC month.
	MonthlyLimitUSD string `yaml:"monthly_limit_usd"`

	// PricingOverrides lets an operator override the built-in per-model
	// pricing table, keyed "provider/model".
	PricingOverrides map[string]ModelPricingConfig `yaml:"pricing_overrides"`
}

// ModelPricingConfig is per-million-token pricing for one model.
type ModelPricingConfig struct {
	InputPer1M       string `yaml:"input_per_1m"`
	OutputPer1M      string `yaml:"output_per_1m"`
	CachedInputPer1M string `yaml:"cached_input_per_1m"`
	EffectiveFrom    string `yaml:"effective_from"`
}

// CircuitConfig configures circuit breaker thresholds and the
// emergency-override signing key.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`

	// BudgetTripFraction opens the breaker once spend reaches this
	// fraction of the applicable budget limit (0-1).
	BudgetTripFraction float64 `yaml:"budget_trip_fraction"`

	// OverrideSigningKey verifies emergency-override JWTs.
	OverrideSigningKey string `yaml:"override_signing_key"`

	// HalfOpenProbeCron schedules half-open probe attempts for breakers
	// that would otherwise only retry on next caller request.
	HalfOpenProbeCron string `yaml:"half_open_probe_cron"`
}

// FlagsConfig configures the feature-flag source file and reload.
type FlagsConfig struct {
	Path         string        `yaml:"path"`
	ReloadOnEdit bool          `yaml:"reload_on_edit"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RegistryConfig configures agent-descriptor loading and hot-reload.
type RegistryConfig struct {
	Path         string `yaml:"path"`
	ReloadOnEdit bool   `yaml:"reload_on_edit"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default provider fails.
	FallbackChain []string `yaml:"fallback_chain"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
	Approval  ApprovalConfig      `yaml:"approval"`
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Parallelism   int           `yaml:"parallelism"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
}

// ApprovalConfig controls tool approval behavior (HITL gate).
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level.
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval needed).
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// SafeBins are stdin-only tools that are safe to auto-allow.
	SafeBins []string `yaml:"safe_bins"`

	// RequireApproval lists tools that always require approval.
	RequireApproval []string `yaml:"require_approval"`

	// DefaultDecision when no rule matches: "allowed", "denied", or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long approval requests remain valid.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// CronConfig configures scheduled jobs (breaker half-open probes, budget
// window resets, and any operator-defined maintenance jobs).
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Type     string             `yaml:"type"`
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
}

type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	Timezone string        `yaml:"timezone"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RAGConfig configures per-turn retrieval-augmented context injection.
type RAGConfig struct {
	Enabled          bool                      `yaml:"enabled"`
	MaxChunks        int                       `yaml:"max_chunks"`
	MaxTokens        int                       `yaml:"max_tokens"`
	MinScore         float32                   `yaml:"min_score"`
	RecencyHalfLife  time.Duration             `yaml:"recency_half_life"`
	Scope            string                    `yaml:"scope"`
	CacheTTL         time.Duration             `yaml:"cache_ttl"`
	HeaderTemplate   string                    `yaml:"header_template"`
	ChunkTemplate    string                    `yaml:"chunk_template"`
	FooterTemplate   string                    `yaml:"footer_template"`
}

// StreamingConfig configures the WebSocket/SSE fan-out hub.
type StreamingConfig struct {
	Enabled           bool `yaml:"enabled"`
	SubscriberBuffer  int  `yaml:"subscriber_buffer"`
	MaxTopicsPerConn  int  `yaml:"max_topics_per_conn"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applyStateStoreDefaults(&cfg.StateStore)
	applyCircuitDefaults(&cfg.Circuit)
	applyFlagsDefaults(&cfg.Flags)
	applyRegistryDefaults(&cfg.Registry)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyRAGDefaults(&cfg.RAG)
	applyStreamingDefaults(&cfg.Streaming)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applyStateStoreDefaults(cfg *StateStoreConfig) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "conductor"
	}
	if cfg.TurnTTL == 0 {
		cfg.TurnTTL = 24 * time.Hour
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = "conductor-state.sqlite"
	}
}

func applyCircuitDefaults(cfg *CircuitConfig) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.BudgetTripFraction == 0 {
		cfg.BudgetTripFraction = 1.0
	}
	if cfg.HalfOpenProbeCron == "" {
		cfg.HalfOpenProbeCron = "@every 30s"
	}
}

func applyFlagsDefaults(cfg *FlagsConfig) {
	if cfg.Path == "" {
		cfg.Path = "flags.yaml"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
}

func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.Path == "" {
		cfg.Path = "agents.yaml"
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 25
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 4
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 2 * time.Minute
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 3
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Approval.DefaultDecision == "" {
		cfg.Approval.DefaultDecision = "pending"
	}
	if cfg.Approval.RequestTTL == 0 {
		cfg.Approval.RequestTTL = 5 * time.Minute
	}
	if len(cfg.Approval.SafeBins) == 0 {
		cfg.Approval.SafeBins = []string{"cat", "head", "tail", "wc", "sort", "uniq", "grep"}
	}
}

func applyRAGDefaults(cfg *RAGConfig) {
	if cfg.MaxChunks == 0 {
		cfg.MaxChunks = 5
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = 0.7
	}
	if cfg.RecencyHalfLife == 0 {
		cfg.RecencyHalfLife = 6 * time.Hour
	}
	if cfg.Scope == "" {
		cfg.Scope = "conversation"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.HeaderTemplate == "" {
		cfg.HeaderTemplate = "## Relevant Context\n\nThe following information may be relevant:\n\n"
	}
	if cfg.ChunkTemplate == "" {
		cfg.ChunkTemplate = "### {{.Source}}\n{{.Content}}\n\n"
	}
	if cfg.FooterTemplate == "" {
		cfg.FooterTemplate = "---\n\n"
	}
}

func applyStreamingDefaults(cfg *StreamingConfig) {
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.MaxTopicsPerConn == 0 {
		cfg.MaxTopicsPerConn = 16
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("REDIS_ADDR")); value != "" {
		cfg.StateStore.RedisAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_TOKEN_EXPIRY")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.Auth.TokenExpiry = parsed
		}
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	seenKeys := map[string]struct{}{}
	for i, entry := range cfg.Auth.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be set", i))
			continue
		}
		if _, ok := seenKeys[key]; ok {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be unique", i))
		} else {
			seenKeys[key] = struct{}{}
		}
	}

	if jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret); jwtSecret != "" {
		if len(jwtSecret) < 32 {
			issues = append(issues, "auth.jwt_secret must be at least 32 characters for security")
		}
	}

	if cfg.Tools.Execution.MaxIterations < 0 {
		issues = append(issues, "tools.execution.max_iterations must be >= 0")
	}
	if cfg.Tools.Execution.Parallelism < 0 {
		issues = append(issues, "tools.execution.parallelism must be >= 0")
	}
	if cfg.Tools.Execution.Timeout < 0 {
		issues = append(issues, "tools.execution.timeout must be >= 0")
	}
	if profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Approval.Profile)); profile != "" {
		switch profile {
		case "coding", "messaging", "readonly", "full", "minimal":
		default:
			issues = append(issues, "tools.approval.profile must be \"coding\", \"messaging\", \"readonly\", \"full\", or \"minimal\"")
		}
	}

	if cfg.Circuit.BudgetTripFraction < 0 || cfg.Circuit.BudgetTripFraction > 1 {
		issues = append(issues, "circuit.budget_trip_fraction must be between 0 and 1")
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}
