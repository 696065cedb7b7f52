package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete admission engine configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Audit         AuditConfig         `yaml:"audit" json:"audit"`
	Rules         []RuleConfig        `yaml:"rules" json:"rules"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	AdminEnabled    bool          `yaml:"admin_enabled" json:"admin_enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level           string            `yaml:"level" json:"level"`
	Format          string            `yaml:"format" json:"format"` // json or text
	Output          string            `yaml:"output" json:"output"` // stdout, stderr, or file path
	ComponentLevels map[string]string `yaml:"component_levels" json:"component_levels"`
}

// StorageConfig selects and configures the shared bucket-state backend
type StorageConfig struct {
	Backend       string        `yaml:"backend" json:"backend"` // memory, redis, or dynamodb
	CheckTimeout  time.Duration `yaml:"check_timeout" json:"check_timeout"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"redis_password"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" json:"key_prefix"`
	DynamoDBTable string        `yaml:"dynamodb_table" json:"dynamodb_table"`
	DynamoDBRegion string       `yaml:"dynamodb_region" json:"dynamodb_region"`

	// Circuit breaker guarding the backend. A tripped breaker makes checks
	// fail fast, which the algorithm layer converts into fail-open.
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold" json:"breaker_success_threshold"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
}

// AuditConfig contains violation audit sink configuration
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	BufferSize int  `yaml:"buffer_size" json:"buffer_size"`
}

// RuleConfig declares one admission rule in the static rule table.
// Endpoint is either "{METHOD} {PATH}" or a logical operation name.
type RuleConfig struct {
	Name            string  `yaml:"name" json:"name"`
	Endpoint        string  `yaml:"endpoint" json:"endpoint"`
	Strategy        string  `yaml:"strategy" json:"strategy"`
	MaxTokens       int     `yaml:"max_tokens" json:"max_tokens"`
	RefillPerMinute float64 `yaml:"refill_per_minute" json:"refill_per_minute"`
	Scope           string  `yaml:"scope" json:"scope"`
	Cost            int     `yaml:"cost" json:"cost"`
	Enabled         *bool   `yaml:"enabled" json:"enabled"`
	// Resource names the downstream dependency for user+resource scoped rules.
	Resource string `yaml:"resource" json:"resource"`
}

// IsEnabled returns the enabled flag, defaulting to true when omitted.
func (r *RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort     int     `yaml:"metrics_port" json:"metrics_port"`
	MetricsPath     string  `yaml:"metrics_path" json:"metrics_path"`
	HealthPath      string  `yaml:"health_path" json:"health_path"`
	ReadinessPath   string  `yaml:"readiness_path" json:"readiness_path"`
	LivenessPath    string  `yaml:"liveness_path" json:"liveness_path"`
	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// Load loads configuration from file with environment variable overrides.
// The rule table is validated eagerly; a process must not start with an
// invalid rule.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
		AdminEnabled:    true,
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
	c.Storage = StorageConfig{
		Backend:                 "memory",
		CheckTimeout:            100 * time.Millisecond,
		RedisAddr:               "localhost:6379",
		KeyPrefix:               "admission:",
		DynamoDBRegion:          "eu-central-1",
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          30 * time.Second,
	}
	c.Audit = AuditConfig{
		Enabled:    true,
		BufferSize: 1024,
	}
	c.Observability = ObservabilityConfig{
		MetricsEnabled:    true,
		MetricsPort:       9090,
		MetricsPath:       "/metrics",
		HealthPath:        "/health",
		ReadinessPath:     "/ready",
		LivenessPath:      "/live",
		TracingSampleRate: 0.1,
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies ADMISSION_* environment variable overrides
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ADMISSION_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ADMISSION_HTTP_PORT: %w", err)
		}
		cfg.Server.HTTPPort = port
	}
	if v := os.Getenv("ADMISSION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ADMISSION_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ADMISSION_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("ADMISSION_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("ADMISSION_REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("ADMISSION_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ADMISSION_REDIS_DB: %w", err)
		}
		cfg.Storage.RedisDB = db
	}
	if v := os.Getenv("ADMISSION_DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("ADMISSION_DYNAMODB_REGION"); v != "" {
		cfg.Storage.DynamoDBRegion = v
	}
	if v := os.Getenv("ADMISSION_CHECK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ADMISSION_CHECK_TIMEOUT: %w", err)
		}
		cfg.Storage.CheckTimeout = d
	}
	if v := os.Getenv("ADMISSION_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ADMISSION_METRICS_PORT: %w", err)
		}
		cfg.Observability.MetricsPort = port
	}
	return nil
}

var validScopes = map[string]bool{
	"ip":            true,
	"user":          true,
	"user+resource": true,
	"global":        true,
}

var validStrategies = map[string]bool{
	"token_bucket":   true,
	"sliding_window": true, // reserved
	"fixed_window":   true, // reserved
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("invalid trusted proxy %q: must be an IP or CIDR block", proxy)
		}
	}

	switch c.Storage.Backend {
	case "memory", "redis", "dynamodb":
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Backend == "dynamodb" && c.Storage.DynamoDBTable == "" {
		return fmt.Errorf("dynamodb backend requires dynamodb_table")
	}

	if c.Storage.CheckTimeout <= 0 {
		return fmt.Errorf("check_timeout must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	seen := make(map[string]string, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if prev, dup := seen[rule.Endpoint]; dup {
			return fmt.Errorf("rules %q and %q both bind endpoint %q", prev, rule.Name, rule.Endpoint)
		}
		seen[rule.Endpoint] = rule.Name
	}

	return nil
}

// Validate checks a single rule declaration. Invalid values fail
// configuration load rather than failing silently at use time.
func (r *RuleConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if r.Strategy == "" {
		r.Strategy = "token_bucket"
	}
	if !validStrategies[r.Strategy] {
		return fmt.Errorf("unknown strategy: %s", r.Strategy)
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", r.MaxTokens)
	}
	if r.RefillPerMinute <= 0 {
		return fmt.Errorf("refill_per_minute must be positive, got %g", r.RefillPerMinute)
	}
	if r.Cost == 0 {
		r.Cost = 1
	}
	if r.Cost < 0 {
		return fmt.Errorf("cost must be positive, got %d", r.Cost)
	}
	if r.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if !validScopes[strings.ToLower(r.Scope)] {
		return fmt.Errorf("unknown scope: %s", r.Scope)
	}
	if strings.ToLower(r.Scope) == "user+resource" && r.Resource == "" {
		return fmt.Errorf("user+resource scope requires a resource name")
	}
	return nil
}
