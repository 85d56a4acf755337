// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/casedesk/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Platform      PlatformConfig      `yaml:"platform"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Polling       PollingConfig       `yaml:"polling"`
	Review        ReviewConfig        `yaml:"review"`
	Tokens        TokenStoreConfig    `yaml:"tokens"`
	Audit         AuditConfig         `yaml:"audit"`
	Events        EventsConfig        `yaml:"events"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// PlatformConfig describes the insurance platform API.
type PlatformConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ContractFile   string               `yaml:"contract_file"`
	ForwardAuth    bool                 `yaml:"forward_auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// WorkflowConfig describes where the workflow definition comes from.
type WorkflowConfig struct {
	DefinitionFile string        `yaml:"definition_file"`
	HotReload      bool          `yaml:"hot_reload"`
	Debounce       time.Duration `yaml:"debounce"`
}

// PollingConfig describes how often platform state is refreshed.
type PollingConfig struct {
	CaseInterval   time.Duration `yaml:"case_interval"`
	ClaimsInterval time.Duration `yaml:"claims_interval"`
	QueueInterval  time.Duration `yaml:"queue_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionIdle    time.Duration `yaml:"session_idle"`
}

// ReviewConfig describes review actions and manual completion settings.
type ReviewConfig struct {
	ConfirmationTTL time.Duration        `yaml:"confirmation_ttl"`
	SeniorReviewers []model.Reviewer     `yaml:"senior_reviewers"`
	Documents       []model.DocumentType `yaml:"documents"`
}

// TokenStoreConfig describes where pending confirmations are kept.
type TokenStoreConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// AuditConfig describes audit trail persistence settings.
type AuditConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes the NATS event publisher.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Platform: PlatformConfig{
			Timeout:     10 * time.Second,
			ForwardAuth: true,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Workflow: WorkflowConfig{
			Debounce: 500 * time.Millisecond,
		},
		Polling: PollingConfig{
			CaseInterval:   5 * time.Second,
			ClaimsInterval: 5 * time.Second,
			QueueInterval:  30 * time.Second,
			RequestTimeout: 10 * time.Second,
			SessionIdle:    2 * time.Minute,
		},
		Review: ReviewConfig{
			ConfirmationTTL: 10 * time.Minute,
			SeniorReviewers: DefaultSeniorReviewers(),
			Documents:       DefaultDocuments(),
		},
		Tokens: TokenStoreConfig{
			Driver: "memory",
			Prefix: "casedesk:confirm:",
		},
		Audit: AuditConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "casedesk",
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// DefaultSeniorReviewers returns the reviewers cases can be escalated to.
func DefaultSeniorReviewers() []model.Reviewer {
	return []model.Reviewer{
		{Name: "Dr. Priya Sharma", Role: "Senior Underwriting Manager", Department: "Health Insurance Division"},
		{Name: "Amit Patel", Role: "Chief Underwriter", Department: "Risk Assessment"},
		{Name: "Meera Reddy", Role: "Senior Risk Analyst", Department: "Fraud & Compliance"},
	}
}

// DefaultDocuments returns the catalogue of documents operators can request.
func DefaultDocuments() []model.DocumentType {
	return []model.DocumentType{
		{ID: "medical", Label: "Additional Medical Reports", Description: "Recent health check-up or specialist consultation reports"},
		{ID: "income", Label: "Updated Income Proof", Description: "Latest salary slips or tax returns"},
		{ID: "identity", Label: "Secondary Identity Proof", Description: "Passport, Driving License, or Voter ID"},
		{ID: "address", Label: "Address Verification", Description: "Utility bills or rental agreement"},
		{ID: "nominee", Label: "Nominee Details & KYC", Description: "Nominee identification and relationship proof"},
		{ID: "employment", Label: "Employment Verification", Description: "Company ID card or employment letter"},
		{ID: "previous", Label: "Previous Insurance History", Description: "Claims history from previous insurers"},
		{ID: "lifestyle", Label: "Lifestyle Declaration", Description: "Smoking/drinking habits questionnaire"},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Platform.BaseURL == "" {
		errs = append(errs, "platform.base_url is required")
	}
	if c.Polling.CaseInterval <= 0 || c.Polling.ClaimsInterval <= 0 || c.Polling.QueueInterval <= 0 {
		errs = append(errs, "polling intervals must be positive")
	}
	if c.Review.ConfirmationTTL <= 0 {
		errs = append(errs, "review.confirmation_ttl must be positive")
	}
	switch c.Tokens.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("tokens.driver %q is not supported (memory, redis)", c.Tokens.Driver))
	}
	switch c.Audit.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("audit.driver %q is not supported (memory, postgres)", c.Audit.Driver))
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, "events.url is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEDESK_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEDESK_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEDESK_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEDESK_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CASEDESK_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CASEDESK_PLATFORM_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("CASEDESK_WORKFLOW_DEFINITION_FILE"); v != "" {
		cfg.Workflow.DefinitionFile = v
	}
	if v := os.Getenv("CASEDESK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEDESK_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
}
