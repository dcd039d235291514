// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the server and CLI configuration from a YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/internal/tracing"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config represents the complete modelchain configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	HTTPSteps HTTPStepsConfig `yaml:"http_steps"`
	Execution ExecutionConfig `yaml:"execution"`
	Billing   BillingConfig   `yaml:"billing"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// CatalogPath is an optional YAML model catalog merged over the
	// built-in entries.
	// Environment: MODELCHAIN_CATALOG
	CatalogPath string `yaml:"catalog_path,omitempty"`

	// WatchCatalog reloads CatalogPath when the file changes.
	WatchCatalog bool `yaml:"watch_catalog,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// AddSource includes file:line in log entries.
	AddSource bool `yaml:"add_source"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: MODELCHAIN_ADDR
	// Default: :8080
	Addr string `yaml:"addr"`

	// PublicURL is the externally reachable root used in stored file URLs.
	// Default: http://localhost plus the Addr port
	PublicURL string `yaml:"public_url"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// AllowedOrigins restricts browser WebSocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// RateLimitConfig limits execution starts per caller. RPS 0 disables it.
type RateLimitConfig struct {
	// Limit is shorthand such as "30/minute"; it overrides RPS and Burst.
	// Environment: MODELCHAIN_RATE_LIMIT
	Limit string `yaml:"limit,omitempty"`

	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Limiter returns the limiter settings. Validate has already rejected a
// malformed Limit.
func (r RateLimitConfig) Limiter() auth.RateLimitConfig {
	rps, burst := r.RPS, r.Burst
	if r.Limit != "" {
		if pr, pb, err := auth.ParseRateLimit(r.Limit); err == nil {
			rps, burst = pr, pb
		}
	}
	return auth.RateLimitConfig{
		Enabled:           rps > 0,
		RequestsPerSecond: rps,
		BurstSize:         burst,
	}
}

// AuthConfig configures bearer-token identities. Without a secret every
// caller is anonymous.
type AuthConfig struct {
	// JWTSecret is the HS256 signing key.
	// Environment: MODELCHAIN_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// TrustProxy honours X-Forwarded-For when identifying anonymous callers.
	TrustProxy bool `yaml:"trust_proxy,omitempty"`
}

// StorageConfig selects where workflows, executions and files live.
type StorageConfig struct {
	// Backend is memory or sqlite.
	// Environment: MODELCHAIN_STORAGE
	// Default: sqlite
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	// Environment: MODELCHAIN_SQLITE_PATH
	SQLitePath string `yaml:"sqlite_path"`

	// WorkflowsDir holds workflow YAML files served read-only ahead of the
	// database.
	WorkflowsDir string `yaml:"workflows_dir"`

	// FilesDir holds generated and uploaded media.
	FilesDir string `yaml:"files_dir"`
}

// ProvidersConfig holds provider credentials. A provider without a key is
// left unactivated and is skipped by fallback chains.
type ProvidersConfig struct {
	// Default is the hosted provider used as the fallback for every
	// hosted text step.
	// Default: openai
	Default string `yaml:"default"`

	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  ProviderConfig   `yaml:"anthropic"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Replicate  ReplicateConfig  `yaml:"replicate"`
}

// ProviderConfig is the common credential block.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// OpenAIConfig adds per-capability model defaults.
type OpenAIConfig struct {
	ProviderConfig `yaml:",inline"`

	ChatModel  string `yaml:"chat_model,omitempty"`
	ImageModel string `yaml:"image_model,omitempty"`
	STTModel   string `yaml:"stt_model,omitempty"`
	TTSModel   string `yaml:"tts_model,omitempty"`
	TTSVoice   string `yaml:"tts_voice,omitempty"`
}

// ElevenLabsConfig adds the default voice.
type ElevenLabsConfig struct {
	ProviderConfig `yaml:",inline"`

	VoiceID string `yaml:"voice_id,omitempty"`
}

// ReplicateConfig configures the model marketplace client.
type ReplicateConfig struct {
	APIToken     string        `yaml:"api_token,omitempty"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	MaxPolls     int           `yaml:"max_polls,omitempty"`
}

// HTTPStepsConfig is the outbound host policy for generic HTTP steps.
type HTTPStepsConfig struct {
	AllowedHosts         []string `yaml:"allowed_hosts,omitempty"`
	BlockedHosts         []string `yaml:"blocked_hosts,omitempty"`
	AllowPrivateNetworks bool     `yaml:"allow_private_networks,omitempty"`
}

// ExecutionConfig tunes the execution controller.
type ExecutionConfig struct {
	// StepTimeout bounds each provider call.
	// Environment: MODELCHAIN_STEP_TIMEOUT
	// Default: 5m
	StepTimeout time.Duration `yaml:"step_timeout"`

	// AnonymousTrial lets unauthenticated callers run one public workflow.
	// Default: true
	AnonymousTrial *bool `yaml:"anonymous_trial,omitempty"`
}

// TrialEnabled reports whether anonymous trials are allowed.
func (e ExecutionConfig) TrialEnabled() bool {
	return e.AnonymousTrial == nil || *e.AnonymousTrial
}

// TracingConfig configures OpenTelemetry spans for executions and steps.
type TracingConfig struct {
	// Environment: MODELCHAIN_TRACING
	Enabled bool `yaml:"enabled"`

	// Exporter is console, otlp or otlp-http. Empty records without export.
	// Environment: MODELCHAIN_TRACE_EXPORTER
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string            `yaml:"endpoint,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`

	// SampleRate is the fraction of executions traced; 0 means all.
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Provider returns the tracing settings for the given build version.
func (t TracingConfig) Provider(version string) tracing.Config {
	return tracing.Config{
		Enabled:        t.Enabled,
		ServiceName:    "modelchain",
		ServiceVersion: version,
		Exporter:       t.Exporter,
		Endpoint:       t.Endpoint,
		Insecure:       t.Insecure,
		Headers:        t.Headers,
		SampleRate:     t.SampleRate,
	}
}

// BillingConfig configures the credit ledger.
type BillingConfig struct {
	// StartingBalance is credited to users the first time they are seen.
	StartingBalance int64 `yaml:"starting_balance"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configPath (optional), applies defaults and environment
// overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &pkgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &pkgerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = string(log.FormatJSON)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.PublicURL == "" {
		port := c.Server.Addr[strings.LastIndex(c.Server.Addr, ":")+1:]
		c.Server.PublicURL = "http://localhost:" + port
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RPS) + 1
	}

	dataDir := defaultDataDir()
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageSQLite
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(dataDir, "modelchain.db")
	}
	if c.Storage.WorkflowsDir == "" {
		c.Storage.WorkflowsDir = filepath.Join(dataDir, "workflows")
	}
	if c.Storage.FilesDir == "" {
		c.Storage.FilesDir = filepath.Join(dataDir, "files")
	}

	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if c.Providers.Replicate.PollInterval == 0 {
		c.Providers.Replicate.PollInterval = time.Second
	}
	if c.Providers.Replicate.MaxPolls == 0 {
		c.Providers.Replicate.MaxPolls = 120
	}

	if c.Execution.StepTimeout == 0 {
		c.Execution.StepTimeout = 5 * time.Minute
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv overrides file values with environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("MODELCHAIN_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("MODELCHAIN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("MODELCHAIN_PUBLIC_URL"); val != "" {
		c.Server.PublicURL = val
	}
	if val := os.Getenv("MODELCHAIN_RATE_LIMIT"); val != "" {
		c.Server.RateLimit.Limit = val
	}
	if val := os.Getenv("MODELCHAIN_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}

	if val := os.Getenv("MODELCHAIN_STORAGE"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("MODELCHAIN_SQLITE_PATH"); val != "" {
		c.Storage.SQLitePath = val
	}
	if val := os.Getenv("MODELCHAIN_WORKFLOWS_DIR"); val != "" {
		c.Storage.WorkflowsDir = val
	}
	if val := os.Getenv("MODELCHAIN_FILES_DIR"); val != "" {
		c.Storage.FilesDir = val
	}
	if val := os.Getenv("MODELCHAIN_CATALOG"); val != "" {
		c.CatalogPath = val
	}

	if val := os.Getenv("MODELCHAIN_PROVIDER"); val != "" {
		c.Providers.Default = strings.ToLower(val)
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		c.Providers.OpenAI.APIKey = val
	}
	if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" {
		c.Providers.Anthropic.APIKey = val
	}
	if val := os.Getenv("ELEVENLABS_API_KEY"); val != "" {
		c.Providers.ElevenLabs.APIKey = val
	}
	if val := os.Getenv("REPLICATE_API_TOKEN"); val != "" {
		c.Providers.Replicate.APIToken = val
	}

	if val := os.Getenv("MODELCHAIN_TRACING"); val != "" {
		c.Tracing.Enabled = parseBool(val)
	}
	if val := os.Getenv("MODELCHAIN_TRACE_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("MODELCHAIN_STEP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Execution.StepTimeout = d
		}
	}
	if val := os.Getenv("MODELCHAIN_STARTING_BALANCE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Billing.StartingBalance = n
		}
	}
}

// Validate checks the configuration. Missing provider credentials are not
// errors.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != string(log.FormatJSON) && c.Log.Format != string(log.FormatText) {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if !strings.Contains(c.Server.Addr, ":") {
		errs = append(errs, fmt.Sprintf("server.addr must be host:port, got %q", c.Server.Addr))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, "server.rate_limit values must be non-negative")
	}
	if c.Server.RateLimit.Limit != "" {
		if _, _, err := auth.ParseRateLimit(c.Server.RateLimit.Limit); err != nil {
			errs = append(errs, fmt.Sprintf("server.rate_limit.limit: %v", err))
		}
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite:
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [memory, sqlite], got %q", c.Storage.Backend))
	}

	switch c.Providers.Default {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("providers.default must be one of [openai, anthropic], got %q", c.Providers.Default))
	}
	if c.Providers.Replicate.PollInterval < 0 || c.Providers.Replicate.MaxPolls < 0 {
		errs = append(errs, "providers.replicate poll settings must be non-negative")
	}

	if c.Execution.StepTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("execution.step_timeout must be positive, got %v", c.Execution.StepTimeout))
	}
	if c.Billing.StartingBalance < 0 {
		errs = append(errs, fmt.Sprintf("billing.starting_balance must be non-negative, got %d", c.Billing.StartingBalance))
	}

	switch c.Tracing.Exporter {
	case "", tracing.ExporterConsole:
	case tracing.ExporterOTLP, tracing.ExporterOTLPHTTP:
		if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [console, otlp, otlp-http], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Logger returns the log configuration in the form log.New expects.
func (c *Config) Logger() *log.Config {
	return &log.Config{
		Level:     c.Log.Level,
		Format:    log.Format(c.Log.Format),
		Output:    os.Stderr,
		AddSource: c.Log.AddSource,
	}
}

// JWT returns the bearer-token settings.
func (c *Config) JWT() auth.JWTConfig {
	cfg := auth.JWTConfig{
		Issuer:    c.Auth.Issuer,
		Audience:  c.Auth.Audience,
		ClockSkew: 30 * time.Second,
	}
	if c.Auth.JWTSecret != "" {
		cfg.Secret = []byte(c.Auth.JWTSecret)
	}
	return cfg
}

func parseBool(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}
