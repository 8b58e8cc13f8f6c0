// Package config loads the daemon configuration from a YAML or JSON file
// with environment-variable overrides for deploy-time settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type GatewayConfig struct {
	BaseURL          string            `json:"base_url" yaml:"base_url"`
	Path             string            `json:"path,omitempty" yaml:"path,omitempty"`
	APIKeyEnv        string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	RequestTimeoutMS int               `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         *bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type TemplateStoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type EventsConfig struct {
	// BufferSize bounds the progress event channel; overflow is dropped,
	// never blocking step execution.
	BufferSize int `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

type SafetyConfig struct {
	// KillSwitch engages the autonomous kill switch at startup.
	KillSwitch          bool `json:"kill_switch,omitempty" yaml:"kill_switch,omitempty"`
	MaxOutreachContacts int  `json:"max_outreach_contacts,omitempty" yaml:"max_outreach_contacts,omitempty"`
}

type Config struct {
	Version int `json:"version" yaml:"version"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	Server        ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Retry         RetryConfig         `json:"retry,omitempty" yaml:"retry,omitempty"`
	TemplateStore TemplateStoreConfig `json:"template_store,omitempty" yaml:"template_store,omitempty"`
	Events        EventsConfig        `json:"events,omitempty" yaml:"events,omitempty"`
	Safety        SafetyConfig        `json:"safety,omitempty" yaml:"safety,omitempty"`
}

// Load reads path (YAML by default, JSON by extension), applies defaults and
// environment overrides, and validates the result. Unknown fields are
// rejected so typos fail fast.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8470"
	}
	if cfg.Gateway.Path == "" {
		cfg.Gateway.Path = "/v1/complete"
	}
	if cfg.Gateway.APIKeyEnv == "" {
		cfg.Gateway.APIKeyEnv = "JOURNEY_GATEWAY_API_KEY"
	}
	if cfg.Gateway.RequestTimeoutMS == 0 {
		cfg.Gateway.RequestTimeoutMS = 60_000
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialDelayMS == 0 {
		cfg.Retry.InitialDelayMS = 250
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 5_000
	}
	if cfg.Retry.Jitter == nil {
		t := true
		cfg.Retry.Jitter = &t
	}
	if cfg.TemplateStore.Driver == "" {
		cfg.TemplateStore.Driver = "memory"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
}

// applyEnvOverrides lets deployments adjust a file-based config without
// editing it. Only settings that routinely differ per environment are
// overridable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOURNEY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("JOURNEY_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("JOURNEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOURNEY_TEMPLATE_DB"); v != "" {
		cfg.TemplateStore.Driver = "sqlite"
		cfg.TemplateStore.Path = v
	}
	if v := os.Getenv("JOURNEY_KILL_SWITCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Safety.KillSwitch = b
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	switch cfg.TemplateStore.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.TemplateStore.Path) == "" {
			return fmt.Errorf("template_store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown template_store.driver %q", cfg.TemplateStore.Driver)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	if cfg.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be >= 1")
	}
	return nil
}

// APIKey resolves the gateway API key from the configured environment
// variable. Empty is allowed; the gateway then sends unauthenticated
// requests (local development).
func (g GatewayConfig) APIKey() string {
	return os.Getenv(g.APIKeyEnv)
}
