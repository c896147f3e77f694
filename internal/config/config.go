package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"xrt/internal/capability"
	"xrt/internal/retry"
	"xrt/internal/telemetry"
	"xrt/internal/walfeed"
)

const (
	FileName = "xrt.yml"

	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config models xrt.yml. Environment variables (XRT_*) override the file.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	State        StateConfig        `yaml:"state"`
	WAL          WALConfig          `yaml:"wal"`
	Saga         SagaConfig         `yaml:"saga"`
	Retry        RetryConfig        `yaml:"retry"`
	Log          LogConfig          `yaml:"log"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"XRT_ADDR"`
	BasePath          string        `yaml:"base_path" env:"XRT_BASE_PATH"`
	JWTSecret         string        `yaml:"jwt_secret" env:"XRT_JWT_SECRET"`
	RegistrationToken string        `yaml:"registration_token" env:"XRT_REGISTRATION_TOKEN"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"XRT_SHUTDOWN_TIMEOUT"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver" env:"XRT_STORAGE_DRIVER"`
	Workspace string `yaml:"workspace" env:"XRT_WORKSPACE"`
}

type StateConfig struct {
	MaxValueBytes int           `yaml:"max_value_bytes" env:"XRT_MAX_VALUE_BYTES"`
	SessionTTL    time.Duration `yaml:"session_ttl" env:"XRT_SESSION_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"XRT_SWEEP_INTERVAL"`
}

type WALConfig struct {
	RetentionPerTenant int `yaml:"retention_per_tenant" env:"XRT_WAL_RETENTION"`
	MaxPayloadBytes    int `yaml:"max_payload_bytes" env:"XRT_WAL_MAX_PAYLOAD_BYTES"`
}

type SagaConfig struct {
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"XRT_STEP_TIMEOUT"`
	MaxOutputBytes     int           `yaml:"max_output_bytes" env:"XRT_MAX_OUTPUT_BYTES"`
	MaxPayloadBytes    int           `yaml:"max_payload_bytes" env:"XRT_MAX_PAYLOAD_BYTES"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"XRT_RETRY_MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"XRT_RETRY_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"XRT_RETRY_MAX_INTERVAL"`
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, InitialInterval: r.InitialInterval, MaxInterval: r.MaxInterval}
}

type LogConfig struct {
	Level  string `yaml:"level" env:"XRT_LOG_LEVEL"`
	Format string `yaml:"format" env:"XRT_LOG_FORMAT"`
}

// CapabilityConfig declares a remote capability registered at start-up.
type CapabilityConfig struct {
	IntentType      string                `yaml:"intent_type"`
	OwningComponent string                `yaml:"owning_component"`
	Endpoint        string                `yaml:"endpoint"`
	Secret          string                `yaml:"secret"`
	InputSchema     map[string]any        `yaml:"input_schema"`
	OutputSchema    map[string]any        `yaml:"output_schema"`
	Deterministic   bool                  `yaml:"deterministic"`
	Mode            string                `yaml:"mode"`
	Timeout         time.Duration         `yaml:"timeout"`
	Steps           []capability.StepSpec `yaml:"steps"`
}

// Definition converts the entry into a registry definition.
func (c CapabilityConfig) Definition() (capability.Definition, error) {
	def := capability.Definition{
		IntentType:      c.IntentType,
		OwningComponent: c.OwningComponent,
		HandlerRef:      c.Endpoint,
		Deterministic:   c.Deterministic,
		Mode:            capability.Mode(c.Mode),
		TimeoutMillis:   c.Timeout.Milliseconds(),
		Steps:           c.Steps,
	}
	var err error
	if def.InputSchema, err = schemaJSON(c.InputSchema); err != nil {
		return def, fmt.Errorf("capability %s input_schema: %w", c.IntentType, err)
	}
	if def.OutputSchema, err = schemaJSON(c.OutputSchema); err != nil {
		return def, fmt.Errorf("capability %s output_schema: %w", c.IntentType, err)
	}
	return def, nil
}

func schemaJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Events  []string      `yaml:"events"`
	Tenants []string      `yaml:"tenants"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Hooks converts the webhook section for the WAL feed.
func (c *Config) Hooks() []walfeed.Hook {
	out := make([]walfeed.Hook, 0, len(c.Webhooks))
	for _, w := range c.Webhooks {
		out = append(out, walfeed.Hook{
			URL:     w.URL,
			Secret:  w.Secret,
			Events:  w.Events,
			Tenants: w.Tenants,
			Timeout: w.Timeout,
			Enabled: w.Enabled,
		})
	}
	return out
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Driver: DriverSQLite, Workspace: "."},
		State: StateConfig{
			MaxValueBytes: 16 * 1024,
			SessionTTL:    24 * time.Hour,
			SweepInterval: time.Minute,
		},
		WAL: WALConfig{RetentionPerTenant: 10000, MaxPayloadBytes: 4 * 1024},
		Saga: SagaConfig{
			DefaultStepTimeout: 30 * time.Second,
			MaxOutputBytes:     4 * 1024,
			MaxPayloadBytes:    4 * 1024,
		},
		Retry: RetryConfig{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second},
		Log:   LogConfig{Level: "info", Format: "text"},
		Telemetry: telemetry.Config{
			ServiceName: "xrt",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads xrt.yml from workspace when present, then applies environment
// overrides and validates the result.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	if workspace != "" && (cfg.Storage.Workspace == "" || cfg.Storage.Workspace == ".") {
		cfg.Storage.Workspace = workspace
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes layered over
// Default.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from XRT_* variables that are set.
func (c *Config) ApplyEnv() error {
	sections := []any{&c.Server, &c.Storage, &c.State, &c.WAL, &c.Saga, &c.Retry, &c.Log, &c.Telemetry}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	positive := map[string]int64{
		"state.max_value_bytes":     int64(c.State.MaxValueBytes),
		"state.session_ttl":         int64(c.State.SessionTTL),
		"state.sweep_interval":      int64(c.State.SweepInterval),
		"wal.retention_per_tenant":  int64(c.WAL.RetentionPerTenant),
		"wal.max_payload_bytes":     int64(c.WAL.MaxPayloadBytes),
		"saga.default_step_timeout": int64(c.Saga.DefaultStepTimeout),
		"saga.max_output_bytes":     int64(c.Saga.MaxOutputBytes),
		"saga.max_payload_bytes":    int64(c.Saga.MaxPayloadBytes),
		"retry.max_attempts":        int64(c.Retry.MaxAttempts),
		"server.shutdown_timeout":   int64(c.Server.ShutdownTimeout),
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Saga.MaxOutputBytes > c.State.MaxValueBytes {
		return fmt.Errorf("saga.max_output_bytes must not exceed state.max_value_bytes")
	}
	seen := make(map[string]bool, len(c.Capabilities))
	for i, cp := range c.Capabilities {
		if cp.IntentType == "" {
			return fmt.Errorf("capabilities[%d].intent_type is required", i)
		}
		if seen[cp.IntentType] {
			return fmt.Errorf("capability %s declared twice", cp.IntentType)
		}
		seen[cp.IntentType] = true
		if cp.Endpoint == "" {
			return fmt.Errorf("capability %s endpoint is required", cp.IntentType)
		}
		def, err := cp.Definition()
		if err != nil {
			return err
		}
		if err := def.Normalize().Validate(); err != nil {
			return fmt.Errorf("capability %s: %w", cp.IntentType, err)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}
