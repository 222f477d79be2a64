package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nous-labs/autoreply/internal/secrets"
	"github.com/nous-labs/autoreply/pkg/gate"
	"github.com/nous-labs/autoreply/pkg/pending"
	"github.com/nous-labs/autoreply/pkg/settings"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "AUTOREPLY"

// Config holds the daemon configuration.
type Config struct {
	Name     string
	HTTPAddr string
	DataDir  string

	Logging LoggingConfig
	Store   StoreConfig
	LLM     LLMConfig
	Matrix  MatrixConfig
	Persona PersonaConfig
	Typing  gate.Typing

	FlushInterval time.Duration

	// Defaults are provisioned setting values, below per-owner overrides.
	Defaults map[string]string

	Owner OwnerConfig
	Admin AdminConfig
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level     string
	Format    string // text, json
	AddSource bool
}

// StoreConfig selects and locates the durable store.
type StoreConfig struct {
	Driver        string // sqlite, postgres, dynamodb, memory
	Path          string
	PostgresURL   string
	DynamoDBTable string
	AWSRegion     string
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Provider string // "openai" (any OpenAI-compatible API) or "anthropic"
	Model    string
	APIKey   string // "$ENV" and "ssm:/path" references are resolved
	BaseURL  string
}

// LLMConfig holds the reply-generation settings.
type LLMConfig struct {
	ProviderConfig
	MaxOutput   int
	Temperature float64
	// Fallback is tried when the primary provider fails. Empty Provider
	// disables it.
	Fallback ProviderConfig
}

// MatrixConfig holds transport defaults used during onboarding.
type MatrixConfig struct {
	Homeserver string
	ServerName string
	Debug      bool // forward mautrix logs
}

// PersonaConfig overrides the built-in prompts.
type PersonaConfig struct {
	BasePrompt     string
	BatchPreamble  string
	BatchPostamble string
}

// OwnerConfig provisions one owner from static configuration.
type OwnerConfig struct {
	ID          int64
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
	Target      string
}

// Enabled reports whether a static owner is configured.
func (o OwnerConfig) Enabled() bool {
	return o.ID != 0 && o.AccessToken != "" && o.UserID != ""
}

// AdminConfig protects the HTTP admin API.
type AdminConfig struct {
	Token             string
	RequestsPerSecond float64
	Burst             int
}

// NewViper returns a viper instance with defaults and environment binding.
// Defaults fall back to the legacy container variables via envOr.
func NewViper() *viper.Viper {
	v := viper.New()
	dataDir := envOr("AUTOREPLY_DATA_DIR", "/data")

	v.SetDefault("name", "autoreply")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("data_dir", dataDir)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(dataDir, "autoreply.db"))
	v.SetDefault("store.postgres_url", envOr("DATABASE_URL", ""))
	v.SetDefault("store.dynamodb_table", "autoreply")
	v.SetDefault("store.aws_region", envOr("AWS_REGION", ""))

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "$GEMINI_API_KEY")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_output", 1024)
	v.SetDefault("llm.temperature", 0.8)
	v.SetDefault("llm.fallback.provider", "")
	v.SetDefault("llm.fallback.model", "")
	v.SetDefault("llm.fallback.api_key", "$ANTHROPIC_API_KEY")
	v.SetDefault("llm.fallback.base_url", "")

	v.SetDefault("matrix.homeserver", envOr("MATRIX_HOMESERVER", "https://matrix.org"))
	v.SetDefault("matrix.server_name", envOr("MATRIX_SERVER_NAME", ""))
	v.SetDefault("matrix.debug", false)

	v.SetDefault("persona.base_prompt", "")
	v.SetDefault("persona.batch_preamble", pending.DefaultBatchFormat.Preamble)
	v.SetDefault("persona.batch_postamble", pending.DefaultBatchFormat.Postamble)

	v.SetDefault("typing.base", gate.DefaultTyping.Base)
	v.SetDefault("typing.per_char", gate.DefaultTyping.PerChar)
	v.SetDefault("typing.min", gate.DefaultTyping.Min)
	v.SetDefault("typing.max", gate.DefaultTyping.Max)

	v.SetDefault("flush.interval", time.Minute)

	v.SetDefault("owner.id", 0)
	v.SetDefault("owner.homeserver", "")
	v.SetDefault("owner.user_id", "")
	v.SetDefault("owner.access_token", "")
	v.SetDefault("owner.device_id", "")
	v.SetDefault("owner.target", "")

	v.SetDefault("admin.token", "")
	v.SetDefault("admin.requests_per_second", 5.0)
	v.SetDefault("admin.burst", 10)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile merges path (yaml, json or toml, by extension) into v.
// An empty path is a no-op.
func ReadConfigFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds a Config from v.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Name:     v.GetString("name"),
		HTTPAddr: v.GetString("http_addr"),
		DataDir:  v.GetString("data_dir"),
		Logging: LoggingConfig{
			Level:     v.GetString("logging.level"),
			Format:    v.GetString("logging.format"),
			AddSource: v.GetBool("logging.add_source"),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			Path:          v.GetString("store.path"),
			PostgresURL:   v.GetString("store.postgres_url"),
			DynamoDBTable: v.GetString("store.dynamodb_table"),
			AWSRegion:     v.GetString("store.aws_region"),
		},
		LLM: LLMConfig{
			ProviderConfig: ProviderConfig{
				Provider: strings.ToLower(v.GetString("llm.provider")),
				Model:    v.GetString("llm.model"),
				APIKey:   v.GetString("llm.api_key"),
				BaseURL:  v.GetString("llm.base_url"),
			},
			MaxOutput:   v.GetInt("llm.max_output"),
			Temperature: v.GetFloat64("llm.temperature"),
			Fallback: ProviderConfig{
				Provider: strings.ToLower(v.GetString("llm.fallback.provider")),
				Model:    v.GetString("llm.fallback.model"),
				APIKey:   v.GetString("llm.fallback.api_key"),
				BaseURL:  v.GetString("llm.fallback.base_url"),
			},
		},
		Matrix: MatrixConfig{
			Homeserver: v.GetString("matrix.homeserver"),
			ServerName: v.GetString("matrix.server_name"),
			Debug:      v.GetBool("matrix.debug"),
		},
		Persona: PersonaConfig{
			BasePrompt:     v.GetString("persona.base_prompt"),
			BatchPreamble:  v.GetString("persona.batch_preamble"),
			BatchPostamble: v.GetString("persona.batch_postamble"),
		},
		Typing: gate.Typing{
			Base:    v.GetDuration("typing.base"),
			PerChar: v.GetDuration("typing.per_char"),
			Min:     v.GetDuration("typing.min"),
			Max:     v.GetDuration("typing.max"),
		},
		FlushInterval: v.GetDuration("flush.interval"),
		Owner: OwnerConfig{
			ID:          v.GetInt64("owner.id"),
			Homeserver:  v.GetString("owner.homeserver"),
			UserID:      v.GetString("owner.user_id"),
			AccessToken: v.GetString("owner.access_token"),
			DeviceID:    v.GetString("owner.device_id"),
			Target:      v.GetString("owner.target"),
		},
		Admin: AdminConfig{
			Token:             v.GetString("admin.token"),
			RequestsPerSecond: v.GetFloat64("admin.requests_per_second"),
			Burst:             v.GetInt("admin.burst"),
		},
	}
	if cfg.Owner.Homeserver == "" {
		cfg.Owner.Homeserver = cfg.Matrix.Homeserver
	}

	defaults, err := settingDefaults(v.GetStringMapString("defaults"))
	if err != nil {
		return Config{}, err
	}
	cfg.Defaults = defaults

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// settingDefaults validates the defaults.* table against the settings keys.
func settingDefaults(raw map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		key, ok := settings.Canonical(k)
		if !ok {
			return nil, fmt.Errorf("defaults.%s: unknown setting", k)
		}
		norm, err := settings.Validate(key, val)
		if err != nil {
			return nil, fmt.Errorf("defaults.%s: %w", k, err)
		}
		out[key] = norm
	}
	return out, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for postgres")
		}
	case "dynamodb":
		if c.Store.DynamoDBTable == "" {
			return fmt.Errorf("store.dynamodb_table is required for dynamodb")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver: %q", c.Store.Driver)
	}
	for _, p := range []ProviderConfig{c.LLM.ProviderConfig, c.LLM.Fallback} {
		switch p.Provider {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("unknown llm provider: %q", p.Provider)
		}
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush.interval must be positive")
	}
	return nil
}

// NeedsAWS reports whether any part of the config calls AWS.
func (c Config) NeedsAWS() bool {
	if c.Store.Driver == "dynamodb" {
		return true
	}
	for _, s := range c.secretFields() {
		if secrets.IsSSM(*s) {
			return true
		}
	}
	return false
}

func (c *Config) secretFields() []*string {
	return []*string{
		&c.LLM.APIKey,
		&c.LLM.Fallback.APIKey,
		&c.Store.PostgresURL,
		&c.Owner.AccessToken,
		&c.Admin.Token,
	}
}

// ResolveSecrets replaces "$ENV" and "ssm:/path" references in
// secret-bearing fields.
func (c *Config) ResolveSecrets(ctx context.Context, r *secrets.Resolver) error {
	for _, s := range c.secretFields() {
		v, err := r.Resolve(ctx, *s)
		if err != nil {
			return err
		}
		*s = v
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
