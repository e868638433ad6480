// Package config loads server settings from defaults, SOULCHAT_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for every environment variable, e.g. SOULCHAT_HTTP_PORT.
const EnvPrefix = "SOULCHAT"

// ConfigFileEnv names the variable that points at a YAML config file.
const ConfigFileEnv = "SOULCHAT_CONFIG_FILE"

// Config is the complete server configuration. Environment names derive
// from field names; leaf fields carry no envconfig tag, since a tagged field
// is also looked up without the prefix (PATH, PORT).
// ARCHITECTURAL DISCOVERY: Each section is owned by one component and handed
// to it whole, keeping the wiring in app free of field-by-field copying.
type Config struct {
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level" split_words:"true"`
	HTTP        *HTTPConfig      `yaml:"http"`
	WebSocket   *WebSocketConfig `yaml:"websocket"`
	Chat        *ChatConfig      `yaml:"chat"`
	Crisis      *CrisisConfig    `yaml:"crisis"`
	Database    *DatabaseConfig  `yaml:"database"`
	Auth        *AuthConfig      `yaml:"auth"`
	Slack       *SlackConfig     `yaml:"slack"`
	Metrics     *MetricsConfig   `yaml:"metrics"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// WebSocketConfig configures client sockets.
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" split_words:"true"`
	PongWait       time.Duration `yaml:"pong_wait" split_words:"true"`
	SendBuffer     int           `yaml:"send_buffer" split_words:"true"`
	ReadLimit      int64         `yaml:"read_limit" split_words:"true"`
	AllowedOrigins []string      `yaml:"allowed_origins" split_words:"true"`
}

// ChatConfig configures grouping and message handling.
type ChatConfig struct {
	GroupCapacity   int    `yaml:"group_capacity" split_words:"true"`
	MaxMessageRunes int    `yaml:"max_message_runes" split_words:"true"`
	EventBuffer     int    `yaml:"event_buffer" split_words:"true"`
	LexiconPath     string `yaml:"lexicon_path" split_words:"true"`
}

// CrisisConfig configures crisis mode.
type CrisisConfig struct {
	Policy         string        `yaml:"policy"`
	Duration       time.Duration `yaml:"duration"`
	FreezeDuration time.Duration `yaml:"freeze_duration" split_words:"true"`
	SweepInterval  time.Duration `yaml:"sweep_interval" split_words:"true"`
}

// DatabaseConfig configures the incident store.
type DatabaseConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig configures operator authentication. An empty secret disables
// the operator API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" split_words:"true"`
	Issuer    string `yaml:"issuer"`
}

// SlackConfig configures crisis notifications. An empty webhook disables them.
type SlackConfig struct {
	WebhookURL string        `yaml:"webhook_url" split_words:"true"`
	Channel    string        `yaml:"channel"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		LogLevel:    "info",
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			SendBuffer:   100,
			ReadLimit:    16 * 1024,
		},
		Chat: &ChatConfig{
			GroupCapacity:   7,
			MaxMessageRunes: 2000,
			EventBuffer:     1024,
		},
		Crisis: &CrisisConfig{
			Policy:         "global",
			Duration:       5 * time.Minute,
			FreezeDuration: 5 * time.Second,
			SweepInterval:  time.Second,
		},
		Database: &DatabaseConfig{
			Enabled: true,
			Path:    "./soulchat.db",
			Timeout: 30 * time.Second,
		},
		Auth: &AuthConfig{
			Issuer: "soulchat",
		},
		Slack: &SlackConfig{
			Timeout: 5 * time.Second,
		},
		Metrics: &MetricsConfig{
			Enabled: true,
		},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Chat == nil || c.Crisis == nil ||
		c.Database == nil || c.Auth == nil || c.Slack == nil || c.Metrics == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be 'development' or 'production', got %q", c.Environment)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PongWait <= 0 {
		return fmt.Errorf("WebSocket pong wait must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("WebSocket ping interval must be positive and shorter than pong wait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Chat.GroupCapacity <= 0 {
		return fmt.Errorf("group capacity must be positive")
	}
	if c.Chat.MaxMessageRunes <= 0 {
		return fmt.Errorf("max message runes must be positive")
	}
	if c.Chat.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}

	switch c.Crisis.Policy {
	case "global", "group":
	default:
		return fmt.Errorf("crisis policy must be 'global' or 'group', got %q", c.Crisis.Policy)
	}
	if c.Crisis.Duration <= 0 || c.Crisis.FreezeDuration <= 0 {
		return fmt.Errorf("crisis durations must be positive")
	}
	if c.Crisis.SweepInterval <= 0 || c.Crisis.SweepInterval > time.Second {
		return fmt.Errorf("crisis sweep interval must be between 0 and 1s")
	}

	if c.Database.Enabled {
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
		if c.Database.Timeout <= 0 {
			return fmt.Errorf("database timeout must be positive")
		}
	}

	if c.Slack.WebhookURL != "" && c.Slack.Timeout <= 0 {
		return fmt.Errorf("slack timeout must be positive")
	}

	return nil
}

// LoadFromEnv applies SOULCHAT_* variables on top of the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return cfg, nil
}

// LoadFromFile applies a YAML file on top of base. Keys absent from the file
// keep their base value.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if base == nil {
		base = DefaultConfig()
	}
	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return base, nil
}

// LoadConfigWithPrecedence builds the configuration as file > environment >
// defaults and validates the result. An empty path falls back to
// SOULCHAT_CONFIG_FILE.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		if cfg, err = LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
