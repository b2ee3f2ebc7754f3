package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Parley.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Channels ChannelsConfig `yaml:"channels"`
	LLM      LLMConfig      `yaml:"llm"`
	Loop     LoopConfig     `yaml:"loop"`
	Auth     AuthConfig     `yaml:"auth"`
	Systems  []SystemConfig `yaml:"systems"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
	// PublicURL is the externally reachable base URL used to build
	// OAuth2 redirect URIs.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" (default) or "postgres".
	Driver          string        `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver only).
	Path            string        `yaml:"path"`
	// URL is the Postgres DSN (postgres driver only).
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Tenant   string `yaml:"tenant"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Tenant   string `yaml:"tenant"`
	BotToken string `yaml:"bot_token"`
}

type LLMConfig struct {
	// Provider selects the backend: "openai" or "anthropic".
	Provider      string   `yaml:"provider"`
	APIKey        string   `yaml:"api_key"`
	Model         string   `yaml:"model"`
	BaseURL       string   `yaml:"base_url"`
	MaxTokens     int      `yaml:"max_tokens"`
	SystemPrompts []string `yaml:"system_prompts"`
}

// LoopConfig bounds a single turn of the conversation loop.
type LoopConfig struct {
	// MaxIterations is the LLM↔tool round-trip budget per turn.
	MaxIterations int `yaml:"max_iterations"`
	// HistoryWindow is the number of stored messages attached as context.
	HistoryWindow int `yaml:"history_window"`
	// ApologyMessage is sent when the LLM transport fails mid-turn.
	ApologyMessage string `yaml:"apology_message"`
	// AbandonMessage is sent when an authorization wait times out.
	AbandonMessage string `yaml:"abandon_message"`
}

type AuthConfig struct {
	// StateTTL bounds how long an authorization state token stays valid.
	StateTTL time.Duration `yaml:"state_ttl"`
	// WaitTimeout bounds how long a suspended turn waits for a callback
	// before the checkpoint is abandoned.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// RequireSystem, when set, names a system the user must hold a grant
	// for before the first LLM call of any turn.
	RequireSystem string `yaml:"require_system"`
}

// SystemConfig describes one external target system reachable through
// authorized tool calls. Systems are data, resolved at call time.
type SystemConfig struct {
	Name        string       `yaml:"name"`
	BaseURL     string       `yaml:"base_url"`
	OpenAPISpec string       `yaml:"openapi_spec"` // URL or local path, JSON or YAML
	OAuth2      OAuth2Config `yaml:"oauth2"`
}

type OAuth2Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	Scope        string `yaml:"scope"`
}

type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads and parses the configuration file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "parley.db"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 25
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 10
	}
	if c.Loop.HistoryWindow == 0 {
		c.Loop.HistoryWindow = 50
	}
	if c.Loop.ApologyMessage == "" {
		c.Loop.ApologyMessage = "Sorry, I ran into a problem talking to the AI service. Please try again."
	}
	if c.Loop.AbandonMessage == "" {
		c.Loop.AbandonMessage = "The authorization request expired, so I set your question aside. Send it again when you're ready."
	}
	if c.Auth.StateTTL == 0 {
		c.Auth.StateTTL = 10 * time.Minute
	}
	if c.Auth.WaitTimeout == 0 {
		c.Auth.WaitTimeout = 15 * time.Minute
	}
	if c.Alerting.Timeout == 0 {
		c.Alerting.Timeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for the postgres driver")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	seen := map[string]bool{}
	for _, sys := range c.Systems {
		if sys.Name == "" {
			return fmt.Errorf("every external system needs a name")
		}
		if seen[sys.Name] {
			return fmt.Errorf("duplicate system name: %q", sys.Name)
		}
		seen[sys.Name] = true
		if sys.BaseURL == "" {
			return fmt.Errorf("system %q: base_url is required", sys.Name)
		}
		if sys.OAuth2.AuthURL == "" || sys.OAuth2.TokenURL == "" {
			return fmt.Errorf("system %q: oauth2 auth_url and token_url are required", sys.Name)
		}
	}
	if c.Auth.RequireSystem != "" && !seen[c.Auth.RequireSystem] {
		return fmt.Errorf("auth.require_system references unknown system %q", c.Auth.RequireSystem)
	}
	return nil
}

// System returns the configuration for a named external system.
func (c *Config) System(name string) (*SystemConfig, bool) {
	for i := range c.Systems {
		if c.Systems[i].Name == name {
			return &c.Systems[i], true
		}
	}
	return nil, false
}
