// ABOUTME: Configuration loading and parsing for coven-bot
// ABOUTME: Reads YAML or TOML by extension with ${VAR} expansion, duration parsing, and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is unset.
const (
	DefaultIntents            = 33281
	DefaultAPIBase            = "https://discord.com/api/v10"
	DefaultRetryDelay         = 10 * time.Second
	DefaultReconnectBudget    = 3
	DefaultIdentifyInterval   = 5 * time.Second
	DefaultCheckpointInterval = 5 * time.Second
	DefaultWaitMaxTime        = 30 * time.Second
	DefaultChannelMaxTime     = 60 * time.Second
	DefaultDedupeTTL          = 5 * time.Minute
	DefaultDedupeMaxEntries   = 100000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ErrUnknownFormat is returned for config files that are neither YAML nor TOML.
var ErrUnknownFormat = errors.New("unknown config format")

// Config represents the complete coven-bot configuration
type Config struct {
	Bot      BotConfig      `yaml:"bot" toml:"bot"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Wait     WaitConfig     `yaml:"wait" toml:"wait"`
	Dedupe   DedupeConfig   `yaml:"dedupe" toml:"dedupe"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// BotConfig identifies the bot instance.
type BotConfig struct {
	ID       string   `yaml:"id" toml:"id"`
	Token    string   `yaml:"token" toml:"token"`
	Intents  int      `yaml:"intents" toml:"intents"`
	Prefixes []string `yaml:"prefixes" toml:"prefixes"`
	Shards   int      `yaml:"shards" toml:"shards"` // 0 uses the recommended count
	Admins   []string `yaml:"admins" toml:"admins"`
}

// GatewayConfig holds connection and reconnect settings.
type GatewayConfig struct {
	URL             string `yaml:"url" toml:"url"`
	APIBase         string `yaml:"api_base" toml:"api_base"`
	ReconnectBudget int    `yaml:"reconnect_budget" toml:"reconnect_budget"`

	RetryDelay         time.Duration `yaml:"-" toml:"-"`
	IdentifyInterval   time.Duration `yaml:"-" toml:"-"`
	CheckpointInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RetryDelayRaw         string `yaml:"retry_delay" toml:"retry_delay"`
	IdentifyIntervalRaw   string `yaml:"identify_interval" toml:"identify_interval"`
	CheckpointIntervalRaw string `yaml:"checkpoint_interval" toml:"checkpoint_interval"`
}

// WaitConfig holds default wait timeouts.
type WaitConfig struct {
	MaxTime        time.Duration `yaml:"-" toml:"-"`
	ChannelMaxTime time.Duration `yaml:"-" toml:"-"`

	MaxTimeRaw        string `yaml:"max_time" toml:"max_time"`
	ChannelMaxTimeRaw string `yaml:"channel_max_time" toml:"channel_max_time"`
}

// DedupeConfig sizes the duplicate message window.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// DatabaseConfig holds database configuration. An empty path disables
// persistence.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ServerConfig holds the health endpoint address. Empty disables it.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// MatrixConfig holds the optional Matrix alert sender.
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	AlertRoom   string `yaml:"alert_room" toml:"alert_room"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file. The format follows the extension: .yaml
// and .yml are YAML, .toml is TOML. ${VAR} references are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes config bytes in the format named by ext (".yaml", ".yml" or
// ".toml"), then applies defaults and validates.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Bot.Intents == 0 {
		c.Bot.Intents = DefaultIntents
	}
	if c.Gateway.APIBase == "" {
		c.Gateway.APIBase = DefaultAPIBase
	}
	if c.Gateway.ReconnectBudget == 0 {
		c.Gateway.ReconnectBudget = DefaultReconnectBudget
	}
	if c.Gateway.RetryDelay == 0 {
		c.Gateway.RetryDelay = DefaultRetryDelay
	}
	if c.Gateway.IdentifyInterval == 0 {
		c.Gateway.IdentifyInterval = DefaultIdentifyInterval
	}
	if c.Gateway.CheckpointInterval == 0 {
		c.Gateway.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Wait.MaxTime == 0 {
		c.Wait.MaxTime = DefaultWaitMaxTime
	}
	if c.Wait.ChannelMaxTime == 0 {
		c.Wait.ChannelMaxTime = DefaultChannelMaxTime
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	c.Database.Path = ExpandHome(c.Database.Path)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Bot.ID == "" {
		return fmt.Errorf("bot.id is required")
	}
	if c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required")
	}
	if c.Bot.Shards < 0 {
		return fmt.Errorf("bot.shards must not be negative")
	}
	if c.Gateway.ReconnectBudget <= 0 {
		return fmt.Errorf("gateway.reconnect_budget must be positive")
	}
	if c.Gateway.URL != "" {
		u, err := url.Parse(c.Gateway.URL)
		if err != nil {
			return fmt.Errorf("gateway.url is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("gateway.url must use ws or wss scheme")
		}
	}
	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must not be negative")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
			return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
		if c.Matrix.AlertRoom == "" {
			return fmt.Errorf("matrix.alert_room is required when matrix is enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.retry_delay", cfg.Gateway.RetryDelayRaw, &cfg.Gateway.RetryDelay},
		{"gateway.identify_interval", cfg.Gateway.IdentifyIntervalRaw, &cfg.Gateway.IdentifyInterval},
		{"gateway.checkpoint_interval", cfg.Gateway.CheckpointIntervalRaw, &cfg.Gateway.CheckpointInterval},
		{"wait.max_time", cfg.Wait.MaxTimeRaw, &cfg.Wait.MaxTime},
		{"wait.channel_max_time", cfg.Wait.ChannelMaxTimeRaw, &cfg.Wait.ChannelMaxTime},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// ResolvePath returns the config file to load.
// Priority: flag > COVEN_BOT_CONFIG env var > XDG_CONFIG_HOME/coven/bot.yaml > ~/.config/coven/bot.yaml
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("COVEN_BOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bot.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "bot.yaml")
}

// DefaultDataPath returns the default database location.
// Priority: XDG_DATA_HOME/coven-bot/bot.db > ~/.local/share/coven-bot/bot.db
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bot.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven-bot", "bot.db")
}
