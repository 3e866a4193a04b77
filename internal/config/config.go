// Package config loads and validates the application configuration from
// YAML, environment variables and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for vidway.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Player   PlayerConfig   `mapstructure:"player"`
	Embed    EmbedConfig    `mapstructure:"embed_fallback"`
	Advanced AdvancedConfig `mapstructure:"advanced"`
}

// LoggingConfig controls the slog output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	Color      bool   `mapstructure:"color"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig controls the sqlite progress database.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// APIConfig points at the stream resolver API.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseURL    string `mapstructure:"base_url"`
	Provider   string `mapstructure:"provider"`
	Timeout    int    `mapstructure:"timeout"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// CacheConfig controls the in-memory stream cache.
type CacheConfig struct {
	TTLMinutes int `mapstructure:"ttl_minutes"`
	Capacity   int `mapstructure:"capacity"`
}

// PlaybackConfig controls session behavior.
type PlaybackConfig struct {
	SubtitleLanguage string `mapstructure:"subtitle_language"`
	Fullscreen       bool   `mapstructure:"fullscreen"`
	StartupPrefetch  bool   `mapstructure:"startup_prefetch"`
}

// PlayerConfig controls the mpv adapter.
type PlayerConfig struct {
	LoadUserConfig bool     `mapstructure:"load_user_config"`
	ExtraArgs      []string `mapstructure:"extra_args"`
}

// EmbedConfig controls the embed mirror fallback chain.
type EmbedConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Domains []string `mapstructure:"domains"`
}

type AdvancedConfig struct {
	Debug bool `mapstructure:"debug"`
}

// Load reads the configuration from the given file, or from the default
// search paths when empty. The returned viper instance can be used for
// config hot reloading.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(GetConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VIDWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, v, nil
}

// SetDefaults registers the default value for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.color", true)
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("database.path", filepath.Join(GetDataDir(), "vidway.db"))
	v.SetDefault("database.max_connections", 1)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.base_url", "https://api.consumet.org/movies")
	v.SetDefault("api.provider", "flixhq")
	v.SetDefault("api.timeout", 30)
	v.SetDefault("api.max_retries", 3)

	v.SetDefault("cache.ttl_minutes", 30)
	v.SetDefault("cache.capacity", 20)

	v.SetDefault("playback.subtitle_language", "en")
	v.SetDefault("playback.fullscreen", false)
	v.SetDefault("playback.startup_prefetch", true)

	v.SetDefault("player.load_user_config", false)
	v.SetDefault("player.extra_args", []string{})

	v.SetDefault("embed_fallback.enabled", true)
	v.SetDefault("embed_fallback.domains", []string{})

	v.SetDefault("advanced.debug", false)
}

// GetConfigDir returns the vidway configuration directory.
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vidway")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vidway")
}

// GetDataDir returns the directory for the database and other data files.
func GetDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "vidway")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "vidway")
}

func getStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

// InitializeDirs creates the config, data and state directories.
func InitializeDirs() error {
	dirs := []string{
		GetConfigDir(),
		GetDataDir(),
		filepath.Join(getStateDir(), "vidway"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// SaveDefaultConfig writes a commented default configuration file.
func SaveDefaultConfig(path string) error {
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0644)
}

const defaultConfigTemplate = `# vidway configuration

logging:
  # debug, info, warn, error
  level: info
  # text or json
  format: text
  # empty means stderr plus the default state-dir log file
  file: ""
  color: true
  max_size: 10
  max_backups: 3
  max_age: 28
  compress: true

database:
  # empty uses $XDG_DATA_HOME/vidway/vidway.db
  path: ""
  max_connections: 1

api:
  enabled: true
  base_url: "https://api.consumet.org/movies"
  provider: flixhq
  # seconds
  timeout: 30
  max_retries: 3

cache:
  ttl_minutes: 30
  capacity: 20

playback:
  subtitle_language: en
  fullscreen: false
  # warm the cache for the next episodes of the last played show on boot
  startup_prefetch: true

player:
  # let mpv read your own mpv.conf
  load_user_config: false
  extra_args: []

embed_fallback:
  enabled: true
  # empty uses the built-in mirror list
  domains: []

advanced:
  debug: false
`
