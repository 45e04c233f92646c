package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Push     PushConfig     `mapstructure:"push"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchIndex string        `mapstructure:"search_index"`
}

type FeedConfig struct {
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// TaskTimeout bounds one scheduled update, redirects and body included.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// UserAgent is a format string; %s receives "1 subscriber" / "N subscribers".
	UserAgent    string `mapstructure:"user_agent"`
	MaxRedirects int    `mapstructure:"max_redirects"`
	MaxBodySize  int64  `mapstructure:"max_body_size"`
	Workers      int    `mapstructure:"workers"`
	// AllowPrivate lets subscriptions point at localhost and private networks.
	AllowPrivate bool `mapstructure:"allow_private"`
}

type PushConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".feedpipe")

	return &Config{
		Database: DatabaseConfig{
			Driver:      "bolt",
			Path:        filepath.Join(dataDir, "feedpipe.db"),
			Timeout:     1 * time.Second,
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
		},
		Feed: FeedConfig{
			HTTPTimeout:     10 * time.Second,
			RefreshInterval: 30 * time.Minute,
			TaskTimeout:     time.Minute,
			UserAgent:       "feedpipe/1.0 (+https://github.com/pders01/feedpipe; %s)",
			MaxRedirects:    10,
			MaxBodySize:     16 << 20,
			Workers:         5,
		},
		Push: PushConfig{
			Listen: "",
			Path:   "/push/",
		},
		Log: LogConfig{
			Level:      "info",
			File:       filepath.Join(dataDir, "feedpipe.log"),
			MaxSize:    64,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("database", cfg.Database)
	v.SetDefault("feed", cfg.Feed)
	v.SetDefault("push", cfg.Push)
	v.SetDefault("log", cfg.Log)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "feedpipe")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEEDPIPE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	return &config, nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Log.File = expandPath(cfg.Log.File)
}

// fileConfig mirrors Config with durations as strings so the written TOML
// stays readable and round-trips through Load.
type fileConfig struct {
	Database struct {
		Driver      string `toml:"driver"`
		Path        string `toml:"path"`
		Timeout     string `toml:"timeout"`
		SearchIndex string `toml:"search_index"`
	} `toml:"database"`
	Feed struct {
		HTTPTimeout     string `toml:"http_timeout"`
		RefreshInterval string `toml:"refresh_interval"`
		TaskTimeout     string `toml:"task_timeout"`
		UserAgent       string `toml:"user_agent"`
		MaxRedirects    int    `toml:"max_redirects"`
		MaxBodySize     int64  `toml:"max_body_size"`
		Workers         int    `toml:"workers"`
		AllowPrivate    bool   `toml:"allow_private"`
	} `toml:"feed"`
	Push struct {
		Listen string `toml:"listen"`
		Path   string `toml:"path"`
	} `toml:"push"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSize    int    `toml:"max_size"`
		MaxBackups int    `toml:"max_backups"`
		MaxAge     int    `toml:"max_age"`
	} `toml:"log"`
}

func Save(config *Config, path string) error {
	var fc fileConfig
	fc.Database.Driver = config.Database.Driver
	fc.Database.Path = config.Database.Path
	fc.Database.Timeout = config.Database.Timeout.String()
	fc.Database.SearchIndex = config.Database.SearchIndex
	fc.Feed.HTTPTimeout = config.Feed.HTTPTimeout.String()
	fc.Feed.RefreshInterval = config.Feed.RefreshInterval.String()
	fc.Feed.TaskTimeout = config.Feed.TaskTimeout.String()
	fc.Feed.UserAgent = config.Feed.UserAgent
	fc.Feed.MaxRedirects = config.Feed.MaxRedirects
	fc.Feed.MaxBodySize = config.Feed.MaxBodySize
	fc.Feed.Workers = config.Feed.Workers
	fc.Feed.AllowPrivate = config.Feed.AllowPrivate
	fc.Push.Listen = config.Push.Listen
	fc.Push.Path = config.Push.Path
	fc.Log.Level = config.Log.Level
	fc.Log.File = config.Log.File
	fc.Log.MaxSize = config.Log.MaxSize
	fc.Log.MaxBackups = config.Log.MaxBackups
	fc.Log.MaxAge = config.Log.MaxAge

	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
