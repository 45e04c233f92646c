package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    ":memory:",
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     2 * time.Second,
			RefreshInterval: 1 * time.Minute,
			TaskTimeout:     5 * time.Second,
			UserAgent:       "feedpipe-test/1.0 (%s)",
			MaxRedirects:    10,
			MaxBodySize:     1 << 20,
			Workers:         2,
			AllowPrivate:    true,
		},
		Push: PushConfig{Path: "/push/"},
		Log:  LogConfig{Level: "off"},
	}
}
