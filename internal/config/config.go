// Package config loads the client-recognized options (spec ch.6) via
// viper, the way the teacher repo's internal/config package binds its
// Config struct with mapstructure/yaml tags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConnectionType selects the transport the client factory will use to dial
// segment store endpoints.
type ConnectionType string

const (
	ConnectionTypeTokio            ConnectionType = "tokio" // real TCP, named after the teacher corpus's async runtimes
	ConnectionTypeMockHappy        ConnectionType = "mock-happy"
	ConnectionTypeMockSegmentSeal  ConnectionType = "mock-segment-sealed"
	ConnectionTypeMockWrongHost    ConnectionType = "mock-wrong-host"
)

// RetryPolicy configures the exponential-backoff-with-jitter retry used by
// the segment writer's setup protocol. The table synchronizer's
// optimistic-update retry does not use it.
type RetryPolicy struct {
	MaxAttempts uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy mirrors the original Rust client's out-of-the-box
// retry tuning: modest attempt count, short base delay, capped backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      50 * time.Millisecond,
	}
}

// ClientConfig is the full set of recognized options from spec ch.6.
type ClientConfig struct {
	ControllerURI        string         `mapstructure:"controller_uri" yaml:"controller_uri"`
	ConnectionType        ConnectionType `mapstructure:"connection_type" yaml:"connection_type"`
	IsTLSEnabled          bool           `mapstructure:"is_tls_enabled" yaml:"is_tls_enabled"`
	IsAuthEnabled         bool           `mapstructure:"is_auth_enabled" yaml:"is_auth_enabled"`
	RetryPolicy           RetryPolicy    `mapstructure:"retry_policy" yaml:"retry_policy"`
	MaxConnectionsInPool  int            `mapstructure:"max_connections_in_pool" yaml:"max_connections_in_pool"`
}

// Default returns a ClientConfig with sane defaults for local/mock testing.
func Default() ClientConfig {
	return ClientConfig{
		ControllerURI:        "127.0.0.1:9090",
		ConnectionType:       ConnectionTypeMockHappy,
		IsTLSEnabled:         false,
		IsAuthEnabled:        false,
		RetryPolicy:          DefaultRetryPolicy(),
		MaxConnectionsInPool: 10,
	}
}

// Load reads a ClientConfig from the given file path (yaml/json/toml, as
// viper auto-detects from the extension), falling back to Default()'s
// values for anything unset, and allowing SEGSTREAM_-prefixed environment
// variables to override any field (e.g. SEGSTREAM_CONTROLLER_URI).
func Load(path string) (ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SEGSTREAM")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("controller_uri", def.ControllerURI)
	v.SetDefault("connection_type", def.ConnectionType)
	v.SetDefault("is_tls_enabled", def.IsTLSEnabled)
	v.SetDefault("is_auth_enabled", def.IsAuthEnabled)
	v.SetDefault("retry_policy.max_attempts", def.RetryPolicy.MaxAttempts)
	v.SetDefault("retry_policy.base_delay", def.RetryPolicy.BaseDelay)
	v.SetDefault("retry_policy.max_delay", def.RetryPolicy.MaxDelay)
	v.SetDefault("retry_policy.jitter", def.RetryPolicy.Jitter)
	v.SetDefault("max_connections_in_pool", def.MaxConnectionsInPool)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ClientConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
