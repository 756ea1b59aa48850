// Package config loads the gateway configuration from YAML plus environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mdgate/mdgate/pkg/md"
)

// Config is the full gateway configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Brokers []BrokerConfig `mapstructure:"brokers"`

	// Subscriptions are instrument codes subscribed at startup, before any
	// client connects, keyed by source kind.
	Subscriptions map[string][]string `mapstructure:"subscriptions"`
}

// ServerConfig covers the client-facing HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// OutboxSize bounds each client session's send queue; the oldest frame
	// is dropped when it is full.
	OutboxSize int `mapstructure:"outbox_size"`

	// ReconcileInterval is how often upstream subscriptions are diffed
	// against demand; RestartInterval paces retries for dead adapters.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RestartInterval   time.Duration `mapstructure:"restart_interval"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NATSConfig controls snapshot republishing. Empty URL disables it.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// BrokerConfig describes one upstream feed account.
type BrokerConfig struct {
	Name      string `mapstructure:"name"`
	Source    string `mapstructure:"source"` // ctp, qq or sina
	Driver    string `mapstructure:"driver"` // sim or binance
	FrontAddr string `mapstructure:"front_addr"`
	UserID    string `mapstructure:"user_id"`
	Password  string `mapstructure:"password"`
	BrokerID  string `mapstructure:"broker_id"`
	AppID     string `mapstructure:"app_id"`
	AuthCode  string `mapstructure:"auth_code"`
}

// Load reads path, applies MDGATE_ environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8014)
	v.SetDefault("server.outbox_size", 256)
	v.SetDefault("server.reconcile_interval", 30*time.Second)
	v.SetDefault("server.restart_interval", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.OutboxSize <= 0 {
		return fmt.Errorf("server.outbox_size must be positive")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}

	seen := make(map[string]bool, len(c.Brokers))
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.Name == "" {
			return fmt.Errorf("brokers[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate broker name %q", b.Name)
		}
		seen[b.Name] = true
		if _, err := md.ParseSource(b.Source); err != nil {
			return fmt.Errorf("broker %s: %w", b.Name, err)
		}
		switch b.Driver {
		case "", "sim", "binance":
		default:
			return fmt.Errorf("broker %s: unknown driver %q", b.Name, b.Driver)
		}
	}

	for src := range c.Subscriptions {
		if _, err := md.ParseSource(src); err != nil {
			return fmt.Errorf("subscriptions: %w", err)
		}
	}
	return nil
}
