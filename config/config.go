// Package config holds the configuration surface consumed by the relaykit
// components. Two modes are recognized: development (lenient connect
// timeouts, fallback-on-failure, verbose tracing) and production (strict
// timeouts, fail-fast on connect failure). Mode-dependent defaults are
// applied by Load and by ApplyDefaults for hand-built configs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

type Config struct {
	Mode   Mode         `mapstructure:"mode"`
	Broker BrokerConfig `mapstructure:"broker"`
	Cache  CacheConfig  `mapstructure:"cache"`
}

type BrokerConfig struct {
	ClientID       string        `mapstructure:"client_id"`
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	TLS            TLSConfig     `mapstructure:"tls"`
	SASL           SASLConfig    `mapstructure:"sasl"`

	// AMQP-only fields, ignored by the kafka driver.
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type CacheConfig struct {
	Addr           string        `mapstructure:"addr"`
	DB             int           `mapstructure:"db"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Load reads the file at path with RELAYKIT_* environment overrides, applies
// mode defaults and validates.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("relaykit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", string(Development))
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("broker.client_id", "relaykit")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero timeout/retry fields with the mode defaults:
// development connects once with a short timeout, production retries with a
// longer one before giving up.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = Development
	}
	timeout, retries := 2*time.Second, 1
	if c.Mode == Production {
		timeout, retries = 10*time.Second, 3
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = timeout
	}
	if c.Broker.ConnectRetries <= 0 {
		c.Broker.ConnectRetries = retries
	}
	if c.Cache.ConnectTimeout <= 0 {
		c.Cache.ConnectTimeout = timeout
	}
	if c.Cache.ConnectRetries <= 0 {
		c.Cache.ConnectRetries = retries
	}
}

func (c Config) Validate() error {
	if c.Mode != Development && c.Mode != Production {
		return fmt.Errorf("mode must be %q or %q, got %q", Development, Production, c.Mode)
	}
	if c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required")
	}
	if len(c.Broker.Brokers) == 0 && c.Broker.URL == "" {
		return fmt.Errorf("broker.brokers or broker.url is required")
	}
	if c.Broker.SASL.Enabled && c.Broker.SASL.Username == "" {
		return fmt.Errorf("broker.sasl.username is required when sasl is enabled")
	}
	return nil
}
