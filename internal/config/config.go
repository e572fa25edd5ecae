// Package config loads server configuration from an optional file and
// MM_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Admin  AdminConfig  `mapstructure:"admin"`
	Game   GameConfig   `mapstructure:"game"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig holds the PostgreSQL connection configuration. An empty URL
// selects the in-memory store.
type DBConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the read-through cache configuration.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Enabled  bool          `mapstructure:"enabled"`
}

// KafkaConfig holds the trade feed configuration.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Enabled bool     `mapstructure:"enabled"`
}

// AdminConfig holds the admin login credentials.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// GameConfig holds gameplay tunables.
type GameConfig struct {
	PositionLimit    int64         `mapstructure:"position_limit"`
	StaleSessionAge  time.Duration `mapstructure:"stale_session_age"`
	RecentTradeCount int           `mapstructure:"recent_trade_count"`
}

// Load reads configuration from the given file (if any) and environment
// variables. Env vars use the MM_ prefix with underscores, e.g.
// MM_ADMIN_PASSWORD overrides admin.password.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("db.url", "")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "mm.trades")
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "")

	v.SetDefault("game.position_limit", 20)
	v.SetDefault("game.stale_session_age", "30s")
	v.SetDefault("game.recent_trade_count", 10)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Admin.Password == "" {
		return fmt.Errorf("admin.password is required (set MM_ADMIN_PASSWORD)")
	}
	if c.Game.PositionLimit < 1 {
		return fmt.Errorf("game.position_limit must be at least 1")
	}
	if c.Game.RecentTradeCount < 1 {
		return fmt.Errorf("game.recent_trade_count must be at least 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	return nil
}
