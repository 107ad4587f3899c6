package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for a chatserverd (generation c)
// or chatserver-solo (generation b) process. The positional/flag CLI
// arguments each command parses on its own (chat_port, replica_port,
// database_path, --cluster, --self-destruct) take precedence over this
// config's corresponding defaults once loaded.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Replica ReplicaConfig `mapstructure:"replica"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the client-facing
// WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ReplicaConfig controls a replicated server's peer-facing surface. Identity
// is left empty for chatserver-solo, which disables replication entirely
// (see chatcore.Options.Identity).
type ReplicaConfig struct {
	Identity     string        `mapstructure:"identity"`
	Port         int           `mapstructure:"port"`
	Bootstrap    string        `mapstructure:"bootstrap"`
	SelfDestruct time.Duration `mapstructure:"self_destruct"`
}

// StoreConfig controls the durable SQLite-backed account/message log.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables (prefixed CHAT_) and
// an optional chatserver.{yaml,json,...} config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)

	v.SetDefault("replica.identity", "")
	v.SetDefault("replica.port", 9091)
	v.SetDefault("replica.bootstrap", "")
	v.SetDefault("replica.self_destruct", time.Duration(0))

	v.SetDefault("store.path", "chat.db")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("chatserver")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	return cfg, nil
}
