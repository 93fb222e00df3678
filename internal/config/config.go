// Package config defines all configuration for the bridge.
// Config is loaded from an optional YAML file with every key overridable
// via BRIDGE_* environment variables, e.g. BRIDGE_UPSTREAM_HOST.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	WS       WSConfig       `mapstructure:"ws"`
	API      APIConfig      `mapstructure:"api"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// UpstreamConfig holds the TWS/Gateway connection parameters.
//
//   - Host/Port: where the gateway listens (7497 paper, 7496 live).
//   - ClientID: the API client id sent in StartAPI; one live session per id.
//   - HeartbeatIdle: silence on the socket before a liveness probe is sent.
//   - HeartbeatGrace: further silence after the probe before the connection
//     is declared dead.
//   - ReconnectBase/ReconnectCap: exponential backoff bounds.
//   - RateLimit: outbound messages per second (the gateway disconnects
//     clients that exceed ~50/s).
type UpstreamConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       int           `mapstructure:"client_id"`
	HeartbeatIdle  time.Duration `mapstructure:"heartbeat_idle"`
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap   time.Duration `mapstructure:"reconnect_cap"`
	RateLimit      int           `mapstructure:"rate_limit"`
}

// Addr returns host:port for dialing.
func (u UpstreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// WSConfig controls the client-facing WebSocket listener.
//
//   - QueueSize: per-client outbound queue capacity. Overflow drops the
//     oldest droppable message; critical messages force a disconnect instead.
//   - PingInterval / MaxMissedPongs: liveness policy.
//   - MaxMessageSize: inbound frame cap in bytes; larger frames close the
//     connection.
type WSConfig struct {
	Addr           string        `mapstructure:"addr"`
	QueueSize      int           `mapstructure:"queue_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMissedPongs int           `mapstructure:"max_missed_pongs"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
}

// APIConfig controls the HTTP status server (/healthz, /api/status, /metrics).
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	StaticDir string `mapstructure:"static_dir"`
}

// OrdersConfig tunes the terminal-order garbage collector.
type OrdersConfig struct {
	GCInterval time.Duration `mapstructure:"gc_interval"`
	Retention  time.Duration `mapstructure:"retention"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from an optional YAML file with env var overrides.
// An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults mirrors the defaults of the reference deployment: paper
// gateway on localhost, WebSocket fan-out on 8765, status server on 8080.
func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.host", "127.0.0.1")
	v.SetDefault("upstream.port", 7497)
	v.SetDefault("upstream.client_id", 7)
	v.SetDefault("upstream.heartbeat_idle", 30*time.Second)
	v.SetDefault("upstream.heartbeat_grace", 10*time.Second)
	v.SetDefault("upstream.reconnect_base", time.Second)
	v.SetDefault("upstream.reconnect_cap", 30*time.Second)
	v.SetDefault("upstream.rate_limit", 45)

	v.SetDefault("ws.addr", "0.0.0.0:8765")
	v.SetDefault("ws.queue_size", 1024)
	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.max_missed_pongs", 3)
	v.SetDefault("ws.max_message_size", 256*1024)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "0.0.0.0:8080")

	v.SetDefault("orders.gc_interval", time.Minute)
	v.SetDefault("orders.retention", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be in 1..65535")
	}
	if c.Upstream.ClientID < 0 {
		return fmt.Errorf("upstream.client_id must be >= 0")
	}
	if c.Upstream.HeartbeatIdle <= 0 || c.Upstream.HeartbeatGrace <= 0 {
		return fmt.Errorf("upstream heartbeat intervals must be > 0")
	}
	if c.Upstream.ReconnectBase <= 0 {
		return fmt.Errorf("upstream.reconnect_base must be > 0")
	}
	if c.Upstream.ReconnectCap < c.Upstream.ReconnectBase {
		return fmt.Errorf("upstream.reconnect_cap must be >= upstream.reconnect_base")
	}
	if c.Upstream.RateLimit <= 0 {
		return fmt.Errorf("upstream.rate_limit must be > 0")
	}
	if c.WS.Addr == "" {
		return fmt.Errorf("ws.addr is required")
	}
	if c.WS.QueueSize <= 0 {
		return fmt.Errorf("ws.queue_size must be > 0")
	}
	if c.WS.PingInterval <= 0 {
		return fmt.Errorf("ws.ping_interval must be > 0")
	}
	if c.WS.MaxMissedPongs <= 0 {
		return fmt.Errorf("ws.max_missed_pongs must be > 0")
	}
	if c.WS.MaxMessageSize <= 0 {
		return fmt.Errorf("ws.max_message_size must be > 0")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when api.enabled")
	}
	if c.Orders.GCInterval <= 0 {
		return fmt.Errorf("orders.gc_interval must be > 0")
	}
	if c.Orders.Retention <= 0 {
		return fmt.Errorf("orders.retention must be > 0")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
