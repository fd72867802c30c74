// Package server provides configuration helpers that define runtime defaults
// and validation for the relay's HTTP, WebSocket and backplane settings.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/bridge"
	"github.com/Tyrowin/roomrelay/internal/session"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultSendBufferSize  = 256
	defaultShutdownTimeout = 10 * time.Second
	defaultHealthTimeout   = 2 * time.Second
	defaultChannel         = "chat:events"
)

// RedisSettings locate the Redis backplane.
type RedisSettings struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Config holds the relay configuration, read from the environment by
// LoadConfig.
type Config struct {
	Port            string        `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	HealthTimeout   time.Duration `env:"HEALTH_TIMEOUT" envDefault:"2s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	Backplane          backplane.Kind `env:"BACKPLANE" envDefault:"redis"`
	Channel            string         `env:"BACKPLANE_CHANNEL" envDefault:"chat:events"`
	Redis              RedisSettings
	NATSURL            string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	PublishTimeout     time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"`
	ReconnectBaseDelay time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"500ms"`
	ReconnectMaxDelay  time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`

	PresenceScope session.Scope `env:"PRESENCE_SCOPE" envDefault:"local"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`
	InstanceID    string        `env:"INSTANCE_ID"`
}

func defaultConfig() Config {
	return Config{
		Port:            defaultPort,
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  defaultMaxMessageSize,
		SendBufferSize:  defaultSendBufferSize,
		ShutdownTimeout: defaultShutdownTimeout,
		HealthTimeout:   defaultHealthTimeout,
		LogLevel:        "info",
		Backplane:       backplane.KindRedis,
		Channel:         defaultChannel,
		Redis:           RedisSettings{Host: "localhost", Port: 6379},
		NATSURL:         "nats://127.0.0.1:4222",
		PublishTimeout:  bridge.DefaultPublishTimeout,

		ReconnectBaseDelay: bridge.DefaultReconnectBaseDelay,
		ReconnectMaxDelay:  bridge.DefaultReconnectMaxDelay,
		PresenceScope:      session.ScopeLocal,
		PresenceTTL:        backplane.DefaultPresenceTTL,
	}
}

// sanitize replaces unusable values with defaults and assigns an instance id.
func sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}

	cfg.Backplane = backplane.Kind(strings.ToLower(strings.TrimSpace(string(cfg.Backplane))))
	if cfg.Backplane == "" {
		cfg.Backplane = backplane.KindRedis
	}

	cfg.PresenceScope = session.Scope(strings.ToLower(strings.TrimSpace(string(cfg.PresenceScope))))
	if cfg.PresenceScope != session.ScopeFleet {
		cfg.PresenceScope = session.ScopeLocal
	}

	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = backplane.DefaultPresenceTTL
	}

	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitize(defaultConfig())
	return &cfg
}

// LoadConfig reads the configuration from environment variables, falling back
// to defaults for anything unset or unusable.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg = sanitize(cfg)
	return &cfg, nil
}

// BackplaneOptions selects and locates the backplane driver.
func (c *Config) BackplaneOptions() backplane.Options {
	return backplane.Options{
		Kind:    c.Backplane,
		Channel: c.Channel,
		Redis: backplane.RedisConfig{
			Host:     c.Redis.Host,
			Port:     c.Redis.Port,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		},
		NATS: backplane.NATSConfig{
			URL:  c.NATSURL,
			Name: "roomrelay-" + c.InstanceID,
		},
		PresenceTTL: c.PresenceTTL,
	}
}

// BridgeOptions tunes the broadcast bridge.
func (c *Config) BridgeOptions() bridge.Options {
	return bridge.Options{
		Instance:           c.InstanceID,
		PublishTimeout:     c.PublishTimeout,
		ReconnectBaseDelay: c.ReconnectBaseDelay,
		ReconnectMaxDelay:  c.ReconnectMaxDelay,
	}
}

// PresenceRefreshInterval is how often fleet presence is re-reported, well
// inside PresenceTTL.
func (c *Config) PresenceRefreshInterval() time.Duration {
	return c.PresenceTTL / 3
}

// SessionOptions configures the session handler. counter may be nil.
func (c *Config) SessionOptions(counter backplane.Counter) session.Options {
	return session.Options{
		Scope:    c.PresenceScope,
		Counter:  counter,
		Instance: c.InstanceID,
	}
}
