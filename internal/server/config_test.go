package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/session"
)

// TestNewConfig verifies the defaults.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, backplane.KindRedis, cfg.Backplane)
	assert.Equal(t, "chat:events", cfg.Channel)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, session.ScopeLocal, cfg.PresenceScope)
	assert.Equal(t, backplane.DefaultPresenceTTL, cfg.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.PresenceRefreshInterval())
	assert.NotEmpty(t, cfg.InstanceID)
	assert.NotEqual(t, cfg.InstanceID, NewConfig().InstanceID)
}

// TestLoadConfigFromEnv verifies that every variable is read.
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example,http://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("SEND_BUFFER_SIZE", "16")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("HEALTH_TIMEOUT", "500ms")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKPLANE", "NATS")
	t.Setenv("BACKPLANE_CHANNEL", "relay:test")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("NATS_URL", "nats://nats.internal:4222")
	t.Setenv("PUBLISH_TIMEOUT", "1s")
	t.Setenv("RECONNECT_BASE_DELAY", "100ms")
	t.Setenv("RECONNECT_MAX_DELAY", "5s")
	t.Setenv("PRESENCE_SCOPE", "fleet")
	t.Setenv("PRESENCE_TTL", "45s")
	t.Setenv("INSTANCE_ID", "relay-1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 16, cfg.SendBufferSize)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.HealthTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, backplane.KindNATS, cfg.Backplane)
	assert.Equal(t, session.ScopeFleet, cfg.PresenceScope)
	assert.Equal(t, 45*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 45*time.Second, cfg.BackplaneOptions().PresenceTTL)
	assert.Equal(t, "relay-1", cfg.InstanceID)

	bp := cfg.BackplaneOptions()
	assert.Equal(t, "relay:test", bp.Channel)
	assert.Equal(t, backplane.RedisConfig{Host: "redis.internal", Port: 6380, Password: "secret", DB: 2}, bp.Redis)
	assert.Equal(t, "nats://nats.internal:4222", bp.NATS.URL)
	assert.Equal(t, "roomrelay-relay-1", bp.NATS.Name)

	br := cfg.BridgeOptions()
	assert.Equal(t, "relay-1", br.Instance)
	assert.Equal(t, time.Second, br.PublishTimeout)
	assert.Equal(t, 100*time.Millisecond, br.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Second, br.ReconnectMaxDelay)

	counter := backplane.NewMemoryCounter()
	so := cfg.SessionOptions(counter)
	assert.Equal(t, session.ScopeFleet, so.Scope)
	assert.Equal(t, "relay-1", so.Instance)
	assert.Same(t, counter, so.Counter)
}

// TestLoadConfigSanitizes verifies that unusable values fall back to defaults.
func TestLoadConfigSanitizes(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("SEND_BUFFER_SIZE", "0")
	t.Setenv("SHUTDOWN_TIMEOUT", "0s")
	t.Setenv("PRESENCE_SCOPE", "galaxy")
	t.Setenv("PRESENCE_TTL", "0s")
	t.Setenv("INSTANCE_ID", "  ")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, session.ScopeLocal, cfg.PresenceScope)
	assert.Equal(t, backplane.DefaultPresenceTTL, cfg.PresenceTTL)
	assert.NotEmpty(t, cfg.InstanceID)
}

// TestLoadConfigRejectsMalformedValues verifies parse errors are reported.
func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	_, err := LoadConfig()
	assert.Error(t, err)
}
