package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.RelayBus)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SIGNAL_RATE_PER_SECOND", "2.5")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.InDelta(t, 2.5, cfg.SignalRatePerSecond, 1e-9)
}

func TestLoadCallDefaults(t *testing.T) {
	c := LoadCall()

	assert.Equal(t, 3, c.MaxSendAttempts)
	assert.Equal(t, time.Second, c.RetryBase)
	assert.Equal(t, 2, c.MaxICERestarts)
	require.Len(t, c.ICEServers, 3)
	assert.Equal(t, "stun:stun.l.google.com:19302", c.ICEServers[0])
}

func TestLoadCallIgnoresInvalidValues(t *testing.T) {
	t.Setenv("CALL_RETRY_BASE", "soon")
	t.Setenv("CALL_MAX_ICE_RESTARTS", "two")
	t.Setenv("CALL_ICE_FAILED_TIMEOUT", "-3s")

	c := LoadCall()

	assert.Equal(t, time.Second, c.RetryBase)
	assert.Equal(t, 2, c.MaxICERestarts)
	assert.Equal(t, 25*time.Second, c.ICEFailed)
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("SIGNALING_URL", "https://calls.example")
	t.Setenv("AGENT_USER", "alice")
	t.Setenv("CALL_RETRY_BASE", "250ms")

	a := LoadAgent()

	assert.Equal(t, "https://calls.example", a.ServerURL)
	assert.Equal(t, "alice", a.Username)
	assert.Equal(t, 250*time.Millisecond, a.Call.RetryBase)
}
