package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_TYPE", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.True(t, cfg.Realtime.RequireToken)
	assert.True(t, cfg.Realtime.PushOnWrite)
	assert.Equal(t, 10*time.Minute, cfg.Realtime.PairIdleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_TYPE", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/chat.db")
	t.Setenv("PORT", "9090")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("PUSH_ON_WRITE", "false")
	t.Setenv("PAIR_IDLE_TIMEOUT", "0s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.SQLitePath)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.False(t, cfg.Realtime.PushOnWrite)
	assert.Zero(t, cfg.Realtime.PairIdleTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestPostgresURI(t *testing.T) {
	t.Run("composed from parts", func(t *testing.T) {
		db := &DatabaseConfig{
			Type: "postgres", Host: "db", Port: 5432,
			User: "gator", Password: "pw", Name: "chat", SSLMode: "disable",
		}
		require.NoError(t, db.resolve())
		assert.Equal(t, "postgresql://gator:pw@db:5432/chat?sslmode=disable", db.URI)
	})

	t.Run("url wins", func(t *testing.T) {
		db := &DatabaseConfig{Type: "postgres", URI: "postgres://x@h/d?sslmode=verify-full"}
		require.NoError(t, db.resolve())
		assert.Equal(t, "verify-full", db.SSLMode)
	})

	t.Run("missing credentials", func(t *testing.T) {
		db := &DatabaseConfig{Type: "postgres"}
		assert.Error(t, db.resolve())
	})

	t.Run("unknown backend", func(t *testing.T) {
		db := &DatabaseConfig{Type: "redis"}
		assert.Error(t, db.resolve())
	})
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Server:   DefaultConfig(),
		Database: &DatabaseConfig{Type: "memory"},
		Realtime: DefaultRealtimeConfig(),
		Auth:     &AuthConfig{},
	}
	assert.Error(t, cfg.Validate())

	cfg.Debug = true
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Auth.JWTSecret)

	cfg.Realtime.SendBuffer = 0
	assert.Error(t, cfg.Validate())
}

func TestGetSSLModeFromURI(t *testing.T) {
	assert.Equal(t, "disable", getSSLModeFromURI("postgres://u@h/d?foo=1&sslmode=disable"))
	assert.Equal(t, "require", getSSLModeFromURI("postgres://u@h/d"))
}
