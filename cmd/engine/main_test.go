package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gator-chat/internal/config"
	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := openStore(ctx, &config.DatabaseConfig{Type: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &database.MemoryDB{}, store)

	path := filepath.Join(t.TempDir(), "chat.db")
	store, err = openStore(ctx, &config.DatabaseConfig{Type: "sqlite", SQLitePath: path}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &database.SQLDB{}, store)
	require.NoError(t, store.Close(ctx))

	_, err = openStore(ctx, &config.DatabaseConfig{Type: "redis"}, zerolog.Nop())
	assert.Error(t, err)
}

func testConfig() *config.Config {
	realtime := config.DefaultRealtimeConfig()
	realtime.HeartbeatInterval = 20 * time.Millisecond
	return &config.Config{
		Server:   config.DefaultConfig(),
		Database: &config.DatabaseConfig{Type: "memory"},
		Realtime: realtime,
		Auth:     &config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour, BcryptCost: 4},
	}
}

func TestAppRoutes(t *testing.T) {
	a := newApp(testConfig(), database.NewMemoryDB(), utils.NewMetricsCollector(), zerolog.Nop())
	t.Cleanup(a.system.Shutdown)
	srv := httptest.NewServer(a.server.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type deadConn struct{}

func (c *deadConn) Send([]byte) bool { return false }
func (c *deadConn) Ping() error      { return assert.AnError }
func (c *deadConn) Close()           {}

func TestHeartbeatRunsDisconnectPath(t *testing.T) {
	store := database.NewMemoryDB()
	user := &models.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", HashedPassword: "x"}
	require.NoError(t, store.SaveUser(context.Background(), user))

	cfg := testConfig()
	a := newApp(cfg, store, utils.NewMetricsCollector(), zerolog.Nop())
	t.Cleanup(a.system.Shutdown)

	conn := &deadConn{}
	a.router.Presence().Bind(context.Background(), user.ID, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.hub.Run(ctx, cfg.Realtime.HeartbeatInterval, a.onDead)

	require.Eventually(t, func() bool {
		u, err := store.GetUser(context.Background(), user.ID)
		return err == nil && !u.IsConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.hub.Online())
}
