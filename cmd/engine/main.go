package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gator-chat/internal/config"
	"gator-chat/internal/database"
	"gator-chat/internal/engine"
	"gator-chat/internal/handlers"
	"gator-chat/internal/middleware"
	"gator-chat/internal/utils"
	"gator-chat/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// app is the fully wired server.
type app struct {
	store  database.Store
	system *actor.ActorSystem
	hub    *websocket.Hub
	router *websocket.Router
	server *handlers.Server
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	ctx := context.Background()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("db_type", cfg.Database.Type).Msg("store initialization failed")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	// No connection survives a restart, so no user can still be online.
	if err := store.ResetUserActivity(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to reset persisted online flags")
	}

	a := newApp(cfg, store, utils.NewMetricsCollector(), logger)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.hub.Run(heartbeatCtx, cfg.Realtime.HeartbeatInterval, a.onDead)

	srv := &http.Server{
		Addr:        cfg.Server.Address(),
		Handler:     a.server.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("db_type", cfg.Database.Type).
			Dur("heartbeat", cfg.Realtime.HeartbeatInterval).
			Msg("starting gator-chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stopHeartbeat()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	a.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	a.system.Shutdown()

	logger.Info().Msg("server stopped")
}

func newLogger(debug bool) zerolog.Logger {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// openStore connects the backend selected by DB_TYPE.
func openStore(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (database.Store, error) {
	switch cfg.Type {
	case "memory":
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return database.NewMemoryDB(), nil
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := database.NewPostgresDB(cfg.URI, logger)
		if err != nil {
			return nil, err
		}
		if err := db.InitializeTables(ctx); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	case "mongo":
		db, err := database.NewMongoDB(cfg.MongoURI, cfg.MongoName, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

func newApp(cfg *config.Config, store database.Store, metrics *utils.MetricsCollector, logger zerolog.Logger) *app {
	tokens := middleware.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	system := actor.NewActorSystem()
	eng := engine.NewEngine(system, store, tokens, metrics, logger, engine.Options{
		RequestTimeout:  cfg.Realtime.RequestTimeout,
		PairIdleTimeout: cfg.Realtime.PairIdleTimeout,
		BcryptCost:      cfg.Auth.BcryptCost,
	})

	hub := websocket.NewHub(logger, metrics)
	presence := websocket.NewPresence(hub, store, logger, metrics)
	router := websocket.NewRouter(presence, store, logger, metrics)

	return &app{
		store:  store,
		system: system,
		hub:    hub,
		router: router,
		server: handlers.NewServer(eng, store, router, tokens, metrics, cfg, logger),
	}
}

// onDead runs the disconnect path for a connection the heartbeat gave up on.
func (a *app) onDead(ctx context.Context, identity uuid.UUID, conn websocket.Conn) {
	a.router.Presence().Disconnect(ctx, identity, conn)
}
