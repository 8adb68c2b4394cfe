// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	MetricsEnabled  bool          `envconfig:"METRICS_ENABLED" default:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Address is the listen address.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration settings
type DatabaseConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"memory"` // memory, postgres, sqlite or mongo
	URI      string `envconfig:"DATABASE_URL"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER"`
	Password string `envconfig:"DB_PASSWORD"`
	Name     string `envconfig:"DB_NAME" default:"postgres"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"require"`

	SQLitePath string `envconfig:"SQLITE_PATH" default:"gator-chat.db"`
	MongoURI   string `envconfig:"MONGODB_URI" default:"mongodb://localhost:27017"`
	MongoName  string `envconfig:"MONGODB_DATABASE" default:"gator_chat"`
}

// RealtimeConfig tunes the websocket layer.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	SendBuffer        int           `envconfig:"WS_SEND_BUFFER" default:"256"`
	MaxFrameBytes     int64         `envconfig:"WS_MAX_FRAME_BYTES" default:"65536"`
	// RequireToken rejects websocket upgrades that carry no JWT.
	RequireToken bool `envconfig:"WS_REQUIRE_TOKEN" default:"true"`
	// PushOnWrite emits the realtime frame for messages created over HTTP.
	PushOnWrite    bool          `envconfig:"PUSH_ON_WRITE" default:"true"`
	RequestTimeout time.Duration `envconfig:"ACTOR_TIMEOUT" default:"5s"`
	// PairIdleTimeout stops a conversation's actor after this long without
	// traffic. Zero disables it.
	PairIdleTimeout time.Duration `envconfig:"PAIR_IDLE_TIMEOUT" default:"10m"`
}

// AuthConfig holds token and password settings.
type AuthConfig struct {
	JWTSecret  string        `envconfig:"JWT_SECRET"`
	TokenTTL   time.Duration `envconfig:"JWT_TTL" default:"24h"`
	BcryptCost int           `envconfig:"BCRYPT_COST" default:"12"`
}

// Config holds the complete application configuration
type Config struct {
	Server         *ServerConfig
	Database       *DatabaseConfig
	Realtime       *RealtimeConfig
	Auth           *AuthConfig
	AllowedOrigins []string
	Debug          bool
}

// DefaultConfig provides default server settings
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "0.0.0.0",
		MetricsEnabled:  true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultRealtimeConfig provides default websocket settings
func DefaultRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		HeartbeatInterval: 30 * time.Second,
		SendBuffer:        256,
		MaxFrameBytes:     64 * 1024,
		RequireToken:      true,
		PushOnWrite:       true,
		RequestTimeout:    5 * time.Second,
		PairIdleTimeout:   10 * time.Minute,
	}
}

// LoadConfig loads configuration from environment variables and applies defaults
func LoadConfig() (*Config, error) {
	// Try to load .env file from multiple possible locations
	envLocations := []string{
		".env",          // Current directory
		"../../.env",    // Project root when running from cmd/engine
		"../../../.env", // Even higher directory
	}

	envLoaded := false
	for _, location := range envLocations {
		if err := godotenv.Load(filepath.Clean(location)); err == nil {
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		// Silent when no .env exists
		_ = godotenv.Load()
	}

	cfg := &Config{
		Server:   &ServerConfig{},
		Database: &DatabaseConfig{},
		Realtime: &RealtimeConfig{},
		Auth:     &AuthConfig{},
	}
	for _, spec := range []interface{}{cfg.Server, cfg.Database, cfg.Realtime, cfg.Auth} {
		if err := envconfig.Process("", spec); err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	var top struct {
		AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
		Debug          bool     `envconfig:"DEBUG" default:"false"`
	}
	if err := envconfig.Process("", &top); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg.AllowedOrigins = top.AllowedOrigins
	cfg.Debug = top.Debug

	if err := cfg.Database.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills in the connection string for the selected backend.
func (db *DatabaseConfig) resolve() error {
	db.Type = strings.ToLower(strings.TrimSpace(db.Type))

	switch db.Type {
	case "memory", "sqlite", "mongo":
		return nil
	case "postgres":
		// Prioritize DATABASE_URL if provided
		if db.URI != "" {
			db.SSLMode = getSSLModeFromURI(db.URI)
			return nil
		}

		if db.User == "" {
			return fmt.Errorf("DB_USER environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}
		if db.Password == "" {
			return fmt.Errorf("DB_PASSWORD environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}

		// Build connection string from individual parts
		db.URI = fmt.Sprintf(
			"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
			db.User,
			db.Password,
			db.Host,
			db.Port,
			db.Name,
			db.SSLMode,
		)
		return nil
	default:
		return fmt.Errorf("unsupported DB_TYPE %q (want memory, postgres, sqlite or mongo)", db.Type)
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		if !c.Debug {
			return fmt.Errorf("JWT_SECRET environment variable is required")
		}
		c.Auth.JWTSecret = "gator-chat-debug-secret"
		fmt.Fprintln(os.Stderr, "Warning: JWT_SECRET not set, using an insecure debug secret")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}

// Helper function to extract sslmode from a DSN, defaults to "require"
func getSSLModeFromURI(uri string) string {
	parts := strings.SplitN(uri, "?", 2)
	if len(parts) == 2 {
		for _, param := range strings.Split(parts[1], "&") {
			kv := strings.SplitN(param, "=", 2)
			if len(kv) == 2 && kv[0] == "sslmode" {
				return kv[1]
			}
		}
	}
	return "require"
}
