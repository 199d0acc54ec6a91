// Package config loads Town Hall runtime configuration from the environment,
// with optional .env file support for local development.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	// Database drivers for the supported DATABASE_URL schemes.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/townhall-labs/townhall/logging"
)

// Session backend identifiers accepted in TOWNHALL_SESSION_BACKEND.
const (
	BackendMemory    = "memory"
	BackendSQL       = "sql"
	BackendEncrypted = "encrypted"
	BackendOpenAI    = "openai"
)

// Config holds the runtime configuration of the Town Hall service.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DatabaseURL selects the relational backend: a postgres:// URL or a
	// sqlite file path.
	DatabaseURL string
	// SessionBackend selects the session store implementation.
	SessionBackend string
	// EncryptedDir is the directory for the encrypted session backend.
	EncryptedDir string
	// AgeKey is the age private key for the encrypted session backend.
	AgeKey string
	// OpenAIAPIKey authenticates model calls and the hosted conversation store.
	OpenAIAPIKey string
	// AnthropicAPIKey authenticates the anthropic model adapter.
	AnthropicAPIKey string
	// ModelProvider selects the model adapter: openai, anthropic or mock.
	ModelProvider string
	// CORSOrigins are the allowed frontend origins.
	CORSOrigins []string
	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. Local .env files are loaded
// first when present; real environment variables take precedence.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:            getEnv("TOWNHALL_ADDR", ":8000"),
		DatabaseURL:     getEnv("DATABASE_URL", "town_hall.db"),
		SessionBackend:  getEnv("TOWNHALL_SESSION_BACKEND", BackendMemory),
		EncryptedDir:    getEnv("TOWNHALL_ENCRYPTED_DIR", "sessions"),
		AgeKey:          os.Getenv("TOWNHALL_AGE_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		ModelProvider:   getEnv("TOWNHALL_MODEL_PROVIDER", "openai"),
		LogLevel:        getEnv("TOWNHALL_LOG_LEVEL", "info"),
		LogFormat:       getEnv("TOWNHALL_LOG_FORMAT", "json"),
	}

	origins := getEnv("TOWNHALL_CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SessionBackend {
	case BackendMemory, BackendSQL, BackendEncrypted, BackendOpenAI:
	default:
		return fmt.Errorf("unknown session backend: %s (supported: %s, %s, %s, %s)",
			c.SessionBackend, BackendMemory, BackendSQL, BackendEncrypted, BackendOpenAI)
	}

	switch c.ModelProvider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("unknown model provider: %s (supported: openai, anthropic, mock)", c.ModelProvider)
	}

	if c.SessionBackend == BackendEncrypted && c.AgeKey == "" {
		return fmt.Errorf("TOWNHALL_AGE_KEY is required for the encrypted session backend")
	}
	if c.SessionBackend == BackendOpenAI && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the openai session backend")
	}
	return nil
}

// Dialect returns the SQL dialect implied by DatabaseURL.
func (c *Config) Dialect() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// OpenDatabase opens the relational database named by DatabaseURL and
// returns the connection together with its dialect.
func (c *Config) OpenDatabase() (*sql.DB, string, error) {
	dialect := c.Dialect()

	dsn := c.DatabaseURL
	if dialect == "sqlite" {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	driver := "sqlite"
	if dialect == "postgres" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

// NewLogger builds a structured logger from the configured level and format.
func (c *Config) NewLogger() logging.Logger {
	return logging.New(&logging.Config{
		Level:  logging.ParseLevel(c.LogLevel),
		Format: c.LogFormat,
		Output: os.Stdout,
	})
}

func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
