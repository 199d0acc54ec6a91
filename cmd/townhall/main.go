// Command townhall runs the Digital Town Hall backend: it wires
// configuration, the session backend, the agent graph and the HTTP server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/townhall-labs/townhall/config"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
	anthropicmodel "github.com/townhall-labs/townhall/model/anthropic"
	openaimodel "github.com/townhall-labs/townhall/model/openai"
	"github.com/townhall-labs/townhall/server"
	"github.com/townhall-labs/townhall/session"
	"github.com/townhall-labs/townhall/townhall"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "townhall:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := cfg.NewLogger()

	var db *sql.DB
	var dialect string
	needsDatabase := cfg.SessionBackend == config.BackendSQL
	if needsDatabase {
		db, dialect, err = cfg.OpenDatabase()
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		logger.Info("database.connected", "dialect", dialect)
	}

	store, err := newSessionStore(cfg, db, dialect)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	// The record store shares the relational database when one is open;
	// otherwise records stay in the run context only.
	var recordStore *townhall.Store
	if db != nil {
		recordStore, err = townhall.NewStore(db, dialect)
		if err != nil {
			return fmt.Errorf("creating record store: %w", err)
		}
	}

	m, err := newModel(cfg)
	if err != nil {
		return err
	}

	agents := townhall.NewAgents(m, func(o *townhall.AgentsOptions) {
		o.Store = recordStore
	})

	srv := server.New(agents, store, func(o *server.Options) {
		o.CORSOrigins = cfg.CORSOrigins
		o.Logger = logger
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Addr) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("server.shutdown", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newSessionStore(cfg *config.Config, db *sql.DB, dialect string) (core.SessionStore, error) {
	switch cfg.SessionBackend {
	case config.BackendMemory:
		return session.NewInMemoryStore(), nil
	case config.BackendSQL:
		return session.NewSQLStore(db, dialect)
	case config.BackendEncrypted:
		return session.NewEncryptedStore(cfg.EncryptedDir, cfg.AgeKey)
	case config.BackendOpenAI:
		return session.NewOpenAIConversationStore(cfg.OpenAIAPIKey)
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.SessionBackend)
	}
}

func newModel(cfg *config.Config) (model.Model, error) {
	switch cfg.ModelProvider {
	case "openai":
		return openaimodel.NewModel(), nil
	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.APIKey = cfg.AnthropicAPIKey
		}), nil
	case "mock":
		return model.NewMockModel("mock", "mock"), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.ModelProvider)
	}
}
