package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/llm"
	"github.com/rendis/advisor/internal/logging"
	"github.com/rendis/advisor/internal/pricing"
	"github.com/rendis/advisor/internal/steps"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/internal/validation"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	runner    *engine.Runner
	validator *validation.DefinitionValidator
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	return logging.New(w, cfg.Log.Format, cfg.Log.Level)
}

// newApp opens the store, migrates it and wires the engine.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	table, err := pricing.Load(cfg.Pricing.File)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Debug("pricing table loaded", slog.String("version", table.Version()), slog.Int("models", len(table.Models())))

	registry := steps.NewRegistry()
	err = steps.RegisterBuiltins(registry, steps.Dependencies{
		Completer: llm.NewOpenRouterClient(llm.OpenRouterConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Referer: cfg.OpenRouter.Referer,
			Title:   cfg.OpenRouter.Title,
			Timeout: cfg.OpenRouter.Timeout,
		}),
		Costs: pricing.NewCalculator(table),
		HTTP: steps.HTTPConfig{
			MaxResponseBody: cfg.HTTP.MaxResponseBody,
			DefaultTimeout:  cfg.HTTP.Timeout,
		},
		Logger: logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register step handlers: %w", err)
	}

	runner, err := engine.NewRunner(engine.Config{
		Definitions: st,
		Recorder:    st,
		Events:      st,
		Steps:       steps.NewExecutor(registry, logger),
		Logger:      logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	v, err := validation.NewDefinitionValidator(registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		runner:    runner,
		validator: v,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch strings.ToLower(cfg.DB.Driver) {
	case "postgres", "postgresql", "pgx":
		return store.NewPostgresStore(ctx, cfg.DB.DSN)
	case "", "libsql", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		return store.NewLibSQLStore(libsqlURI(cfg.DB.Path))
	default:
		return nil, fmt.Errorf("unsupported db.driver %q (want libsql or postgres)", cfg.DB.Driver)
	}
}

func libsqlURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
