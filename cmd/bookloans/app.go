// cmd/bookloans/app.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bookloans/internal/auth"
	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/config"
	"bookloans/internal/consistency"
	"bookloans/internal/logging"
	"bookloans/internal/storage/memory"
	"bookloans/internal/storage/postgres"
	"bookloans/internal/users"
)

// store is everything the services need from a storage backend.
type store interface {
	borrow.Gateway
	catalog.Repository
	users.Repository
	consistency.Source
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ store = (*memory.Store)(nil)
	_ store = (*postgres.Store)(nil)
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store
}

// loadConfig reads and validates the configuration. Commands that never sign
// tokens pass requireSecret=false.
func loadConfig(path string, requireSecret bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !requireSecret && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "unused"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Audit.Enabled {
		if err := consistency.ValidateSchedule(cfg.Audit.Schedule); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; data is lost on exit")
		a.store = memory.New()
	case config.StoragePostgres:
		pg, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		a.store = pg
	}
	return a, nil
}

func (a *app) migrate(ctx context.Context) error {
	pg, ok := a.store.(*postgres.Store)
	if !ok {
		a.logger.Info("migrations skipped for storage driver", "driver", a.cfg.Storage.Driver)
		return nil
	}
	if err := postgres.Migrate(ctx, pg.DB()); err != nil {
		return err
	}
	a.logger.Info("database migrated")
	return nil
}

func (a *app) userService() (users.Service, *auth.Issuer, error) {
	issuer, err := auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.Audience, a.cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, err
	}
	svc := users.NewService(a.store, issuer, a.cfg.Auth.LoginRatePerMinute, a.cfg.Auth.LoginBurst, a.logger)
	return svc, issuer, nil
}

func (a *app) checker() (*consistency.Checker, error) {
	return consistency.NewChecker(consistency.StandardMetrics(a.store, nowUTC), a.logger)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close storage", "error", err)
	}
}
