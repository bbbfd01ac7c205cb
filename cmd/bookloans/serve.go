// cmd/bookloans/serve.go
package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/consistency"
	"bookloans/internal/server"
	"bookloans/internal/telemetry"
)

func nowUTC() time.Time { return time.Now().UTC() }

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(*configPath, true)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			providers, err := telemetry.Setup(ctx, cfg.Telemetry, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := providers.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("telemetry shutdown", "error", err)
				}
			}()

			if cfg.Database.AutoMigrate {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}

			userSvc, issuer, err := a.userService()
			if err != nil {
				return err
			}
			borrowSvc := borrow.NewService(a.store,
				borrow.FinePolicy{LoanPeriod: cfg.Loan.Period, PerDay: cfg.Loan.FinePerDay},
				borrow.WithLogger(a.logger),
				borrow.WithDuplicateGuard(cfg.Loan.PreventDuplicateActive),
			)

			if cfg.Audit.Enabled {
				checker, err := a.checker()
				if err != nil {
					return err
				}
				scheduler := consistency.NewScheduler(checker, a.logger)
				if err := scheduler.Start(ctx, cfg.Audit.Schedule); err != nil {
					return err
				}
				defer scheduler.Stop()
			}

			router := server.NewRouter(server.Deps{
				Borrow:   borrowSvc,
				Catalog:  catalog.NewService(a.store, a.logger),
				Users:    userSvc,
				Verifier: issuer,
				Health:   a.store,
				Logger:   a.logger,
			})

			a.logger.Info("starting bookloans",
				"version", version,
				"storage", cfg.Storage.Driver,
				"loan_period", cfg.Loan.Period,
				"fine_per_day", cfg.Loan.FinePerDay.String(),
			)
			return server.New(cfg.HTTP.Addr(), router, cfg.HTTP.ShutdownTimeout, a.logger).Run(ctx)
		},
	}
}
