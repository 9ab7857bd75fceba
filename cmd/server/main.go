/*
main.go - Application entry point

PURPOSE:
  The travelcost command: runs the travel allowance service and its
  maintenance tasks.

COMMANDS:
  serve     Start the HTTP server, the cache janitor and the change consumer
  cleanup   Sweep expired entries of the persistent (sqlite) cache once
  migrate   Apply database migrations and exit

CONFIGURATION:
  travel.yaml in --config-dir (optional), TRAVEL_* environment variables,
  built-in defaults. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the janitor and the change consumer
  4. Close database connections

EXAMPLES:
  travelcost serve --config-dir=/etc/travel
  TRAVEL_DB_DRIVER=postgres TRAVEL_DB_URL=postgres://... travelcost serve
  travelcost cleanup

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/travel-allowance/api"
	"github.com/warp/travel-allowance/config"
)

var (
	configDir string
	logLevel  string
)

func main() {
	root := &cobra.Command{
		Use:           "travelcost",
		Short:         "travel allowance calculation service",
		Long:          `travelcost computes recurring travel allowances between employee homes and project sites, caches them and keeps an append-only audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing travel.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(serveCommand(), cleanupCommand(), migrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			app.Start(ctx)

			server := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      api.NewRouter(api.NewHandler(app.Engine, logger)),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.ListenAddr,
					"db_driver", cfg.DB.Driver, "cache_backend", cfg.Cache.Backend, "cache_ttl", cfg.Cache.TTL)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}
}

func cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "sweep expired entries from the persistent cache once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Cache.Backend != "sqlite" {
				logger.Info("in-memory cache has nothing to clean outside a running server")
				return nil
			}

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Engine.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("cache cleanup completed", "evicted", n)
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			// Opening the stores applies pending migrations.
			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			app.Close()
			logger.Info("migrations applied", "db_driver", cfg.DB.Driver)
			return nil
		},
	}
}
