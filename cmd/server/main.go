/*
main.go - Application entry point

PURPOSE:
  Command line for the school ledger server. Handles configuration,
  dependency injection and graceful shutdown.

COMMANDS:
  serve     Start the HTTP API (and the scheduler when enabled)
  migrate   Create or upgrade the document schema, then exit
  token     Issue a signed bearer token for local testing

CONFIGURATION (lowest to highest precedence):
  1. defaults (config/config.go)
  2. .env file (--env-file, default ".env", missing file ignored)
  3. SCHOOL_LEDGER_* environment, e.g. SCHOOL_LEDGER_DB_DSN
  4. flags: --port, --driver, --db

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (http.shutdown_timeout)
  3. Wait for running scheduler jobs
  4. Close the database

EXAMPLES:
  # SQLite file database
  ./server serve --db=./data/ledger.db

  # PostgreSQL
  SCHOOL_LEDGER_DB_DRIVER=pgx SCHOOL_LEDGER_DB_DSN=postgres://... ./server serve

  # In-memory store
  ./server serve --driver=memory

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: SQL document store
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/school-ledger/access"
	"github.com/warp/school-ledger/api"
	"github.com/warp/school-ledger/config"
	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/generic/store"
	"github.com/warp/school-ledger/store/sqlstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var envFile string

	root := &cobra.Command{
		Use:           "server",
		Short:         "School fee ledger, timetable and promotion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	root.PersistentFlags().String("driver", "", "database driver: sqlite3, pgx or memory")
	root.PersistentFlags().String("db", "", "database DSN (SQLite path or PostgreSQL URL)")
	_ = v.BindPFlag("db.driver", root.PersistentFlags().Lookup("driver"))
	_ = v.BindPFlag("db.dsn", root.PersistentFlags().Lookup("db"))

	root.AddCommand(newServeCmd(v), newMigrateCmd(v), newTokenCmd(v))
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("port", 0, "HTTP server port")
	_ = v.BindPFlag("http.port", cmd.Flags().Lookup("port"))
	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.DB.Driver == "memory" {
				return errors.New("migrate: the memory store has no schema")
			}
			log := cfg.NewLogger()
			s, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN, sqlstore.Options{MaxAttempts: cfg.DB.MaxAttempts, Logger: log})
			if err != nil {
				return err
			}
			log.WithField("driver", cfg.DB.Driver).Info("schema up to date")
			return s.Close()
		},
	}
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var id access.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("token: auth.jwt_secret is not set")
			}
			raw, err := access.NewTokens(cfg.Auth.JWTSecret).Issue(id, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.UID, "uid", "", "user id")
	cmd.Flags().StringVar(&id.SchoolID, "school", "", "school id")
	cmd.Flags().StringVar(&id.BranchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&id.Role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("school")
	return cmd
}

// openStore returns the configured store and its closer.
func openStore(cfg *config.Config, log logrus.FieldLogger) (generic.DocStore, func() error, error) {
	if cfg.DB.Driver == "memory" {
		log.Warn("using the in-memory store, data is lost on exit")
		return store.NewMemory(), func() error { return nil }, nil
	}
	s, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN, sqlstore.Options{MaxAttempts: cfg.DB.MaxAttempts, Logger: log})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := cfg.NewLogger()
	if cfg.Auth.JWTSecret == "" {
		return errors.New("serve: auth.jwt_secret is required (SCHOOL_LEDGER_AUTH_JWT_SECRET)")
	}

	docs, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	handler := api.NewHandler(api.Deps{
		Store:   docs,
		Tokens:  access.NewTokens(cfg.Auth.JWTSecret),
		Clock:   generic.SystemClock,
		Logger:  log,
		Metrics: api.NewMetrics(),
	})

	if cfg.Scheduler.Enabled {
		sched, err := api.NewScheduler(handler, cfg.Scheduler, generic.SystemClock)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, cfg.CORS.Origins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.HTTP.Port, "driver": cfg.DB.Driver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "forced shutdown")
	}
	log.Info("server stopped")
	return nil
}
