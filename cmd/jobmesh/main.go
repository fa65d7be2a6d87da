// Command jobmesh is the job platform binary: controller, worker and admin tooling.
//
// Subcommands:
//
//	serve         — controller HTTP API plus an embedded direct worker
//	worker        — standalone worker (direct or relay per WORKER_MODE)
//	migrate       — run pending database migrations and exit
//	create-admin  — create or reset a super-admin account
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/scarson/jobmesh/internal/api"
	"github.com/scarson/jobmesh/internal/auth"
	"github.com/scarson/jobmesh/internal/config"
	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/store"
	"github.com/scarson/jobmesh/internal/worker"
	"github.com/scarson/jobmesh/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobmesh",
		Short: "jobmesh: distributed job queue controller and workers",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		createAdminCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the controller HTTP API and an embedded direct worker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateController(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	kp := worker.NewKillpill(sigCtx)

	st := store.New(db)

	// The embedded worker drains on killpill; Run returns once its loops exit.
	pool, err := newWorkerPool(kp, conn.Direct{DB: st}, cfg, logger)
	if err != nil {
		return err
	}
	workerDone := make(chan error, 1)
	go func() { workerDone <- pool.Run(kp.Context()) }() //nolint:contextcheck // killpill is the process-lifetime context

	srv, err := api.NewServer(st, cfg)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	// WriteTimeout omitted; the agent endpoints answer in one short write.
	httpSrv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
		kp.Send(runErr)
	case <-kp.Done():
		stop()
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown: %w", err))
	}
	select {
	case err := <-workerDone:
		runErr = errors.Join(runErr, err)
	case <-shutdownCtx.Done():
		slog.Warn("embedded worker did not stop before the shutdown timeout")
	}
	slog.Info("server stopped")

	if runErr == nil {
		runErr = killpillError(kp)
	}
	return runErr
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a standalone worker (no HTTP API)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	kp := worker.NewKillpill(sigCtx)

	var c conn.Connection
	if cfg.IsRelay() {
		rc, err := bootstrapRelay(kp.Context(), cfg, logger)
		if err != nil {
			return err
		}
		c = rc
	} else {
		db, err := newPool(kp.Context(), cfg)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		c = conn.Direct{DB: store.New(db)}
	}

	pool, err := newWorkerPool(kp, c, cfg, logger)
	if err != nil {
		return err
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	// Blocks until the killpill fires, then drains the in-flight job.
	if err := pool.Run(kp.Context()); err != nil {
		return err
	}
	return killpillError(kp)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB; pgx's stdlib adapter keeps one
	// driver project-wide. Simple protocol lets a file hold many statements.
	connCfg, err := pgx.ParseConfig(cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── create-admin ──────────────────────────────────────────────────────────────

func createAdminCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a super-admin account, or reset its password",
		Long: "Create a super-admin account, or reset its password. Re-running the " +
			"command for an existing email revokes that user's sessions.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreateAdmin(cmd.Context(), email, password)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email (required)")
	cmd.Flags().StringVar(&password, "password", "", "admin password; falls back to JOBMESH_ADMIN_PASSWORD")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runCreateAdmin(ctx context.Context, email, password string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("--email is required")
	}
	if password == "" {
		password = os.Getenv("JOBMESH_ADMIN_PASSWORD")
	}
	if err := auth.CheckPassword(password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	u, err := store.New(db).UpsertSuperAdmin(ctx, email, hash)
	if err != nil {
		return err
	}
	slog.Info("super admin ready", "email", u.Email, "user_id", u.ID, "token_version", u.TokenVersion)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// killpillError turns a heartbeat-exhaustion killpill into a non-zero exit so
// the supervisor restarts the worker. A signal-driven shutdown returns nil.
func killpillError(kp *worker.Killpill) error {
	if cause := kp.Cause(); errors.Is(cause, worker.ErrPingExhausted) {
		return cause
	}
	return nil
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout and pool sizing from config.
//
// Retries up to 10 times with linear backoff to ride out a database that is
// still starting.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx
		// is cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory: warn when the applied schema does not match this binary.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `jobmesh migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
