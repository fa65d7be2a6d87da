// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if the worker mode and its connection settings disagree.
// Controller commands additionally call [Config.ValidateController].
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Worker connection modes.
const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// Required in direct mode; relay agents have no store access.
	DatabaseURL          string        `env:"DATABASE_URL"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`
	// Owner role used by the migrate command; falls back to DATABASE_URL.
	DatabaseURLMigrate string `env:"DATABASE_URL_MIGRATE"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Auth — JWT ───────────────────────────────────────────────────────────────
	// Signs both session cookies and agent tokens. Read-only after Load.
	// Only the controller needs it; see ValidateController.
	JWTSecret     string        `env:"JWT_SECRET"`
	AgentTokenTTL time.Duration `env:"AGENT_TOKEN_TTL" envDefault:"8760h"`

	// ── Auth — Cookies ───────────────────────────────────────────────────────────
	// Must be false for http://localhost; must be true in production with TLS.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"false"`

	// ── Auth — Argon2id ──────────────────────────────────────────────────────────
	// Max simultaneous hash operations; each allocates ~19.5 MB.
	Argon2MaxConcurrent int `env:"ARGON2_MAX_CONCURRENT" envDefault:"5"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerName string `env:"WORKER_NAME"`
	WorkerMode string `env:"WORKER_MODE" envDefault:"direct"`
	// Controller base URL a relay agent calls home to, e.g. https://ctl/api/v1.
	BaseURL    string   `env:"BASE_URL"`
	AgentToken string   `env:"AGENT_TOKEN"`
	WorkerTags []string `env:"WORKER_TAGS" envDefault:"default" envSeparator:","`
	// Optional YAML file ({worker_tags: [...]}) reloaded on change.
	WorkerTagsFile string `env:"WORKER_TAGS_FILE"`
	ReadCgroups    bool   `env:"READ_CGROUPS" envDefault:"true"`
	InitScript     string `env:"INIT_SCRIPT"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"  envDefault:"5s"`
	VacuumInterval    time.Duration `env:"VACUUM_INTERVAL"     envDefault:"1h"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"       envDefault:"1s"`
	StaleJobThreshold time.Duration `env:"STALE_JOB_THRESHOLD" envDefault:"5m"`
	// Metrics listener for standalone workers; the serve command exposes
	// /metrics on LISTEN_ADDR instead.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or the worker settings
// are inconsistent.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = DefaultWorkerName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.WorkerMode {
	case ModeDirect:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in direct mode"))
		}
	case ModeRelay:
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL is required in relay mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("WORKER_MODE must be %q or %q, got %q", ModeDirect, ModeRelay, c.WorkerMode))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// minJWTSecretLen is the HS256 key length floor (256 bits).
const minJWTSecretLen = 32

// ValidateController checks the settings only the HTTP controller needs.
func (c *Config) ValidateController() error {
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the controller")
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsRelay reports whether this process reaches the queue through a controller.
func (c *Config) IsRelay() bool {
	return c.WorkerMode == ModeRelay
}

// MigrateURL returns the connection string the migrate command uses.
func (c *Config) MigrateURL() string {
	if c.DatabaseURLMigrate != "" {
		return c.DatabaseURLMigrate
	}
	return c.DatabaseURL
}

// DefaultWorkerName returns wk-<hostname>-<random suffix>.
func DefaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.ToLower(strings.SplitN(host, ".", 2)[0])
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return "wk-" + host + "-" + hex.EncodeToString(b)
}
