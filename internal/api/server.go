// ABOUTME: HTTP server struct, constructor, and handler wiring for the jobmesh controller.
// ABOUTME: Holds the store, config, argon2 semaphore and rate limiter used by handlers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/jobmesh/internal/config"
	"github.com/scarson/jobmesh/internal/store"
)

// Store is the subset of *store.Store the HTTP layer uses.
type Store interface {
	Ping(ctx context.Context) error
	PushInitJob(ctx context.Context, content, workerName string) (uuid.UUID, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	ListWorkerPings(ctx context.Context, since time.Duration) ([]store.WorkerPing, error)
}

var _ Store = (*store.Store)(nil)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       Store
	cfg         *config.Config
	argon2Sem   chan struct{}
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server. s may be nil only in tests that never reach a
// handler needing the database.
func NewServer(s Store, cfg *config.Config) (*Server, error) {
	sem := make(chan struct{}, max(cfg.Argon2MaxConcurrent, 1))
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 10 requests per minute, burst of 10.
	rl := newIPRateLimiter(rate.Limit(10.0/60), 10, evictTTL)
	return &Server{
		store:       s,
		cfg:         cfg,
		argon2Sem:   sem,
		rateLimiter: rl,
	}, nil
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; init scripts are small.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.store))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(csrfProtect)
	humaConfig := huma.DefaultConfig("jobmesh controller API", "0.1.0")
	humaConfig.Info.Description = "Worker coordination and agent bootstrap API"
	api := humachi.New(apiRouter, humaConfig)
	registerAuthRoutes(api, srv)
	registerWorkerRoutes(api, srv)

	// ── Agent routes (chi, not huma: plain-text bodies and bearer middleware) ─
	apiRouter.Route("/agent_workers", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(srv.RequireAgentClaims())
			r.With(srv.authRateLimit()).Post("/queue_init_job", srv.queueInitJobHandler)
			r.Options("/queue_init_job", agentPreflightHandler)
		})
		r.With(srv.RequireAuthenticated(), srv.RequireSuperAdmin()).
			Post("/create_agent_token", srv.createAgentTokenHandler)
		r.Options("/create_agent_token", agentPreflightHandler)
	})

	r.Mount("/api/v1", apiRouter)

	return r
}

// acquireArgon2 tries to acquire the argon2 semaphore. Returns false if all
// slots are in use; the caller should return 503 immediately (do NOT block).
func (srv *Server) acquireArgon2() bool {
	select {
	case srv.argon2Sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (srv *Server) releaseArgon2() { <-srv.argon2Sem }

func (srv *Server) secret() []byte { return []byte(srv.cfg.JWTSecret) }

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
