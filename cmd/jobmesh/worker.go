package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/jobmesh/internal/config"
	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/relay"
	"github.com/scarson/jobmesh/internal/sysinfo"
	"github.com/scarson/jobmesh/internal/worker"
)

// newWorkerPool builds the worker for c. Tags come from WORKER_TAGS, or from
// WORKER_TAGS_FILE when set, which is then watched until the killpill fires.
func newWorkerPool(kp *worker.Killpill, c conn.Connection, cfg *config.Config, log *slog.Logger) (*worker.Pool, error) {
	tags := config.NewTagSource(cfg.WorkerTags)
	if cfg.WorkerTagsFile != "" {
		fileTags, err := config.LoadTagsFile(cfg.WorkerTagsFile)
		if err != nil {
			return nil, fmt.Errorf("worker tags: %w", err)
		}
		tags.Set(fileTags)
		if err := config.WatchTagsFile(kp.Context(), cfg.WorkerTagsFile, tags, log); err != nil {
			return nil, fmt.Errorf("worker tags: %w", err)
		}
	}

	return worker.NewPool(c, worker.NewIdentity(cfg.WorkerName), tags, worker.PoolConfig{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		VacuumInterval:    cfg.VacuumInterval,
		StaleJobThreshold: cfg.StaleJobThreshold,
		ReadCgroups:       cfg.ReadCgroups,
	}, kp, sysinfo.New(), log), nil
}

// bootstrapRelay builds the relay connection and, when INIT_SCRIPT is set,
// asks the controller to queue this agent's bootstrap job.
func bootstrapRelay(ctx context.Context, cfg *config.Config, log *slog.Logger) (conn.Relay, error) {
	client := relay.New(cfg.BaseURL, cfg.AgentToken, relay.NewHTTPClient())
	c := conn.Relay{Client: client}
	if cfg.InitScript == "" {
		return c, nil
	}
	id, err := client.QueueInitJob(ctx, cfg.WorkerName, cfg.InitScript)
	if err != nil {
		return conn.Relay{}, fmt.Errorf("queue init job on %s: %w", client.BaseURL(), err)
	}
	// Relay workers cannot claim from the queue, so the job waits for a
	// direct worker started under the same name.
	log.Info("queued agent init job", "worker", cfg.WorkerName, "job_id", id,
		"claimable_by", "direct worker "+cfg.WorkerName)
	return c, nil
}

// startMetricsServer exposes /metrics for a standalone worker. A bind
// failure is logged, not fatal: the worker still runs without scraping.
func startMetricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
