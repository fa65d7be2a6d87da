// ABOUTME: Heartbeat reporter: writes the worker_ping row with load and memory readings.
// ABOUTME: Retries a fixed number of times, then fires the killpill instead of returning an error.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/metrics"
	"github.com/scarson/jobmesh/internal/occupancy"
	"github.com/scarson/jobmesh/internal/store"
	"github.com/scarson/jobmesh/internal/sysinfo"
)

const (
	// HeartbeatRetryDelay is the fixed pause between failed upsert attempts.
	HeartbeatRetryDelay = 2 * time.Second
	// HeartbeatMaxAttempts bounds the upsert attempts per report.
	HeartbeatMaxAttempts = 10
)

// Reporter sends heartbeats for one worker. Report must not be called
// concurrently on the same Reporter.
type Reporter struct {
	conn      conn.Connection
	id        Identity
	tags      TagSource
	occupancy *occupancy.Metrics
	sys       sysinfo.Reader
	killpill  *Killpill
	log       *slog.Logger

	retryDelay  time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewReporter wires a Reporter. occ is shared with the pool so job start and
// finish feed the same tracker the heartbeat reads.
func NewReporter(c conn.Connection, id Identity, tags TagSource, occ *occupancy.Metrics,
	sys sysinfo.Reader, kp *Killpill, log *slog.Logger) *Reporter {
	return &Reporter{
		conn:        c,
		id:          id,
		tags:        tags,
		occupancy:   occ,
		sys:         sys,
		killpill:    kp,
		log:         log,
		retryDelay:  HeartbeatRetryDelay,
		maxAttempts: HeartbeatMaxAttempts,
		sleep:       sleepCtx,
	}
}

// Report recomputes occupancy, reads memory figures and upserts the
// heartbeat row. vcpus and memory are only read when readCgroups is set;
// otherwise the stored values are left as they were.
//
// Failures are retried; if every attempt fails the killpill fires. Report
// returns early without firing if ctx is cancelled while waiting to retry.
func (r *Reporter) Report(ctx context.Context, jobsExecuted int32, readCgroups bool) {
	memoryUsage := r.sys.WorkerMemoryUsage()
	wmMemoryUsage := r.sys.ProcessMemoryUsage()
	var vcpus, memory *int64
	if readCgroups {
		vcpus = r.sys.VCPUs()
		memory = r.sys.MemoryLimit()
	}

	rates := r.occupancy.Update()
	observeOccupancy(rates)

	switch c := r.conn.(type) {
	case conn.Direct:
		r.upsert(ctx, c.DB, store.PingUpdate{
			Worker:           r.id.Name,
			Hostname:         r.id.Hostname,
			JobsExecuted:     jobsExecuted,
			CustomTags:       r.tags.Tags(),
			OccupancyRate:    rates.Instant,
			OccupancyRate15s: rates.R15s,
			OccupancyRate5m:  rates.R5m,
			OccupancyRate30m: rates.R30m,
			MemoryUsage:      memoryUsage,
			WMMemoryUsage:    wmMemoryUsage,
			VCPUs:            vcpus,
			Memory:           memory,
		})
	case conn.Relay:
		r.log.Debug("heartbeat not sent over relay connection", "jobs_executed", jobsExecuted)
	}

	r.log.Info("ping update",
		"memory_usage", deref(memoryUsage),
		"wm_memory_usage", deref(wmMemoryUsage),
		"vcpus", deref(vcpus),
		"memory", deref(memory),
	)
}

func (r *Reporter) upsert(ctx context.Context, q conn.Queue, p store.PingUpdate) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := q.UpdateWorkerPing(ctx, p)
		if err == nil {
			return
		}
		lastErr = err
		metrics.HeartbeatFailuresTotal.Inc()
		if attempt == r.maxAttempts {
			break
		}
		r.log.Warn("heartbeat failed",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"retry_in", r.retryDelay,
			"error", err,
		)
		if err := r.sleep(ctx, r.retryDelay); err != nil {
			r.log.Info("heartbeat retry abandoned", "error", err)
			return
		}
	}

	metrics.HeartbeatFatalTotal.Inc()
	r.log.Error("heartbeat failed on every attempt, shutting down worker",
		"attempts", r.maxAttempts, "error", lastErr)
	r.killpill.Send(fmt.Errorf("%w: %w", ErrPingExhausted, lastErr))
}

func observeOccupancy(r occupancy.Rates) {
	metrics.OccupancyRate.WithLabelValues("all").Set(float64(r.Instant))
	for window, v := range map[string]*float32{"15s": r.R15s, "5m": r.R5m, "30m": r.R30m} {
		if v != nil {
			metrics.OccupancyRate.WithLabelValues(window).Set(float64(*v))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func deref(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
