// ABOUTME: Store methods for the worker_ping table: registration, heartbeat upsert, listing.
// ABOUTME: vcpus/memory are COALESCEd so a partial cgroup read never clears a stored value.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// WorkerPing is one worker_ping row.
type WorkerPing struct {
	Worker           string
	Hostname         string
	PingAt           time.Time
	StartedAt        time.Time
	JobsExecuted     int32
	CustomTags       []string
	OccupancyRate    float32
	OccupancyRate15s *float32
	OccupancyRate5m  *float32
	OccupancyRate30m *float32
	MemoryUsage      *int64
	WMMemoryUsage    *int64
	VCPUs            *int64
	Memory           *int64
}

// PingUpdate carries the values written by one heartbeat. Nil VCPUs/Memory
// leave the stored values untouched.
type PingUpdate struct {
	Worker           string
	Hostname         string
	JobsExecuted     int32
	CustomTags       []string
	OccupancyRate    float32
	OccupancyRate15s *float32
	OccupancyRate5m  *float32
	OccupancyRate30m *float32
	MemoryUsage      *int64
	WMMemoryUsage    *int64
	VCPUs            *int64
	Memory           *int64
}

const upsertWorkerPingSQL = `
INSERT INTO worker_ping (worker, hostname, ping_at, jobs_executed, custom_tags,
    occupancy_rate, occupancy_rate_15s, occupancy_rate_5m, occupancy_rate_30m,
    memory_usage, wm_memory_usage, vcpus, memory)
VALUES ($1, $2, now(), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (worker) DO UPDATE SET
    hostname           = EXCLUDED.hostname,
    ping_at            = now(),
    jobs_executed      = EXCLUDED.jobs_executed,
    custom_tags        = EXCLUDED.custom_tags,
    occupancy_rate     = EXCLUDED.occupancy_rate,
    occupancy_rate_15s = EXCLUDED.occupancy_rate_15s,
    occupancy_rate_5m  = EXCLUDED.occupancy_rate_5m,
    occupancy_rate_30m = EXCLUDED.occupancy_rate_30m,
    memory_usage       = EXCLUDED.memory_usage,
    wm_memory_usage    = EXCLUDED.wm_memory_usage,
    vcpus              = COALESCE(EXCLUDED.vcpus, worker_ping.vcpus),
    memory             = COALESCE(EXCLUDED.memory, worker_ping.memory)`

// UpdateWorkerPing upserts the heartbeat row for p.Worker.
func (s *Store) UpdateWorkerPing(ctx context.Context, p PingUpdate) error {
	tags := p.CustomTags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx, upsertWorkerPingSQL,
		p.Worker,
		p.Hostname,
		p.JobsExecuted,
		pq.Array(tags),
		p.OccupancyRate,
		p.OccupancyRate15s,
		p.OccupancyRate5m,
		p.OccupancyRate30m,
		p.MemoryUsage,
		p.WMMemoryUsage,
		p.VCPUs,
		p.Memory,
	)
	if err != nil {
		return fmt.Errorf("update worker ping %s: %w", p.Worker, err)
	}
	return nil
}

// RegisterWorker creates or resets the ping row for a starting worker.
func (s *Store) RegisterWorker(ctx context.Context, worker, hostname string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_ping (worker, hostname, ping_at, started_at, custom_tags)
		VALUES ($1, $2, now(), now(), $3)
		ON CONFLICT (worker) DO UPDATE SET
		    hostname      = EXCLUDED.hostname,
		    ping_at       = now(),
		    started_at    = now(),
		    jobs_executed = 0,
		    custom_tags   = EXCLUDED.custom_tags`,
		worker, hostname, tags)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", worker, err)
	}
	return nil
}

const workerPingColumns = `worker, hostname, ping_at, started_at, jobs_executed, custom_tags,
    occupancy_rate, occupancy_rate_15s, occupancy_rate_5m, occupancy_rate_30m,
    memory_usage, wm_memory_usage, vcpus, memory`

func scanWorkerPing(row pgx.Row) (*WorkerPing, error) {
	var p WorkerPing
	err := row.Scan(
		&p.Worker, &p.Hostname, &p.PingAt, &p.StartedAt, &p.JobsExecuted, &p.CustomTags,
		&p.OccupancyRate, &p.OccupancyRate15s, &p.OccupancyRate5m, &p.OccupancyRate30m,
		&p.MemoryUsage, &p.WMMemoryUsage, &p.VCPUs, &p.Memory,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetWorkerPing returns the ping row for worker, or (nil, nil) if absent.
func (s *Store) GetWorkerPing(ctx context.Context, worker string) (*WorkerPing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerPingColumns+` FROM worker_ping WHERE worker = $1`, worker)
	p, err := scanWorkerPing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker ping %s: %w", worker, err)
	}
	return p, nil
}

// ListWorkerPings returns workers that pinged within the last since,
// most recent first.
func (s *Store) ListWorkerPings(ctx context.Context, since time.Duration) ([]WorkerPing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerPingColumns+` FROM worker_ping
		 WHERE ping_at > now() - ($1::bigint * interval '1 second')
		 ORDER BY ping_at DESC, worker`,
		int64(since.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list worker pings: %w", err)
	}
	defer rows.Close()

	var out []WorkerPing
	for rows.Next() {
		p, err := scanWorkerPing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker ping: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker pings: %w", err)
	}
	return out, nil
}
