package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InitScriptKind is the job kind pushed for a remote agent's bootstrap job.
const InitScriptKind = "init_script"

// PulledJob is the v2_as_queue projection handed to a worker after a
// successful pull.
type PulledJob struct {
	ID           uuid.UUID
	Kind         string
	Content      string
	Args         json.RawMessage
	Tag          string
	CreatedBy    string
	ParentJob    *uuid.UUID
	SameWorker   bool
	CreatedAt    time.Time
	ScheduledFor time.Time
	Running      bool
	StartedAt    *time.Time
	Worker       *string
	Priority     *int16
	LastPing     *time.Time
}

// NewJob describes a job to push onto the queue.
type NewJob struct {
	Kind      string
	Content   string
	Args      json.RawMessage
	Tag       string
	CreatedBy string
	ParentJob *uuid.UUID
	Priority  *int16
	// SameWorker jobs are inserted already running and owned by Worker so
	// shared-queue pullers never claim them.
	SameWorker bool
	Worker     string
}

// JobResult is the outcome recorded by CompleteJob.
type JobResult struct {
	ID      uuid.UUID
	Success bool
	Result  json.RawMessage
}

const queueColumns = `id, kind, content, args, tag, created_by, parent_job, same_worker,
    created_at, scheduled_for, running, started_at, worker, priority, last_ping`

func scanPulledJob(row pgx.Row) (*PulledJob, error) {
	var j PulledJob
	err := row.Scan(
		&j.ID, &j.Kind, &j.Content, &j.Args, &j.Tag, &j.CreatedBy, &j.ParentJob, &j.SameWorker,
		&j.CreatedAt, &j.ScheduledFor, &j.Running, &j.StartedAt, &j.Worker, &j.Priority, &j.LastPing,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// PushJob inserts the job definition and its queue, runtime and status rows
// in one transaction and returns the generated id.
func (s *Store) PushJob(ctx context.Context, j NewJob) (uuid.UUID, error) {
	id := uuid.New()
	tag := j.Tag
	if tag == "" {
		tag = "default"
	}
	var worker *string
	if j.SameWorker {
		worker = &j.Worker
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO v2_job (id, kind, content, args, tag, created_by, parent_job, same_worker)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, j.Kind, j.Content, j.Args, tag, j.CreatedBy, j.ParentJob, j.SameWorker); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO v2_job_queue (id, tag, priority, running, worker)
			VALUES ($1, $2, $3, $4, $5)`,
			id, tag, j.Priority, j.SameWorker, worker); err != nil {
			return err
		}
		// Same-worker jobs get a ping right away so the stale reaper leaves
		// them alone until the owning worker pulls them off its channel.
		if _, err := tx.Exec(ctx, `
			INSERT INTO v2_job_runtime (id, ping)
			VALUES ($1, CASE WHEN $2::boolean THEN now() END)`,
			id, j.SameWorker); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO v2_job_status (id) VALUES ($1)`, id)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("push job %s: %w", j.Kind, err)
	}
	return id, nil
}

// PushInitJob queues the bootstrap job of a remote agent. The job is tagged
// with the worker name so only that worker can claim it.
func (s *Store) PushInitJob(ctx context.Context, content, workerName string) (uuid.UUID, error) {
	return s.PushJob(ctx, NewJob{
		Kind:      InitScriptKind,
		Content:   content,
		Tag:       workerName,
		CreatedBy: "agent:" + workerName,
	})
}

// ClaimJob atomically claims the next runnable job whose tag is one of tags
// or the worker's own name, using FOR UPDATE SKIP LOCKED. Returns (nil, nil)
// when nothing is runnable.
func (s *Store) ClaimJob(ctx context.Context, worker string, tags []string) (*PulledJob, error) {
	if tags == nil {
		tags = []string{}
	}
	var job *PulledJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE v2_job_queue SET running = true, started_at = now(), worker = $1
			WHERE id = (
			    SELECT id FROM v2_job_queue
			    WHERE running = false
			      AND scheduled_for <= now()
			      AND (tag = ANY($2) OR tag = $1)
			    ORDER BY priority DESC NULLS LAST, scheduled_for, created_at
			    FOR UPDATE SKIP LOCKED
			    LIMIT 1
			)
			RETURNING id`, worker, tags).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE v2_job_runtime SET ping = now() WHERE id = $1`, id); err != nil {
			return err
		}
		job, err = scanPulledJob(tx.QueryRow(ctx,
			`SELECT `+queueColumns+` FROM v2_as_queue WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim job for %s: %w", worker, err)
	}
	return job, nil
}

// PingAndGetQueuedJob refreshes the runtime ping of id and returns its queue
// projection, provided the job is still running and owned by worker. Returns
// (nil, nil) when id is gone or was recovered and handed to another worker.
func (s *Store) PingAndGetQueuedJob(ctx context.Context, id uuid.UUID, worker string) (*PulledJob, error) {
	job, err := scanPulledJob(s.pool.QueryRow(ctx, `
		WITH ping AS (
		    UPDATE v2_job_runtime r SET ping = now()
		    FROM v2_job_queue q
		    WHERE r.id = $1 AND q.id = r.id AND q.running AND q.worker = $2
		    RETURNING r.id
		)
		SELECT `+queueColumns+` FROM v2_as_queue WHERE id = (SELECT id FROM ping)`, id, worker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ping and get queued job %s: %w", id, err)
	}
	return job, nil
}

// PingJob refreshes the runtime ping of a running job so stale recovery
// leaves it alone.
func (s *Store) PingJob(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE v2_job_runtime SET ping = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ping job %s: %w", id, err)
	}
	return nil
}

// MarkJobStarted sets started_at on the queue row of id if worker owns it.
func (s *Store) MarkJobStarted(ctx context.Context, id uuid.UUID, worker string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE v2_job_queue SET started_at = now() WHERE id = $1 AND worker = $2`, id, worker); err != nil {
		return fmt.Errorf("mark job started %s: %w", id, err)
	}
	return nil
}

// CompleteJob records the outcome in v2_job_completed and removes the queue
// row (runtime and status rows cascade). Returns ErrJobNotFound if the job
// is no longer queued.
func (s *Store) CompleteJob(ctx context.Context, r JobResult) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO v2_job_completed (id, success, result, started_at, duration_ms, worker)
			SELECT id, $2::boolean, $3::jsonb, started_at,
			       COALESCE((EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint, 0),
			       worker
			FROM v2_job_queue WHERE id = $1`,
			r.ID, r.Success, r.Result)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrJobNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM v2_job_queue WHERE id = $1`, r.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", r.ID, err)
	}
	return nil
}

// RecoverStaleJobs returns running jobs whose last runtime ping is older than
// staleAfter to the runnable state. Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE v2_job_queue q
		SET running = false, started_at = NULL, worker = NULL
		FROM v2_job_runtime r
		WHERE r.id = q.id
		  AND q.running
		  AND COALESCE(r.ping, q.started_at, q.created_at) < now() - ($1::bigint * interval '1 second')`,
		int64(staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// VacuumQueue reclaims storage of the three queue backing tables. The
// statement runs with statement_timeout disabled on its connection, so only
// ctx bounds it.
func (s *Store) VacuumQueue(ctx context.Context) error {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("vacuum queue: acquire conn: %w", err)
	}
	defer c.Release()

	if _, err := c.Exec(ctx, "SET statement_timeout = 0"); err != nil {
		return fmt.Errorf("vacuum queue: disable statement timeout: %w", err)
	}
	defer func() {
		rctx := context.WithoutCancel(ctx)
		if _, err := c.Exec(rctx, "RESET statement_timeout"); err != nil {
			// Never hand a connection without a timeout back to the pool.
			_ = c.Conn().Close(rctx)
		}
	}()

	if _, err := c.Exec(ctx, "VACUUM v2_job_queue, v2_job_runtime, v2_job_status"); err != nil {
		return fmt.Errorf("vacuum queue: %w", err)
	}
	return nil
}
