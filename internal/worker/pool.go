package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/metrics"
	"github.com/scarson/jobmesh/internal/occupancy"
	"github.com/scarson/jobmesh/internal/store"
	"github.com/scarson/jobmesh/internal/sysinfo"
)

const (
	// staleCheckInterval is how often the recovery goroutine runs.
	staleCheckInterval = 1 * time.Minute

	// completeTimeout bounds the completion write after a handler returns,
	// which may happen after shutdown began.
	completeTimeout = 30 * time.Second
)

// PoolConfig holds the loop intervals of a Pool.
type PoolConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// VacuumInterval <= 0 disables periodic vacuuming.
	VacuumInterval    time.Duration
	StaleJobThreshold time.Duration
	ReadCgroups       bool
}

// Pool is one worker: a pull loop plus the heartbeat, vacuum and stale-lock
// recovery loops, all sharing a single Connection.
type Pool struct {
	conn       conn.Connection
	id         Identity
	tags       TagSource
	cfg        PoolConfig
	log        *slog.Logger
	occupancy  *occupancy.Metrics
	reporter   *Reporter
	sameWorker *SameWorkerChannel

	mu       sync.RWMutex
	handlers map[string]Handler

	jobsExecuted atomic.Int32
	pullDisabled atomic.Bool
}

// NewPool creates a Pool for id. kp is fired by the heartbeat when the store
// is unreachable; Run should be given kp.Context().
func NewPool(c conn.Connection, id Identity, tags TagSource, cfg PoolConfig,
	kp *Killpill, sys sysinfo.Reader, log *slog.Logger) *Pool {
	log = id.Logger(log)
	occ := occupancy.New()
	p := &Pool{
		conn:       c,
		id:         id,
		tags:       tags,
		cfg:        cfg,
		log:        log,
		occupancy:  occ,
		reporter:   NewReporter(c, id, tags, occ, sys, kp, log),
		sameWorker: NewSameWorkerChannel(),
		handlers:   make(map[string]Handler),
	}
	p.handlers[store.InitScriptKind] = initScriptHandler(log)
	return p
}

// Register associates h with a job kind. Must be called before Run.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// JobsExecuted returns the number of jobs this pool has run.
func (p *Pool) JobsExecuted() int32 { return p.jobsExecuted.Load() }

// SpawnSameWorker queues a child of parent that only this worker will run,
// and hands it to the pull loop without a round trip through the shared queue.
func (p *Pool) SpawnSameWorker(ctx context.Context, parent *store.PulledJob, kind, content string, args json.RawMessage) (uuid.UUID, error) {
	c, ok := p.conn.(conn.Direct)
	if !ok {
		return uuid.Nil, conn.Unsupported("same-worker spawn")
	}
	id, err := c.DB.PushJob(ctx, store.NewJob{
		Kind:       kind,
		Content:    content,
		Args:       args,
		Tag:        parent.Tag,
		CreatedBy:  parent.CreatedBy,
		ParentJob:  &parent.ID,
		SameWorker: true,
		Worker:     p.id.Name,
	})
	if err != nil {
		return uuid.Nil, err
	}
	p.sameWorker.Send(SameWorkerPayload{JobID: id})
	return id, nil
}

// Run registers the worker, then runs every loop until ctx is cancelled.
// When ctx is cancelled the loops stop taking new work, an in-flight job
// completes, and Run returns after all goroutines have exited.
func (p *Pool) Run(ctx context.Context) error {
	if c, ok := p.conn.(conn.Direct); ok {
		if err := c.DB.RegisterWorker(ctx, p.id.Name, p.id.Hostname, p.tags.Tags()); err != nil {
			return fmt.Errorf("register worker %s: %w", p.id.Name, err)
		}
	}
	p.log.Info("worker started", "mode", p.conn.Mode(), "tags", p.tags.Tags())

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(p.runPull)
	run(p.runHeartbeat)
	if p.cfg.VacuumInterval > 0 {
		run(p.runVacuum)
	}
	if _, ok := p.conn.(conn.Direct); ok && p.cfg.StaleJobThreshold > 0 {
		run(p.runStaleRecovery)
	}

	wg.Wait()
	p.log.Info("worker stopped", "jobs_executed", p.JobsExecuted())
	return nil
}

// runPull drains the same-worker channel first, then the shared queue, and
// waits for the poll interval or a same-worker wakeup when both are empty.
func (p *Pool) runPull(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.processOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.sameWorker.Ready():
		case <-ticker.C:
		}
	}
}

// processOne runs at most one job and reports whether it found work.
// Errors are logged and the loop continues on the next tick.
func (p *Pool) processOne(ctx context.Context) bool {
	if payload, ok := p.sameWorker.TryRecv(); ok {
		job, err := PullSameWorkerJob(ctx, p.conn, p.id.Name, payload, p.log)
		if err != nil {
			p.log.Error("same-worker pull failed", "job_id", payload.JobID, "error", err)
			return true
		}
		if job == nil {
			p.log.Debug("same-worker job no longer queued", "job_id", payload.JobID)
			return true
		}
		p.execute(ctx, job)
		return true
	}

	if p.pullDisabled.Load() {
		return false
	}
	job, err := p.claim(ctx)
	if errors.Is(err, conn.ErrUnsupported) {
		p.pullDisabled.Store(true)
		p.log.Warn("shared queue pull disabled", "mode", p.conn.Mode(), "error", err)
		return false
	}
	if err != nil {
		p.log.Error("claim job failed", "error", err)
		return false
	}
	if job == nil {
		return false
	}
	p.execute(ctx, job)
	return true
}

func (p *Pool) claim(ctx context.Context) (*store.PulledJob, error) {
	switch c := p.conn.(type) {
	case conn.Direct:
		return c.DB.ClaimJob(ctx, p.id.Name, p.tags.Tags())
	default:
		return nil, conn.Unsupported("shared queue pull")
	}
}

func (p *Pool) execute(ctx context.Context, job *store.PulledJob) {
	p.mu.RLock()
	h := p.handlers[job.Kind]
	p.mu.RUnlock()

	p.log.Info("executing job", "job_id", job.ID, "kind", job.Kind, "same_worker", job.SameWorker)

	var (
		result json.RawMessage
		err    error
	)
	p.occupancy.JobStarted()
	stopPing := p.keepAlive(ctx, job)
	if h == nil {
		err = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		result, err = h(ctx, job)
	}
	stopPing()
	p.occupancy.JobFinished()
	p.jobsExecuted.Add(1)

	success := err == nil
	metrics.JobsExecutedTotal.WithLabelValues(job.Kind, strconv.FormatBool(success)).Inc()
	if !success {
		p.log.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		result, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := p.complete(cctx, store.JobResult{ID: job.ID, Success: success, Result: result}); err != nil {
		p.log.Error("complete job failed", "job_id", job.ID, "error", err)
		return
	}
	p.log.Info("job completed", "job_id", job.ID, "kind", job.Kind, "success", success)
}

// keepAlive refreshes the runtime ping of job every heartbeat interval until
// the returned stop func is called. Relay workers have nothing to refresh.
func (p *Pool) keepAlive(ctx context.Context, job *store.PulledJob) (stop func()) {
	c, ok := p.conn.(conn.Direct)
	if !ok || p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				if err := c.DB.PingJob(pctx, job.ID); err != nil && pctx.Err() == nil {
					p.log.Warn("job ping failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) complete(ctx context.Context, r store.JobResult) error {
	switch c := p.conn.(type) {
	case conn.Direct:
		return c.DB.CompleteJob(ctx, r)
	default:
		return conn.Unsupported("complete job")
	}
}

func (p *Pool) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		p.reporter.Report(ctx, p.JobsExecuted(), p.cfg.ReadCgroups)
		p.pingPendingSameWorker(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pingPendingSameWorker refreshes the runtime ping of every child still
// waiting in the same-worker channel, so stale recovery does not hand a job
// this worker is about to run to the shared queue.
func (p *Pool) pingPendingSameWorker(ctx context.Context) {
	c, ok := p.conn.(conn.Direct)
	if !ok {
		return
	}
	for _, id := range p.sameWorker.Pending() {
		if err := c.DB.PingJob(ctx, id); err != nil {
			if ctx.Err() == nil {
				p.log.Warn("queued same-worker job ping failed", "job_id", id, "error", err)
			}
			return
		}
	}
}

func (p *Pool) runVacuum(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			QueueVacuum(ctx, p.conn, p.log)
		}
	}
}

// runStaleRecovery periodically returns jobs whose runtime ping went stale
// to the runnable state.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	c := p.conn.(conn.Direct)
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	p.log.Info("stale recovery started",
		"threshold", p.cfg.StaleJobThreshold, "check_interval", staleCheckInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.DB.RecoverStaleJobs(ctx, p.cfg.StaleJobThreshold)
			if err != nil {
				p.log.Error("stale job recovery failed", "error", err)
				continue
			}
			if n > 0 {
				p.log.Info("recovered stale jobs", "count", n)
			}
		}
	}
}
