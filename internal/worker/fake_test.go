package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/store"
)

var errStore = errors.New("connection refused")

// fakeQueue is an in-memory conn.Queue. Hooks override the default
// behaviour of the matching method when set.
type fakeQueue struct {
	mu sync.Mutex

	pings      []store.PingUpdate
	registered []string
	vacuums    int
	started    []uuid.UUID
	jobPings   map[uuid.UUID]int
	completed  []store.JobResult
	pushed     []store.NewJob
	claimable  []*store.PulledJob
	queued     map[uuid.UUID]*store.PulledJob

	pingHook   func(n int) error
	vacuumHook func(ctx context.Context) error
	readHook   func(id uuid.UUID) (*store.PulledJob, error)
	markHook   func(id uuid.UUID) error
}

var _ conn.Queue = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		queued:   make(map[uuid.UUID]*store.PulledJob),
		jobPings: make(map[uuid.UUID]int),
	}
}

func (f *fakeQueue) RegisterWorker(_ context.Context, worker, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, worker)
	return nil
}

func (f *fakeQueue) UpdateWorkerPing(_ context.Context, p store.PingUpdate) error {
	f.mu.Lock()
	f.pings = append(f.pings, p)
	n := len(f.pings)
	hook := f.pingHook
	f.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (f *fakeQueue) VacuumQueue(ctx context.Context) error {
	var err error
	if f.vacuumHook != nil {
		err = f.vacuumHook(ctx)
	}
	f.mu.Lock()
	f.vacuums++
	f.mu.Unlock()
	return err
}

func (f *fakeQueue) ClaimJob(_ context.Context, worker string, _ []string) (*store.PulledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimable) == 0 {
		return nil, nil
	}
	j := f.claimable[0]
	f.claimable = f.claimable[1:]
	j.Running = true
	j.Worker = &worker
	return j, nil
}

// PingAndGetQueuedJob mirrors the store: only a running job owned by worker
// is returned.
func (f *fakeQueue) PingAndGetQueuedJob(_ context.Context, id uuid.UUID, worker string) (*store.PulledJob, error) {
	if f.readHook != nil {
		return f.readHook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.queued[id]
	if j == nil || !j.Running || j.Worker == nil || *j.Worker != worker {
		return nil, nil
	}
	f.jobPings[id]++
	return j, nil
}

func (f *fakeQueue) MarkJobStarted(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	if f.markHook != nil {
		return f.markHook(id)
	}
	return nil
}

func (f *fakeQueue) PingJob(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobPings[id]++
	return nil
}

func (f *fakeQueue) jobPingCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobPings[id]
}

func (f *fakeQueue) PushJob(_ context.Context, j store.NewJob) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.pushed = append(f.pushed, j)
	worker := j.Worker
	f.queued[id] = &store.PulledJob{
		ID:         id,
		Kind:       j.Kind,
		Content:    j.Content,
		Tag:        j.Tag,
		CreatedBy:  j.CreatedBy,
		ParentJob:  j.ParentJob,
		SameWorker: j.SameWorker,
		Running:    j.SameWorker,
		Worker:     &worker,
		CreatedAt:  time.Now(),
	}
	return id, nil
}

func (f *fakeQueue) CompleteJob(_ context.Context, r store.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, r)
	delete(f.queued, r.ID)
	return nil
}

func (f *fakeQueue) RecoverStaleJobs(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeQueue) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pings)
}

func (f *fakeQueue) completedJobs() []store.JobResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.JobResult(nil), f.completed...)
}

func (f *fakeQueue) startedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.started...)
}

// fakeSys returns fixed readings.
type fakeSys struct {
	vcpus, memory *int64
}

func (fakeSys) WorkerMemoryUsage() *int64  { v := int64(1 << 20); return &v }
func (fakeSys) ProcessMemoryUsage() *int64 { v := int64(1 << 19); return &v }
func (s fakeSys) VCPUs() *int64            { return s.vcpus }
func (s fakeSys) MemoryLimit() *int64      { return s.memory }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func ptr[T any](v T) *T { return &v }
