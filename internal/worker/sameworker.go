// ABOUTME: In-process hand-off of self-scheduled child jobs to the same worker's pull loop.
// ABOUTME: FIFO, unbounded, many producers and a single consumer; nothing is persisted.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/metrics"
	"github.com/scarson/jobmesh/internal/store"
)

// SameWorkerPayload identifies a job this worker queued for itself.
type SameWorkerPayload struct {
	JobID uuid.UUID
}

// SameWorkerChannel delivers payloads in send order. Send never blocks.
type SameWorkerChannel struct {
	mu    sync.Mutex
	queue []SameWorkerPayload
	ready chan struct{}
}

// NewSameWorkerChannel returns an empty channel.
func NewSameWorkerChannel() *SameWorkerChannel {
	return &SameWorkerChannel{ready: make(chan struct{}, 1)}
}

// Send appends p and wakes the consumer.
func (ch *SameWorkerChannel) Send(p SameWorkerPayload) {
	ch.mu.Lock()
	ch.queue = append(ch.queue, p)
	ch.mu.Unlock()
	ch.notify()
}

// TryRecv pops the oldest payload, if any.
func (ch *SameWorkerChannel) TryRecv() (SameWorkerPayload, bool) {
	ch.mu.Lock()
	if len(ch.queue) == 0 {
		ch.mu.Unlock()
		return SameWorkerPayload{}, false
	}
	p := ch.queue[0]
	ch.queue[0] = SameWorkerPayload{}
	ch.queue = ch.queue[1:]
	more := len(ch.queue) > 0
	ch.mu.Unlock()
	if more {
		ch.notify()
	}
	return p, true
}

// Ready receives a value whenever payloads may be waiting.
func (ch *SameWorkerChannel) Ready() <-chan struct{} { return ch.ready }

// Pending returns the job ids still waiting, oldest first.
func (ch *SameWorkerChannel) Pending() []uuid.UUID {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ids := make([]uuid.UUID, len(ch.queue))
	for i, p := range ch.queue {
		ids[i] = p.JobID
	}
	return ids
}

// Len returns the number of pending payloads.
func (ch *SameWorkerChannel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue)
}

func (ch *SameWorkerChannel) notify() {
	select {
	case ch.ready <- struct{}{}:
	default:
	}
}

// PullSameWorkerJob refreshes the runtime ping of p.JobID, reads its queue
// projection and marks it started, all on behalf of worker. The start-time
// write happens even when the read fails; its own failure is logged and
// dropped. A job that is no longer queued, or that stale recovery handed to
// another worker, yields (nil, nil).
func PullSameWorkerJob(ctx context.Context, c conn.Connection, worker string, p SameWorkerPayload, log *slog.Logger) (*store.PulledJob, error) {
	switch c := c.(type) {
	case conn.Direct:
		job, readErr := c.DB.PingAndGetQueuedJob(ctx, p.JobID, worker)
		if err := c.DB.MarkJobStarted(ctx, p.JobID, worker); err != nil {
			log.Warn("mark same-worker job started failed", "job_id", p.JobID, "error", err)
		}
		switch {
		case readErr != nil:
			metrics.SameWorkerPullsTotal.WithLabelValues("error").Inc()
			return nil, readErr
		case job == nil:
			metrics.SameWorkerPullsTotal.WithLabelValues("absent").Inc()
			return nil, nil
		}
		metrics.SameWorkerPullsTotal.WithLabelValues("pulled").Inc()
		return job, nil
	default:
		return nil, conn.Unsupported("same-worker pull")
	}
}
