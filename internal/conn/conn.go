// Package conn selects how a worker reaches the shared job queue: directly
// through the Postgres pool, or over HTTP through a controller that owns it.
//
// A worker holds exactly one Connection for its whole lifetime. Callers
// dispatch with a type switch:
//
//	switch c := c.(type) {
//	case conn.Direct:
//		// issue the store statement on c.DB
//	case conn.Relay:
//		// call the controller through c.Client, or return conn.Unsupported
//	}
package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/relay"
	"github.com/scarson/jobmesh/internal/store"
)

// ErrUnsupported marks an operation that has no remote equivalent yet.
// It is a capability error: callers should disable the feature, not retry.
var ErrUnsupported = errors.New("not supported over a relay connection")

// Unsupported wraps ErrUnsupported with the operation name.
func Unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

// Queue is the set of store statements a worker issues in Direct mode.
// *store.Store implements it.
type Queue interface {
	RegisterWorker(ctx context.Context, worker, hostname string, tags []string) error
	UpdateWorkerPing(ctx context.Context, p store.PingUpdate) error
	VacuumQueue(ctx context.Context) error
	ClaimJob(ctx context.Context, worker string, tags []string) (*store.PulledJob, error)
	PingAndGetQueuedJob(ctx context.Context, id uuid.UUID, worker string) (*store.PulledJob, error)
	MarkJobStarted(ctx context.Context, id uuid.UUID, worker string) error
	PingJob(ctx context.Context, id uuid.UUID) error
	PushJob(ctx context.Context, j store.NewJob) (uuid.UUID, error)
	CompleteJob(ctx context.Context, r store.JobResult) error
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

var _ Queue = (*store.Store)(nil)

// Connection is either Direct or Relay.
type Connection interface {
	connection()
	// Mode returns "direct" or "relay" for logs and metrics.
	Mode() string
}

// Direct is a worker with a live handle on the queue store.
type Direct struct {
	DB Queue
}

// Relay is a remote agent that only reaches the queue through a controller.
type Relay struct {
	Client *relay.Client
}

func (Direct) connection() {}
func (Relay) connection()  {}

// Mode implements Connection.
func (Direct) Mode() string { return "direct" }

// Mode implements Connection.
func (Relay) Mode() string { return "relay" }
