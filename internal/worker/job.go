// Package worker runs a jobmesh worker: it pulls jobs from its same-worker
// channel and the shared queue, executes them with handlers registered per
// job kind, and runs the heartbeat, vacuum and stale-recovery loops.
//
// Everything that touches the queue dispatches on a conn.Connection. Direct
// workers issue store statements; relay agents only support what the
// controller exposes over HTTP.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/scarson/jobmesh/internal/store"
)

// Handler executes one pulled job. The returned result is stored with the
// completed job; a non-nil error marks the job failed.
type Handler func(ctx context.Context, job *store.PulledJob) (json.RawMessage, error)

// initScriptHandler records an agent's bootstrap job. Running the script is
// the job runtime's concern, not the coordinator's.
func initScriptHandler(log *slog.Logger) Handler {
	return func(_ context.Context, job *store.PulledJob) (json.RawMessage, error) {
		log.Info("init script received",
			"job_id", job.ID, "created_by", job.CreatedBy, "bytes", len(job.Content))
		return json.Marshal(map[string]any{"accepted": true, "bytes": len(job.Content)})
	}
}
