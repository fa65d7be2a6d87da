package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/scarson/jobmesh/internal/conn"
	"github.com/scarson/jobmesh/internal/metrics"
)

// vacuumTimeout bounds a detached vacuum pass so it cannot outlive shutdown
// indefinitely.
const vacuumTimeout = 10 * time.Minute

// QueueVacuum starts a background storage reclamation pass over the queue
// tables and returns immediately. The pass logs its own outcome; failures
// never reach the caller. Relay workers leave vacuuming to the controller.
func QueueVacuum(ctx context.Context, c conn.Connection, log *slog.Logger) {
	switch c := c.(type) {
	case conn.Direct:
		// Detached from the caller so a finished tick or request does not
		// abort the pass halfway.
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), vacuumTimeout)
		go func() {
			defer cancel()
			log.Info("vacuuming queue")
			start := time.Now()
			if err := c.DB.VacuumQueue(vctx); err != nil {
				metrics.VacuumRunsTotal.WithLabelValues("error").Inc()
				log.Error("vacuum queue failed", "error", err)
				return
			}
			metrics.VacuumRunsTotal.WithLabelValues("ok").Inc()
			log.Info("vacuumed queue", "duration", time.Since(start))
		}()
	case conn.Relay:
		log.Debug("queue vacuum skipped on relay connection")
	}
}
