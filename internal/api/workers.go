// ABOUTME: Read-only listing of worker heartbeats for operators.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/jobmesh/internal/auth"
	"github.com/scarson/jobmesh/internal/store"
)

type listWorkersInput struct {
	AccessToken  string `cookie:"access_token" doc:"Session cookie"`
	SinceSeconds int    `query:"since_seconds" default:"300" minimum:"1" maximum:"604800" doc:"Only workers that pinged within this many seconds"`
}

type workerEntry struct {
	Worker           string    `json:"worker"`
	Hostname         string    `json:"hostname"`
	PingAt           time.Time `json:"ping_at"`
	StartedAt        time.Time `json:"started_at"`
	JobsExecuted     int32     `json:"jobs_executed"`
	CustomTags       []string  `json:"custom_tags"`
	OccupancyRate    float32   `json:"occupancy_rate"`
	OccupancyRate15s *float32  `json:"occupancy_rate_15s,omitempty"`
	OccupancyRate5m  *float32  `json:"occupancy_rate_5m,omitempty"`
	OccupancyRate30m *float32  `json:"occupancy_rate_30m,omitempty"`
	MemoryUsage      *int64    `json:"memory_usage,omitempty"`
	WMMemoryUsage    *int64    `json:"wm_memory_usage,omitempty"`
	VCPUs            *int64    `json:"vcpus,omitempty"`
	Memory           *int64    `json:"memory,omitempty"`
}

type listWorkersOutput struct {
	Body struct {
		Workers []workerEntry `json:"workers"`
	}
}

// listWorkersHandler handles GET /api/v1/workers.
func (srv *Server) listWorkersHandler(ctx context.Context, input *listWorkersInput) (*listWorkersOutput, error) {
	if input.AccessToken == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}
	if _, err := auth.ParseAccessToken(input.AccessToken, srv.secret()); err != nil {
		return nil, huma.Error401Unauthorized("invalid or expired access token")
	}

	pings, err := srv.store.ListWorkerPings(ctx, time.Duration(input.SinceSeconds)*time.Second)
	if err != nil {
		slog.ErrorContext(ctx, "list workers", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	out := &listWorkersOutput{}
	out.Body.Workers = make([]workerEntry, 0, len(pings))
	for _, p := range pings {
		out.Body.Workers = append(out.Body.Workers, toWorkerEntry(p))
	}
	return out, nil
}

func toWorkerEntry(p store.WorkerPing) workerEntry {
	tags := p.CustomTags
	if tags == nil {
		tags = []string{}
	}
	return workerEntry{
		Worker:           p.Worker,
		Hostname:         p.Hostname,
		PingAt:           p.PingAt,
		StartedAt:        p.StartedAt,
		JobsExecuted:     p.JobsExecuted,
		CustomTags:       tags,
		OccupancyRate:    p.OccupancyRate,
		OccupancyRate15s: p.OccupancyRate15s,
		OccupancyRate5m:  p.OccupancyRate5m,
		OccupancyRate30m: p.OccupancyRate30m,
		MemoryUsage:      p.MemoryUsage,
		WMMemoryUsage:    p.WMMemoryUsage,
		VCPUs:            p.VCPUs,
		Memory:           p.Memory,
	}
}

func registerWorkerRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Tags:        []string{"workers"},
		Summary:     "List workers that sent a recent heartbeat",
	}, srv.listWorkersHandler)
}
