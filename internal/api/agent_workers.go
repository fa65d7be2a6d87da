// ABOUTME: Agent bootstrap endpoints: queue an agent's init job and mint scoped agent tokens.
// ABOUTME: Plain-text responses; the only authorization on queue_init_job is the worker-name prefix.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scarson/jobmesh/internal/auth"
	"github.com/scarson/jobmesh/internal/metrics"
	"github.com/scarson/jobmesh/internal/relay"
)

// createAgentTokenRequest is the body of POST /agent_workers/create_agent_token.
type createAgentTokenRequest struct {
	WorkerNamePrefix string   `json:"worker_name_prefix"`
	Tags             []string `json:"tags"`
}

// queueInitJobHandler handles POST /api/v1/agent_workers/queue_init_job.
// Responds 200 with the new job id as text/plain.
func (srv *Server) queueInitJobHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := agentClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req relay.InitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.AgentInitJobsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.WorkerName) == "" {
		metrics.AgentInitJobsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "worker_name is required", http.StatusBadRequest)
		return
	}
	if !claims.Permits(req.WorkerName) {
		metrics.AgentInitJobsTotal.WithLabelValues("prefix_mismatch").Inc()
		http.Error(w, "worker name must start with "+claims.WorkerNamePrefix, http.StatusBadRequest)
		return
	}

	id, err := srv.store.PushInitJob(r.Context(), req.Content, req.WorkerName)
	if err != nil {
		metrics.AgentInitJobsTotal.WithLabelValues("error").Inc()
		slog.ErrorContext(r.Context(), "queue init job", "worker", req.WorkerName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.AgentInitJobsTotal.WithLabelValues("ok").Inc()
	slog.InfoContext(r.Context(), "queued agent init job", "worker", req.WorkerName, "job_id", id)

	writeText(w, http.StatusOK, id.String())
}

// createAgentTokenHandler handles POST /api/v1/agent_workers/create_agent_token.
// RequireAuthenticated and RequireSuperAdmin run first.
func (srv *Server) createAgentTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req createAgentTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, err := auth.EncodeAgentToken(srv.secret(), auth.AgentClaims{
		WorkerNamePrefix: req.WorkerNamePrefix,
		Tags:             req.Tags,
	}, srv.cfg.AgentTokenTTL)
	if err != nil {
		slog.ErrorContext(r.Context(), "create agent token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	userID, _ := userIDFrom(r.Context())
	slog.InfoContext(r.Context(), "agent token issued",
		"issued_by", userID, "worker_name_prefix", req.WorkerNamePrefix, "tags", req.Tags)

	writeText(w, http.StatusOK, token)
}

// agentPreflightHandler answers CORS preflight for the agent endpoints.
func agentPreflightHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-By")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.Header().Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
