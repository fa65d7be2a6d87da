// ABOUTME: Auth middleware: session cookie, super-admin gate, and agent bearer tokens.
// ABOUTME: Injects the operator id or the decoded agent claims into the request context.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scarson/jobmesh/internal/auth"
	"github.com/scarson/jobmesh/internal/metrics"
)

// RequireAuthenticated returns a middleware that requires a valid session
// access-token cookie. On success it injects ctxUserID and ctxTokenVersion.
func (srv *Server) RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("access_token")
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := auth.ParseAccessToken(cookie.Value, srv.secret())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
			ctx = context.WithValue(ctx, ctxTokenVersion, claims.TokenVersion)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSuperAdmin must run after RequireAuthenticated. It reloads the user
// so a revoked session (token_version bumped) or a demoted admin is refused.
func (srv *Server) RequireSuperAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := userIDFrom(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			user, err := srv.store.GetUserByID(r.Context(), userID)
			if err != nil {
				slog.ErrorContext(r.Context(), "super admin check: get user", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			tv, _ := r.Context().Value(ctxTokenVersion).(int)
			if user == nil || int(user.TokenVersion) != tv {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !user.SuperAdmin {
				http.Error(w, "forbidden: super admin required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAgentClaims decodes the "Authorization: Bearer <agent token>" header
// into ctxAgentClaims. OPTIONS requests pass with empty claims so CORS
// preflight succeeds; the preflight handler performs no privileged action.
func (srv *Server) RequireAgentClaims() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				ctx := context.WithValue(r.Context(), ctxAgentClaims, auth.AgentClaims{})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !found || token == "" {
				metrics.AgentInitJobsTotal.WithLabelValues("unauthorized").Inc()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := auth.DecodeAgentToken(token, srv.secret())
			if err != nil {
				slog.DebugContext(r.Context(), "agent token rejected", "error", err)
				metrics.AgentInitJobsTotal.WithLabelValues("unauthorized").Inc()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxAgentClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
