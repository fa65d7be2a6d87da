// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/auth"
)

type contextKey int

const (
	ctxUserID       contextKey = iota // uuid.UUID: authenticated operator
	ctxTokenVersion                   // int: token_version carried by the session
	ctxAgentClaims                    // auth.AgentClaims: decoded agent bearer
)

func userIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserID).(uuid.UUID)
	return id, ok
}

func agentClaimsFrom(ctx context.Context) (auth.AgentClaims, bool) {
	c, ok := ctx.Value(ctxAgentClaims).(auth.AgentClaims)
	return c, ok
}
