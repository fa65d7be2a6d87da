// ABOUTME: Scoped agent tokens: a signed worker-name prefix plus tags, minted by a super admin.
// ABOUTME: Encoded and decoded only with the process-wide internal secret.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any agent token that fails to decode:
// bad signature, wrong algorithm or audience, expired, or malformed.
var ErrInvalidToken = errors.New("invalid agent token")

// AgentClaims scope what a remote agent may do. The only check made against
// them is that a declared worker name starts with WorkerNamePrefix.
type AgentClaims struct {
	WorkerNamePrefix string   `json:"worker_name_prefix"`
	Tags             []string `json:"tags"`
}

// Permits reports whether workerName falls under the claimed prefix.
func (c AgentClaims) Permits(workerName string) bool {
	return strings.HasPrefix(workerName, c.WorkerNamePrefix)
}

// Equal reports whether two claim sets carry the same prefix and tags.
func (c AgentClaims) Equal(o AgentClaims) bool {
	return c.WorkerNamePrefix == o.WorkerNamePrefix && slices.Equal(c.Tags, o.Tags)
}

type agentTokenClaims struct {
	jwt.RegisteredClaims
	AgentClaims
}

// EncodeAgentToken signs claims with secret. ttl <= 0 is rejected; every
// agent token expires.
func EncodeAgentToken(secret []byte, claims AgentClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("agent token ttl must be positive")
	}
	if claims.Tags == nil {
		claims.Tags = []string{}
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, agentTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AgentAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		AgentClaims: claims,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// DecodeAgentToken verifies tokenStr against secret and returns its claims.
// Every failure wraps ErrInvalidToken.
func DecodeAgentToken(tokenStr string, secret []byte) (AgentClaims, error) {
	claims := &agentTokenClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(AgentAudience),
	)
	if err != nil {
		return AgentClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Tags == nil {
		claims.Tags = []string{}
	}
	return claims.AgentClaims, nil
}
