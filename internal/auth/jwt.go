// ABOUTME: Session access tokens for operators of the jobmesh controller.
// ABOUTME: Always enforces HS256, expiration and audience; never call jwt.Parse directly.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token audiences. A token minted for one audience never parses as the other.
const (
	SessionAudience = "jobmesh-session"
	AgentAudience   = "jobmesh-agent"
)

// AccessClaims holds the claims embedded in a session access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	// UserID shadows RegisteredClaims.Subject so "sub" serializes as a UUID.
	// encoding/json picks the outermost field when embedded tags collide.
	UserID uuid.UUID `json:"sub"`
	// TokenVersion must match users.token_version; create-admin bumps it.
	TokenVersion int `json:"tv"`
}

// IssueAccessToken creates a signed HS256 session token.
func IssueAccessToken(secret []byte, userID uuid.UUID, tokenVersion int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{SessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:       userID,
		TokenVersion: tokenVersion,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates and parses an HS256 session token.
// Returns an error if the token is expired, uses a wrong algorithm, targets
// another audience, or is otherwise invalid.
func ParseAccessToken(tokenStr string, secret []byte) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(SessionAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}
