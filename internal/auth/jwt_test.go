// ABOUTME: Tests for session and agent token issuance and parsing.
// ABOUTME: Covers algorithm pinning, expiry, audience separation and secret mismatch.
package auth_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/auth"
)

var testSecret = []byte("test-secret-32-bytes-minimum-aaaa")

func TestJWTRoundTrip(t *testing.T) {
	t.Parallel()
	userID := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	tokenStr, err := auth.IssueAccessToken(testSecret, userID, 1, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	claims, err := auth.ParseAccessToken(tokenStr, testSecret)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("UserID = %v, want %v", claims.UserID, userID)
	}
	if claims.TokenVersion != 1 {
		t.Errorf("TokenVersion = %d, want 1", claims.TokenVersion)
	}
}

func TestJWTRejectsExpired(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueAccessToken(testSecret, uuid.New(), 1, -1*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.ParseAccessToken(tokenStr, testSecret); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestJWTRejectsWrongAlgorithm(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueAccessToken(testSecret, uuid.New(), 1, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.SplitN(tokenStr, ".", 3)
	fakeHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	tampered := fakeHeader + "." + parts[1] + "." + parts[2]

	if _, err := auth.ParseAccessToken(tampered, testSecret); err == nil {
		t.Error("expected error for RS256 algorithm, got nil")
	}
}

func TestAgentTokenRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []auth.AgentClaims{
		{WorkerNamePrefix: "p", Tags: []string{"gpu", "python"}},
		{WorkerNamePrefix: "", Tags: []string{}},
		{WorkerNamePrefix: "agent-eu-", Tags: []string{"default"}},
	}
	for _, want := range cases {
		tok, err := auth.EncodeAgentToken(testSecret, want, time.Hour)
		if err != nil {
			t.Fatalf("encode %+v: %v", want, err)
		}
		got, err := auth.DecodeAgentToken(tok, testSecret)
		if err != nil {
			t.Fatalf("decode %+v: %v", want, err)
		}
		if !got.Equal(want) {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestAgentTokenNilTagsDecodeEmpty(t *testing.T) {
	t.Parallel()
	tok, err := auth.EncodeAgentToken(testSecret, auth.AgentClaims{WorkerNamePrefix: "p"}, time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := auth.DecodeAgentToken(tok, testSecret)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tags == nil || len(got.Tags) != 0 {
		t.Errorf("Tags = %#v, want empty slice", got.Tags)
	}
}

func TestAgentTokenDifferentSecret(t *testing.T) {
	t.Parallel()
	tok, err := auth.EncodeAgentToken(testSecret, auth.AgentClaims{WorkerNamePrefix: "p"}, time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = auth.DecodeAgentToken(tok, []byte("another-secret-entirely-bbbbbbbb"))
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAgentTokenRejectsSessionToken(t *testing.T) {
	t.Parallel()
	session, err := auth.IssueAccessToken(testSecret, uuid.New(), 1, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.DecodeAgentToken(session, testSecret); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("session token decoded as agent token: err = %v", err)
	}

	agent, err := auth.EncodeAgentToken(testSecret, auth.AgentClaims{}, time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := auth.ParseAccessToken(agent, testSecret); err == nil {
		t.Error("agent token parsed as session token")
	}
}

func TestAgentTokenMalformed(t *testing.T) {
	t.Parallel()
	for _, tok := range []string{"", "abc", "a.b.c"} {
		if _, err := auth.DecodeAgentToken(tok, testSecret); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("DecodeAgentToken(%q) err = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestAgentTokenRequiresTTL(t *testing.T) {
	t.Parallel()
	if _, err := auth.EncodeAgentToken(testSecret, auth.AgentClaims{}, 0); err == nil {
		t.Error("zero ttl should be rejected")
	}
}

func TestAgentClaimsPermits(t *testing.T) {
	t.Parallel()
	c := auth.AgentClaims{WorkerNamePrefix: "p"}
	if !c.Permits("p-1") {
		t.Error("p-1 should be permitted under prefix p")
	}
	if c.Permits("q-1") {
		t.Error("q-1 should not be permitted under prefix p")
	}
	if !(auth.AgentClaims{}).Permits("anything") {
		t.Error("empty prefix permits every name")
	}
}
