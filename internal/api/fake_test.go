// ABOUTME: In-memory Store fake and request helpers shared by the api tests.
// ABOUTME: Tests use package api to reach unexported Server fields and context keys.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobmesh/internal/auth"
	"github.com/scarson/jobmesh/internal/config"
	"github.com/scarson/jobmesh/internal/store"
)

const testSecret = "api-test-secret-32-bytes-minimum"

type initJob struct {
	ID         uuid.UUID
	Content    string
	WorkerName string
}

type fakeStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*store.User
	initJobs []initJob
	pings    []store.WorkerPing
	pingErr  error
	pushErr  error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[uuid.UUID]*store.User)}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) PushInitJob(_ context.Context, content, workerName string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return uuid.Nil, f.pushErr
	}
	id := uuid.New()
	f.initJobs = append(f.initJobs, initJob{ID: id, Content: content, WorkerName: workerName})
	return id, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}

func (f *fakeStore) ListWorkerPings(context.Context, time.Duration) ([]store.WorkerPing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings, nil
}

func (f *fakeStore) addUser(t *testing.T, email, password string, superAdmin bool) *store.User {
	t.Helper()
	var hash *string
	if password != "" {
		h, err := auth.HashPassword(password)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		hash = &h
	}
	u := &store.User{ID: uuid.New(), Email: email, PasswordHash: hash, SuperAdmin: superAdmin, TokenVersion: 1}
	f.mu.Lock()
	f.users[u.ID] = u
	f.mu.Unlock()
	return u
}

func (f *fakeStore) queuedInitJobs() []initJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]initJob(nil), f.initJobs...)
}

var errFakeDB = errors.New("db down")

func newTestServer(t *testing.T, s Store) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{ //nolint:exhaustruct // test: only relevant fields set
		JWTSecret:           testSecret,
		Argon2MaxConcurrent: 5,
		AgentTokenTTL:       time.Hour,
	}
	srv, err := NewServer(s, cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// do sends a request and returns the status and body. Like the UI it sends
// X-Requested-By: jobmesh; header pairs are applied in order and may
// override it.
func do(t *testing.T, ts *httptest.Server, method, path, body string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Requested-By", csrfHeaderValue)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := ts.Client().Do(req) //nolint:gosec // G704 false positive: ts.URL is httptest.Server
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func sessionFor(t *testing.T, u *store.User) string {
	t.Helper()
	tok, err := auth.IssueAccessToken([]byte(testSecret), u.ID, int(u.TokenVersion), time.Hour)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	return "access_token=" + tok
}

func agentBearer(t *testing.T, prefix string, tags ...string) string {
	t.Helper()
	tok, err := auth.EncodeAgentToken([]byte(testSecret), auth.AgentClaims{WorkerNamePrefix: prefix, Tags: tags}, time.Hour)
	if err != nil {
		t.Fatalf("encode agent token: %v", err)
	}
	return "Bearer " + tok
}
