package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobmesh/internal/config"
	"github.com/scarson/jobmesh/internal/relay"
	"github.com/scarson/jobmesh/internal/worker"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBootstrapRelay_QueuesInitScript(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/agent_workers/queue_init_job", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("5f0c6c1e-3c8c-4a55-9c1e-1b1f8d3f0a01"))
	}))
	t.Cleanup(ts.Close)

	cfg := &config.Config{ //nolint:exhaustruct
		BaseURL:    ts.URL + "/api/v1/",
		AgentToken: "tok",
		WorkerName: "agent-1",
		InitScript: "echo hi",
	}
	var buf bytes.Buffer
	c, err := bootstrapRelay(context.Background(), cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/api/v1", c.Client.BaseURL())
	assert.Equal(t, int32(1), calls.Load())
	// The relay agent cannot claim its own init job; the log says who can.
	assert.Contains(t, buf.String(), `claimable_by="direct worker agent-1"`)
}

func TestBootstrapRelay_NoInitScript(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{BaseURL: "http://127.0.0.1:1"} //nolint:exhaustruct
	c, err := bootstrapRelay(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.NotNil(t, c.Client)
}

func TestBootstrapRelay_Rejected(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "worker name must start with p", http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	cfg := &config.Config{BaseURL: ts.URL, WorkerName: "q-1", InitScript: "x"} //nolint:exhaustruct
	_, err := bootstrapRelay(context.Background(), cfg, discard())
	require.ErrorIs(t, err, relay.ErrInitJobRejected)
}

func TestKillpillError(t *testing.T) {
	t.Parallel()
	kp := worker.NewKillpill(context.Background())
	assert.NoError(t, killpillError(kp))

	ctx, cancel := context.WithCancel(context.Background())
	sig := worker.NewKillpill(ctx)
	cancel()
	assert.NoError(t, killpillError(sig), "signal shutdown exits cleanly")

	kp.Send(errors.Join(worker.ErrPingExhausted, errors.New("conn refused")))
	assert.ErrorIs(t, killpillError(kp), worker.ErrPingExhausted)
}
