// ABOUTME: Integration tests for store/worker_ping.go: registration, heartbeat upsert, listing.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/scarson/jobmesh/internal/store"
	"github.com/scarson/jobmesh/internal/testutil"
)

func f32(v float32) *float32 { return &v }
func i64(v int64) *int64     { return &v }

func TestUpdateWorkerPing_PreservesResourcesOnNil(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.UpdateWorkerPing(ctx, store.PingUpdate{
		Worker:        "w1",
		Hostname:      "h1",
		JobsExecuted:  3,
		CustomTags:    []string{"default", "gpu"},
		OccupancyRate: 0.4,
		VCPUs:         i64(4),
		Memory:        i64(8 << 30),
	}); err != nil {
		t.Fatalf("first UpdateWorkerPing: %v", err)
	}

	// A later heartbeat whose cgroup read failed reports no vcpus/memory.
	if err := s.UpdateWorkerPing(ctx, store.PingUpdate{
		Worker:           "w1",
		Hostname:         "h1",
		JobsExecuted:     5,
		CustomTags:       []string{"default"},
		OccupancyRate:    0.6,
		OccupancyRate15s: f32(1),
	}); err != nil {
		t.Fatalf("second UpdateWorkerPing: %v", err)
	}

	got, err := s.GetWorkerPing(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorkerPing: %v", err)
	}
	if got == nil {
		t.Fatal("GetWorkerPing returned nil for existing worker")
	}
	if got.JobsExecuted != 5 {
		t.Errorf("JobsExecuted = %d, want 5", got.JobsExecuted)
	}
	if got.VCPUs == nil || *got.VCPUs != 4 {
		t.Errorf("VCPUs = %v, want 4 preserved", got.VCPUs)
	}
	if got.Memory == nil || *got.Memory != 8<<30 {
		t.Errorf("Memory = %v, want 8GiB preserved", got.Memory)
	}
	if got.OccupancyRate15s == nil || *got.OccupancyRate15s != 1 {
		t.Errorf("OccupancyRate15s = %v, want 1", got.OccupancyRate15s)
	}
	if got.OccupancyRate5m != nil {
		t.Errorf("OccupancyRate5m = %v, want NULL", *got.OccupancyRate5m)
	}
	if len(got.CustomTags) != 1 || got.CustomTags[0] != "default" {
		t.Errorf("CustomTags = %v, want [default]", got.CustomTags)
	}
}

func TestUpdateWorkerPing_OverwritesResources(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, cpus := range []int64{2, 6} {
		if err := s.UpdateWorkerPing(ctx, store.PingUpdate{Worker: "w2", Hostname: "h", VCPUs: i64(cpus)}); err != nil {
			t.Fatalf("UpdateWorkerPing: %v", err)
		}
	}
	got, err := s.GetWorkerPing(ctx, "w2")
	if err != nil {
		t.Fatalf("GetWorkerPing: %v", err)
	}
	if got.VCPUs == nil || *got.VCPUs != 6 {
		t.Errorf("VCPUs = %v, want 6", got.VCPUs)
	}
}

func TestRegisterWorker_ResetsCounters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.UpdateWorkerPing(ctx, store.PingUpdate{Worker: "w3", Hostname: "old", JobsExecuted: 42}); err != nil {
		t.Fatalf("UpdateWorkerPing: %v", err)
	}
	if err := s.RegisterWorker(ctx, "w3", "new", []string{"deploy"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	got, err := s.GetWorkerPing(ctx, "w3")
	if err != nil {
		t.Fatalf("GetWorkerPing: %v", err)
	}
	if got.JobsExecuted != 0 {
		t.Errorf("JobsExecuted = %d, want 0 after restart", got.JobsExecuted)
	}
	if got.Hostname != "new" {
		t.Errorf("Hostname = %q, want new", got.Hostname)
	}
	if len(got.CustomTags) != 1 || got.CustomTags[0] != "deploy" {
		t.Errorf("CustomTags = %v, want [deploy]", got.CustomTags)
	}

	missing, err := s.GetWorkerPing(ctx, "nope")
	if err != nil {
		t.Fatalf("GetWorkerPing(missing): %v", err)
	}
	if missing != nil {
		t.Error("GetWorkerPing(missing) should return nil")
	}
}

func TestListWorkerPings_Window(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, w := range []string{"fresh", "stale"} {
		if err := s.RegisterWorker(ctx, w, "h", nil); err != nil {
			t.Fatalf("RegisterWorker(%s): %v", w, err)
		}
	}
	if _, err := s.Pool().Exec(ctx,
		`UPDATE worker_ping SET ping_at = now() - interval '1 hour' WHERE worker = 'stale'`); err != nil {
		t.Fatalf("age stale worker: %v", err)
	}

	got, err := s.ListWorkerPings(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ListWorkerPings: %v", err)
	}
	if len(got) != 1 || got[0].Worker != "fresh" {
		t.Fatalf("ListWorkerPings(5m) = %+v, want only fresh", got)
	}

	got, err = s.ListWorkerPings(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("ListWorkerPings: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListWorkerPings(2h) returned %d rows, want 2", len(got))
	}
}
