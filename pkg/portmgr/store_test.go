package portmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases", "leases.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	leases, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Fatalf("fresh store has %d leases", len(leases))
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.Put(ctx, Lease{RouterID: "aabbccddee01", Port: 2200, LeasedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, Lease{RouterID: "aabbccddee02", Port: 2201, LeasedAt: now}); err != nil {
		t.Fatal(err)
	}

	leases, err = store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}

	if err := store.Delete(ctx, "aabbccddee01"); err != nil {
		t.Fatal(err)
	}
	leases, err = store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0].RouterID != "aabbccddee02" {
		t.Errorf("after delete: %+v", leases)
	}
}

func TestFileStore_PutReplacesExisting(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "leases.json"))
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Put(ctx, Lease{RouterID: "aabbccddeeff", Port: 2200, LeasedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, Lease{RouterID: "aabbccddeeff", Port: 2205, LeasedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	leases, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0].Port != 2205 {
		t.Errorf("replacement put: %+v", leases)
	}
}

func TestFileStore_NoPartialWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, Lease{RouterID: "aabbccddeeff", Port: 2200, LeasedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	// The temp file is renamed away, never left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestFileStore_CorruptFileErrors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.List(ctx); err == nil {
		t.Error("corrupt lease file should error, not silently reset")
	}
}
