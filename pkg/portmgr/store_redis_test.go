//go:build integration

package portmgr

import (
	"context"
	"testing"
	"time"

	"github.com/netpilot-net/netpilot/internal/testutil"
)

func TestRedisStore_RoundTrip(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	testutil.FlushDB(t, addr, 0)

	ctx := context.Background()
	store, err := NewRedisStore(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now().UTC()
	if err := store.Put(ctx, Lease{RouterID: "aabbccddee01", Port: 2200, LeasedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, Lease{RouterID: "aabbccddee02", Port: 2201, LeasedAt: now}); err != nil {
		t.Fatal(err)
	}

	leases, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}
	for _, l := range leases {
		if l.LeasedAt.Sub(now) > time.Second || now.Sub(l.LeasedAt) > time.Second {
			t.Errorf("leased_at drifted: %v vs %v", l.LeasedAt, now)
		}
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

func TestRedisStore_AllocatorRestart(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	testutil.FlushDB(t, addr, 0)

	ctx := context.Background()
	store, err := NewRedisStore(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	a1, err := NewAllocator(ctx, 2200, 2209, store)
	if err != nil {
		t.Fatal(err)
	}
	port, err := a1.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}

	a2, err := NewAllocator(ctx, 2200, 2209, store)
	if err != nil {
		t.Fatal(err)
	}
	got, err := a2.LookupRouter("aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Errorf("lease changed across restart: %d then %d", port, got)
	}
}
