package portmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// memStore is an in-memory Store for allocator tests.
type memStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	putErr error
}

func newMemStore() *memStore {
	return &memStore{leases: make(map[string]Lease)}
}

func (s *memStore) Put(_ context.Context, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.leases[lease.RouterID] = lease
	return nil
}

func (s *memStore) Delete(_ context.Context, routerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, routerID)
	return nil
}

func (s *memStore) List(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func TestAllocate_Idempotent(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeat allocation moved the lease: %d then %d", first, second)
	}
	if a.FreeCount() != 9 {
		t.Errorf("free count = %d, want 9", a.FreeCount())
	}
}

func TestAllocate_LowestPortFirst(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	port, err := a.Allocate(ctx, "aabbccddee01")
	if err != nil {
		t.Fatal(err)
	}
	if port != 2200 {
		t.Errorf("first allocation = %d, want 2200", port)
	}
}

func TestAllocate_RangeExhausted(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2201, newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.Allocate(ctx, fmt.Sprintf("aabbccddee%02d", i)); err != nil {
			t.Fatal(err)
		}
	}
	_, err = a.Allocate(ctx, "aabbccddeeff")
	if !errors.Is(err, util.ErrNoFreePort) {
		t.Errorf("exhausted range returned %v, want ErrNoFreePort", err)
	}
}

func TestAllocate_RejectsMalformedRouterID(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(ctx, "not-a-mac"); !errors.Is(err, util.ErrBadRequest) {
		t.Errorf("malformed router id returned %v, want ErrBadRequest", err)
	}
}

func TestAllocate_PersistFailureLeavesPortFree(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	a, err := NewAllocator(ctx, 2200, 2209, store)
	if err != nil {
		t.Fatal(err)
	}

	store.putErr = errors.New("disk full")
	if _, err := a.Allocate(ctx, "aabbccddeeff"); err == nil {
		t.Fatal("allocation should fail when persistence fails")
	}
	if a.FreeCount() != 10 {
		t.Errorf("failed allocation leaked a port: free = %d, want 10", a.FreeCount())
	}

	store.putErr = nil
	port, err := a.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	if port != 2200 {
		t.Errorf("port after recovery = %d, want 2200", port)
	}
}

func TestRelease_ReturnsPortToPool(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2201, newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Allocate(ctx, "aabbccddee01"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(ctx, "aabbccddee02"); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(ctx, "aabbccddee01"); err != nil {
		t.Fatal(err)
	}

	// The freed port is reusable by a different router.
	port, err := a.Allocate(ctx, "aabbccddee03")
	if err != nil {
		t.Fatal(err)
	}
	if port != 2200 {
		t.Errorf("reallocated port = %d, want 2200", port)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Release(ctx, "aabbccddeeff"); err != nil {
		t.Errorf("releasing an unknown router should succeed: %v", err)
	}
}

func TestReleasePort(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	port, err := a.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReleasePort(ctx, port); err != nil {
		t.Fatal(err)
	}
	if _, err := a.LookupRouter("aabbccddeeff"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("lease survived ReleasePort: %v", err)
	}
	if err := a.ReleasePort(ctx, port); err != nil {
		t.Errorf("double ReleasePort should succeed: %v", err)
	}
}

func TestNewAllocator_RebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	a1, err := NewAllocator(ctx, 2200, 2209, store)
	if err != nil {
		t.Fatal(err)
	}
	port, err := a1.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}

	// Simulated restart: a fresh allocator over the same store.
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
	if a2.FreeCount() != 9 {
		t.Errorf("free count after restart = %d, want 9", a2.FreeCount())
	}
}

func TestAllocate_ConcurrentUniquePorts(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2299, newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	ports := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := a.Allocate(ctx, fmt.Sprintf("aabbccddee%02x", i))
			if err != nil {
				t.Error(err)
				return
			}
			ports <- port
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		if seen[port] {
			t.Fatalf("port %d leased twice", port)
		}
		seen[port] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique ports, want %d", len(seen), n)
	}
}

func TestLookupPort(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	port, err := a.Allocate(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	routerID, err := a.LookupPort(port)
	if err != nil {
		t.Fatal(err)
	}
	if routerID != "aabbccddeeff" {
		t.Errorf("LookupPort(%d) = %s", port, routerID)
	}
	if _, err := a.LookupPort(2209); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unleased port returned %v, want ErrNotFound", err)
	}
}
