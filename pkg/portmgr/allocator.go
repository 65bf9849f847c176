// Package portmgr is the single authority mapping router identifiers to
// VM-side tunnel ports in a bounded range. At most one active lease per port
// and per router; the same router always gets its existing lease back.
package portmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Lease binds a router to a tunnel port.
type Lease struct {
	RouterID string    `json:"router_id"`
	Port     int       `json:"port"`
	LeasedAt time.Time `json:"leased_at"`
}

// Store persists leases. An allocation is not visible until Put returns.
type Store interface {
	Put(ctx context.Context, lease Lease) error
	Delete(ctx context.Context, routerID string) error
	List(ctx context.Context) ([]Lease, error)
	Close() error
}

// Allocator owns the free-port set for the configured range. All operations
// are serialised by a single mutex; the store write happens under the lock so
// a crash never leaves an unpersisted allocation visible.
type Allocator struct {
	mu       sync.Mutex
	min, max int
	byRouter map[string]Lease
	byPort   map[int]string
	free     []int // LIFO of free ports
	store    Store
}

// NewAllocator rebuilds the port set from the store.
func NewAllocator(ctx context.Context, min, max int, store Store) (*Allocator, error) {
	a := &Allocator{
		min:      min,
		max:      max,
		byRouter: make(map[string]Lease),
		byPort:   make(map[int]string),
		store:    store,
	}

	leases, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading leases: %w", err)
	}
	for _, l := range leases {
		if l.Port < min || l.Port > max {
			util.WithRouter(l.RouterID).Warnf("lease port %d outside configured range [%d,%d], keeping", l.Port, min, max)
		}
		a.byRouter[l.RouterID] = l
		a.byPort[l.Port] = l.RouterID
	}

	// Free list is built high-to-low so allocation pops the lowest port
	// first, which keeps assignments stable and easy to eyeball.
	for port := max; port >= min; port-- {
		if _, leased := a.byPort[port]; !leased {
			a.free = append(a.free, port)
		}
	}

	util.WithComponent("portmgr").Infof("allocator ready: %d leases, %d free ports", len(a.byRouter), len(a.free))
	return a, nil
}

// Allocate returns the router's existing lease or creates a new one.
func (a *Allocator) Allocate(ctx context.Context, routerID string) (int, error) {
	if !util.IsValidRouterID(routerID) {
		return 0, fmt.Errorf("%w: malformed router id %q", util.ErrBadRequest, routerID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if lease, ok := a.byRouter[routerID]; ok {
		return lease.Port, nil
	}

	if len(a.free) == 0 {
		return 0, fmt.Errorf("%w: range [%d,%d] exhausted", util.ErrNoFreePort, a.min, a.max)
	}

	port := a.free[len(a.free)-1]
	lease := Lease{RouterID: routerID, Port: port, LeasedAt: time.Now().UTC()}

	if err := a.store.Put(ctx, lease); err != nil {
		return 0, fmt.Errorf("persisting lease: %w", err)
	}

	a.free = a.free[:len(a.free)-1]
	a.byRouter[routerID] = lease
	a.byPort[port] = routerID

	util.WithRouter(routerID).Infof("leased port %d", port)
	return port, nil
}

// Release frees the router's lease. Releasing a router with no lease succeeds.
func (a *Allocator) Release(ctx context.Context, routerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.byRouter[routerID]
	if !ok {
		return nil
	}

	if err := a.store.Delete(ctx, routerID); err != nil {
		return fmt.Errorf("deleting lease: %w", err)
	}

	delete(a.byRouter, routerID)
	delete(a.byPort, lease.Port)
	a.free = append(a.free, lease.Port)

	util.WithRouter(routerID).Infof("released port %d", lease.Port)
	return nil
}

// ReleasePort frees a lease addressed by port. Idempotent.
func (a *Allocator) ReleasePort(ctx context.Context, port int) error {
	a.mu.Lock()
	routerID, ok := a.byPort[port]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Release(ctx, routerID)
}

// LookupRouter returns the port leased to routerID.
func (a *Allocator) LookupRouter(routerID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.byRouter[routerID]
	if !ok {
		return 0, fmt.Errorf("%w: no lease for router %s", util.ErrNotFound, routerID)
	}
	return lease.Port, nil
}

// LookupPort returns the router holding port.
func (a *Allocator) LookupPort(port int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	routerID, ok := a.byPort[port]
	if !ok {
		return "", fmt.Errorf("%w: port %d not leased", util.ErrNotFound, port)
	}
	return routerID, nil
}

// Active returns all current leases sorted by port.
func (a *Allocator) Active() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	leases := make([]Lease, 0, len(a.byRouter))
	for _, l := range a.byRouter {
		leases = append(leases, l)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Port < leases[j].Port })
	return leases
}

// FreeCount returns the number of unleased ports.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
