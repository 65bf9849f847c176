package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Tunnel lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateConfigured    = "configured"
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateDegraded      = "degraded"
)

// Status is what the UI sees.
type Status struct {
	State    string `json:"state"`
	RouterID string `json:"routerId,omitempty"`
	Port     int    `json:"port,omitempty"`
	VMHost   string `json:"vmHost,omitempty"`
}

// Service is the agent's operation surface. Each call is finite; the
// long-lived tunnel lives on the router, not in this process.
type Service interface {
	Status(ctx context.Context) (*Status, error)
	Connect(ctx context.Context) (*Status, error)
	Disconnect(ctx context.Context) error
	Reset(ctx context.Context) error
}

// PortClient is the slice of the port-manager client the agent needs.
type PortClient interface {
	Allocate(ctx context.Context, routerID string) (int, error)
	Release(ctx context.Context, routerID string) error
	LookupRouter(ctx context.Context, routerID string) (int, error)
}

// DialFunc opens an SSH connection to the router. Swappable in tests.
type DialFunc func(addr, user, password string, timeout time.Duration) (router.Runner, error)

// Agent implements Service against a real router and port manager.
type Agent struct {
	cfg       *config.Agent
	ports     PortClient
	dial      DialFunc
	statePath string
}

// New builds an agent. A nil dial uses the real SSH client.
func New(cfg *config.Agent, ports PortClient, dial DialFunc) *Agent {
	if dial == nil {
		dial = func(addr, user, password string, timeout time.Duration) (router.Runner, error) {
			conn, err := router.Dial(addr, user, password, timeout)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	statePath := cfg.StatePath
	if statePath == "" {
		statePath = DefaultStatePath()
	}
	return &Agent{cfg: cfg, ports: ports, dial: dial, statePath: statePath}
}

func (a *Agent) dialRouter(ctx context.Context) (router.Runner, error) {
	r, err := a.dial(a.cfg.RouterAddr+":22", a.cfg.RouterUser, a.cfg.RouterPassword, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: router %s unreachable: %v", util.ErrUnknownRouter, a.cfg.RouterAddr, err)
	}
	return r, nil
}

// Status reports the current lifecycle state. It consults the router when
// state exists; an unreachable router with persisted state reads as degraded.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	state, err := LoadState(a.statePath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &Status{State: StateUninitialized}, nil
	}

	st := &Status{
		State:    StateConfigured,
		RouterID: state.RouterID,
		Port:     state.Port,
		VMHost:   state.VMHost,
	}

	r, err := a.dialRouter(ctx)
	if err != nil {
		st.State = StateDegraded
		return st, nil
	}
	defer r.Close()

	running, err := SupervisorRunning(ctx, r)
	switch {
	case err != nil:
		st.State = StateDegraded
	case running:
		st.State = StateConnected
	default:
		st.State = StateDisconnected
	}
	return st, nil
}

// Connect brings the tunnel up: derive identity, acquire the port, persist
// state, install and start the supervisor. Safe to call repeatedly.
func (a *Agent) Connect(ctx context.Context) (*Status, error) {
	r, err := a.dialRouter(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	routerID, err := router.Identity(ctx, r)
	if err != nil {
		return nil, err
	}

	port, err := a.acquirePort(ctx, routerID)
	if err != nil {
		return nil, err
	}

	// Persist before touching the router so a crash between the two never
	// orphans the lease.
	state := &State{
		RouterID:   routerID,
		Port:       port,
		VMHost:     a.cfg.CloudVMHost,
		VMUser:     a.cfg.CloudUser,
		RouterAddr: a.cfg.RouterAddr,
	}
	if err := SaveState(a.statePath, state); err != nil {
		return nil, err
	}

	spec := TunnelSpec{
		Port:       port,
		VMHost:     a.cfg.CloudVMHost,
		VMUser:     a.cfg.CloudUser,
		VMPassword: a.cfg.CloudPassword,
	}
	if err := InstallSupervisor(ctx, r, spec); err != nil {
		return nil, fmt.Errorf("installing supervisor: %w", err)
	}

	util.WithRouter(routerID).Infof("tunnel up on %s:%d", a.cfg.CloudVMHost, port)
	return &Status{State: StateConnected, RouterID: routerID, Port: port, VMHost: a.cfg.CloudVMHost}, nil
}

// acquirePort reuses the persisted lease when the port manager still agrees,
// otherwise allocates. Allocation retries with backoff, it never invents a
// port locally.
func (a *Agent) acquirePort(ctx context.Context, routerID string) (int, error) {
	state, err := LoadState(a.statePath)
	if err != nil {
		return 0, err
	}

	if state != nil && state.RouterID == routerID && state.Port != 0 {
		port, err := a.ports.LookupRouter(ctx, routerID)
		if err == nil && port == state.Port {
			return port, nil
		}
		if err != nil && !errors.Is(err, util.ErrNotFound) {
			return 0, fmt.Errorf("port manager lookup: %w", err)
		}
		// Lease gone or moved: fall through to allocate.
	}

	var port int
	err = util.Retry(ctx, util.RetryConfig{
		Attempts:   4,
		Backoff:    time.Second,
		MaxBackoff: 10 * time.Second,
		IsRetryable: func(err error) bool {
			// NoFreePort and BadRequest are answers, not outages.
			return !errors.Is(err, util.ErrNoFreePort) && !errors.Is(err, util.ErrBadRequest)
		},
	}, func() error {
		var aerr error
		port, aerr = a.ports.Allocate(ctx, routerID)
		return aerr
	})
	if err != nil {
		return 0, fmt.Errorf("allocating port: %w", err)
	}
	return port, nil
}

// Disconnect stops the tunnel but keeps the lease and local state, so the
// next connect reuses the same port.
func (a *Agent) Disconnect(ctx context.Context) error {
	state, err := LoadState(a.statePath)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	r, err := a.dialRouter(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := StopSupervisor(ctx, r); err != nil {
		return fmt.Errorf("stopping supervisor: %w", err)
	}
	util.WithRouter(state.RouterID).Info("tunnel stopped, lease preserved")
	return nil
}

// Reset removes the supervisor from the router, releases the lease, and
// clears local state. Router-side cleanup is best effort; the lease and
// state are cleared regardless so a half-dead router cannot pin a port.
func (a *Agent) Reset(ctx context.Context) error {
	state, err := LoadState(a.statePath)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	if r, derr := a.dialRouter(ctx); derr == nil {
		if rerr := RemoveSupervisor(ctx, r); rerr != nil {
			util.WithRouter(state.RouterID).Warnf("supervisor removal failed: %v", rerr)
		}
		r.Close()
	} else {
		util.WithRouter(state.RouterID).Warnf("router unreachable during reset: %v", derr)
	}

	if err := a.ports.Release(ctx, state.RouterID); err != nil {
		return fmt.Errorf("releasing port: %w", err)
	}
	if err := ClearState(a.statePath); err != nil {
		return err
	}
	util.WithRouter(state.RouterID).Info("reset complete")
	return nil
}
