package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// maxConnFailures closes a pooled connection after this many consecutive
// command failures; the next command redials through the tunnel.
const maxConnFailures = 3

// routerConn is one pooled SSH connection through a tunnel. Its mutex
// serialises commands per (sessionId, routerId); different routers under the
// same session run in parallel. runner is nil on a freshly registered entry
// until the registering caller dials, still under mu.
type routerConn struct {
	routerID string
	runner   router.Runner
	mu       sync.Mutex
	failures int
	dead     bool
}

func (s *Session) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*routerConn)
	s.mu.Unlock()
	for _, c := range conns {
		if c.runner != nil {
			c.runner.Close()
		}
	}
}

// getOrCreateConn returns the registered connection for routerID, inserting
// an undialed placeholder when none exists. The map holds at most one entry
// per router, so two concurrent first commands share one routerConn and the
// loser waits on its mutex instead of dialing a duplicate.
func (s *Session) getOrCreateConn(routerID string) *routerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[routerID]; ok {
		return c
	}
	c := &routerConn{routerID: routerID}
	s.conns[routerID] = c
	return c
}

func (s *Session) putConn(c *routerConn) {
	s.mu.Lock()
	s.conns[c.routerID] = c
	s.mu.Unlock()
}

func (s *Session) hasConn(c *routerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[c.routerID] == c
}

func (s *Session) dropConn(c *routerConn) {
	s.mu.Lock()
	if s.conns[c.routerID] == c {
		delete(s.conns, c.routerID)
	}
	s.mu.Unlock()
	if c.runner != nil {
		c.runner.Close()
	}
}

// PortResolver resolves routerId to the VM-side tunnel port.
type PortResolver interface {
	LookupRouter(ctx context.Context, routerID string) (int, error)
}

// TunnelDialer opens an SSH connection to the router behind a tunnel port.
type TunnelDialer func(ctx context.Context, port int) (router.Runner, error)

// Pool hands out serialised router connections scoped to sessions.
type Pool struct {
	table  *SessionTable
	ports  PortResolver
	dialer TunnelDialer

	cacheMu   sync.Mutex
	portCache map[string]portEntry
	cacheTTL  time.Duration
	now       func() time.Time
}

type portEntry struct {
	port    int
	expires time.Time
}

// NewPool wires the session table to the port manager and tunnel dialer.
func NewPool(table *SessionTable, ports PortResolver, dialer TunnelDialer) *Pool {
	return &Pool{
		table:     table,
		ports:     ports,
		dialer:    dialer,
		portCache: make(map[string]portEntry),
		cacheTTL:  30 * time.Second,
		now:       time.Now,
	}
}

// WithConn runs fn on the pooled connection for (sessionId, routerId),
// serialised against other commands to the same pair. Connections that fail
// with a dead tunnel, or accumulate too many consecutive failures, are
// closed and redialed on the next call.
func (p *Pool) WithConn(ctx context.Context, sessionID, routerID string, fn func(r router.Runner) error) error {
	session, err := p.table.Get(sessionID)
	if err != nil {
		return err
	}

	// One retry when the entry died between map lookup and lock.
	for attempt := 0; ; attempt++ {
		conn := session.getOrCreateConn(routerID)
		conn.mu.Lock()
		if conn.dead {
			conn.mu.Unlock()
			if attempt == 0 {
				continue
			}
			return fmt.Errorf("%w: connection closed", util.ErrTunnelDown)
		}

		if conn.runner == nil {
			runner, err := p.dial(ctx, routerID)
			if err != nil {
				conn.dead = true
				session.dropConn(conn)
				conn.mu.Unlock()
				return err
			}
			if !session.hasConn(conn) {
				// Session ended while dialing.
				runner.Close()
				conn.mu.Unlock()
				return fmt.Errorf("%w: %s", util.ErrUnknownSession, sessionID)
			}
			conn.runner = runner
		}

		err = fn(conn.runner)
		if err == nil {
			conn.failures = 0
			conn.mu.Unlock()
			return nil
		}

		conn.failures++
		if errors.Is(err, util.ErrTunnelDown) || conn.failures >= maxConnFailures {
			conn.dead = true
			session.dropConn(conn)
			p.invalidatePort(routerID)
			util.WithSession(sessionID).WithField("router", routerID).
				Warnf("closing pooled connection after %d failures: %v", conn.failures, err)
		}
		conn.mu.Unlock()
		return err
	}
}

func (p *Pool) dial(ctx context.Context, routerID string) (router.Runner, error) {
	port, err := p.lookupPort(ctx, routerID)
	if err != nil {
		return nil, err
	}
	runner, err := p.dialer(ctx, port)
	if err != nil {
		p.invalidatePort(routerID)
		return nil, err
	}
	return runner, nil
}

// lookupPort resolves through a short-TTL cache; the mapping only changes on
// agent reset, so a stale hit costs one failed dial at worst.
func (p *Pool) lookupPort(ctx context.Context, routerID string) (int, error) {
	p.cacheMu.Lock()
	entry, ok := p.portCache[routerID]
	p.cacheMu.Unlock()
	if ok && p.now().Before(entry.expires) {
		return entry.port, nil
	}

	port, err := p.ports.LookupRouter(ctx, routerID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s has no tunnel port", util.ErrUnknownRouter, routerID)
		}
		return 0, err
	}

	p.cacheMu.Lock()
	p.portCache[routerID] = portEntry{port: port, expires: p.now().Add(p.cacheTTL)}
	p.cacheMu.Unlock()
	return port, nil
}

func (p *Pool) invalidatePort(routerID string) {
	p.cacheMu.Lock()
	delete(p.portCache, routerID)
	p.cacheMu.Unlock()
}
