// Package commands is the VM-side command plane: it tracks sessions
// announced by the cloud API, pools SSH connections through the reverse
// tunnels, and dispatches router operations with per-operation deadlines.
// It performs no authorisation of its own; the cloud API is its only client.
package commands

import (
	"context"
	"sync"
	"time"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Session is the unit of connection ownership. All router connections opened
// under a session die with it.
type Session struct {
	ID         string
	CreatedAt  time.Time
	lastActive time.Time
	conns      map[string]*routerConn // keyed by routerId
	mu         sync.Mutex
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// LastActive returns the last activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SessionTable holds all live sessions. Sessions idle past the TTL are
// reaped, closing their connections; the table can be discarded wholesale
// without data loss, the cloud API re-announces on demand.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idleTTL  time.Duration
	now      func() time.Time
}

// NewSessionTable builds an empty table.
func NewSessionTable(idleTTL time.Duration) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Start registers a session. Idempotent; restart forces teardown of any
// existing state under the same id first.
func (t *SessionTable) Start(sessionID string, restart bool) *Session {
	t.mu.Lock()
	existing, ok := t.sessions[sessionID]
	if ok && !restart {
		t.mu.Unlock()
		existing.touch(t.now())
		return existing
	}
	s := &Session{
		ID:        sessionID,
		CreatedAt: t.now(),
		conns:     make(map[string]*routerConn),
	}
	s.lastActive = s.CreatedAt
	t.sessions[sessionID] = s
	t.mu.Unlock()

	if ok && restart {
		existing.closeAll()
		util.WithSession(sessionID).Info("session restarted")
	} else {
		util.WithSession(sessionID).Info("session started")
	}
	return s
}

// End tears a session down. Idempotent.
func (t *SessionTable) End(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.closeAll()
	util.WithSession(sessionID).Info("session ended")
}

// Refresh resets the idle clock. Unknown sessions error so the caller can
// re-announce.
func (t *SessionTable) Refresh(sessionID string) error {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return util.ErrUnknownSession
	}
	s.touch(t.now())
	return nil
}

// Get looks a session up and touches it.
func (t *SessionTable) Get(sessionID string) (*Session, error) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, util.ErrUnknownSession
	}
	s.touch(t.now())
	return s, nil
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Reap ends every session idle past the TTL and returns how many died.
func (t *SessionTable) Reap() int {
	cutoff := t.now().Add(-t.idleTTL)

	t.mu.Lock()
	var stale []*Session
	for id, s := range t.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, s)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		s.closeAll()
		util.WithSession(s.ID).Info("session reaped after idle timeout")
	}
	return len(stale)
}

// RunReaper reaps periodically until ctx is cancelled.
func (t *SessionTable) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Reap(); n > 0 {
				util.WithComponent("commands").Infof("reaped %d idle sessions", n)
			}
		}
	}
}
