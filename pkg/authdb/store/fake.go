package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Fake is an in-memory Store used by handler and flow tests. It mirrors the
// pg implementation's error contract.
type Fake struct {
	mu        sync.Mutex
	users     map[string]*User // by id
	sessions  map[string]*Session
	routers   map[string]*Router     // userID|routerID
	devices   map[string]*Device     // userID|routerID|ip
	members   map[string]*ListMember // kind|userID|routerID|ip
	modes     map[string]*ModeState  // userID|routerID
	defaults  map[string]string      // userID -> routerID
	twofa     map[string]*TwoFASettings
	attempts  map[string]*TwoFAAttempts
	SessionID string // when set, CreateSession uses this id
}

// NewFake builds an empty fake store.
func NewFake() *Fake {
	return &Fake{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		routers:  make(map[string]*Router),
		devices:  make(map[string]*Device),
		members:  make(map[string]*ListMember),
		modes:    make(map[string]*ModeState),
		defaults: make(map[string]string),
		twofa:    make(map[string]*TwoFASettings),
		attempts: make(map[string]*TwoFAAttempts),
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

func (f *Fake) Close() {}

func (f *Fake) FindOrCreateUser(_ context.Context, email, name string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			u.Name = name
			return u, nil
		}
	}
	u := &User{ID: uuid.NewString(), Email: email, Name: name, CreatedAt: time.Now()}
	f.users[u.ID] = u
	return u, nil
}

func (f *Fake) GetUser(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", util.ErrNotFound, id)
	}
	return u, nil
}

// SetRequires2FA is a test hook.
func (f *Fake) SetRequires2FA(userID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.Requires2FA = v
	}
}

func (f *Fake) CreateSession(_ context.Context, userID string, ttl time.Duration, twoFAVerified bool) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:            id,
		UserID:        userID,
		TwoFAVerified: twoFAVerified,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *Fake) GetSession(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, fmt.Errorf("%w: session", util.ErrUnauthenticated)
	}
	return s, nil
}

func (f *Fake) MarkSessionVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session", util.ErrUnauthenticated)
	}
	s.TwoFAVerified = true
	return nil
}

func (f *Fake) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *Fake) AddRouter(_ context.Context, userID, routerID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers[key(userID, routerID)] = &Router{
		UserID: userID, RouterID: routerID, Name: name, Active: true, AddedAt: time.Now(),
	}
	return nil
}

func (f *Fake) RemoveRouter(_ context.Context, userID, routerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routers, key(userID, routerID))
	return nil
}

func (f *Fake) ListRouters(_ context.Context, userID string) ([]Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Router
	for _, r := range f.routers {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *Fake) HasActiveRouter(_ context.Context, userID, routerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[key(userID, routerID)]
	return ok && r.Active, nil
}

func (f *Fake) UpsertDevices(_ context.Context, userID, routerID string, devices []Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, d := range devices {
		k := key(userID, routerID, d.IP)
		if existing, ok := f.devices[k]; ok {
			existing.MAC = d.MAC
			if d.Hostname != "" {
				existing.Hostname = d.Hostname
			}
			existing.LastSeen = now
			continue
		}
		f.devices[k] = &Device{
			UserID: userID, RouterID: routerID, IP: d.IP, MAC: d.MAC,
			Hostname: d.Hostname, FirstSeen: now, LastSeen: now,
		}
	}
	return nil
}

func (f *Fake) ListDevices(_ context.Context, userID, routerID string) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Device
	for _, d := range f.devices {
		if d.UserID == userID && d.RouterID == routerID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *Fake) AddListMember(_ context.Context, kind ListKind, userID, routerID, ip, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(string(kind), userID, routerID, ip)
	if _, ok := f.members[k]; ok {
		return fmt.Errorf("%w: %s already in %s", util.ErrConflict, ip, kind)
	}
	f.members[k] = &ListMember{
		UserID: userID, RouterID: routerID, IP: ip, MAC: mac, Kind: kind, AddedAt: time.Now(),
	}
	return nil
}

func (f *Fake) RemoveListMember(_ context.Context, kind ListKind, userID, routerID, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(string(kind), userID, routerID, ip)
	if _, ok := f.members[k]; !ok {
		return fmt.Errorf("%w: %s not in %s", util.ErrNotFound, ip, kind)
	}
	delete(f.members, k)
	return nil
}

func (f *Fake) ListMembers(_ context.Context, kind ListKind, userID, routerID string) ([]ListMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ListMember
	for _, m := range f.members {
		if m.Kind == kind && m.UserID == userID && m.RouterID == routerID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *Fake) getMode(userID, routerID string) *ModeState {
	k := key(userID, routerID)
	m, ok := f.modes[k]
	if !ok {
		m = &ModeState{UserID: userID, RouterID: routerID, WhitelistRate: 100, BlacklistRate: 100}
		f.modes[k] = m
	}
	return m
}

func (f *Fake) GetModeState(_ context.Context, userID, routerID string) (*ModeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *f.getMode(userID, routerID)
	return &m, nil
}

func (f *Fake) SetModeActive(_ context.Context, userID, routerID string, kind ListKind, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.getMode(userID, routerID)
	if active {
		if kind == Whitelist && m.BlacklistActive || kind == Blacklist && m.WhitelistActive {
			return fmt.Errorf("%w: the other list mode is active", util.ErrConflict)
		}
	}
	if kind == Whitelist {
		m.WhitelistActive = active
	} else {
		m.BlacklistActive = active
	}
	return nil
}

func (f *Fake) SetRate(_ context.Context, userID, routerID string, kind ListKind, rate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.getMode(userID, routerID)
	if kind == Whitelist {
		m.WhitelistRate = rate
	} else {
		m.BlacklistRate = rate
	}
	return nil
}

func (f *Fake) SetDefaultRouter(_ context.Context, userID, routerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[userID] = routerID
	return nil
}

func (f *Fake) GetDefaultRouter(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	routerID, ok := f.defaults[userID]
	if !ok {
		return "", fmt.Errorf("%w: no default router", util.ErrNotFound)
	}
	return routerID, nil
}

func (f *Fake) Get2FA(_ context.Context, userID string) (*TwoFASettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.twofa[userID]
	if !ok {
		return &TwoFASettings{UserID: userID}, nil
	}
	cp := *t
	cp.BackupCodeHashes = append([]string(nil), t.BackupCodeHashes...)
	return &cp, nil
}

func (f *Fake) SaveSetup(_ context.Context, userID string, encryptedSeed []byte, setupToken string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.twofa[userID]
	if !ok {
		t = &TwoFASettings{UserID: userID}
		f.twofa[userID] = t
	}
	t.EncryptedSeed = encryptedSeed
	t.SetupToken = setupToken
	t.SetupExpiresAt = expires
	return nil
}

func (f *Fake) Enable2FA(_ context.Context, userID string, backupHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.twofa[userID]
	if !ok {
		return fmt.Errorf("%w: no pending 2fa setup", util.ErrNotFound)
	}
	t.Enabled = true
	t.SetupToken = ""
	t.SetupExpiresAt = time.Time{}
	t.BackupCodeHashes = backupHashes
	return nil
}

func (f *Fake) Disable2FA(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.twofa, userID)
	delete(f.attempts, userID)
	return nil
}

func (f *Fake) ConsumeBackupCode(_ context.Context, userID, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.twofa[userID]
	if !ok {
		return false, nil
	}
	for i, h := range t.BackupCodeHashes {
		if h == hash {
			t.BackupCodeHashes = append(t.BackupCodeHashes[:i], t.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) GetAttempts(_ context.Context, userID string) (*TwoFAAttempts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[userID]
	if !ok {
		return &TwoFAAttempts{UserID: userID}, nil
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) SetAttempts(_ context.Context, userID string, a *TwoFAAttempts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts[userID] = &cp
	return nil
}

var _ Store = (*Fake)(nil)
