package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// PG is the pgx-backed Store.
type PG struct {
	pool *pgxpool.Pool
}

// Open connects, pings, and applies the schema.
func Open(ctx context.Context, databaseURL string) (*PG, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PG{pool: pool}, nil
}

func (s *PG) Close() {
	s.pool.Close()
}

// ============================================================
// Users
// ============================================================

func (s *PG) FindOrCreateUser(ctx context.Context, email, name string) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, email, name, requires_2fa, created_at`,
		uuid.NewString(), email, name,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Requires2FA, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("find-or-create user %s: %w", email, err)
	}
	return u, nil
}

func (s *PG) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, requires_2fa, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Requires2FA, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", util.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", id, err)
	}
	return u, nil
}

// ============================================================
// Sessions
// ============================================================

func (s *PG) CreateSession(ctx context.Context, userID string, ttl time.Duration, twoFAVerified bool) (*Session, error) {
	sess := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		TwoFAVerified: twoFAVerified,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, twofa_verified, expires_at)
		 VALUES ($1, $2, $3, now() + $4)
		 RETURNING created_at, expires_at`,
		sess.ID, userID, twoFAVerified, ttl,
	).Scan(&sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *PG) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, twofa_verified, created_at, expires_at
		 FROM sessions WHERE id = $1 AND expires_at > now()`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.TwoFAVerified, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", util.ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

func (s *PG) MarkSessionVerified(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET twofa_verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking session verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session", util.ErrUnauthenticated)
	}
	return nil
}

func (s *PG) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ============================================================
// Router grants
// ============================================================

func (s *PG) AddRouter(ctx context.Context, userID, routerID, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_routers (user_id, router_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, router_id) DO UPDATE SET name = EXCLUDED.name, active = TRUE`,
		userID, routerID, name)
	if err != nil {
		return fmt.Errorf("adding router grant: %w", err)
	}
	return nil
}

func (s *PG) RemoveRouter(ctx context.Context, userID, routerID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_routers WHERE user_id = $1 AND router_id = $2`, userID, routerID)
	if err != nil {
		return fmt.Errorf("removing router grant: %w", err)
	}
	return nil
}

func (s *PG) ListRouters(ctx context.Context, userID string) ([]Router, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, router_id, name, active, added_at
		 FROM user_routers WHERE user_id = $1 ORDER BY added_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing routers: %w", err)
	}
	defer rows.Close()

	var routers []Router
	for rows.Next() {
		var r Router
		if err := rows.Scan(&r.UserID, &r.RouterID, &r.Name, &r.Active, &r.AddedAt); err != nil {
			return nil, err
		}
		routers = append(routers, r)
	}
	return routers, rows.Err()
}

func (s *PG) HasActiveRouter(ctx context.Context, userID, routerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_routers
		 WHERE user_id = $1 AND router_id = $2 AND active)`, userID, routerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking router grant: %w", err)
	}
	return exists, nil
}

// ============================================================
// Device inventory
// ============================================================

// UpsertDevices applies a whole scan in one transaction: new rows get
// first_seen, existing rows update mac/hostname/last_seen. Nothing is
// deleted.
func (s *PG) UpsertDevices(ctx context.Context, userID, routerID string, devices []Device) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning device upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range devices {
		_, err := tx.Exec(ctx,
			`INSERT INTO user_devices (user_id, router_id, ip, mac, hostname)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, router_id, ip) DO UPDATE
			 SET mac = EXCLUDED.mac,
			     hostname = CASE WHEN EXCLUDED.hostname <> '' THEN EXCLUDED.hostname
			                     ELSE user_devices.hostname END,
			     last_seen = now()`,
			userID, routerID, d.IP, d.MAC, d.Hostname)
		if err != nil {
			return fmt.Errorf("upserting device %s: %w", d.IP, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PG) ListDevices(ctx context.Context, userID, routerID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, router_id, ip, mac, hostname, first_seen, last_seen
		 FROM user_devices WHERE user_id = $1 AND router_id = $2 ORDER BY ip`,
		userID, routerID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.RouterID, &d.IP, &d.MAC, &d.Hostname, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ============================================================
// Lists and mode
// ============================================================

func listTable(kind ListKind) string {
	if kind == Whitelist {
		return "user_whitelists"
	}
	return "user_blacklists"
}

func (s *PG) AddListMember(ctx context.Context, kind ListKind, userID, routerID, ip, mac string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+listTable(kind)+` (user_id, router_id, ip, mac)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		userID, routerID, ip, mac)
	if err != nil {
		return fmt.Errorf("adding %s member: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s already in %s", util.ErrConflict, ip, kind)
	}
	return nil
}

func (s *PG) RemoveListMember(ctx context.Context, kind ListKind, userID, routerID, ip string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+listTable(kind)+` WHERE user_id = $1 AND router_id = $2 AND ip = $3`,
		userID, routerID, ip)
	if err != nil {
		return fmt.Errorf("removing %s member: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not in %s", util.ErrNotFound, ip, kind)
	}
	return nil
}

func (s *PG) ListMembers(ctx context.Context, kind ListKind, userID, routerID string) ([]ListMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, router_id, ip, mac, added_at FROM `+listTable(kind)+`
		 WHERE user_id = $1 AND router_id = $2 ORDER BY added_at`,
		userID, routerID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	defer rows.Close()

	var members []ListMember
	for rows.Next() {
		m := ListMember{Kind: kind}
		if err := rows.Scan(&m.UserID, &m.RouterID, &m.IP, &m.MAC, &m.AddedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PG) GetModeState(ctx context.Context, userID, routerID string) (*ModeState, error) {
	m := &ModeState{UserID: userID, RouterID: routerID, WhitelistRate: 100, BlacklistRate: 100}
	err := s.pool.QueryRow(ctx,
		`SELECT whitelist_active, blacklist_active, whitelist_rate, blacklist_rate
		 FROM user_settings WHERE user_id = $1 AND router_id = $2`,
		userID, routerID,
	).Scan(&m.WhitelistActive, &m.BlacklistActive, &m.WhitelistRate, &m.BlacklistRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, nil // defaults: nothing active
	}
	if err != nil {
		return nil, fmt.Errorf("loading mode state: %w", err)
	}
	return m, nil
}

// SetModeActive flips one mode. Activating while the other mode is active is
// a Conflict; callers that want replace semantics deactivate first.
func (s *PG) SetModeActive(ctx context.Context, userID, routerID string, kind ListKind, active bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning mode update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO user_settings (user_id, router_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, router_id) DO NOTHING`, userID, routerID); err != nil {
		return fmt.Errorf("ensuring settings row: %w", err)
	}

	if active {
		var otherActive bool
		other := "blacklist_active"
		if kind == Blacklist {
			other = "whitelist_active"
		}
		err := tx.QueryRow(ctx,
			`SELECT `+other+` FROM user_settings
			 WHERE user_id = $1 AND router_id = $2 FOR UPDATE`,
			userID, routerID).Scan(&otherActive)
		if err != nil {
			return fmt.Errorf("checking opposing mode: %w", err)
		}
		if otherActive {
			return fmt.Errorf("%w: the other list mode is active", util.ErrConflict)
		}
	}

	column := "whitelist_active"
	if kind == Blacklist {
		column = "blacklist_active"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE user_settings SET `+column+` = $3 WHERE user_id = $1 AND router_id = $2`,
		userID, routerID, active); err != nil {
		return fmt.Errorf("updating mode: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PG) SetRate(ctx context.Context, userID, routerID string, kind ListKind, rate int) error {
	column := "whitelist_rate"
	if kind == Blacklist {
		column = "blacklist_rate"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, router_id, `+column+`) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, router_id) DO UPDATE SET `+column+` = EXCLUDED.`+column,
		userID, routerID, rate)
	if err != nil {
		return fmt.Errorf("updating %s rate: %w", kind, err)
	}
	return nil
}

// ============================================================
// Settings
// ============================================================

func (s *PG) SetDefaultRouter(ctx context.Context, userID, routerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning default-router update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE user_settings SET default_router = FALSE WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clearing default router: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_settings (user_id, router_id, default_router) VALUES ($1, $2, TRUE)
		 ON CONFLICT (user_id, router_id) DO UPDATE SET default_router = TRUE`,
		userID, routerID); err != nil {
		return fmt.Errorf("setting default router: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PG) GetDefaultRouter(ctx context.Context, userID string) (string, error) {
	var routerID string
	err := s.pool.QueryRow(ctx,
		`SELECT router_id FROM user_settings WHERE user_id = $1 AND default_router`, userID,
	).Scan(&routerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: no default router", util.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading default router: %w", err)
	}
	return routerID, nil
}

// ============================================================
// Two-factor
// ============================================================

func (s *PG) Get2FA(ctx context.Context, userID string) (*TwoFASettings, error) {
	t := &TwoFASettings{UserID: userID}
	var setupExpires *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT enabled, encrypted_seed, setup_token, setup_expires_at, backup_codes
		 FROM user_2fa_settings WHERE user_id = $1`, userID,
	).Scan(&t.Enabled, &t.EncryptedSeed, &t.SetupToken, &setupExpires, &t.BackupCodeHashes)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, nil // zero value: not set up
	}
	if err != nil {
		return nil, fmt.Errorf("loading 2fa settings: %w", err)
	}
	if setupExpires != nil {
		t.SetupExpiresAt = *setupExpires
	}
	return t, nil
}

func (s *PG) SaveSetup(ctx context.Context, userID string, encryptedSeed []byte, setupToken string, expires time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_2fa_settings (user_id, enabled, encrypted_seed, setup_token, setup_expires_at)
		 VALUES ($1, FALSE, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET encrypted_seed = EXCLUDED.encrypted_seed,
		     setup_token = EXCLUDED.setup_token,
		     setup_expires_at = EXCLUDED.setup_expires_at`,
		userID, encryptedSeed, setupToken, expires)
	if err != nil {
		return fmt.Errorf("saving 2fa setup: %w", err)
	}
	return nil
}

func (s *PG) Enable2FA(ctx context.Context, userID string, backupHashes []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_2fa_settings
		 SET enabled = TRUE, setup_token = '', setup_expires_at = NULL, backup_codes = $2
		 WHERE user_id = $1`,
		userID, backupHashes)
	if err != nil {
		return fmt.Errorf("enabling 2fa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no pending 2fa setup", util.ErrNotFound)
	}
	return nil
}

func (s *PG) Disable2FA(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_2fa_settings WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("disabling 2fa: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_2fa_attempts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clearing 2fa attempts: %w", err)
	}
	return nil
}

// ConsumeBackupCode removes the matching hash; true when a code was burned.
func (s *PG) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_2fa_settings SET backup_codes = array_remove(backup_codes, $2)
		 WHERE user_id = $1 AND $2 = ANY(backup_codes)`,
		userID, hash)
	if err != nil {
		return false, fmt.Errorf("consuming backup code: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PG) GetAttempts(ctx context.Context, userID string) (*TwoFAAttempts, error) {
	a := &TwoFAAttempts{UserID: userID}
	var lockedUntil *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT failed_count, lockout_level, locked_until
		 FROM user_2fa_attempts WHERE user_id = $1`, userID,
	).Scan(&a.FailedCount, &a.LockoutLevel, &lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading 2fa attempts: %w", err)
	}
	if lockedUntil != nil {
		a.LockedUntil = *lockedUntil
	}
	return a, nil
}

func (s *PG) SetAttempts(ctx context.Context, userID string, a *TwoFAAttempts) error {
	var lockedUntil *time.Time
	if !a.LockedUntil.IsZero() {
		lockedUntil = &a.LockedUntil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_2fa_attempts (user_id, failed_count, lockout_level, locked_until)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET failed_count = EXCLUDED.failed_count,
		     lockout_level = EXCLUDED.lockout_level,
		     locked_until = EXCLUDED.locked_until`,
		userID, a.FailedCount, a.LockoutLevel, lockedUntil)
	if err != nil {
		return fmt.Errorf("saving 2fa attempts: %w", err)
	}
	return nil
}

var _ Store = (*PG)(nil)
