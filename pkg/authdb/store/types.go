// Package store owns the relational truth of the cloud API: users, sessions,
// router grants, device inventory, list memberships, mode state, and 2FA
// material. All keys are UUIDs minted server-side.
package store

import "time"

// User is an account created on first OAuth login.
type User struct {
	ID          string
	Email       string
	Name        string
	Requires2FA bool
	CreatedAt   time.Time
}

// Session is a server-managed login session. ID doubles as the sessionId
// announced to the commands-server; it is never the user id.
type Session struct {
	ID            string
	UserID        string
	TwoFAVerified bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Router is a (userId, routerId) grant.
type Router struct {
	UserID   string
	RouterID string
	Name     string
	Active   bool
	AddedAt  time.Time
}

// Device is an inventory row upserted from scan results. Devices are never
// implicitly deleted; absence from a scan only means it was not seen.
type Device struct {
	UserID    string
	RouterID  string
	IP        string
	MAC       string
	Hostname  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// ListKind names the two enforcement lists.
type ListKind string

const (
	Whitelist ListKind = "whitelist"
	Blacklist ListKind = "blacklist"
)

// ListMember is a whitelist or blacklist membership.
type ListMember struct {
	UserID   string
	RouterID string
	IP       string
	MAC      string
	Kind     ListKind
	AddedAt  time.Time
}

// ModeState is the per-(user, router) enforcement mode. At most one of the
// two actives is true at any instant.
type ModeState struct {
	UserID          string
	RouterID        string
	WhitelistActive bool
	BlacklistActive bool
	WhitelistRate   int
	BlacklistRate   int
}

// TwoFASettings is a user's 2FA material. Seed is AES-GCM encrypted at rest;
// backup codes are stored as SHA-256 hashes.
type TwoFASettings struct {
	UserID           string
	Enabled          bool
	EncryptedSeed    []byte
	SetupToken       string
	SetupExpiresAt   time.Time
	BackupCodeHashes []string
}

// TwoFAAttempts tracks verification failures for lockout escalation.
type TwoFAAttempts struct {
	UserID       string
	FailedCount  int
	LockoutLevel int
	LockedUntil  time.Time
}
