package store

import (
	"context"
	"time"
)

// Store is the persistence surface the API handlers depend on. The pgx
// implementation is the only production one; tests use an in-memory fake.
type Store interface {
	// Users.
	FindOrCreateUser(ctx context.Context, email, name string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	// Sessions.
	CreateSession(ctx context.Context, userID string, ttl time.Duration, twoFAVerified bool) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	MarkSessionVerified(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Router grants.
	AddRouter(ctx context.Context, userID, routerID, name string) error
	RemoveRouter(ctx context.Context, userID, routerID string) error
	ListRouters(ctx context.Context, userID string) ([]Router, error)
	HasActiveRouter(ctx context.Context, userID, routerID string) (bool, error)

	// Device inventory.
	UpsertDevices(ctx context.Context, userID, routerID string, devices []Device) error
	ListDevices(ctx context.Context, userID, routerID string) ([]Device, error)

	// Enforcement lists and mode.
	AddListMember(ctx context.Context, kind ListKind, userID, routerID, ip, mac string) error
	RemoveListMember(ctx context.Context, kind ListKind, userID, routerID, ip string) error
	ListMembers(ctx context.Context, kind ListKind, userID, routerID string) ([]ListMember, error)
	GetModeState(ctx context.Context, userID, routerID string) (*ModeState, error)
	SetModeActive(ctx context.Context, userID, routerID string, kind ListKind, active bool) error
	SetRate(ctx context.Context, userID, routerID string, kind ListKind, rate int) error

	// Settings.
	SetDefaultRouter(ctx context.Context, userID, routerID string) error
	GetDefaultRouter(ctx context.Context, userID string) (string, error)

	// Two-factor material.
	Get2FA(ctx context.Context, userID string) (*TwoFASettings, error)
	SaveSetup(ctx context.Context, userID string, encryptedSeed []byte, setupToken string, expires time.Time) error
	Enable2FA(ctx context.Context, userID string, backupHashes []string) error
	Disable2FA(ctx context.Context, userID string) error
	ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error)
	GetAttempts(ctx context.Context, userID string) (*TwoFAAttempts, error)
	SetAttempts(ctx context.Context, userID string, a *TwoFAAttempts) error

	Close()
}
