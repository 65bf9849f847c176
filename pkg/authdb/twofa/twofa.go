// Package twofa implements the TOTP second factor: setup with a short-lived
// token, verification with escalating lockout, and hashed one-time backup
// codes.
package twofa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/util"
)

const (
	setupTokenTTL   = 10 * time.Minute
	failureLimit    = 3
	backupCodeCount = 8
)

// Escalating lockout durations; the level sticks until a successful verify.
var lockoutSteps = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Service runs the 2FA flows against the store.
type Service struct {
	store  store.Store
	key    []byte
	issuer string
	now    func() time.Time
}

// NewService requires a 32-byte encryption key.
func NewService(st store.Store, encryptionKey []byte, issuer string) (*Service, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(encryptionKey))
	}
	return &Service{store: st, key: encryptionKey, issuer: issuer, now: time.Now}, nil
}

// Setup is what the UI needs to show the QR code and finish enrollment.
type Setup struct {
	Secret     string `json:"secret"`
	URL        string `json:"url"`
	SetupToken string `json:"setupToken"`
}

// StartSetup mints a fresh seed and a setup token valid for ten minutes.
// Restarting setup replaces any pending one; an enabled account must disable
// first.
func (s *Service) StartSetup(ctx context.Context, userID, accountName string) (*Setup, error) {
	existing, err := s.store.Get2FA(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.Enabled {
		return nil, fmt.Errorf("%w: 2fa already enabled", util.ErrConflict)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp seed: %w", err)
	}

	encrypted, err := encryptSeed(s.key, key.Secret())
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	if err := s.store.SaveSetup(ctx, userID, encrypted, token, s.now().Add(setupTokenTTL)); err != nil {
		return nil, err
	}

	return &Setup{Secret: key.Secret(), URL: key.URL(), SetupToken: token}, nil
}

// VerifySetup proves the user enrolled the seed and enables 2FA, returning
// the plaintext backup codes exactly once.
func (s *Service) VerifySetup(ctx context.Context, userID, setupToken, code string) ([]string, error) {
	settings, err := s.store.Get2FA(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings.Enabled {
		return nil, fmt.Errorf("%w: 2fa already enabled", util.ErrConflict)
	}
	if settings.SetupToken == "" || len(settings.EncryptedSeed) == 0 {
		return nil, fmt.Errorf("%w: no pending 2fa setup", util.ErrNotFound)
	}
	if subtle.ConstantTimeCompare([]byte(settings.SetupToken), []byte(setupToken)) != 1 {
		return nil, fmt.Errorf("%w: bad setup token", util.ErrAuthFailed)
	}
	if s.now().After(settings.SetupExpiresAt) {
		return nil, fmt.Errorf("%w: setup token expired", util.ErrAuthFailed)
	}

	seed, err := decryptSeed(s.key, settings.EncryptedSeed)
	if err != nil {
		return nil, err
	}
	if !s.validCode(code, seed) {
		return nil, fmt.Errorf("%w: bad code", util.ErrAuthFailed)
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.store.Enable2FA(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Verify accepts a TOTP code or a backup code. Three consecutive failures
// lock the account with escalating duration; a backup code is burned on use.
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	attempts, err := s.store.GetAttempts(ctx, userID)
	if err != nil {
		return err
	}
	if s.now().Before(attempts.LockedUntil) {
		return &util.LockedError{Until: attempts.LockedUntil}
	}

	settings, err := s.store.Get2FA(ctx, userID)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return fmt.Errorf("%w: 2fa not enabled", util.ErrNotFound)
	}

	seed, err := decryptSeed(s.key, settings.EncryptedSeed)
	if err != nil {
		return err
	}

	if s.validCode(code, seed) {
		return s.store.SetAttempts(ctx, userID, &store.TwoFAAttempts{UserID: userID})
	}

	// Not a TOTP code; maybe a backup code.
	burned, err := s.store.ConsumeBackupCode(ctx, userID, hashCode(code))
	if err != nil {
		return err
	}
	if burned {
		// Backup-code success clears the failure streak but keeps the
		// lockout level; a following failure run escalates, not restarts.
		attempts.FailedCount = 0
		attempts.LockedUntil = time.Time{}
		return s.store.SetAttempts(ctx, userID, attempts)
	}

	return s.recordFailure(ctx, attempts)
}

func (s *Service) recordFailure(ctx context.Context, attempts *store.TwoFAAttempts) error {
	attempts.FailedCount++
	if attempts.FailedCount >= failureLimit {
		step := attempts.LockoutLevel
		if step >= len(lockoutSteps) {
			step = len(lockoutSteps) - 1
		}
		attempts.LockedUntil = s.now().Add(lockoutSteps[step])
		attempts.LockoutLevel++
		attempts.FailedCount = 0
		if err := s.store.SetAttempts(ctx, attempts.UserID, attempts); err != nil {
			return err
		}
		return &util.LockedError{Until: attempts.LockedUntil}
	}
	if err := s.store.SetAttempts(ctx, attempts.UserID, attempts); err != nil {
		return err
	}
	return fmt.Errorf("%w: bad code", util.ErrAuthFailed)
}

// Disable turns 2FA off; it demands a valid current TOTP code.
func (s *Service) Disable(ctx context.Context, userID, code string) error {
	settings, err := s.store.Get2FA(ctx, userID)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return fmt.Errorf("%w: 2fa not enabled", util.ErrNotFound)
	}
	seed, err := decryptSeed(s.key, settings.EncryptedSeed)
	if err != nil {
		return err
	}
	if !s.validCode(code, seed) {
		return fmt.Errorf("%w: bad code", util.ErrAuthFailed)
	}
	return s.store.Disable2FA(ctx, userID)
}

// Enabled reports whether the user has 2FA turned on.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	settings, err := s.store.Get2FA(ctx, userID)
	if err != nil {
		return false, err
	}
	return settings.Enabled, nil
}

func (s *Service) validCode(code, seed string) bool {
	ok, err := totp.ValidateCustom(code, seed, s.now(), totpOpts)
	return err == nil && ok
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateBackupCodes() (codes, hashes []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		code := hex.EncodeToString(raw)
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}
	return codes, hashes, nil
}
