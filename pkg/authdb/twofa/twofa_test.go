package twofa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/util"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) (*Service, *store.Fake, *time.Time) {
	t.Helper()
	fake := store.NewFake()
	svc, err := NewService(fake, testKey, "NetPilot")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	svc.now = func() time.Time { return now }
	return svc, fake, &now
}

func codeFor(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totpOpts)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// enroll runs the full setup flow and returns the secret and backup codes.
func enroll(t *testing.T, svc *Service, now time.Time, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := svc.StartSetup(ctx, userID, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	codes, err := svc.VerifySetup(ctx, userID, setup.SetupToken, codeFor(t, setup.Secret, now))
	if err != nil {
		t.Fatal(err)
	}
	return setup.Secret, codes
}

func TestSetupFlow(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	setup, err := svc.StartSetup(ctx, "u1", "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if setup.Secret == "" || setup.URL == "" || setup.SetupToken == "" {
		t.Fatalf("incomplete setup: %+v", setup)
	}

	codes, err := svc.VerifySetup(ctx, "u1", setup.SetupToken, codeFor(t, setup.Secret, *now))
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != backupCodeCount {
		t.Errorf("got %d backup codes", len(codes))
	}

	enabled, err := svc.Enabled(ctx, "u1")
	if err != nil || !enabled {
		t.Errorf("enabled = %v, %v", enabled, err)
	}
}

func TestVerifySetup_BadToken(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	setup, err := svc.StartSetup(ctx, "u1", "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.VerifySetup(ctx, "u1", "wrong-token", codeFor(t, setup.Secret, *now))
	if !errors.Is(err, util.ErrAuthFailed) {
		t.Errorf("got %v, want ErrAuthFailed", err)
	}
}

func TestVerifySetup_ExpiredToken(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	setup, err := svc.StartSetup(ctx, "u1", "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(11 * time.Minute)
	_, err = svc.VerifySetup(ctx, "u1", setup.SetupToken, codeFor(t, setup.Secret, *now))
	if !errors.Is(err, util.ErrAuthFailed) {
		t.Errorf("expired token: got %v, want ErrAuthFailed", err)
	}
}

func TestStartSetup_AlreadyEnabled(t *testing.T) {
	svc, _, now := newTestService(t)
	enroll(t, svc, *now, "u1")

	_, err := svc.StartSetup(context.Background(), "u1", "user@example.com")
	if !errors.Is(err, util.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestVerify_TOTPWithSkew(t *testing.T) {
	svc, _, now := newTestService(t)
	secret, _ := enroll(t, svc, *now, "u1")
	ctx := context.Background()

	// A code from the previous 30s step is inside the ±1 window.
	if err := svc.Verify(ctx, "u1", codeFor(t, secret, now.Add(-30*time.Second))); err != nil {
		t.Errorf("previous-step code rejected: %v", err)
	}
	// Two steps back is outside.
	if err := svc.Verify(ctx, "u1", codeFor(t, secret, now.Add(-90*time.Second))); err == nil {
		t.Error("stale code accepted")
	}
}

func TestVerify_BackupCodeBurnsOnUse(t *testing.T) {
	svc, _, now := newTestService(t)
	_, codes := enroll(t, svc, *now, "u1")
	ctx := context.Background()

	if err := svc.Verify(ctx, "u1", codes[0]); err != nil {
		t.Fatalf("backup code rejected: %v", err)
	}
	// Same code again must fail.
	if err := svc.Verify(ctx, "u1", codes[0]); err == nil {
		t.Error("burned backup code accepted twice")
	}
}

func TestVerify_LockoutEscalation(t *testing.T) {
	svc, _, nowP := newTestService(t)
	secret, _ := enroll(t, svc, *nowP, "u1")
	ctx := context.Background()

	fail3 := func() error {
		var last error
		for i := 0; i < 3; i++ {
			last = svc.Verify(ctx, "u1", "000000")
		}
		return last
	}

	// First streak: third failure locks for 5 minutes.
	err := fail3()
	var locked *util.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("third failure: %v", err)
	}
	if d := locked.Until.Sub(*nowP); d != 5*time.Minute {
		t.Errorf("first lockout = %v, want 5m", d)
	}

	// While locked, even a valid code is refused.
	if err := svc.Verify(ctx, "u1", codeFor(t, secret, *nowP)); !errors.Is(err, util.ErrAccountLocked) {
		t.Errorf("locked verify: %v", err)
	}

	// After the lock expires, the next streak escalates to 15 minutes.
	*nowP = nowP.Add(6 * time.Minute)
	err = fail3()
	if !errors.As(err, &locked) {
		t.Fatalf("second streak: %v", err)
	}
	if d := locked.Until.Sub(*nowP); d != 15*time.Minute {
		t.Errorf("second lockout = %v, want 15m", d)
	}

	// Escalation continues 1h then caps at 24h.
	*nowP = nowP.Add(16 * time.Minute)
	errors.As(fail3(), &locked)
	if d := locked.Until.Sub(*nowP); d != time.Hour {
		t.Errorf("third lockout = %v, want 1h", d)
	}
	*nowP = nowP.Add(2 * time.Hour)
	errors.As(fail3(), &locked)
	if d := locked.Until.Sub(*nowP); d != 24*time.Hour {
		t.Errorf("fourth lockout = %v, want 24h", d)
	}
	*nowP = nowP.Add(25 * time.Hour)
	errors.As(fail3(), &locked)
	if d := locked.Until.Sub(*nowP); d != 24*time.Hour {
		t.Errorf("capped lockout = %v, want 24h", d)
	}
}

func TestVerify_SuccessResetsFailures(t *testing.T) {
	svc, fake, now := newTestService(t)
	secret, _ := enroll(t, svc, *now, "u1")
	ctx := context.Background()

	svc.Verify(ctx, "u1", "000000")
	svc.Verify(ctx, "u1", "000000")
	if err := svc.Verify(ctx, "u1", codeFor(t, secret, *now)); err != nil {
		t.Fatal(err)
	}

	a, err := fake.GetAttempts(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.FailedCount != 0 || a.LockoutLevel != 0 {
		t.Errorf("attempts after success: %+v", a)
	}

	// Two more failures still do not lock.
	svc.Verify(ctx, "u1", "000000")
	if err := svc.Verify(ctx, "u1", "000000"); errors.Is(err, util.ErrAccountLocked) {
		t.Error("locked before reaching the threshold")
	}
}

func TestDisable(t *testing.T) {
	svc, _, now := newTestService(t)
	secret, _ := enroll(t, svc, *now, "u1")
	ctx := context.Background()

	if err := svc.Disable(ctx, "u1", "000000"); !errors.Is(err, util.ErrAuthFailed) {
		t.Errorf("disable with bad code: %v", err)
	}
	if err := svc.Disable(ctx, "u1", codeFor(t, secret, *now)); err != nil {
		t.Fatal(err)
	}
	enabled, err := svc.Enabled(ctx, "u1")
	if err != nil || enabled {
		t.Errorf("still enabled after disable: %v, %v", enabled, err)
	}
}

func TestSeedEncryptionRoundTrip(t *testing.T) {
	blob, err := encryptSeed(testKey, "JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatal(err)
	}
	seed, err := decryptSeed(testKey, blob)
	if err != nil {
		t.Fatal(err)
	}
	if seed != "JBSWY3DPEHPK3PXP" {
		t.Errorf("seed = %q", seed)
	}

	// Wrong key must not decrypt.
	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := decryptSeed(otherKey, blob); err == nil {
		t.Error("wrong key decrypted the seed")
	}
}
