//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netpilot-net/netpilot/internal/testutil"
	"github.com/netpilot-net/netpilot/pkg/util"
)

const itRouterID = "aabbcc112233"

func openPG(t *testing.T) (*PG, context.Context) {
	t.Helper()
	url := testutil.SkipIfNoPostgres(t)
	ctx := testutil.Context(t)
	pg, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg, ctx
}

// newPGUser creates a user with a unique email per test run.
func newPGUser(t *testing.T, pg *PG, ctx context.Context) *User {
	t.Helper()
	email := t.Name() + "-" + time.Now().Format("150405.000000000") + "@test.local"
	u, err := pg.FindOrCreateUser(ctx, email, "Test User")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestPG_FindOrCreateUser_Idempotent(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	again, err := pg.FindOrCreateUser(ctx, u.Email, "Renamed")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != u.ID {
		t.Errorf("same email produced two users: %s, %s", u.ID, again.ID)
	}
	if again.Name != "Renamed" {
		t.Errorf("name not updated: %q", again.Name)
	}
}

func TestPG_SessionLifecycle(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	sess, err := pg.CreateSession(ctx, u.ID, time.Hour, false)
	if err != nil {
		t.Fatal(err)
	}

	got, err := pg.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != u.ID || got.TwoFAVerified {
		t.Fatalf("session = %+v", got)
	}

	if err := pg.MarkSessionVerified(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	got, err = pg.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TwoFAVerified {
		t.Error("session not marked verified")
	}

	if err := pg.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := pg.GetSession(ctx, sess.ID); !errors.Is(err, util.ErrUnauthenticated) {
		t.Errorf("deleted session readable: %v", err)
	}
}

func TestPG_ExpiredSession_Unauthenticated(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	sess, err := pg.CreateSession(ctx, u.ID, -time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pg.GetSession(ctx, sess.ID); !errors.Is(err, util.ErrUnauthenticated) {
		t.Errorf("expired session readable: %v", err)
	}
}

func TestPG_ListMembership(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)
	if err := pg.AddRouter(ctx, u.ID, itRouterID, "home"); err != nil {
		t.Fatal(err)
	}

	err := pg.AddListMember(ctx, Whitelist, u.ID, itRouterID, "192.168.1.10", "aa:bb:cc:11:22:33")
	if err != nil {
		t.Fatal(err)
	}
	// Duplicate IP conflicts.
	err = pg.AddListMember(ctx, Whitelist, u.ID, itRouterID, "192.168.1.10", "aa:bb:cc:11:22:33")
	if !errors.Is(err, util.ErrConflict) {
		t.Errorf("duplicate add: %v", err)
	}
	// Same IP on the other list is allowed.
	err = pg.AddListMember(ctx, Blacklist, u.ID, itRouterID, "192.168.1.10", "aa:bb:cc:11:22:33")
	if err != nil {
		t.Errorf("cross-list add: %v", err)
	}

	members, err := pg.ListMembers(ctx, Whitelist, u.ID, itRouterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %+v", members)
	}

	if err := pg.RemoveListMember(ctx, Whitelist, u.ID, itRouterID, "192.168.1.10"); err != nil {
		t.Fatal(err)
	}
	err = pg.RemoveListMember(ctx, Whitelist, u.ID, itRouterID, "192.168.1.10")
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("double remove: %v", err)
	}
}

func TestPG_ModeMutualExclusion(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	if err := pg.SetModeActive(ctx, u.ID, itRouterID, Whitelist, true); err != nil {
		t.Fatal(err)
	}
	err := pg.SetModeActive(ctx, u.ID, itRouterID, Blacklist, true)
	if !errors.Is(err, util.ErrConflict) {
		t.Fatalf("both modes activated: %v", err)
	}

	if err := pg.SetModeActive(ctx, u.ID, itRouterID, Whitelist, false); err != nil {
		t.Fatal(err)
	}
	if err := pg.SetModeActive(ctx, u.ID, itRouterID, Blacklist, true); err != nil {
		t.Fatalf("blacklist after whitelist off: %v", err)
	}

	mode, err := pg.GetModeState(ctx, u.ID, itRouterID)
	if err != nil {
		t.Fatal(err)
	}
	if mode.WhitelistActive || !mode.BlacklistActive {
		t.Fatalf("mode = %+v", mode)
	}
}

func TestPG_UpsertDevices_KeepsHostname(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	err := pg.UpsertDevices(ctx, u.ID, itRouterID, []Device{
		{IP: "192.168.1.10", MAC: "aa:bb:cc:11:22:33", Hostname: "laptop"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A later scan without a hostname must not erase the known one.
	err = pg.UpsertDevices(ctx, u.ID, itRouterID, []Device{
		{IP: "192.168.1.10", MAC: "aa:bb:cc:11:22:33"},
	})
	if err != nil {
		t.Fatal(err)
	}

	devices, err := pg.ListDevices(ctx, u.ID, itRouterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Hostname != "laptop" {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestPG_BackupCodeConsumedOnce(t *testing.T) {
	pg, ctx := openPG(t)
	u := newPGUser(t, pg, ctx)

	if err := pg.SaveSetup(ctx, u.ID, []byte("seed"), "token", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := pg.Enable2FA(ctx, u.ID, []string{"hash1", "hash2"}); err != nil {
		t.Fatal(err)
	}

	ok, err := pg.ConsumeBackupCode(ctx, u.ID, "hash1")
	if err != nil || !ok {
		t.Fatalf("first consume: %v %v", ok, err)
	}
	ok, err = pg.ConsumeBackupCode(ctx, u.ID, "hash1")
	if err != nil || ok {
		t.Fatalf("second consume: %v %v", ok, err)
	}
}
