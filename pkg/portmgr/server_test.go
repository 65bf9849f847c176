package portmgr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netpilot-net/netpilot/pkg/util"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *Allocator) {
	t.Helper()
	a, err := NewAllocator(context.Background(), 2200, 2209, newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(NewServer(a, token))
	t.Cleanup(ts.Close)
	return ts, a
}

func TestServer_AllocateLookupRelease(t *testing.T) {
	ts, _ := newTestServer(t, "tok")
	client := NewClient(ts.URL, "tok")
	ctx := context.Background()

	port, err := client.Allocate(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if port != 2200 {
		t.Errorf("port = %d, want 2200", port)
	}

	// Lookup accepts the canonical form; the server normalizes input.
	got, err := client.LookupRouter(ctx, "aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Errorf("lookup = %d, want %d", got, port)
	}

	routerID, err := client.LookupPort(ctx, port)
	if err != nil {
		t.Fatal(err)
	}
	if routerID != "aabbccddeeff" {
		t.Errorf("reverse lookup = %s", routerID)
	}

	if err := client.Release(ctx, "aabbccddeeff"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.LookupRouter(ctx, "aabbccddeeff"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("lookup after release = %v, want ErrNotFound", err)
	}
}

func TestServer_SentinelsSurviveTheWire(t *testing.T) {
	ts, a := newTestServer(t, "tok")
	client := NewClient(ts.URL, "tok")
	ctx := context.Background()

	// Drain the range.
	for i := 0; i < 10; i++ {
		if _, err := a.Allocate(ctx, util.NormalizeRouterID(
			"aa:bb:cc:dd:ee:"+string([]byte{'0' + byte(i), '0'}))); err != nil {
			t.Fatal(err)
		}
	}
	_, err := client.Allocate(ctx, "11:22:33:44:55:66")
	if !errors.Is(err, util.ErrNoFreePort) {
		t.Errorf("exhausted range over HTTP = %v, want ErrNoFreePort", err)
	}

	_, err = client.Allocate(ctx, "not-a-mac")
	if !errors.Is(err, util.ErrBadRequest) {
		t.Errorf("bad router id over HTTP = %v, want ErrBadRequest", err)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	ts, _ := newTestServer(t, "tok")
	ctx := context.Background()

	bad := NewClient(ts.URL, "wrong")
	if _, err := bad.Allocate(ctx, "aabbccddeeff"); !errors.Is(err, util.ErrUnauthenticated) {
		t.Errorf("wrong token = %v, want ErrUnauthenticated", err)
	}

	none := NewClient(ts.URL, "")
	if _, err := none.Active(ctx); !errors.Is(err, util.ErrUnauthenticated) {
		t.Errorf("missing token = %v, want ErrUnauthenticated", err)
	}
}

func TestServer_HealthzUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t, "tok")

	resp, err := http.Get(ts.URL + "/v1/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}

func TestServer_Active(t *testing.T) {
	ts, a := newTestServer(t, "tok")
	client := NewClient(ts.URL, "tok")
	ctx := context.Background()

	if _, err := a.Allocate(ctx, "aabbccddee01"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(ctx, "aabbccddee02"); err != nil {
		t.Fatal(err)
	}

	leases, err := client.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}
	if leases[0].Port > leases[1].Port {
		t.Error("active leases not sorted by port")
	}
}
