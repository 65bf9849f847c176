package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// scriptedRouter answers commands through a single function and records
// everything it ran.
type scriptedRouter struct {
	run      func(cmd string) (string, error)
	commands []string
	closed   bool
}

func (s *scriptedRouter) Run(_ context.Context, cmd string) (string, error) {
	s.commands = append(s.commands, cmd)
	return s.run(cmd)
}

func (s *scriptedRouter) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedRouter) ran(substr string) bool {
	for _, cmd := range s.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// healthyRouter emulates a fresh OpenWrt box: identity readable, no
// supervisor installed yet.
func healthyRouter() *scriptedRouter {
	r := &scriptedRouter{}
	r.run = func(cmd string) (string, error) {
		switch {
		case cmd == "cat /sys/class/net/br-lan/address":
			return "aa:bb:cc:dd:ee:ff\n", nil
		case strings.HasPrefix(cmd, "sha256sum"):
			return "", nil // no file yet
		case strings.Contains(cmd, "running && echo yes"):
			return "yes\n", nil
		default:
			return "", nil
		}
	}
	return r
}

// fakePorts is an in-memory PortClient.
type fakePorts struct {
	leases    map[string]int
	next      int
	allocErrs int // fail this many Allocate calls first
	released  []string
}

func newFakePorts() *fakePorts {
	return &fakePorts{leases: make(map[string]int), next: 2200}
}

func (f *fakePorts) Allocate(_ context.Context, routerID string) (int, error) {
	if f.allocErrs > 0 {
		f.allocErrs--
		return 0, errors.New("connection refused")
	}
	if port, ok := f.leases[routerID]; ok {
		return port, nil
	}
	port := f.next
	f.next++
	f.leases[routerID] = port
	return port, nil
}

func (f *fakePorts) Release(_ context.Context, routerID string) error {
	f.released = append(f.released, routerID)
	delete(f.leases, routerID)
	return nil
}

func (f *fakePorts) LookupRouter(_ context.Context, routerID string) (int, error) {
	port, ok := f.leases[routerID]
	if !ok {
		return 0, fmt.Errorf("%w: no lease", util.ErrNotFound)
	}
	return port, nil
}

func newTestAgent(t *testing.T, r *scriptedRouter, ports PortClient) *Agent {
	t.Helper()
	cfg := &config.Agent{
		CloudVMHost:   "203.0.113.5",
		CloudUser:     "tunnel",
		CloudPassword: "pw",
		RouterAddr:    "192.168.1.1",
		RouterUser:    "root",
		StatePath:     filepath.Join(t.TempDir(), "state.json"),
	}
	dial := func(addr, user, password string, _ time.Duration) (router.Runner, error) {
		if r == nil {
			return nil, errors.New("no route to host")
		}
		return r, nil
	}
	return New(cfg, ports, dial)
}

func TestConnect_FreshInstall(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)

	st, err := a.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateConnected || st.RouterID != "aabbccddeeff" || st.Port != 2200 {
		t.Errorf("status: %+v", st)
	}

	// State persisted.
	state, err := LoadState(a.statePath)
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.Port != 2200 || state.RouterID != "aabbccddeeff" {
		t.Errorf("state: %+v", state)
	}

	// Supervisor installed, enabled, and started.
	if !r.ran("cat > /etc/netpilot/tunnel.conf.tmp") {
		t.Error("tunnel.conf not written")
	}
	if !r.ran("cat > /etc/init.d/netpilot-tunnel.tmp") {
		t.Error("init script not written")
	}
	if !r.ran("/etc/init.d/netpilot-tunnel enable") {
		t.Error("service not enabled")
	}
}

func TestConnect_ReusesExistingLease(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	first, err := a.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Port != second.Port {
		t.Errorf("reconnect moved the port: %d then %d", first.Port, second.Port)
	}
}

func TestConnect_ReallocatesWhenLeaseGone(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	st, err := a.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Port manager lost the lease (wiped store).
	delete(ports.leases, st.RouterID)
	ports.next = 2250

	st2, err := a.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st2.Port != 2250 {
		t.Errorf("expected fresh allocation, got %d", st2.Port)
	}
}

func TestConnect_RetriesPortManagerOutage(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	ports.allocErrs = 2
	a := newTestAgent(t, r, ports)

	st, err := a.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Port != 2200 {
		t.Errorf("port = %d", st.Port)
	}
}

func TestConnect_NoFreePortNotRetried(t *testing.T) {
	r := healthyRouter()
	exhausted := &exhaustedPorts{}
	a := newTestAgent(t, r, exhausted)

	_, err := a.Connect(context.Background())
	if !errors.Is(err, util.ErrNoFreePort) {
		t.Fatalf("got %v, want ErrNoFreePort", err)
	}
	if exhausted.calls != 1 {
		t.Errorf("NoFreePort was retried %d times", exhausted.calls)
	}
}

type exhaustedPorts struct{ calls int }

func (e *exhaustedPorts) Allocate(context.Context, string) (int, error) {
	e.calls++
	return 0, util.ErrNoFreePort
}
func (e *exhaustedPorts) Release(context.Context, string) error { return nil }
func (e *exhaustedPorts) LookupRouter(context.Context, string) (int, error) {
	return 0, util.ErrNotFound
}

func TestConnect_RouterUnreachable(t *testing.T) {
	a := newTestAgent(t, nil, newFakePorts())
	_, err := a.Connect(context.Background())
	if !errors.Is(err, util.ErrUnknownRouter) {
		t.Errorf("got %v, want ErrUnknownRouter", err)
	}
	// No state written on failure.
	state, _ := LoadState(a.statePath)
	if state != nil {
		t.Errorf("failed connect left state behind: %+v", state)
	}
}

func TestDisconnect_PreservesLeaseAndState(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	if _, err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	if !r.ran("netpilot-tunnel stop") {
		t.Error("supervisor not stopped")
	}
	if len(ports.released) != 0 {
		t.Errorf("disconnect released the lease: %v", ports.released)
	}
	state, _ := LoadState(a.statePath)
	if state == nil || state.Port == 0 {
		t.Errorf("disconnect cleared state: %+v", state)
	}
}

func TestReset_ReleasesEverything(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	if _, err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	if !r.ran("rm -f /etc/init.d/netpilot-tunnel") {
		t.Error("supervisor files not removed")
	}
	if len(ports.released) != 1 || ports.released[0] != "aabbccddeeff" {
		t.Errorf("released: %v", ports.released)
	}
	state, _ := LoadState(a.statePath)
	if state != nil {
		t.Errorf("reset left state behind: %+v", state)
	}
}

func TestReset_RouterUnreachableStillReleases(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	if _, err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// Router dies; reset must still release the lease and clear state.
	unreachable := newTestAgent(t, nil, ports)
	unreachable.statePath = a.statePath
	if err := unreachable.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ports.released) != 1 {
		t.Errorf("released: %v", ports.released)
	}
}

func TestStatus_Lifecycle(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateUninitialized {
		t.Errorf("fresh install state = %s", st.State)
	}

	if _, err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateConnected {
		t.Errorf("after connect state = %s", st.State)
	}
}

func TestStatus_DegradedWhenRouterGone(t *testing.T) {
	r := healthyRouter()
	ports := newFakePorts()
	a := newTestAgent(t, r, ports)
	ctx := context.Background()

	if _, err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	gone := newTestAgent(t, nil, ports)
	gone.statePath = a.statePath
	st, err := gone.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateDegraded {
		t.Errorf("state = %s, want degraded", st.State)
	}
}

func TestInstallSupervisor_Idempotent(t *testing.T) {
	// Router that reports matching hashes for already-installed files.
	r := &scriptedRouter{}
	r.run = func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "sha256sum /etc/netpilot/tunnel.conf") {
			sum := sha256.Sum256([]byte(renderConf(testSpec)))
			return hex.EncodeToString(sum[:]) + "\n", nil
		}
		if strings.HasPrefix(cmd, "sha256sum /etc/init.d/netpilot-tunnel") {
			sum := sha256.Sum256([]byte(initScript))
			return hex.EncodeToString(sum[:]) + "\n", nil
		}
		return "", nil
	}

	if err := InstallSupervisor(context.Background(), r, testSpec); err != nil {
		t.Fatal(err)
	}
	if r.ran("cat >") {
		t.Error("unchanged files were rewritten")
	}
	if r.ran("netpilot-tunnel restart") {
		t.Error("unchanged install must not bounce the tunnel")
	}
	if !r.ran("netpilot-tunnel enable") {
		t.Error("enable must run every time")
	}
}

func TestWriteIfChanged_HashesBytesAsWritten(t *testing.T) {
	// The heredoc write appends a trailing newline to content that lacks
	// one; the remote comparison must hash those exact bytes or repeat
	// installs rewrite an identical file forever.
	content := "OPTION=1"
	sum := sha256.Sum256([]byte(content + "\n"))
	remote := hex.EncodeToString(sum[:])

	r := &scriptedRouter{}
	r.run = func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "sha256sum /tmp/f") {
			return remote + "\n", nil
		}
		return "", nil
	}

	changed, err := writeIfChanged(context.Background(), r, "/tmp/f", content, "600")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("identical file rewritten")
	}
	if r.ran("cat >") {
		t.Error("unchanged file was rewritten")
	}
}

var testSpec = TunnelSpec{Port: 2200, VMHost: "203.0.113.5", VMUser: "tunnel", VMPassword: "pw"}

func TestRenderConf(t *testing.T) {
	conf := renderConf(testSpec)
	for _, want := range []string{"TUNNEL_PORT=2200", `VM_HOST="203.0.113.5"`, `VM_USER="tunnel"`} {
		if !strings.Contains(conf, want) {
			t.Errorf("conf missing %s:\n%s", want, conf)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	s, err := LoadState(path)
	if err != nil || s != nil {
		t.Fatalf("missing state: %v %v", s, err)
	}

	want := &State{RouterID: "aabbccddeeff", Port: 2200, VMHost: "vm", VMUser: "u", RouterAddr: "192.168.1.1"}
	if err := SaveState(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.RouterID != want.RouterID || got.Port != want.Port {
		t.Errorf("round trip: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}

	if err := ClearState(path); err != nil {
		t.Fatal(err)
	}
	if err := ClearState(path); err != nil {
		t.Errorf("double clear: %v", err)
	}
}
