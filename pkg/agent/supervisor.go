package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// The tunnel is held open by the router itself, init-managed so it survives
// reboots. The agent only installs and observes.
const (
	initScriptPath = "/etc/init.d/netpilot-tunnel"
	tunnelConfPath = "/etc/netpilot/tunnel.conf"
	serviceName    = "netpilot-tunnel"
)

// TunnelSpec is everything the on-router supervisor needs.
type TunnelSpec struct {
	Port       int
	VMHost     string
	VMUser     string
	VMPassword string
}

// initScript is a procd service wrapping autossh. autossh reconnects on
// flaps; procd respawns autossh if it dies.
const initScript = `#!/bin/sh /etc/rc.common

START=99
USE_PROCD=1

start_service() {
	. ` + tunnelConfPath + `

	procd_open_instance
	procd_set_param command /usr/bin/sshpass -p "$VM_PASSWORD" \
		/usr/bin/autossh -M 0 -N \
		-o ServerAliveInterval=30 \
		-o ServerAliveCountMax=3 \
		-o StrictHostKeyChecking=no \
		-o ExitOnForwardFailure=yes \
		-R "$TUNNEL_PORT":127.0.0.1:22 \
		"$VM_USER"@"$VM_HOST"
	procd_set_param respawn 300 5 0
	procd_close_instance
}
`

func renderConf(spec TunnelSpec) string {
	return fmt.Sprintf(`TUNNEL_PORT=%d
VM_HOST=%q
VM_USER=%q
VM_PASSWORD=%q
`, spec.Port, spec.VMHost, spec.VMUser, spec.VMPassword)
}

// InstallSupervisor writes the init script and tunnel config onto the router,
// enables the service, and (re)starts it. Files are only rewritten when their
// content changed, so repeat connects with the same spec are no-ops apart
// from the restart check.
func InstallSupervisor(ctx context.Context, r router.Runner, spec TunnelSpec) error {
	confChanged, err := writeIfChanged(ctx, r, tunnelConfPath, renderConf(spec), "600")
	if err != nil {
		return fmt.Errorf("installing tunnel config: %w", err)
	}
	scriptChanged, err := writeIfChanged(ctx, r, initScriptPath, initScript, "755")
	if err != nil {
		return fmt.Errorf("installing init script: %w", err)
	}

	if _, err := r.Run(ctx, initScriptPath+" enable"); err != nil {
		return fmt.Errorf("enabling %s: %w", serviceName, err)
	}

	if confChanged || scriptChanged {
		if _, err := r.Run(ctx, initScriptPath+" restart"); err != nil {
			return fmt.Errorf("restarting %s: %w", serviceName, err)
		}
		return nil
	}
	// Unchanged config: make sure it is running, do not bounce it.
	if _, err := r.Run(ctx, initScriptPath+" running || "+initScriptPath+" start"); err != nil {
		return fmt.Errorf("starting %s: %w", serviceName, err)
	}
	return nil
}

// StopSupervisor stops the tunnel but leaves the install in place, so a
// later connect reuses it.
func StopSupervisor(ctx context.Context, r router.Runner) error {
	_, err := r.Run(ctx, initScriptPath+" stop 2>/dev/null || true")
	return err
}

// RemoveSupervisor stops, disables, and deletes the supervisor and its
// config. Used by reset.
func RemoveSupervisor(ctx context.Context, r router.Runner) error {
	cmds := []string{
		initScriptPath + " stop 2>/dev/null || true",
		initScriptPath + " disable 2>/dev/null || true",
		"rm -f " + initScriptPath + " " + tunnelConfPath,
	}
	for _, cmd := range cmds {
		if _, err := r.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// SupervisorRunning reports whether the tunnel service is up on the router.
func SupervisorRunning(ctx context.Context, r router.Runner) (bool, error) {
	out, err := r.Run(ctx, initScriptPath+" running && echo yes || echo no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "yes", nil
}

// writeIfChanged compares the remote file's sha256 with the desired content
// and rewrites through a temp file when they differ.
func writeIfChanged(ctx context.Context, r router.Runner, path, content, mode string) (bool, error) {
	// The heredoc terminator forces a trailing newline; hash the exact
	// bytes that end up on disk.
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	sum := sha256.Sum256([]byte(content))
	want := hex.EncodeToString(sum[:])

	out, err := r.Run(ctx, fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", path))
	if err == nil && strings.TrimSpace(out) == want {
		return false, nil
	}
	if strings.Contains(content, heredocMarker) {
		return false, fmt.Errorf("%w: content collides with heredoc marker", util.ErrBadRequest)
	}
	cmd := fmt.Sprintf(
		"mkdir -p $(dirname %s) && cat > %s.tmp << '%s'\n%s%s\nchmod %s %s.tmp && mv %s.tmp %s",
		path, path, heredocMarker, content, heredocMarker, mode, path, path, path)
	if _, err := r.Run(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}

const heredocMarker = "NETPILOT_EOF"
