package authdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netpilot-net/netpilot/pkg/audit"
	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/commands"
	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// CommandsClient is the slice of the commands-server client the orchestrator
// uses. Handler tests substitute a fake.
type CommandsClient interface {
	StartSession(ctx context.Context, sessionID string, restart bool) error
	EndSession(ctx context.Context, sessionID string) error
	RefreshSession(ctx context.Context, sessionID string) error
	Scan(ctx context.Context, sessionID, routerID string) ([]router.Device, error)
	ListAdd(ctx context.Context, sessionID, routerID string, kind commands.ListKind, mac string) error
	ListRemove(ctx context.Context, sessionID, routerID string, kind commands.ListKind, mac string) error
	SetMode(ctx context.Context, sessionID, routerID string, kind commands.ListKind, active bool) error
	SetRate(ctx context.Context, sessionID, routerID string, kind commands.ListKind, rate int) error
	MonitorCurrent(ctx context.Context, sessionID, routerID string) (*commands.MonitorData, error)
	MonitorLastWeek(ctx context.Context, sessionID, routerID string) (*commands.MonitorData, error)
	MonitorLastMonth(ctx context.Context, sessionID, routerID string) (*commands.MonitorData, error)
	MonitorDevice(ctx context.Context, sessionID, routerID, mac string, period int) (*router.Usage, error)
	Health(ctx context.Context, sessionID, routerID string) error
}

var _ CommandsClient = (*commands.Client)(nil)

// Dispatcher runs the orchestration contract: validate locally, call the
// commands-server with a bounded timeout, and persist only after the remote
// side reports success. The remote call never happens inside a DB
// transaction.
type Dispatcher struct {
	store   store.Store
	cmd     CommandsClient
	timeout time.Duration
}

// NewDispatcher binds the store and the commands-server client.
func NewDispatcher(st store.Store, cmd CommandsClient, timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 35 * time.Second
	}
	return &Dispatcher{store: st, cmd: cmd, timeout: timeout}
}

// call runs one remote operation under the dispatch timeout with a
// correlation id in the logs and an audit trail entry. A commands-server
// that lost its in-memory session table answers UnknownSession; the session
// is re-announced and the operation retried once, which keeps the session
// binding invariant without a standing heartbeat.
func (d *Dispatcher) call(ctx context.Context, sess *store.Session, routerID, op string, fn func(context.Context) error) error {
	cid := uuid.NewString()[:8]
	log := util.WithFields(map[string]interface{}{
		"cid": cid, "session": sess.ID, "router": routerID, "op": op,
	})
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := fn(ctx)
	if errors.Is(err, util.ErrUnknownSession) {
		log.Info("re-announcing session to commands-server")
		if err = d.cmd.StartSession(ctx, sess.ID, false); err == nil {
			err = fn(ctx)
		}
	}

	evt := audit.NewEvent(sess.UserID, sess.ID, op).
		WithRouter(routerID).
		WithDuration(time.Since(start))
	if err != nil {
		evt.WithError(envelope.CodeForError(err), err)
	} else {
		evt.WithSuccess()
	}
	if logErr := audit.Log(evt); logErr != nil {
		log.Warnf("audit: %v", logErr)
	}

	if err != nil {
		log.Warnf("dispatch failed: %v", err)
		return err
	}
	log.Debug("dispatch ok")
	return nil
}

// ====================================================================
// Session mirroring
// ====================================================================

// AnnounceSession registers the sessionId with the commands-server. Login
// fails closed when this fails.
func (d *Dispatcher) AnnounceSession(ctx context.Context, sessionID string, restart bool) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.cmd.StartSession(ctx, sessionID, restart)
}

// EndSession tears the mirrored session down. Best effort on logout.
func (d *Dispatcher) EndSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.cmd.EndSession(ctx, sessionID)
}

// RefreshSession bumps the mirrored session's idle clock.
func (d *Dispatcher) RefreshSession(ctx context.Context, sess *store.Session) error {
	return d.call(ctx, sess, "", "session.refresh", func(ctx context.Context) error {
		return d.cmd.RefreshSession(ctx, sess.ID)
	})
}

// ====================================================================
// Router operations
// ====================================================================

// Scan asks the router for its attached devices and upserts the results
// keyed by (userId, routerId, ip). Devices absent from this scan are kept.
func (d *Dispatcher) Scan(ctx context.Context, sess *store.Session, routerID string) ([]router.Device, error) {
	var devices []router.Device
	err := d.call(ctx, sess, routerID, "network.scan", func(ctx context.Context) error {
		var err error
		devices, err = d.cmd.Scan(ctx, sess.ID, routerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	rows := make([]store.Device, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, store.Device{IP: dev.IP, MAC: dev.MAC, Hostname: dev.Hostname})
	}
	if err := d.store.UpsertDevices(ctx, sess.UserID, routerID, rows); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListAdd puts a device on the whitelist or blacklist: enforce on the router
// first, persist the membership only after the router accepted it.
func (d *Dispatcher) ListAdd(ctx context.Context, sess *store.Session, routerID string, kind store.ListKind, ip, mac string) error {
	v := &util.ValidationBuilder{}
	v.Add(util.IsValidIPv4(ip), fmt.Sprintf("invalid device IP %q", ip))
	v.Add(util.IsValidMAC(mac), fmt.Sprintf("invalid device MAC %q", mac))
	if err := v.Build(); err != nil {
		return err
	}
	members, err := d.store.ListMembers(ctx, kind, sess.UserID, routerID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.IP == ip {
			return fmt.Errorf("%w: %s already in %s", util.ErrConflict, ip, kind)
		}
	}

	err = d.call(ctx, sess, routerID, string(kind)+".add", func(ctx context.Context) error {
		return d.cmd.ListAdd(ctx, sess.ID, routerID, commands.ListKind(kind), mac)
	})
	if err != nil {
		return err
	}
	return d.store.AddListMember(ctx, kind, sess.UserID, routerID, ip, mac)
}

// ListRemove takes a device off a list, router first.
func (d *Dispatcher) ListRemove(ctx context.Context, sess *store.Session, routerID string, kind store.ListKind, ip string) error {
	member, err := d.findMember(ctx, sess.UserID, routerID, kind, ip)
	if err != nil {
		return err
	}

	err = d.call(ctx, sess, routerID, string(kind)+".remove", func(ctx context.Context) error {
		return d.cmd.ListRemove(ctx, sess.ID, routerID, commands.ListKind(kind), member.MAC)
	})
	if err != nil {
		return err
	}
	return d.store.RemoveListMember(ctx, kind, sess.UserID, routerID, ip)
}

// Members reads list membership from the database, which is the
// authoritative copy.
func (d *Dispatcher) Members(ctx context.Context, sess *store.Session, routerID string, kind store.ListKind) ([]store.ListMember, error) {
	return d.store.ListMembers(ctx, kind, sess.UserID, routerID)
}

func (d *Dispatcher) findMember(ctx context.Context, userID, routerID string, kind store.ListKind, ip string) (*store.ListMember, error) {
	members, err := d.store.ListMembers(ctx, kind, userID, routerID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].IP == ip {
			return &members[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s not in %s", util.ErrNotFound, ip, kind)
}

// SetMode toggles list enforcement. Activating one list while the other is
// active is a Conflict unless replace is set, in which case the other list
// is deactivated first, on the router and then in the database. Both modes
// are never persisted active at once.
func (d *Dispatcher) SetMode(ctx context.Context, sess *store.Session, routerID string, kind store.ListKind, active, replace bool) error {
	mode, err := d.store.GetModeState(ctx, sess.UserID, routerID)
	if err != nil {
		return err
	}

	other := store.Whitelist
	if kind == store.Whitelist {
		other = store.Blacklist
	}
	otherActive := mode.WhitelistActive
	if other == store.Blacklist {
		otherActive = mode.BlacklistActive
	}

	if active && otherActive {
		if !replace {
			return fmt.Errorf("%w: %s mode is active", util.ErrConflict, other)
		}
		err := d.call(ctx, sess, routerID, string(other)+".mode", func(ctx context.Context) error {
			return d.cmd.SetMode(ctx, sess.ID, routerID, commands.ListKind(other), false)
		})
		if err != nil {
			return err
		}
		if err := d.store.SetModeActive(ctx, sess.UserID, routerID, other, false); err != nil {
			return err
		}
	}

	err = d.call(ctx, sess, routerID, string(kind)+".mode", func(ctx context.Context) error {
		return d.cmd.SetMode(ctx, sess.ID, routerID, commands.ListKind(kind), active)
	})
	if err != nil {
		return err
	}
	return d.store.SetModeActive(ctx, sess.UserID, routerID, kind, active)
}

// Mode reports the persisted mode state.
func (d *Dispatcher) Mode(ctx context.Context, sess *store.Session, routerID string) (*store.ModeState, error) {
	return d.store.GetModeState(ctx, sess.UserID, routerID)
}

// SetRate applies a bandwidth cap in Mbit/s for the given list mode.
func (d *Dispatcher) SetRate(ctx context.Context, sess *store.Session, routerID string, kind store.ListKind, rate int) error {
	if err := util.ValidateRate(rate); err != nil {
		return err
	}
	err := d.call(ctx, sess, routerID, string(kind)+".limit-rate", func(ctx context.Context) error {
		return d.cmd.SetRate(ctx, sess.ID, routerID, commands.ListKind(kind), rate)
	})
	if err != nil {
		return err
	}
	return d.store.SetRate(ctx, sess.UserID, routerID, kind, rate)
}

// ====================================================================
// Monitoring passthrough (no persistence)
// ====================================================================

func (d *Dispatcher) MonitorCurrent(ctx context.Context, sess *store.Session, routerID string) (*commands.MonitorData, error) {
	var data *commands.MonitorData
	err := d.call(ctx, sess, routerID, "monitor.current", func(ctx context.Context) error {
		var err error
		data, err = d.cmd.MonitorCurrent(ctx, sess.ID, routerID)
		return err
	})
	return data, err
}

func (d *Dispatcher) MonitorLastWeek(ctx context.Context, sess *store.Session, routerID string) (*commands.MonitorData, error) {
	var data *commands.MonitorData
	err := d.call(ctx, sess, routerID, "monitor.last-week", func(ctx context.Context) error {
		var err error
		data, err = d.cmd.MonitorLastWeek(ctx, sess.ID, routerID)
		return err
	})
	return data, err
}

func (d *Dispatcher) MonitorLastMonth(ctx context.Context, sess *store.Session, routerID string) (*commands.MonitorData, error) {
	var data *commands.MonitorData
	err := d.call(ctx, sess, routerID, "monitor.last-month", func(ctx context.Context) error {
		var err error
		data, err = d.cmd.MonitorLastMonth(ctx, sess.ID, routerID)
		return err
	})
	return data, err
}

func (d *Dispatcher) MonitorDevice(ctx context.Context, sess *store.Session, routerID, mac string, period int) (*router.Usage, error) {
	var usage *router.Usage
	err := d.call(ctx, sess, routerID, "monitor.device", func(ctx context.Context) error {
		var err error
		usage, err = d.cmd.MonitorDevice(ctx, sess.ID, routerID, mac, period)
		return err
	})
	return usage, err
}

// Health probes the router through the tunnel.
func (d *Dispatcher) Health(ctx context.Context, sess *store.Session, routerID string) error {
	return d.call(ctx, sess, routerID, "health", func(ctx context.Context) error {
		return d.cmd.Health(ctx, sess.ID, routerID)
	})
}
