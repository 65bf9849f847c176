package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Dispatcher executes router operations with per-operation deadlines and
// wraps every outcome in the uniform envelope. Mutating operations are never
// retried here; the caller decides what a timeout means.
type Dispatcher struct {
	pool        *Pool
	cmdTimeout  time.Duration
	scanTimeout time.Duration
}

// NewDispatcher builds a dispatcher. Zero timeouts get the defaults
// (30s commands, 60s scans).
func NewDispatcher(pool *Pool, cmdTimeout, scanTimeout time.Duration) *Dispatcher {
	if cmdTimeout == 0 {
		cmdTimeout = 30 * time.Second
	}
	if scanTimeout == 0 {
		scanTimeout = 60 * time.Second
	}
	return &Dispatcher{pool: pool, cmdTimeout: cmdTimeout, scanTimeout: scanTimeout}
}

// run applies the deadline, executes fn on the pooled connection, and
// envelopes the result.
func (d *Dispatcher) run(ctx context.Context, sessionID, routerID string, timeout time.Duration,
	fn func(ctx context.Context, r router.Runner) (interface{}, error)) *envelope.Envelope {

	start := envelope.Now()
	md := envelope.Metadata{RouterID: routerID, SessionID: sessionID}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data interface{}
	err := d.pool.WithConn(ctx, sessionID, routerID, func(r router.Runner) error {
		var ferr error
		data, ferr = fn(ctx, r)
		return ferr
	})

	md.DurationMs = envelope.Since(start)
	if err != nil {
		return envelope.Fail(err, md)
	}
	env, merr := envelope.OK(data, md)
	if merr != nil {
		return envelope.Fail(fmt.Errorf("encoding response: %w", merr), md)
	}
	return env
}

// Scan discovers LAN devices.
func (d *Dispatcher) Scan(ctx context.Context, sessionID, routerID string) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.scanTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			return router.Scan(ctx, r)
		})
}

// ListKind selects which enforcement list an operation targets.
type ListKind string

const (
	Whitelist ListKind = "whitelist"
	Blacklist ListKind = "blacklist"
)

// ParseListKind validates a list name from the URL.
func ParseListKind(s string) (ListKind, error) {
	switch ListKind(s) {
	case Whitelist:
		return Whitelist, nil
	case Blacklist:
		return Blacklist, nil
	default:
		return "", fmt.Errorf("%w: unknown list %q", util.ErrBadRequest, s)
	}
}

type MemberData struct {
	MAC string `json:"mac"`
}

// ListAdd adds mac to the list's rule chain.
func (d *Dispatcher) ListAdd(ctx context.Context, sessionID, routerID string, kind ListKind, mac string) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			e := router.NewEnforcer(r)
			if err := e.EnsureChains(ctx); err != nil {
				return nil, err
			}
			var err error
			if kind == Whitelist {
				err = e.WhitelistAdd(ctx, mac)
			} else {
				err = e.BlacklistAdd(ctx, mac)
			}
			if err != nil {
				return nil, err
			}
			return MemberData{MAC: strings.ToLower(mac)}, nil
		})
}

// ListRemove removes mac from the list's rule chain.
func (d *Dispatcher) ListRemove(ctx context.Context, sessionID, routerID string, kind ListKind, mac string) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			e := router.NewEnforcer(r)
			var err error
			if kind == Whitelist {
				err = e.WhitelistRemove(ctx, mac)
			} else {
				err = e.BlacklistRemove(ctx, mac)
			}
			if err != nil {
				return nil, err
			}
			return MemberData{MAC: strings.ToLower(mac)}, nil
		})
}

type MembersData struct {
	MACs []string `json:"macs"`
}

// ListMembers reads the list's rule chain back from the router.
func (d *Dispatcher) ListMembers(ctx context.Context, sessionID, routerID string, kind ListKind) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			e := router.NewEnforcer(r)
			if err := e.EnsureChains(ctx); err != nil {
				return nil, err
			}
			var macs []string
			var err error
			if kind == Whitelist {
				macs, err = e.WhitelistMembers(ctx)
			} else {
				macs, err = e.BlacklistMembers(ctx)
			}
			if err != nil {
				return nil, err
			}
			if macs == nil {
				macs = []string{}
			}
			return MembersData{MACs: macs}, nil
		})
}

type ModeData struct {
	List   ListKind `json:"list"`
	Active bool     `json:"active"`
}

// SetMode activates or deactivates a list's enforcement.
func (d *Dispatcher) SetMode(ctx context.Context, sessionID, routerID string, kind ListKind, active bool) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			e := router.NewEnforcer(r)
			if err := e.EnsureChains(ctx); err != nil {
				return nil, err
			}
			var err error
			if kind == Whitelist {
				err = e.SetWhitelistMode(ctx, active)
			} else {
				err = e.SetBlacklistMode(ctx, active)
			}
			if err != nil {
				return nil, err
			}
			return ModeData{List: kind, Active: active}, nil
		})
}

type RateData struct {
	Rate int `json:"rate"`
}

// SetRate applies the LAN rate limit in mbit; 0 removes it.
func (d *Dispatcher) SetRate(ctx context.Context, sessionID, routerID string, rate int) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			if err := router.NewEnforcer(r).SetRate(ctx, rate); err != nil {
				return nil, err
			}
			return RateData{Rate: rate}, nil
		})
}

type MonitorData struct {
	Totals  *router.Totals `json:"totals,omitempty"`
	Devices []router.Usage `json:"devices"`
}

// MonitorCurrent returns the interface totals plus per-device counters for
// the current accounting period.
func (d *Dispatcher) MonitorCurrent(ctx context.Context, sessionID, routerID string) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			netdev, err := r.Run(ctx, "cat /proc/net/dev")
			if err != nil {
				return nil, err
			}
			totals, err := router.ParseProcNetDev(netdev, "br-lan")
			if err != nil {
				return nil, err
			}
			devices, err := d.usage(ctx, r, 0)
			if err != nil {
				return nil, err
			}
			return MonitorData{Totals: &totals, Devices: devices}, nil
		})
}

// MonitorPeriod returns per-device counters for a past accounting period;
// 1 is the last completed period.
func (d *Dispatcher) MonitorPeriod(ctx context.Context, sessionID, routerID string, period int) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			devices, err := d.usage(ctx, r, period)
			if err != nil {
				return nil, err
			}
			return MonitorData{Devices: devices}, nil
		})
}

// MonitorDevice returns one device's counters for a period.
func (d *Dispatcher) MonitorDevice(ctx context.Context, sessionID, routerID, mac string, period int) *envelope.Envelope {
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			if !util.IsValidMAC(mac) {
				return nil, fmt.Errorf("%w: bad mac %q", util.ErrBadRequest, mac)
			}
			devices, err := d.usage(ctx, r, period)
			if err != nil {
				return nil, err
			}
			want := strings.ToLower(mac)
			for _, u := range devices {
				if u.MAC == want {
					return u, nil
				}
			}
			return nil, fmt.Errorf("%w: no usage for %s", util.ErrNotFound, want)
		})
}

func (d *Dispatcher) usage(ctx context.Context, r router.Runner, period int) ([]router.Usage, error) {
	out, err := r.Run(ctx, router.MonitorCmd(period))
	if err != nil {
		return nil, err
	}
	devices := router.ParseNlbwCSV(out)
	if devices == nil {
		devices = []router.Usage{}
	}
	return devices, nil
}

// Health answers liveness. With a session and router it also proves the
// tunnel end-to-end; with nulls it only proves the process is up.
func (d *Dispatcher) Health(ctx context.Context, sessionID, routerID string) *envelope.Envelope {
	start := envelope.Now()
	md := envelope.Metadata{RouterID: routerID, SessionID: sessionID}

	if sessionID == "" || routerID == "" {
		md.DurationMs = envelope.Since(start)
		env, _ := envelope.OK(map[string]string{"status": "ok"}, md)
		return env
	}
	return d.run(ctx, sessionID, routerID, d.cmdTimeout,
		func(ctx context.Context, r router.Runner) (interface{}, error) {
			if _, err := r.Run(ctx, "echo ok"); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok", "tunnel": "up"}, nil
		})
}
