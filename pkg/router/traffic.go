package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Enforcement rules live in dedicated iptables chains so toggling a mode is a
// single jump insert/delete and deactivation never touches unrelated rules.
const (
	chainBlacklist = "NETPILOT_BL"
	chainWhitelist = "NETPILOT_WL"
)

// Enforcer builds and runs the traffic-control commands for one router.
// Every method validates by exit code; these commands print nothing on
// success.
type Enforcer struct {
	r Runner
}

// NewEnforcer wraps a Runner.
func NewEnforcer(r Runner) *Enforcer {
	return &Enforcer{r: r}
}

// EnsureChains creates the rule chains if missing. Safe to run repeatedly.
func (e *Enforcer) EnsureChains(ctx context.Context) error {
	for _, chain := range []string{chainBlacklist, chainWhitelist} {
		cmd := fmt.Sprintf("iptables -L %s -n >/dev/null 2>&1 || iptables -N %s", chain, chain)
		if _, err := e.r.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// BlacklistAdd drops all forwarded traffic from mac. Duplicate adds are
// rejected by checking first, so a remove undoes exactly one add.
func (e *Enforcer) BlacklistAdd(ctx context.Context, mac string) error {
	mac = strings.ToLower(mac)
	if !util.IsValidMAC(mac) {
		return fmt.Errorf("%w: bad mac %q", util.ErrBadRequest, mac)
	}
	cmd := fmt.Sprintf(
		"iptables -C %s -m mac --mac-source %s -j DROP 2>/dev/null || iptables -A %s -m mac --mac-source %s -j DROP",
		chainBlacklist, mac, chainBlacklist, mac)
	_, err := e.r.Run(ctx, cmd)
	return err
}

// BlacklistRemove deletes the drop rule for mac. Removing an absent rule
// succeeds.
func (e *Enforcer) BlacklistRemove(ctx context.Context, mac string) error {
	mac = strings.ToLower(mac)
	if !util.IsValidMAC(mac) {
		return fmt.Errorf("%w: bad mac %q", util.ErrBadRequest, mac)
	}
	cmd := fmt.Sprintf("iptables -D %s -m mac --mac-source %s -j DROP 2>/dev/null || true",
		chainBlacklist, mac)
	_, err := e.r.Run(ctx, cmd)
	return err
}

// BlacklistMembers lists the MACs currently in the blacklist chain.
func (e *Enforcer) BlacklistMembers(ctx context.Context) ([]string, error) {
	out, err := e.r.Run(ctx, "iptables -S "+chainBlacklist)
	if err != nil {
		return nil, err
	}
	return ParseChainMACs(out), nil
}

// WhitelistAdd exempts mac from the whitelist-mode default drop.
func (e *Enforcer) WhitelistAdd(ctx context.Context, mac string) error {
	mac = strings.ToLower(mac)
	if !util.IsValidMAC(mac) {
		return fmt.Errorf("%w: bad mac %q", util.ErrBadRequest, mac)
	}
	cmd := fmt.Sprintf(
		"iptables -C %s -m mac --mac-source %s -j RETURN 2>/dev/null || iptables -I %s -m mac --mac-source %s -j RETURN",
		chainWhitelist, mac, chainWhitelist, mac)
	_, err := e.r.Run(ctx, cmd)
	return err
}

// WhitelistRemove removes mac's exemption.
func (e *Enforcer) WhitelistRemove(ctx context.Context, mac string) error {
	mac = strings.ToLower(mac)
	if !util.IsValidMAC(mac) {
		return fmt.Errorf("%w: bad mac %q", util.ErrBadRequest, mac)
	}
	cmd := fmt.Sprintf("iptables -D %s -m mac --mac-source %s -j RETURN 2>/dev/null || true",
		chainWhitelist, mac)
	_, err := e.r.Run(ctx, cmd)
	return err
}

// WhitelistMembers lists the exempted MACs.
func (e *Enforcer) WhitelistMembers(ctx context.Context) ([]string, error) {
	out, err := e.r.Run(ctx, "iptables -S "+chainWhitelist)
	if err != nil {
		return nil, err
	}
	return ParseChainMACs(out), nil
}

// SetBlacklistMode wires or unwires the blacklist chain into FORWARD.
func (e *Enforcer) SetBlacklistMode(ctx context.Context, active bool) error {
	return e.setMode(ctx, chainBlacklist, active)
}

// SetWhitelistMode wires or unwires the whitelist chain into FORWARD. While
// active, the chain's trailing DROP catches every non-exempted source.
func (e *Enforcer) SetWhitelistMode(ctx context.Context, active bool) error {
	if active {
		// The default drop must exist before the jump goes live.
		cmd := fmt.Sprintf(
			"iptables -C %s -j DROP 2>/dev/null || iptables -A %s -j DROP",
			chainWhitelist, chainWhitelist)
		if _, err := e.r.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return e.setMode(ctx, chainWhitelist, active)
}

func (e *Enforcer) setMode(ctx context.Context, chain string, active bool) error {
	var cmd string
	if active {
		cmd = fmt.Sprintf("iptables -C FORWARD -j %s 2>/dev/null || iptables -I FORWARD -j %s", chain, chain)
	} else {
		cmd = fmt.Sprintf("iptables -D FORWARD -j %s 2>/dev/null || true", chain)
	}
	_, err := e.r.Run(ctx, cmd)
	return err
}

// SetRate replaces the LAN egress shaper with a single class at rate mbit.
// Rate 0 removes shaping.
func (e *Enforcer) SetRate(ctx context.Context, rate int) error {
	if rate == 0 {
		_, err := e.r.Run(ctx, "tc qdisc del dev br-lan root 2>/dev/null || true")
		return err
	}
	if err := util.ValidateRate(rate); err != nil {
		return err
	}
	cmd := fmt.Sprintf(
		"tc qdisc replace dev br-lan root tbf rate %dmbit burst 32kbit latency 400ms", rate)
	_, err := e.r.Run(ctx, cmd)
	return err
}

// ParseChainMACs extracts --mac-source values from iptables -S output.
func ParseChainMACs(out string) []string {
	var macs []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "--mac-source" && i+1 < len(fields) {
				mac := strings.ToLower(fields[i+1])
				if util.IsValidMAC(mac) {
					macs = append(macs, mac)
				}
			}
		}
	}
	return macs
}

// ============================================================
// Usage counters
// ============================================================

// Usage is per-device traffic accounting from nlbwmon.
type Usage struct {
	MAC         string `json:"mac"`
	Connections int64  `json:"connections"`
	RxBytes     int64  `json:"rxBytes"`
	TxBytes     int64  `json:"txBytes"`
}

// MonitorCmd builds the nlbwmon query for an accounting period. Period 0 is
// the current period, 1 the previous, and so on.
func MonitorCmd(period int) string {
	if period <= 0 {
		return "nlbw -c csv -g mac"
	}
	return fmt.Sprintf("nlbw -c csv -g mac -t -%d", period)
}

// ParseNlbwCSV parses nlbw's semicolon-separated output. The header names
// the columns; rows with missing or unparsable fields are skipped.
func ParseNlbwCSV(out string) []Usage {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}

	col := make(map[string]int)
	for i, name := range strings.Split(lines[0], ";") {
		col[strings.Trim(name, `" `)] = i
	}
	macCol, ok := col["mac"]
	if !ok {
		return nil
	}

	var usage []Usage
	for _, line := range lines[1:] {
		fields := strings.Split(line, ";")
		if macCol >= len(fields) {
			continue
		}
		mac := strings.ToLower(strings.Trim(fields[macCol], `" `))
		if !util.IsValidMAC(mac) {
			continue
		}
		usage = append(usage, Usage{
			MAC:         mac,
			Connections: csvInt(fields, col, "conns"),
			RxBytes:     csvInt(fields, col, "rx_bytes"),
			TxBytes:     csvInt(fields, col, "tx_bytes"),
		})
	}
	return usage
}

func csvInt(fields []string, col map[string]int, name string) int64 {
	i, ok := col[name]
	if !ok || i >= len(fields) {
		return 0
	}
	n, err := strconv.ParseInt(strings.Trim(fields[i], `" `), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Totals is an interface-level byte counter snapshot.
type Totals struct {
	RxBytes int64 `json:"rxBytes"`
	TxBytes int64 `json:"txBytes"`
}

// ParseProcNetDev extracts the rx/tx byte totals for iface from
// /proc/net/dev output.
func ParseProcNetDev(out, iface string) (Totals, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		name, rest, found := strings.Cut(line, ":")
		if !found || name != iface {
			continue
		}
		fields := strings.Fields(rest)
		// rx bytes is field 0, tx bytes field 8.
		if len(fields) < 9 {
			return Totals{}, fmt.Errorf("short /proc/net/dev line for %s", iface)
		}
		rx, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("bad rx bytes for %s: %w", iface, err)
		}
		tx, err := strconv.ParseInt(fields[8], 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("bad tx bytes for %s: %w", iface, err)
		}
		return Totals{RxBytes: rx, TxBytes: tx}, nil
	}
	return Totals{}, fmt.Errorf("%w: interface %s not in /proc/net/dev", util.ErrNotFound, iface)
}
