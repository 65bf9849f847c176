package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Interfaces whose MAC can serve as the router identity, in preference
// order. br-lan is the OpenWrt bridge; eth0 covers stripped-down builds.
var identityIfaces = []string{"br-lan", "eth0", "lan"}

// Identity derives the stable routerId from the router's LAN MAC address:
// twelve lowercase hex digits, no separators.
func Identity(ctx context.Context, r Runner) (string, error) {
	for _, iface := range identityIfaces {
		out, err := r.Run(ctx, "cat /sys/class/net/"+iface+"/address")
		if err != nil {
			continue
		}
		mac := strings.TrimSpace(out)
		if !util.IsValidMAC(mac) {
			continue
		}
		return util.NormalizeRouterID(mac), nil
	}
	return "", fmt.Errorf("%w: no usable LAN interface MAC found", util.ErrUnknownRouter)
}
