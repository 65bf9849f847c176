package util

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// routerIDPattern matches a normalized router identifier: the router's
// primary MAC lowercased with separators stripped.
var routerIDPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// macPattern matches a colon- or dash-separated MAC address.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// IsValidIPv4 checks if a string is a valid IPv4 address
func IsValidIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}

// IsValidMAC checks if a string is a valid MAC address (aa:bb:cc:dd:ee:ff)
func IsValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// IsValidRouterID checks a normalized router identifier.
func IsValidRouterID(id string) bool {
	return routerIDPattern.MatchString(id)
}

// NormalizeRouterID converts a MAC address in any common notation into the
// canonical router identifier: lowercase hex with separators removed.
// The same physical router always yields the same identifier. Normalization
// is best effort; callers that need a well-formed identifier check
// IsValidRouterID on the result.
func NormalizeRouterID(mac string) string {
	id := strings.ToLower(strings.TrimSpace(mac))
	return strings.NewReplacer(":", "", "-", "", ".", "").Replace(id)
}

// ValidateRate checks a rate limit value in Mbit/s.
func ValidateRate(rate int) error {
	if rate < 1 || rate > 1000 {
		return fmt.Errorf("%w: rate must be between 1 and 1000, got %d", ErrBadRequest, rate)
	}
	return nil
}

// ValidatePort checks that port fits in the TCP port space.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrBadRequest, port)
	}
	return nil
}
