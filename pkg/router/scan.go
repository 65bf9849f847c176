package router

import (
	"context"
	"strings"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Device is one LAN device discovered on a router.
type Device struct {
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	Hostname string `json:"hostname"`
}

const (
	arpCmd    = "cat /proc/net/arp"
	leasesCmd = "cat /tmp/dhcp.leases"
)

// Scan lists LAN devices by merging the ARP table with the DHCP lease file.
// ARP gives live IP/MAC pairs; leases contribute hostnames and devices whose
// ARP entries have aged out. Keyed by MAC; ARP wins on IP conflicts.
func Scan(ctx context.Context, r Runner) ([]Device, error) {
	arpOut, err := r.Run(ctx, arpCmd)
	if err != nil {
		return nil, err
	}
	devices := ParseARPTable(arpOut)

	// Lease file is optional; routers running a different DHCP server
	// simply have no hostnames.
	leasesOut, err := r.Run(ctx, leasesCmd)
	if err == nil {
		devices = mergeLeases(devices, ParseDHCPLeases(leasesOut))
	}

	return devices, nil
}

// ParseARPTable parses /proc/net/arp. Format:
//
//	IP address  HW type  Flags  HW address         Mask  Device
//	192.168.1.10  0x1    0x2    aa:bb:cc:11:22:33  *     br-lan
//
// Incomplete entries (flags 0x0 or zero MAC) and malformed lines are skipped.
func ParseARPTable(out string) []Device {
	var devices []Device
	for i, line := range strings.Split(out, "\n") {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		ip, flags, mac := fields[0], fields[2], fields[3]
		if flags == "0x0" || mac == "00:00:00:00:00:00" {
			continue
		}
		if !util.IsValidIPv4(ip) || !util.IsValidMAC(mac) {
			continue
		}
		devices = append(devices, Device{IP: ip, MAC: strings.ToLower(mac)})
	}
	return devices
}

// ParseDHCPLeases parses dnsmasq's /tmp/dhcp.leases. Format:
//
//	1724572800 aa:bb:cc:11:22:33 192.168.1.10 phone 01:aa:bb:cc:11:22:33
//
// A hostname of "*" means the client sent none.
func ParseDHCPLeases(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		mac, ip, hostname := fields[1], fields[2], fields[3]
		if !util.IsValidMAC(mac) || !util.IsValidIPv4(ip) {
			continue
		}
		if hostname == "*" {
			hostname = ""
		}
		devices = append(devices, Device{IP: ip, MAC: strings.ToLower(mac), Hostname: hostname})
	}
	return devices
}

func mergeLeases(arp, leases []Device) []Device {
	byMAC := make(map[string]int, len(arp))
	for i, d := range arp {
		byMAC[d.MAC] = i
	}
	for _, lease := range leases {
		if i, ok := byMAC[lease.MAC]; ok {
			if arp[i].Hostname == "" {
				arp[i].Hostname = lease.Hostname
			}
		} else {
			arp = append(arp, lease)
		}
	}
	return arp
}
