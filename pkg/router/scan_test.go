package router

import (
	"context"
	"errors"
	"testing"
)

// fakeRunner answers commands from a canned map.
type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	commands  []string
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	f.commands = append(f.commands, cmd)
	if err, ok := f.errs[cmd]; ok {
		return "", err
	}
	out, ok := f.responses[cmd]
	if !ok {
		return "", errors.New("unexpected command: " + cmd)
	}
	return out, nil
}

func (f *fakeRunner) Close() error { return nil }

const arpFixture = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.10     0x1         0x2         aa:bb:cc:11:22:33     *        br-lan
192.168.1.11     0x1         0x0         00:00:00:00:00:00     *        br-lan
192.168.1.12     0x1         0x2         DE:AD:BE:EF:00:01     *        br-lan
garbage line
`

const leasesFixture = `1724572800 aa:bb:cc:11:22:33 192.168.1.10 phone 01:aa:bb:cc:11:22:33
1724572900 11:22:33:44:55:66 192.168.1.20 * 01:11:22:33:44:55:66
malformed
`

func TestParseARPTable(t *testing.T) {
	devices := ParseARPTable(arpFixture)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].IP != "192.168.1.10" || devices[0].MAC != "aa:bb:cc:11:22:33" {
		t.Errorf("first device: %+v", devices[0])
	}
	// MACs are lowercased.
	if devices[1].MAC != "de:ad:be:ef:00:01" {
		t.Errorf("second device mac: %q", devices[1].MAC)
	}
}

func TestParseDHCPLeases(t *testing.T) {
	devices := ParseDHCPLeases(leasesFixture)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].Hostname != "phone" {
		t.Errorf("hostname: %q", devices[0].Hostname)
	}
	// "*" means the client sent no hostname.
	if devices[1].Hostname != "" {
		t.Errorf("anonymous lease hostname: %q", devices[1].Hostname)
	}
}

func TestScan_MergesARPAndLeases(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		arpCmd:    arpFixture,
		leasesCmd: leasesFixture,
	}}

	devices, err := Scan(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	// Two ARP entries plus one lease-only device.
	if len(devices) != 3 {
		t.Fatalf("got %d devices: %+v", len(devices), devices)
	}

	byMAC := make(map[string]Device)
	for _, d := range devices {
		byMAC[d.MAC] = d
	}
	// The ARP device picked up its hostname from the lease file.
	if d := byMAC["aa:bb:cc:11:22:33"]; d.Hostname != "phone" || d.IP != "192.168.1.10" {
		t.Errorf("merged device: %+v", d)
	}
	// The lease-only device made it in.
	if d := byMAC["11:22:33:44:55:66"]; d.IP != "192.168.1.20" {
		t.Errorf("lease-only device: %+v", d)
	}
}

func TestScan_LeaseFileOptional(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]string{arpCmd: arpFixture},
		errs:      map[string]error{leasesCmd: errors.New("No such file or directory")},
	}

	devices, err := Scan(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("got %d devices, want 2", len(devices))
	}
}

func TestScan_ARPFailureIsFatal(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{arpCmd: errors.New("session failed")}}
	if _, err := Scan(context.Background(), r); err == nil {
		t.Error("scan without an ARP table should fail")
	}
}

func TestIdentity(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"cat /sys/class/net/br-lan/address": "AA:BB:CC:DD:EE:FF\n",
	}, errs: map[string]error{}}
	id, err := Identity(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if id != "aabbccddeeff" {
		t.Errorf("identity = %q", id)
	}
}

func TestIdentity_FallsBackToEth0(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]string{
			"cat /sys/class/net/eth0/address": "de:ad:be:ef:00:01\n",
		},
		errs: map[string]error{
			"cat /sys/class/net/br-lan/address": errors.New("No such file or directory"),
		},
	}
	id, err := Identity(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if id != "deadbeef0001" {
		t.Errorf("identity = %q", id)
	}
}
