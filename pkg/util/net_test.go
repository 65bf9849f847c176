package util

import "testing"

func TestNormalizeRouterID(t *testing.T) {
	tests := []struct {
		name  string
		mac   string
		want  string
		valid bool
	}{
		{"colon separated", "AA:BB:CC:DD:EE:FF", "aabbccddeeff", true},
		{"dash separated", "aa-bb-cc-dd-ee-ff", "aabbccddeeff", true},
		{"already normalized", "aabbccddeeff", "aabbccddeeff", true},
		{"cisco dotted", "aabb.ccdd.eeff", "aabbccddeeff", true},
		{"surrounding whitespace", "  aa:bb:cc:dd:ee:ff\n", "aabbccddeeff", true},
		{"too short", "aa:bb:cc", "aabbcc", false},
		{"non-hex", "zz:bb:cc:dd:ee:ff", "zzbbccddeeff", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRouterID(tt.mac)
			if got != tt.want {
				t.Errorf("NormalizeRouterID(%q) = %q, want %q", tt.mac, got, tt.want)
			}
			if IsValidRouterID(got) != tt.valid {
				t.Errorf("IsValidRouterID(%q) = %v, want %v", got, !tt.valid, tt.valid)
			}
		})
	}
}

func TestNormalizeRouterID_Deterministic(t *testing.T) {
	a := NormalizeRouterID("AA:BB:CC:11:22:33")
	b := NormalizeRouterID("aa-bb-cc-11-22-33")
	if a != b {
		t.Errorf("same MAC in different notations produced %q and %q", a, b)
	}
}

func TestIsValidRouterID(t *testing.T) {
	if !IsValidRouterID("aabbccddeeff") {
		t.Error("aabbccddeeff should be valid")
	}
	for _, bad := range []string{"", "AABBCCDDEEFF", "aabbccddee", "aa:bb:cc:dd:ee:ff"} {
		if IsValidRouterID(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}

func TestIsValidIPv4(t *testing.T) {
	valid := []string{"192.168.1.10", "10.0.0.1", "255.255.255.255"}
	invalid := []string{"", "192.168.1", "192.168.1.256", "fe80::1", "not-an-ip"}

	for _, ip := range valid {
		if !IsValidIPv4(ip) {
			t.Errorf("IsValidIPv4(%q) = false, want true", ip)
		}
	}
	for _, ip := range invalid {
		if IsValidIPv4(ip) {
			t.Errorf("IsValidIPv4(%q) = true, want false", ip)
		}
	}
}

func TestIsValidMAC(t *testing.T) {
	if !IsValidMAC("AA:BB:CC:11:22:33") {
		t.Error("colon MAC should be valid")
	}
	if !IsValidMAC("aa-bb-cc-11-22-33") {
		t.Error("dash MAC should be valid")
	}
	if IsValidMAC("aabbccddeeff") {
		t.Error("bare hex should not match the separated MAC pattern")
	}
}

func TestValidateRate(t *testing.T) {
	for _, ok := range []int{1, 500, 1000} {
		if err := ValidateRate(ok); err != nil {
			t.Errorf("ValidateRate(%d) unexpected error: %v", ok, err)
		}
	}
	for _, bad := range []int{0, -1, 1001} {
		if err := ValidateRate(bad); err == nil {
			t.Errorf("ValidateRate(%d) expected error", bad)
		}
	}
}
