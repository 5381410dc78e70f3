package netinfo

import (
	"net"
	"testing"
)

func TestUsable(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.20", true},
		{"10.0.0.1", true},
		{"127.0.0.1", false},
		{"0.0.0.0", false},
		{"224.0.0.251", false},
		{"fe80::1", false},
	}
	for _, tt := range tests {
		if got := Usable(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Usable(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestInterfaceForLoopback(t *testing.T) {
	iface, err := InterfaceFor(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("InterfaceFor failed: %v", err)
	}
	if iface != nil && iface.Flags&net.FlagLoopback == 0 {
		t.Errorf("127.0.0.1 reported on non-loopback interface %s", iface.Name)
	}
}

func TestLocalIPv4IsUsable(t *testing.T) {
	ip, err := LocalIPv4()
	if err != nil {
		t.Skipf("no network in test environment: %v", err)
	}
	if !Usable(ip) {
		t.Errorf("LocalIPv4 returned unusable address %s", ip)
	}
}
