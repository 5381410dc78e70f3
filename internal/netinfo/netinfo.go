// Package netinfo finds the address this node is reachable at on the LAN.
package netinfo

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoAddress is returned when no usable IPv4 address could be determined.
var ErrNoAddress = errors.New("no usable IPv4 address")

// LocalIPv4 returns the outward-facing IPv4 address. The routing table is
// consulted first by "connecting" a UDP socket (no packets are sent); when that
// fails the first up, non-loopback interface with an IPv4 address is used.
func LocalIPv4() (net.IP, error) {
	if ip, err := routedIPv4(); err == nil {
		return ip, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := firstIPv4(&iface); ip != nil {
			return ip, nil
		}
	}
	return nil, ErrNoAddress
}

func routedIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || !Usable(addr.IP) {
		return nil, ErrNoAddress
	}
	return addr.IP.To4(), nil
}

// InterfaceFor returns the interface that owns ip, or nil if none does.
func InterfaceFor(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, nil
}

// Usable reports whether ip is an IPv4 address other peers could reach.
func Usable(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && !ip4.IsLoopback() && !ip4.IsUnspecified() && !ip4.IsMulticast()
}

func firstIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && Usable(ipnet.IP) {
			return ipnet.IP.To4()
		}
	}
	return nil
}
