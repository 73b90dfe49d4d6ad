package util

import (
	"net"
)

var privateNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) (nets []*net.IPNet) {
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return
}

// IsPrivate reports whether ip is loopback, link-local or inside an RFC 1918 / RFC 4193 range.
func IsPrivate(ip net.IP) (private bool) {
	if ip == nil {
		return
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			private = true
			break
		}
	}
	return
}

// RemoteIP extracts the IP part of a "host:port" network address.
func RemoteIP(addr net.Addr) (ip net.IP) {
	if addr == nil {
		return
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ip = net.ParseIP(host)
		}
	}
	return
}
