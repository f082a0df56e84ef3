package ipalloc

import (
	"net/netip"
	"strings"
)

// Wildcard matches every address in InSubnet.
const Wildcard = "0.0.0.0"

// LoopbackIP is the address of the local host interface.
const LoopbackIP = "127.0.0.1"

// InSubnet reports whether ip lies within subnet. A subnet without a
// prefix length is treated as /32, and a subnet whose base address is
// 0.0.0.0 matches every ip regardless of the prefix length.
func InSubnet(ip, subnet string) bool {
	base, bits, hasBits := strings.Cut(subnet, "/")
	if base == Wildcard {
		return true
	}
	if !hasBits {
		bits = "32"
	}

	prefix, err := netip.ParsePrefix(base + "/" + bits)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Masked().Contains(addr)
}

// IsLoopback reports whether ip is in 127.0.0.0/8.
func IsLoopback(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is4() && addr.IsLoopback()
}

// IsCIDR reports whether s is IPv4 CIDR notation such as "10.0.0.0/8".
func IsCIDR(s string) bool {
	p, err := netip.ParsePrefix(s)
	return err == nil && p.Addr().Is4()
}
