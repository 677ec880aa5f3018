package config

import (
	"net"
	"strings"
)

// matchMask reports whether s matches pattern, an IRC-style mask using '*'
// (any run of characters, possibly empty) and '?' (exactly one character).
// Matching is case-insensitive, per the case-folding every mask in this
// package (host, user, realname, server name) is specified against.
func matchMask(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	return matchFold(strings.ToLower(pattern), strings.ToLower(s))
}

// matchIP reports whether ip falls under pattern, which may be a CIDR
// subnet ("10.0.0.0/8"), a literal address, or an IRC-style glob over the
// textual form. Subnet containment is tried first, so a deny entry written
// as a CIDR matches real addresses instead of being treated as a glob that
// can never fire.
func matchIP(pattern, ip string) bool {
	if pattern == "" {
		return false
	}
	if strings.ContainsRune(pattern, '/') {
		_, ipnet, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		addr := net.ParseIP(ip)
		return addr != nil && ipnet.Contains(addr)
	}
	return matchMask(pattern, ip)
}

// cidrContains reports whether ip falls inside the subnet formed by base
// and a prefix length of bits (a conf item's host field paired with its
// cidr_bits). Both addresses are normalized to 4-byte form when they are
// IPv4 so the prefix length counts the same bits on each side.
func cidrContains(base string, bits int, ip string) bool {
	baseAddr := net.ParseIP(base)
	addr := net.ParseIP(ip)
	if baseAddr == nil || addr == nil {
		return false
	}
	if v4 := baseAddr.To4(); v4 != nil {
		a4 := addr.To4()
		if a4 == nil {
			return false
		}
		baseAddr, addr = v4, a4
	}
	mask := net.CIDRMask(bits, len(baseAddr)*8)
	if mask == nil {
		return false
	}
	return baseAddr.Mask(mask).Equal(addr.Mask(mask))
}

func matchFold(pattern, s string) bool {
	// Classic recursive glob match; both inputs are already lowercased.
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if matchFold(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchFold(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return matchFold(pattern[1:], s[1:])
	default:
		if s == "" || s[0] != pattern[0] {
			return false
		}
		return matchFold(pattern[1:], s[1:])
	}
}
