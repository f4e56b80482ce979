// Package addresses provides utilities for parsing the address ranges that
// may be granted to an authenticated peer.
package addresses

import (
	"net/netip"
	"strings"
)

// ParseRange parses an address grant from a secrets record
//
// Grants look like:
// - "10.0.0.5"       (a single host, width 32 or 128)
// - "10.0.0.0/24"    (an address with a prefix width)
// - "<10.0.0.0/24>"  (angle brackets are tolerated)
//
// The address bits below the prefix width are preserved so that the link
// layer can propose the exact address while allowing the whole range.
// A malformed grant yields ok == false; callers treat that as "no range
// granted" rather than as an error.
func ParseRange(text string) (netip.Prefix, bool) {
	text = strings.TrimSpace(strings.Trim(text, "<>"))
	if text == "" {
		return netip.Prefix{}, false
	}

	if !strings.Contains(text, "/") {
		addr, err := netip.ParseAddr(text)
		if err != nil || addr.Zone() != "" {
			return netip.Prefix{}, false
		}
		return netip.PrefixFrom(addr, addr.BitLen()), true
	}

	prefix, err := netip.ParsePrefix(text)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix, true
}

// ContainsAddr reports whether addr falls within the granted range
func ContainsAddr(grant netip.Prefix, addr netip.Addr) bool {
	if !grant.IsValid() || !addr.IsValid() {
		return false
	}
	return grant.Masked().Contains(addr)
}
