// Package netif turns a configured bind interface into a listen address.
// An IP literal is used as is; anything else is taken as a link name and
// resolved to one of its addresses.
package netif

import (
	"fmt"
	"net/netip"
)

// Resolve returns the address to bind for iface. IPv4 addresses of a link
// win over IPv6 ones unless preferV6 is set.
func Resolve(iface string, preferV6 bool) (string, error) {
	if addr, err := netip.ParseAddr(iface); err == nil {
		return addr.String(), nil
	}
	addrs, err := linkAddrs(iface)
	if err != nil {
		return "", fmt.Errorf("failed to look up interface %v: %w", iface, err)
	}
	addr, ok := pick(addrs, preferV6)
	if !ok {
		return "", fmt.Errorf("interface %v has no usable address", iface)
	}
	return addr.String(), nil
}

func pick(addrs []netip.Addr, preferV6 bool) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		// link-local addresses need a zone to be bound
		if a.IsLinkLocalUnicast() || !a.IsValid() {
			continue
		}
		if a.Is6() == preferV6 {
			return a, true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}
