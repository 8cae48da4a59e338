package proxy

import (
	"fmt"
	"strings"
)

// Transport is the IP protocol number a proxy relays.
type Transport byte

func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q", s)
}

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", byte(t))
}
