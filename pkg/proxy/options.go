package proxy

import (
	"time"

	"github.com/mazdakn/transmitm/pkg/tap"
	xproxy "golang.org/x/net/proxy"
)

type Option func(*endpoint)

// WithBindPort sets the listener port. 0 lets the OS pick one on Spawn.
func WithBindPort(port int) Option {
	return func(e *endpoint) {
		e.bindPort = port
	}
}

func WithInterface(iface string) Option {
	return func(e *endpoint) {
		e.bindInterface = iface
	}
}

// WithDialer replaces the dialer used for upstream TCP connections, e.g.
// with a SOCKS5 dialer. Ignored by UDP proxies.
func WithDialer(d xproxy.ContextDialer) Option {
	return func(e *endpoint) {
		e.dialer = d
	}
}

// WithSessionIdleTimeout stops UDP sessions that received nothing from
// upstream for d. Zero keeps sessions until the proxy closes.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(e *endpoint) {
		e.idleTimeout = d
	}
}

// WithTaps attaches taps in order, same as calling AddTap for each.
func WithTaps(taps ...tap.Tap) Option {
	return func(e *endpoint) {
		for _, t := range taps {
			e.chain.Add(t)
		}
	}
}
