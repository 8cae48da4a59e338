package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/mazdakn/transmitm/pkg/tap"
	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

const (
	defaultInterface = "127.0.0.1"
	resolveTimeout   = 5 * time.Second
)

var ErrAlreadySpawned = errors.New("proxy already spawned")

// Proxy relays one transport between a local listener and a fixed
// upstream, passing every data unit through its tap chain.
type Proxy interface {
	// Spawn binds the listener and starts relaying. The bind port is
	// resolved once Spawn returns.
	Spawn() error
	AddTap(tap.Tap)
	Key() Key
	// Addr is the bound listener address, nil before Spawn.
	Addr() net.Addr
	Close() error
}

// Key identifies a proxy in a registry. Keys with an unresolved BindPort
// are never equal to anything, so they must not be deduplicated.
type Key struct {
	UpstreamIP   string
	UpstreamPort int
	BindPort     int
	Transport    Transport
}

func (k Key) Comparable() bool {
	return k.BindPort != 0
}

func (k Key) String() string {
	return fmt.Sprintf("%v(:%d -> %s)", k.Transport, k.BindPort, net.JoinHostPort(k.UpstreamIP, strconv.Itoa(k.UpstreamPort)))
}

// endpoint holds the configuration and lifecycle shared by both
// transports.
type endpoint struct {
	upstreamIP    string
	upstreamPort  int
	bindInterface string
	dialer        xproxy.ContextDialer
	idleTimeout   time.Duration
	chain         tap.Chain

	mu       sync.Mutex
	bindPort int
	spawned  bool
	addr     net.Addr
	ctx      context.Context
	cancel   context.CancelFunc
	served   chan struct{} // closed when the listener loop exits
	wg       sync.WaitGroup
}

func (e *endpoint) setup(upstreamIP string, upstreamPort int, opts []Option) {
	e.upstreamIP = upstreamIP
	e.upstreamPort = upstreamPort
	e.bindInterface = defaultInterface
	e.dialer = &net.Dialer{}
	for _, opt := range opts {
		opt(e)
	}
}

func (e *endpoint) AddTap(t tap.Tap) {
	e.chain.Add(t)
}

func (e *endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *endpoint) key(t Transport) Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Key{
		UpstreamIP:   e.upstreamIP,
		UpstreamPort: e.upstreamPort,
		BindPort:     e.bindPort,
		Transport:    t,
	}
}

func (e *endpoint) listenAddr() string {
	return net.JoinHostPort(e.bindInterface, strconv.Itoa(e.bindPort))
}

func (e *endpoint) upstreamAddr() string {
	return net.JoinHostPort(e.upstreamIP, strconv.Itoa(e.upstreamPort))
}

// begin marks the endpoint as spawned. Callers hold e.mu.
func (e *endpoint) begin() error {
	if e.spawned {
		return ErrAlreadySpawned
	}
	e.spawned = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.served = make(chan struct{})
	return nil
}

// abort undoes begin after a failed bind. Callers hold e.mu.
func (e *endpoint) abort() {
	e.cancel()
	e.cancel = nil
}

// bound records the listener address and resolves an OS assigned port.
// Callers hold e.mu.
func (e *endpoint) bound(addr net.Addr) {
	e.addr = addr
	switch a := addr.(type) {
	case *net.TCPAddr:
		e.bindPort = a.Port
	case *net.UDPAddr:
		e.bindPort = a.Port
	}
}

// stop cancels in-flight dials and reports whether the endpoint was running.
func (e *endpoint) stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	e.cancel = nil
	return true
}

func (e *endpoint) logger(t Transport) *logrus.Entry {
	return logrus.WithField("proxy", e.key(t).String())
}

// SelectBindInterface returns the local address an upstream facing socket
// should bind to: loopback of the upstream's family when the upstream is a
// private or loopback address, the unspecified address otherwise.
func SelectBindInterface(upstream string) (string, error) {
	addr, err := resolveHost(upstream)
	if err != nil {
		return "", err
	}
	return bindInterfaceFor(addr), nil
}

func bindInterfaceFor(addr netip.Addr) string {
	local := isPrivate(addr)
	if addr.Is4() {
		if local {
			return "127.0.0.1"
		}
		return "0.0.0.0"
	}
	if local {
		return "::1"
	}
	return "::"
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func resolveHost(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %v: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no address found for %v", host)
	}
	return addrs[0].Unmap(), nil
}
