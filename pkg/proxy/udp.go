package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mazdakn/transmitm/pkg/tap"
	"github.com/sirupsen/logrus"
)

const (
	maxDatagramSize = 65535
	// socketBufferSize is applied to every UDP socket to absorb bursts.
	socketBufferSize = 2 * 1024 * 1024
)

type UDPProxy struct {
	endpoint

	conn     *net.UDPConn
	sessions *sessionTable
}

var _ Proxy = (*UDPProxy)(nil)

func NewUDP(upstreamIP string, upstreamPort int, opts ...Option) *UDPProxy {
	p := &UDPProxy{
		sessions: newSessionTable(),
	}
	p.setup(upstreamIP, upstreamPort, opts)
	return p
}

func (p *UDPProxy) Key() Key {
	return p.key(UDP)
}

func (p *UDPProxy) Spawn() error {
	p.mu.Lock()
	if err := p.begin(); err != nil {
		p.mu.Unlock()
		return err
	}
	conn, err := listenUDP(p.bindInterface, p.bindPort)
	if err != nil {
		p.abort()
		p.mu.Unlock()
		return fmt.Errorf("failed to start udp listener for %v: %w", p.listenAddr(), err)
	}
	p.conn = conn
	p.bound(conn.LocalAddr())
	p.mu.Unlock()

	log := p.logger(UDP)
	if err := setBufferSizes(conn, socketBufferSize); err != nil {
		log.WithError(err).Warn("Failed to resize listener buffers")
	}
	log.Infof("Started listening on %v", conn.LocalAddr())
	go p.serve()
	return nil
}

// SessionPort reports the upstream facing local port for peer and whether
// that session is still live. A stopped session reports its last port.
func (p *UDPProxy) SessionPort(peer netip.AddrPort) (int, bool) {
	s, port := p.sessions.Lookup(peer)
	if s != nil {
		return s.port, true
	}
	return port, false
}

// Sessions returns the number of live peer sessions.
func (p *UDPProxy) Sessions() int {
	return len(p.sessions.Live())
}

func (p *UDPProxy) Close() error {
	if !p.stop() {
		return nil
	}
	err := p.conn.Close()
	<-p.served
	for _, s := range p.sessions.Live() {
		s.conn.Close()
	}
	p.wg.Wait()
	p.logger(UDP).Info("Stopped proxy")
	return err
}

func (p *UDPProxy) serve() {
	defer close(p.served)
	log := p.logger(UDP)
	local := p.conn.LocalAddr()
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Error("Failed to read datagram")
			continue
		}
		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())

		s, err := p.session(peer)
		if err != nil {
			log.WithError(err).Warnf("Dropped datagram from %v", peer)
			continue
		}
		data, err := p.chain.Apply(buf[:n], tap.AddrContext{Peer: net.UDPAddrFromAddrPort(peer), Local: local})
		if err != nil {
			log.WithError(err).Warnf("Dropped datagram from %v", peer)
			continue
		}
		if err := p.forward(peer, s, data); err != nil {
			log.WithError(err).Warnf("Failed to forward datagram from %v", peer)
		}
	}
}

// session returns the peer's live session, starting one on first contact.
func (p *UDPProxy) session(peer netip.AddrPort) (*udpSession, error) {
	s, lastPort := p.sessions.Lookup(peer)
	if s != nil {
		return s, nil
	}
	return p.startSession(peer, lastPort)
}

// forward sends data upstream on s. A session that stopped between lookup
// and write is replaced once.
func (p *UDPProxy) forward(peer netip.AddrPort, s *udpSession, data []byte) error {
	_, err := s.conn.Write(data)
	if err == nil || !errors.Is(err, net.ErrClosed) {
		return err
	}
	p.sessions.Release(peer, s)
	if s, err = p.session(peer); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

func (p *UDPProxy) startSession(peer netip.AddrPort, lastPort int) (*udpSession, error) {
	upstream, err := resolveHost(p.upstreamIP)
	if err != nil {
		return nil, err
	}
	raddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(upstream, uint16(p.upstreamPort)))
	iface := bindInterfaceFor(upstream)

	conn, err := dialUDP(iface, lastPort, raddr)
	if err != nil && lastPort != 0 {
		p.logger(UDP).WithError(err).Debugf("Port %v not reusable for %v", lastPort, peer)
		conn, err = dialUDP(iface, 0, raddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session socket for %v: %w", peer, err)
	}

	s := &udpSession{
		proxy: p,
		peer:  peer,
		conn:  conn,
		port:  conn.LocalAddr().(*net.UDPAddr).Port,
	}
	s.log = p.logger(UDP).WithFields(logrus.Fields{
		"peer":  peer,
		"local": conn.LocalAddr(),
	})
	if err := setBufferSizes(conn, socketBufferSize); err != nil {
		s.log.WithError(err).Warn("Failed to resize session buffers")
	}
	p.sessions.Add(peer, s)
	s.log.Debugf("Started session towards %v", raddr)

	p.wg.Add(1)
	go s.run()
	return s, nil
}

// udpSession owns the socket that talks to upstream on behalf of one peer.
type udpSession struct {
	proxy *UDPProxy
	peer  netip.AddrPort
	conn  *net.UDPConn
	port  int
	log   *logrus.Entry

	stopOnce sync.Once
}

func (s *udpSession) run() {
	defer s.proxy.wg.Done()
	defer s.stop()

	addr := tap.AddrContext{Peer: s.conn.RemoteAddr(), Local: s.conn.LocalAddr()}
	idle := s.proxy.idleTimeout
	buf := make([]byte, maxDatagramSize)
	for {
		if idle > 0 {
			s.conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.log.Debugf("Session idle for %v", idle)
			case errors.Is(err, syscall.ECONNREFUSED):
				// upstream port unreachable, keep waiting for replies
				continue
			default:
				s.log.WithError(err).Error("Failed to read from upstream")
			}
			return
		}

		data, err := s.proxy.chain.Apply(buf[:n], addr)
		if err != nil {
			s.log.WithError(err).Warn("Dropped datagram from upstream")
			continue
		}
		if _, err := s.proxy.conn.WriteToUDPAddrPort(data, s.peer); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("Failed to send datagram to peer")
		}
	}
}

// stop closes the socket and leaves its port in the table for reuse.
func (s *udpSession) stop() {
	s.stopOnce.Do(func() {
		s.conn.Close()
		s.proxy.sessions.Release(s.peer, s)
		s.log.Debug("Stopped session")
	})
}

func listenUDP(iface string, port int) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(iface, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

func dialUDP(iface string, port int, raddr *net.UDPAddr) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(iface), Port: port}
	return net.DialUDP("udp", laddr, raddr)
}
