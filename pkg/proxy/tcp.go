package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mazdakn/transmitm/pkg/tap"
	"github.com/sirupsen/logrus"
)

const (
	tcpReadBufferSize = 32 * 1024
	// maxPendingSize bounds what a client may send before upstream is paired.
	maxPendingSize   = 8 * tcpReadBufferSize
	acceptRetryDelay = 100 * time.Millisecond
)

var errPendingFull = errors.New("pending buffer full before upstream connected")

type sessionState int

const (
	stateAccepted sessionState = iota
	stateConnecting
	statePaired
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateConnecting:
		return "connecting"
	case statePaired:
		return "paired"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

type TCPProxy struct {
	endpoint

	listener net.Listener
	sessMu   sync.Mutex
	sessions map[*tcpSession]struct{}
}

var _ Proxy = (*TCPProxy)(nil)

func NewTCP(upstreamIP string, upstreamPort int, opts ...Option) *TCPProxy {
	p := &TCPProxy{
		sessions: make(map[*tcpSession]struct{}),
	}
	p.setup(upstreamIP, upstreamPort, opts)
	return p
}

func (p *TCPProxy) Key() Key {
	return p.key(TCP)
}

func (p *TCPProxy) Spawn() error {
	p.mu.Lock()
	if err := p.begin(); err != nil {
		p.mu.Unlock()
		return err
	}
	ln, err := net.Listen("tcp", p.listenAddr())
	if err != nil {
		p.abort()
		p.mu.Unlock()
		return fmt.Errorf("failed to start tcp listener for %v: %w", p.listenAddr(), err)
	}
	p.listener = ln
	p.bound(ln.Addr())
	p.mu.Unlock()

	p.logger(TCP).Infof("Started listening on %v", ln.Addr())
	go p.serve(ln)
	return nil
}

// Sessions returns the number of live connection pairs.
func (p *TCPProxy) Sessions() int {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return len(p.sessions)
}

func (p *TCPProxy) Close() error {
	if !p.stop() {
		return nil
	}
	err := p.listener.Close()
	<-p.served

	p.sessMu.Lock()
	live := make([]*tcpSession, 0, len(p.sessions))
	for s := range p.sessions {
		live = append(live, s)
	}
	p.sessMu.Unlock()
	for _, s := range live {
		s.close()
	}

	p.wg.Wait()
	p.logger(TCP).Info("Stopped proxy")
	return err
}

func (p *TCPProxy) serve(ln net.Listener) {
	defer close(p.served)
	log := p.logger(TCP)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Error("Failed to accept connection")
			time.Sleep(acceptRetryDelay)
			continue
		}
		s := p.track(conn)
		p.wg.Add(2)
		go s.connect()
		go s.readServer()
	}
}

func (p *TCPProxy) track(conn net.Conn) *tcpSession {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s := &tcpSession{
		proxy:  p,
		server: conn,
		log: p.logger(TCP).WithFields(logrus.Fields{
			"peer": conn.RemoteAddr(),
		}),
	}
	p.sessMu.Lock()
	p.sessions[s] = struct{}{}
	p.sessMu.Unlock()
	s.log.Debug("Accepted connection")
	return s
}

func (p *TCPProxy) untrack(s *tcpSession) {
	p.sessMu.Lock()
	delete(p.sessions, s)
	p.sessMu.Unlock()
}

// tcpSession pairs the connection accepted from a client with the
// connection dialed to upstream. Data read from the client before the
// upstream connection exists is held in pending and flushed once.
type tcpSession struct {
	proxy *TCPProxy
	log   *logrus.Entry

	server net.Conn

	mu      sync.Mutex
	state   sessionState
	client  net.Conn
	pending []byte

	closeOnce sync.Once
}

func (s *tcpSession) connect() {
	defer s.proxy.wg.Done()

	s.mu.Lock()
	if s.state != stateAccepted {
		s.mu.Unlock()
		return
	}
	s.state = stateConnecting
	s.mu.Unlock()

	conn, err := s.proxy.dialer.DialContext(s.proxy.ctx, "tcp", s.proxy.upstreamAddr())
	if err != nil {
		s.log.WithError(err).Errorf("Failed to connect to upstream %v", s.proxy.upstreamAddr())
		s.close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.client = conn
	s.mu.Unlock()

	if err := s.flush(conn); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).Error("Failed to flush buffered data upstream")
		}
		s.close()
		return
	}
	s.log.Debugf("Paired with upstream %v via %v", conn.RemoteAddr(), conn.LocalAddr())
	s.relay(conn, s.server)
}

// flush drains pending into conn and marks the session paired once nothing
// is left. Writes happen without s.mu so close can always interrupt them.
func (s *tcpSession) flush(conn net.Conn) error {
	for {
		s.mu.Lock()
		if s.state == stateClosed {
			s.mu.Unlock()
			return net.ErrClosed
		}
		data := s.pending
		s.pending = nil
		if len(data) == 0 {
			s.state = statePaired
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if _, err := conn.Write(data); err != nil {
			return err
		}
	}
}

func (s *tcpSession) readServer() {
	defer s.proxy.wg.Done()
	s.relay(s.server, nil)
}

// relay reads src until it fails and forwards every chunk through the tap
// chain. A nil dst means upstream, which may not be connected yet.
func (s *tcpSession) relay(src, dst net.Conn) {
	defer s.close()
	addr := tap.AddrContext{Peer: src.RemoteAddr(), Local: src.LocalAddr()}
	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data, tapErr := s.proxy.chain.Apply(buf[:n], addr)
			if tapErr != nil {
				s.log.WithError(tapErr).Warnf("Dropped %v bytes from %v", n, addr.Peer)
			} else if werr := s.write(dst, data); werr != nil {
				if !errors.Is(werr, net.ErrClosed) {
					s.log.WithError(werr).Warn("Failed to relay data")
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Debugf("Read from %v failed", addr.Peer)
			}
			return
		}
	}
}

func (s *tcpSession) write(dst net.Conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if dst != nil {
		_, err := dst.Write(data)
		return err
	}

	s.mu.Lock()
	switch s.state {
	case statePaired:
		client := s.client
		s.mu.Unlock()
		_, err := client.Write(data)
		return err
	case stateClosed:
		s.mu.Unlock()
		return net.ErrClosed
	}
	defer s.mu.Unlock()
	if len(s.pending)+len(data) > maxPendingSize {
		return errPendingFull
	}
	s.pending = append(s.pending, data...)
	return nil
}

// close tears down both sides; whichever side ends first closes the other.
func (s *tcpSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		client := s.client
		s.pending = nil
		s.mu.Unlock()

		s.server.Close()
		if client != nil {
			client.Close()
		}
		s.proxy.untrack(s)
		s.log.Debug("Closed connection")
	})
}
