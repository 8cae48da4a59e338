package proxy

import (
	"net/netip"
	"sync"
)

// sessionEntry is either a live session or, once that session stopped,
// the local port it used so the next session for the peer can reuse it.
type sessionEntry struct {
	live     *udpSession
	lastPort int
}

// sessionTable maps peers seen on a UDP listener to their upstream facing
// sessions. Peers are never removed, only their session is rotated.
type sessionTable struct {
	mu      sync.Mutex
	entries map[netip.AddrPort]*sessionEntry
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		entries: make(map[netip.AddrPort]*sessionEntry),
	}
}

// Lookup returns the live session for peer, or the port to try reusing.
func (t *sessionTable) Lookup(peer netip.AddrPort) (*udpSession, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[peer]
	if !ok {
		return nil, 0
	}
	return e.live, e.lastPort
}

func (t *sessionTable) Add(peer netip.AddrPort, s *udpSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[peer]
	if !ok {
		e = &sessionEntry{}
		t.entries[peer] = e
	}
	e.live = s
	e.lastPort = s.port
}

// Release turns the peer's entry back into a port record, unless s has
// already been replaced by a newer session.
func (t *sessionTable) Release(peer netip.AddrPort, s *udpSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[peer]
	if !ok || e.live != s {
		return
	}
	e.live = nil
	e.lastPort = s.port
}

func (t *sessionTable) Live() []*udpSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var live []*udpSession
	for _, e := range t.entries {
		if e.live != nil {
			live = append(live, e.live)
		}
	}
	return live
}

func (t *sessionTable) Peers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
