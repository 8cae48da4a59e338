package tap

import (
	"fmt"
	"net"
	"sync"
)

// AddrContext is the pair of endpoints observed for one data unit: the
// remote end that produced it and the local socket it arrived on.
type AddrContext struct {
	Peer  net.Addr
	Local net.Addr
}

func (a AddrContext) String() string {
	return fmt.Sprintf("%v -> %v", a.Peer, a.Local)
}

// Tap inspects and optionally rewrites a single data unit before relay.
// Handle runs inline on the relaying goroutine, so it must not block.
// It must always return a buffer, possibly empty, unless it fails.
type Tap interface {
	Handle(data []byte, addr AddrContext) ([]byte, error)
}

// Func adapts a plain function to the Tap interface.
type Func func(data []byte, addr AddrContext) ([]byte, error)

func (f Func) Handle(data []byte, addr AddrContext) ([]byte, error) {
	return f(data, addr)
}

// Chain applies taps sequentially in registration order.
type Chain struct {
	mu   sync.RWMutex
	taps []Tap
}

func (c *Chain) Add(t Tap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taps = append(c.taps, t)
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.taps)
}

// Apply feeds data through every tap. The first failing tap aborts the
// chain and its error is returned with the index of the tap.
func (c *Chain) Apply(data []byte, addr AddrContext) ([]byte, error) {
	c.mu.RLock()
	taps := c.taps
	c.mu.RUnlock()

	var err error
	for i, t := range taps {
		data, err = t.Handle(data, addr)
		if err != nil {
			return nil, fmt.Errorf("tap %d (%T) failed: %w", i, t, err)
		}
		if data == nil {
			data = []byte{}
		}
	}
	return data, nil
}
