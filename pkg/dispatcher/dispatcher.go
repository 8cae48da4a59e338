// Package dispatcher keeps the registry of running proxies and owns their
// lifetime: proxies are spawned on registration and closed when Run returns.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mazdakn/transmitm/pkg/proxy"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrProxyExists    = errors.New("proxy already registered")
)

type Dispatcher struct {
	mu      sync.Mutex
	keyed   map[proxy.Key]proxy.Proxy
	proxies []proxy.Proxy
	running bool
}

func New() *Dispatcher {
	return &Dispatcher{
		keyed: make(map[proxy.Key]proxy.Proxy),
	}
}

func (d *Dispatcher) AddProxy(p proxy.Proxy) error {
	return d.AddProxies(p)
}

// AddProxies spawns and registers proxies in order. It stops at the first
// failure; proxies registered before it stay registered.
func (d *Dispatcher) AddProxies(proxies ...proxy.Proxy) error {
	for _, p := range proxies {
		if err := p.Spawn(); err != nil {
			return fmt.Errorf("failed to spawn %v: %w", p.Key(), err)
		}
		if err := d.register(p); err != nil {
			p.Close()
			return err
		}
		logrus.WithField("proxy", p.Key().String()).Infof("Registered proxy on %v", p.Addr())
	}
	return nil
}

func (d *Dispatcher) register(p proxy.Proxy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := p.Key()
	if key.Comparable() {
		if _, ok := d.keyed[key]; ok {
			return fmt.Errorf("%v: %w", key, ErrProxyExists)
		}
		d.keyed[key] = p
	}
	d.proxies = append(d.proxies, p)
	return nil
}

// Proxies returns the registered proxies in registration order.
func (d *Dispatcher) Proxies() []proxy.Proxy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]proxy.Proxy(nil), d.proxies...)
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Run blocks until ctx is done, then closes every registered proxy.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	logrus.Infof("Started the dispatcher with %v proxies", len(d.Proxies()))
	<-ctx.Done()
	logrus.Info("Stopping the dispatcher")
	d.Close()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Close unregisters and closes every proxy, newest first.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	proxies := d.proxies
	d.proxies = nil
	d.keyed = make(map[proxy.Key]proxy.Proxy)
	d.mu.Unlock()

	for i := len(proxies) - 1; i >= 0; i-- {
		p := proxies[i]
		if err := p.Close(); err != nil {
			logrus.WithError(err).Errorf("Failed cleaning up %v", p.Key())
		}
	}
}
