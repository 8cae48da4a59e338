package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mazdakn/transmitm/pkg/tap"
)

const (
	lo  = "127.0.0.1"
	lo6 = "::1"
)

var hello = []byte("Hello, World!")

func requireIPv6(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback not available: %v", err)
	}
	ln.Close()
}

func startTCPEcho(t *testing.T, host string) int {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func startUDPEcho(t *testing.T, host string) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func spawn(t *testing.T, p Proxy) {
	t.Helper()
	if err := p.Spawn(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
}

func proxyAddr(host string, p Proxy) string {
	return net.JoinHostPort(host, strconv.Itoa(p.Key().BindPort))
}

// roundTrip writes payload on conn and reads back want-length bytes.
func roundTrip(conn net.Conn, payload []byte, wantLen int) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	buf := make([]byte, wantLen)
	if _, ok := conn.(*net.UDPConn); ok {
		buf = make([]byte, maxDatagramSize)
		n, err := conn.Read(buf)
		return buf[:n], err
	}
	_, err := io.ReadFull(conn, buf)
	return buf, err
}

func sendOnce(network, addr string, payload []byte, wantLen int) ([]byte, error) {
	conn, err := net.DialTimeout(network, addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return roundTrip(conn, payload, wantLen)
}

func mangle(t *testing.T, match, with string) tap.Tap {
	t.Helper()
	r, err := tap.NewReplace([]byte(match), []byte(with))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func freePort(t *testing.T, network string) int {
	t.Helper()
	switch network {
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(lo)})
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port
	default:
		ln, err := net.Listen("tcp", lo+":0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port
	}
}

// slowDialer delays upstream connections so client data arrives first.
type slowDialer struct {
	delay time.Duration
}

func (d slowDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

var errTapFailed = errors.New("tap failed")

// startTCPSink accepts connections and never reads from them.
func startTCPSink(t *testing.T, host string) int {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var held []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range held {
			conn.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}
