//go:build !linux

package proxy

import "net"

func setBufferSizes(conn *net.UDPConn, size int) error {
	if err := conn.SetReadBuffer(size); err != nil {
		return err
	}
	return conn.SetWriteBuffer(size)
}
