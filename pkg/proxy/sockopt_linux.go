package proxy

import (
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// setBufferSizes raises SO_RCVBUF and SO_SNDBUF to size. The FORCE variants
// go past net.core.{r,w}mem_max but need CAP_NET_ADMIN, so the plain options
// are the fallback.
func setBufferSizes(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		for _, opts := range [][2]int{
			{unix.SO_RCVBUFFORCE, unix.SO_RCVBUF},
			{unix.SO_SNDBUFFORCE, unix.SO_SNDBUF},
		} {
			if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opts[0], size) == nil {
				continue
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opts[1], size); err != nil {
				sockErr = err
				return
			}
		}
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			rcv, _ := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
			snd, _ := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
			logrus.Debugf("Socket %v buffers rcv=%v snd=%v", conn.LocalAddr(), rcv, snd)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
