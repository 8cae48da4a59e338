//go:build unix

package proxy

import "golang.org/x/sys/unix"

const (
	TCP Transport = unix.IPPROTO_TCP
	UDP Transport = unix.IPPROTO_UDP
)
