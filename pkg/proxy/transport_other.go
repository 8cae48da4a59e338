//go:build !unix

package proxy

import "syscall"

const (
	TCP Transport = syscall.IPPROTO_TCP
	UDP Transport = syscall.IPPROTO_UDP
)
