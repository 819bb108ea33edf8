// Copyright (c) 2019 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sockaddr bridges *net.TCPAddr (the "resolved address record" the
// specification says callers hand in) and the raw unix.Sockaddr/socket calls
// the loop-binding layer drives directly, plus the handful of socket options
// (SO_REUSEADDR, TCP_NODELAY, SO_KEEPALIVE) every teacher-derived TCP path
// sets. This is a from-scratch rewrite of the shape gnet's internal/socket
// package has (SockaddrToTCPAddr, sockopts helpers), trimmed to TCP/IPv4/IPv6
// only since this module carries no UDP or unix-socket transport.
package sockaddr

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedAddr is returned for any address family other than IPv4/IPv6 TCP.
var ErrUnsupportedAddr = errors.New("sockaddr: only tcp/tcp4/tcp6 addresses are supported")

// ToSockaddr converts a resolved *net.TCPAddr into a unix.Sockaddr plus the
// address family to create the socket with.
func ToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr == nil {
		return nil, 0, ErrUnsupportedAddr
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		// A zero net.TCPAddr (nil IP) means "any" for listen purposes.
		return &unix.SockaddrInet4{Port: addr.Port}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, unix.AF_INET6, nil
}

// FromSockaddr converts a raw unix.Sockaddr, as returned by accept(2) or
// getpeername(2), back into a *net.TCPAddr.
func FromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port, Zone: zoneName(a.ZoneId)}
	default:
		return nil
	}
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(id)); err == nil {
		return iface.Name
	}
	return ""
}

// NewNonblockingSocket creates a CLOEXEC, non-blocking TCP socket in family.
func NewNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// SetReuseAddr sets SO_REUSEADDR, letting a listener rebind a recently-closed port.
func SetReuseAddr(fd int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

// SetNoDelay toggles Nagle's algorithm.
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// SetKeepAlive enables SO_KEEPALIVE with the given idle/interval in seconds.
func SetKeepAlive(fd, secs int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs))
}

// SocketError reads SO_ERROR, the errno epoll's ERR/HUP events don't carry directly.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno == 0 {
		return nil
	}
	return os.NewSyscallError("connect", unix.Errno(errno))
}
