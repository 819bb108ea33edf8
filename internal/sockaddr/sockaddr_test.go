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

package sockaddr_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nio-ev/nio/internal/sockaddr"
)

func TestToSockaddrIPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	sa, family, err := sockaddr.ToSockaddr(addr)
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET, family)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 9000, sa4.Port)
	assert.Equal(t, []byte{127, 0, 0, 1}, sa4.Addr[:])
}

func TestToSockaddrIPv6(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 9001}
	sa, family, err := sockaddr.ToSockaddr(addr)
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET6, family)
	_, ok := sa.(*unix.SockaddrInet6)
	assert.True(t, ok)
}

func TestToSockaddrNilIsUnsupported(t *testing.T) {
	_, _, err := sockaddr.ToSockaddr(nil)
	assert.ErrorIs(t, err, sockaddr.ErrUnsupportedAddr)
}

func TestFromSockaddrRoundTrip(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{10, 0, 0, 1}}
	addr := sockaddr.FromSockaddr(sa)
	require.NotNil(t, addr)
	assert.Equal(t, 4242, addr.Port)
	assert.True(t, addr.IP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestFromSockaddrUnsupportedType(t *testing.T) {
	assert.Nil(t, sockaddr.FromSockaddr(&unix.SockaddrUnix{Name: "/tmp/x"}))
}
