package relay

import (
	"net"
	"net/netip"
)

// udpAddr converts a netip.AddrPort into the *net.UDPAddr the net package's
// UDP APIs still expect.
func udpAddr(a netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a)
}
