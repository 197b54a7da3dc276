package util

import (
	"fmt"
	"net"
	"net/netip"
)

// BindLocalUDP binds the demo link's local UDP socket.
func BindLocalUDP(addrPort netip.AddrPort) (*net.UDPConn, error) {
	bindAddr, err := net.ResolveUDPAddr("udp4", addrPort.String())
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", bindAddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RemoteUDP resolves the peer end of the demo link.
func RemoteUDP(addrPort netip.AddrPort) (*net.UDPAddr, error) {
	addrString := fmt.Sprintf("%s:%d", addrPort.Addr().String(), addrPort.Port())
	remoteAddr, err := net.ResolveUDPAddr("udp4", addrString)
	if err != nil {
		return nil, err
	}
	return remoteAddr, nil
}
