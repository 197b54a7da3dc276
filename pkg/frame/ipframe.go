package frame

import (
	"fmt"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
)

const (
	MTU                = 1400 // maximum transmission unit of the demo link
	DefaultIpHeaderLen = ipv4header.HeaderLen
)

type IPPacket struct {
	Header  *ipv4header.IPv4Header
	Payload []byte
}

// WrapIPv4 encapsulates a marshalled TCP segment. msg is truncated if
// the packet would exceed the link MTU.
func WrapIPv4(srcIP netip.Addr, destIP netip.Addr, msg []byte) *IPPacket {
	hdr := newHeader(srcIP, destIP, msg, ProtoNumTCP)
	return &IPPacket{
		Header:  hdr,
		Payload: msg[:hdr.TotalLen-hdr.Len],
	}
}

func (p *IPPacket) Marshal() ([]byte, error) {
	headerBytes, err := p.Header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("error marshalling header: %s", err)
	}
	bytesToSend := make([]byte, 0, len(headerBytes)+len(p.Payload))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, p.Payload...)
	return bytesToSend, nil
}

func (p *IPPacket) Unmarshal(data []byte) error {
	hdr, err := ipv4header.ParseHeader(data)
	if err != nil {
		return fmt.Errorf("error parsing header: %v", err)
	}
	p.Header = hdr
	p.Payload = data[hdr.Len:]
	return nil
}

// ComputeIPChecksum checksums a marshalled IPv4 header whose checksum
// field is zero.
func ComputeIPChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

func newHeader(srcIP netip.Addr, destIP netip.Addr, msg []byte, protoNum uint8) *ipv4header.IPv4Header {
	return &ipv4header.IPv4Header{
		Version:  4,
		Len:      DefaultIpHeaderLen, // header length is always 20 when no IP option is provided
		TOS:      0,
		TotalLen: min(DefaultIpHeaderLen+len(msg), MTU),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      32,
		Protocol: int(protoNum),
		Checksum: 0, // should be 0 until checksum is computed
		Src:      srcIP,
		Dst:      destIP,
		Options:  []byte{},
	}
}
