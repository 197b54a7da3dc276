package frame

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
)

const (
	DefaultTcpHeaderLen = header.TCPMinimumSize
	TcpPseudoHeaderLen  = 12

	ProtoNumTCP uint8 = uint8(header.TCPProtocolNumber)
)

type TCPPacket struct {
	TcpHeader *header.TCPFields
	Payload   []byte
}

func NewTCPPacket(localPort uint16, destPort uint16, seqNum uint32, ackNum uint32, flags uint8, payload []byte, windowSize uint16) *TCPPacket {
	tcpHdr := &header.TCPFields{
		SrcPort:       localPort,
		DstPort:       destPort,
		SeqNum:        seqNum,
		AckNum:        ackNum,
		DataOffset:    DefaultTcpHeaderLen, // header length is always 20 with no TCP option
		Flags:         flags,
		Checksum:      0,
		UrgentPointer: 0,
		WindowSize:    windowSize,
	}
	return &TCPPacket{TcpHeader: tcpHdr, Payload: payload}
}

func (p *TCPPacket) Unmarshal(data []byte) {
	hdr := ParseTCPHeader(data)
	p.TcpHeader = &hdr
	p.Payload = data[hdr.DataOffset:]
}

// Marshal encodes the header (checksum field as-is) followed by the
// payload.
func (p *TCPPacket) Marshal() []byte {
	b := make([]byte, DefaultTcpHeaderLen+len(p.Payload))
	header.TCP(b[:DefaultTcpHeaderLen]).Encode(p.TcpHeader)
	copy(b[DefaultTcpHeaderLen:], p.Payload)
	return b
}

// pseudoHeaderChecksum folds the IPv4 pseudo-header (addresses,
// protocol, TCP length) per RFC 9293 section 3.1. IPv4 only.
func pseudoHeaderChecksum(sourceIP netip.Addr, destIP netip.Addr, tcpLength int) uint16 {
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)
	copy(pseudoHeaderBytes[0:4], sourceIP.AsSlice())
	copy(pseudoHeaderBytes[4:8], destIP.AsSlice())
	pseudoHeaderBytes[8] = 0
	pseudoHeaderBytes[9] = ProtoNumTCP
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(tcpLength))
	return header.Checksum(pseudoHeaderBytes, 0)
}

// ComputeTCPChecksum checksums pseudo-header, TCP header and payload
// in one go, chaining through the netstack checksum's initial-value
// argument. The header's Checksum field must be zero on entry.
func ComputeTCPChecksum(tcpHdr *header.TCPFields,
	sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {

	pseudoHeaderChecksum := pseudoHeaderChecksum(sourceIP, destIP, DefaultTcpHeaderLen+len(payload))

	headerBytes := header.TCP(make([]byte, DefaultTcpHeaderLen))
	headerBytes.Encode(tcpHdr)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)

	fullChecksum := header.Checksum(payload, headerChecksum)

	// The netstack checksum convention returns the non-inverted sum.
	return fullChecksum ^ 0xffff
}

// ChecksumWithPartial finishes a checksum whose payload contribution
// was already accumulated elsewhere (the shared checksum engine's
// partial sum, not inverted). Byte-equal to ComputeTCPChecksum over
// the full payload.
func ChecksumWithPartial(tcpHdr *header.TCPFields,
	sourceIP netip.Addr, destIP netip.Addr, payloadLen int, payloadSum uint16) uint16 {

	pseudoHeaderChecksum := pseudoHeaderChecksum(sourceIP, destIP, DefaultTcpHeaderLen+payloadLen)

	headerBytes := header.TCP(make([]byte, DefaultTcpHeaderLen))
	headerBytes.Encode(tcpHdr)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)

	return header.ChecksumCombine(headerChecksum, payloadSum) ^ 0xffff
}

// ValidTCPChecksum verifies a received packet's checksum. Used by the
// demo loopback and the tests.
func ValidTCPChecksum(p *TCPPacket, srcIp netip.Addr, dstIp netip.Addr) bool {
	tcpChecksumFromHeader := p.TcpHeader.Checksum
	p.TcpHeader.Checksum = 0
	tcpComputedChecksum := ComputeTCPChecksum(p.TcpHeader, srcIp, dstIp, p.Payload)
	p.TcpHeader.Checksum = tcpChecksumFromHeader
	return tcpComputedChecksum == tcpChecksumFromHeader
}

// ParseTCPHeader builds a TCPFields struct from the TCP byte array.
func ParseTCPHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
}

// TCPFlagsAsString pretty-prints a TCP flags value.
func TCPFlagsAsString(flags uint8) string {
	strMap := map[uint8]string{
		header.TCPFlagAck: "ACK",
		header.TCPFlagFin: "FIN",
		header.TCPFlagPsh: "PSH",
		header.TCPFlagRst: "RST",
		header.TCPFlagSyn: "SYN",
		header.TCPFlagUrg: "URG",
	}
	matches := make([]string, 0)
	for b, str := range strMap {
		if (b & flags) == b {
			matches = append(matches, str)
		}
	}
	return strings.Join(matches, "+")
}

func TCPFieldsToString(hdr *header.TCPFields) string {
	return fmt.Sprintf("{SrcPort:%d DstPort:%d, SeqNum:%d AckNum:%d DataOffset:%d Flags:%s WindowSize:%d Checksum:%x UrgentPointer:%d}",
		hdr.SrcPort, hdr.DstPort, hdr.SeqNum, hdr.AckNum, hdr.DataOffset, TCPFlagsAsString(hdr.Flags), hdr.WindowSize, hdr.Checksum, hdr.UrgentPointer)
}
