package frame

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"

	"tcp-txoffload/pkg/txengine"
)

var (
	testSrc = netip.MustParseAddr("10.0.0.1")
	testDst = netip.MustParseAddr("10.0.0.2")
)

func TestChecksumWithPartial_MatchesFullComputation(t *testing.T) {
	// The engine's partial payload sum combined with the pseudo-header
	// contribution must equal the checksum over the whole packet,
	// for odd lengths included.
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 100; trial++ {
		payload := make([]byte, rng.Intn(1461))
		rng.Read(payload)

		hdr := NewTCPPacket(20001, 80, rng.Uint32(), rng.Uint32(),
			header.TCPFlagAck|header.TCPFlagPsh, payload, 65535).TcpHeader

		var acc txengine.Accumulator
		acc.Write(payload)

		full := ComputeTCPChecksum(hdr, testSrc, testDst, payload)
		combined := ChecksumWithPartial(hdr, testSrc, testDst, len(payload), acc.Sum16())
		if full != combined {
			t.Fatalf("trial %d (len=%d): full %#04x, combined %#04x",
				trial, len(payload), full, combined)
		}
	}
}

func TestValidTCPChecksum_RoundTrip(t *testing.T) {
	payload := []byte("transmit engine payload")
	p := NewTCPPacket(20001, 80, 1000, 0, header.TCPFlagAck, payload, 4096)
	p.TcpHeader.Checksum = ComputeTCPChecksum(p.TcpHeader, testSrc, testDst, payload)

	b := p.Marshal()
	parsed := new(TCPPacket)
	parsed.Unmarshal(b)
	if !ValidTCPChecksum(parsed, testSrc, testDst) {
		t.Fatalf("marshalled packet failed checksum validation")
	}

	// A corrupted byte must be caught.
	b[len(b)-1] ^= 0xff
	corrupted := new(TCPPacket)
	corrupted.Unmarshal(b)
	if ValidTCPChecksum(corrupted, testSrc, testDst) {
		t.Fatalf("corrupted packet passed checksum validation")
	}
}

func TestWrapIPv4_RoundTrip(t *testing.T) {
	payload := []byte("segment bytes")
	p := NewTCPPacket(20001, 80, 1, 0, header.TCPFlagAck, payload, 4096)
	p.TcpHeader.Checksum = ComputeTCPChecksum(p.TcpHeader, testSrc, testDst, payload)

	ipPacket := WrapIPv4(testSrc, testDst, p.Marshal())
	headerBytes, err := ipPacket.Header.Marshal()
	if err != nil {
		t.Fatalf("marshalling IP header: %v", err)
	}
	ipPacket.Header.Checksum = int(ComputeIPChecksum(headerBytes))

	b, err := ipPacket.Marshal()
	if err != nil {
		t.Fatalf("marshalling IP packet: %v", err)
	}

	parsed := new(IPPacket)
	if err := parsed.Unmarshal(b); err != nil {
		t.Fatalf("unmarshalling: %v", err)
	}
	if parsed.Header.Src != testSrc || parsed.Header.Dst != testDst {
		t.Fatalf("addresses did not round-trip: %v -> %v", parsed.Header.Src, parsed.Header.Dst)
	}
	inner := new(TCPPacket)
	inner.Unmarshal(parsed.Payload)
	if !ValidTCPChecksum(inner, parsed.Header.Src, parsed.Header.Dst) {
		t.Fatalf("encapsulated segment failed checksum validation")
	}
	if string(inner.Payload) != string(payload) {
		t.Fatalf("payload %q did not round-trip", inner.Payload)
	}
}
