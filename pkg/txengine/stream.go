package txengine

import (
	"github.com/gammazero/deque"
)

type streamState int

const (
	StreamIdle streamState = iota
	StreamAwaitChecksum
	StreamComputing
	StreamSettle
)

var streamStateString = []string{
	"IDLE",
	"AWAIT_CHECKSUM",
	"COMPUTING",
	"SETTLE",
}

func (s streamState) String() string { return streamStateString[s] }

// frameRecord remembers a committed frame until a cumulative ACK
// covers it. The payload itself stays in the ring (below sndNxt) so a
// rewind can rebuild the frame byte-for-byte.
type frameRecord struct {
	seq  uint32
	size uint32
}

type stream struct {
	id        int
	connected bool
	ring      *sendRing

	sndNxt    uint32 // next sequence number to transmit
	ackedBase uint32 // last cumulative-ack ceiling, producer overflow protection only
	wndRaw    uint32 // raw advertised receive window
	mss       uint32

	state      streamState
	frameSeq   uint32 // frozen at Idle -> AwaitChecksum
	frameSize  uint32 // frozen at Idle -> AwaitChecksum
	settleLeft int

	idleTicks uint32
	flushReq  bool

	frameLog      deque.Deque[frameRecord] // committed but unacked frames, oldest first
	framesEmitted uint64
}

// buffered is write_ptr - send_ptr with 32-bit wraparound. Pointer
// discipline guarantees it never exceeds the ring capacity.
func (s *stream) buffered() uint32 {
	return s.ring.lbw - s.sndNxt
}

// usableWindow is the advertised window less bytes sent but not yet
// acknowledged, clamped at zero when the peer shrank the window below
// the outstanding count.
func (s *stream) usableWindow() uint32 {
	outstanding := s.sndNxt - s.ackedBase
	if s.wndRaw > outstanding {
		return s.wndRaw - outstanding
	}
	return 0
}

// freeSpace is what the producer may still push without overrunning
// unacked data.
func (s *stream) freeSpace() uint32 {
	used := s.ring.lbw - s.ackedBase
	if used >= s.ring.capacity {
		return 0
	}
	return s.ring.capacity - used
}

// wantsFrame evaluates the send trigger for an Idle stream.
func (s *stream) wantsFrame(idleTimeout uint32) bool {
	buffered := s.buffered()
	usable := s.usableWindow()
	if !s.connected || buffered == 0 || usable == 0 {
		return false
	}
	return buffered >= s.mss ||
		buffered >= usable ||
		s.idleTicks >= idleTimeout ||
		s.flushReq
}

// freezeFrame computes and pins the candidate frame at the
// Idle -> AwaitChecksum transition.
func (s *stream) freezeFrame() {
	s.frameSeq = s.sndNxt
	s.frameSize = min3(s.mss, s.usableWindow(), s.buffered())
	s.flushReq = false
	s.idleTicks = 0
	s.state = StreamAwaitChecksum
}

// reset returns the stream to a disconnected, empty state.
func (s *stream) reset() {
	s.connected = false
	s.state = StreamIdle
	s.frameSeq = 0
	s.frameSize = 0
	s.settleLeft = 0
	s.idleTicks = 0
	s.flushReq = false
	s.wndRaw = 0
	s.frameLog.Clear()
}

func min3(a, b, c uint32) uint32 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// seqLEQ reports a <= b in 32-bit wraparound sequence space.
func seqLEQ(a, b uint32) bool {
	return int32(b-a) >= 0
}
