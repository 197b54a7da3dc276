package txengine

// Per-stream transmit ring. The producer owns the write side, the
// checksum/output path owns the read side. Ring offsets are rebased to
// the session's initial sequence number on connect, so buffer indexing
// stays congruent with TCP sequence-number arithmetic: index(seq) is
// well defined for any seq in [ackedBase, lbw).

// ------|----------------|--------------------|
//   ackedBase          sndNxt               lbw
// bytes below ackedBase are free, [ackedBase, sndNxt) is sent but
// unacked (retained for rewind), [sndNxt, lbw) is unsent.

type sendRing struct {
	buf      []byte
	capacity uint32
	iss      uint32 // initial sequence number, set on connect
	lbw      uint32 // sequence number of the next byte to be written
}

func newSendRing(capacity uint32) *sendRing {
	return &sendRing{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// rebase re-anchors ring addressing at a new initial sequence number.
// Any previously buffered bytes become unreachable.
func (r *sendRing) rebase(iss uint32) {
	r.iss = iss
	r.lbw = iss
}

func (r *sendRing) index(seq uint32) uint32 {
	return (seq - r.iss) % r.capacity
}

// write copies p at the write pointer and advances it. The caller has
// already checked free space against the acked base.
func (r *sendRing) write(p []byte) {
	idx := r.index(r.lbw)
	n := uint32(len(p))
	if idx+n <= r.capacity {
		copy(r.buf[idx:], p)
	} else { // need to wrap around
		first := r.capacity - idx
		copy(r.buf[idx:], p[:first])
		copy(r.buf[0:], p[first:])
	}
	r.lbw += n
}

// readAt copies len(dst) bytes starting at sequence number seq into
// dst. seq may land at any byte offset; no word alignment is assumed.
func (r *sendRing) readAt(dst []byte, seq uint32) {
	idx := r.index(seq)
	n := uint32(len(dst))
	if idx+n <= r.capacity {
		copy(dst, r.buf[idx:idx+n])
	} else {
		first := r.capacity - idx
		copy(dst, r.buf[idx:])
		copy(dst[first:], r.buf[:n-first])
	}
}
