package txengine

// Accumulator computes the RFC 1071 Internet checksum incrementally
// over an arbitrary sequence of Write calls. The hardware folded
// several 16-bit lanes in parallel for timing; a 64-bit accumulate
// then fold is semantically identical.
type Accumulator struct {
	sum uint64
	odd bool // an odd number of bytes has been consumed so far
}

// Reset discards all partial sums.
func (a *Accumulator) Reset() {
	a.sum = 0
	a.odd = false
}

// Write folds p into the running sum. Chunks may be of any length;
// a byte left dangling by an odd-length chunk pairs with the first
// byte of the next one.
func (a *Accumulator) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if a.odd {
		a.sum += uint64(p[0]) // low half of the pending pair
		p = p[1:]
		a.odd = false
	}
	for len(p) >= 2 {
		a.sum += uint64(p[0])<<8 | uint64(p[1])
		p = p[2:]
	}
	if len(p) == 1 {
		a.sum += uint64(p[0]) << 8
		a.odd = true
	}
}

// Sum16 folds the accumulator with end-around carry. The result is the
// plain ones'-complement sum, not inverted; the frame formatter
// combines it with the pseudo-header contribution and inverts.
func (a *Accumulator) Sum16() uint16 {
	s := a.sum
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	return uint16(s)
}

// checksumUnit is the single shared checksum engine. At most one
// stream owns it at any instant; owner == noOwner means idle.
type checksumUnit struct {
	owner  int
	acc    Accumulator
	cursor uint32 // next sequence number to consume
	limit  uint32 // frozen upper bound: frameSeq + frameSize
}

const noOwner = -1

func (u *checksumUnit) idle() bool { return u.owner == noOwner }

func (u *checksumUnit) grant(id int, seq, size uint32) {
	u.owner = id
	u.acc.Reset()
	u.cursor = seq
	u.limit = seq + size
}

// abort discards all partial sums and releases the unit.
func (u *checksumUnit) abort() {
	u.owner = noOwner
	u.acc.Reset()
}
