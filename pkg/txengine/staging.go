package txengine

// Output staging between the checksum engine and the link-layer
// consumer. One frame drains (current) while a second completed frame
// may sit latched behind it, so the engine can compute frame N+1 while
// frame N is still being read out. The frame under construction
// (building) is discarded wholesale on abort, which is exactly a
// rewind of the write cursor to the last committed frame boundary.

// stageUnit is one pull-granule. valid marks byte i present via bit i,
// so a frame whose final unit is partially filled is representable
// without padding ambiguity.
type stageUnit struct {
	data  []byte
	valid uint8
}

type stagedFrame struct {
	stream int
	seq    uint32 // base sequence of the frame
	size   uint32
	sum    uint16 // payload partial checksum, not inverted

	units []stageUnit
	fill  int // bytes occupied in the trailing unit, 0 when it is full
	pull  int // next unit index handed to the consumer
}

func (f *stagedFrame) descriptor() CommittedFrame {
	return CommittedFrame{
		Stream:     f.stream,
		Seq:        f.seq,
		Size:       f.size,
		PayloadSum: f.sum,
	}
}

type stagingBuffer struct {
	unitBytes int

	current  *stagedFrame // draining to the consumer
	latched  *stagedFrame // completed, waiting for current to free
	building *stagedFrame // owned by the checksum engine
}

func newStagingBuffer(unitBytes int) *stagingBuffer {
	return &stagingBuffer{unitBytes: unitBytes}
}

func (sb *stagingBuffer) beginFrame(stream int, seq uint32) {
	sb.building = &stagedFrame{stream: stream, seq: seq}
}

// appendBytes streams checksum-engine output into the building frame,
// merging into the trailing partial unit before opening a new one.
func (sb *stagingBuffer) appendBytes(p []byte) {
	f := sb.building
	for _, b := range p {
		if f.fill == 0 {
			f.units = append(f.units, stageUnit{data: make([]byte, sb.unitBytes)})
		}
		u := &f.units[len(f.units)-1]
		u.data[f.fill] = b
		u.valid |= 1 << uint(f.fill)
		f.fill++
		f.size++
		if f.fill == sb.unitBytes {
			f.fill = 0
		}
	}
}

// abortBuilding discards the partial in-flight frame. Committed frames
// are untouched, so nothing partially transmitted ever reaches the
// consumer.
func (sb *stagingBuffer) abortBuilding() {
	sb.building = nil
}

// commitBuilding latches the completed frame behind the draining one.
// It reports false when both levels are occupied; the caller retries
// on a later tick.
func (sb *stagingBuffer) commitBuilding(sum uint16) bool {
	switch {
	case sb.current == nil && sb.latched == nil:
		sb.building.sum = sum
		sb.current = sb.building
	case sb.latched == nil:
		sb.building.sum = sum
		sb.latched = sb.building
	default:
		return false
	}
	sb.building = nil
	return true
}

// promote releases the latched frame into the drain position once it
// frees.
func (sb *stagingBuffer) promote() {
	if sb.current == nil && sb.latched != nil {
		sb.current = sb.latched
		sb.latched = nil
	}
}

// dropStream makes any staged frame of the given stream invisible.
// Used on disconnect and reconnect.
func (sb *stagingBuffer) dropStream(stream int) {
	if sb.current != nil && sb.current.stream == stream {
		sb.current = nil
	}
	if sb.latched != nil && sb.latched.stream == stream {
		sb.latched = nil
	}
	if sb.building != nil && sb.building.stream == stream {
		sb.building = nil
	}
}

// pullUnit hands the consumer one unit. endOfFrame is signaled exactly
// on the pull that empties the frame.
func (sb *stagingBuffer) pullUnit() (data []byte, valid uint8, endOfFrame bool) {
	f := sb.current
	u := f.units[f.pull]
	f.pull++
	if f.pull == len(f.units) {
		sb.current = nil
		return u.data, u.valid, true
	}
	return u.data, u.valid, false
}
