// Package txengine implements the transmit side of a hardware-offload
// style TCP engine: per-stream ring buffers and send-decision state
// machines multiplexed over a single shared checksum unit, with a
// double-buffered staging area in front of the link-layer consumer.
//
// The engine is clocked. All state machines advance on Tick; producer
// and control-plane calls only mutate inputs, which the next Tick
// samples transactionally under the engine lock.
package txengine

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

// SetLogger replaces the package logger. Intended for the daemon's
// --debug flag and for tests.
func SetLogger(l *slog.Logger) { logger = l }

type Config struct {
	NumStreams int
	Capacity   uint32 // per-stream ring bytes
	MSS        uint32
	// IdleTimeout is the quiescent tick count after which a partially
	// filled buffer is flushed regardless of size.
	IdleTimeout uint32
	// SettleTicks is the fixed delay between a frame committing and
	// its stream re-entering Idle.
	SettleTicks int
	// ChecksumChunk bounds the bytes the shared engine consumes per
	// tick, so a pass over a large frame spans several ticks.
	ChecksumChunk uint32
	// UnitBytes is the width of one staging unit pulled by the
	// link-layer consumer.
	UnitBytes int
	// LowWater is the free-space mark below which the producer loses
	// clear-to-send. Sized to guarantee room for one more maximal
	// burst.
	LowWater uint32
}

func (cfg Config) withDefaults() Config {
	if cfg.NumStreams == 0 {
		cfg.NumStreams = 4
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1<<16 - 1
	}
	if cfg.MSS == 0 {
		cfg.MSS = 1460
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 64
	}
	if cfg.SettleTicks == 0 {
		cfg.SettleTicks = 2
	}
	if cfg.ChecksumChunk == 0 {
		cfg.ChecksumChunk = 64
	}
	if cfg.UnitBytes == 0 {
		cfg.UnitBytes = 8
	}
	if cfg.LowWater == 0 {
		cfg.LowWater = 2 * cfg.MSS
	}
	return cfg
}

// CommittedFrame describes one committed frame: produced exactly once
// per checksum pass that runs to completion, consumed exactly once by
// the frame formatter.
type CommittedFrame struct {
	Stream     int
	Seq        uint32 // base sequence number
	Size       uint32
	PayloadSum uint16 // RFC 1071 partial sum over the payload, not inverted
}

// StreamStats is a point-in-time snapshot for the status REPL.
type StreamStats struct {
	Connected     bool
	State         string
	Buffered      uint32
	UsableWindow  uint32
	SndNxt        uint32
	AckedBase     uint32
	FramesEmitted uint64
	Outstanding   int // committed frames not yet covered by an ACK
}

type Engine struct {
	cfg     Config
	streams []*stream
	unit    checksumUnit
	staging *stagingBuffer
	rr      int // round-robin cursor, next stream considered for a grant
	paused  bool

	scratch []byte

	mu sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.NumStreams < 1 {
		return nil, fmt.Errorf("invalid stream count %d", cfg.NumStreams)
	}
	if cfg.UnitBytes < 1 || cfg.UnitBytes > 8 {
		return nil, fmt.Errorf("unit width %d out of range 1..8", cfg.UnitBytes)
	}
	if cfg.MSS == 0 || cfg.MSS >= cfg.Capacity {
		return nil, fmt.Errorf("mss %d must be below ring capacity %d", cfg.MSS, cfg.Capacity)
	}
	if cfg.LowWater > cfg.Capacity {
		return nil, fmt.Errorf("low-water mark %d exceeds ring capacity %d", cfg.LowWater, cfg.Capacity)
	}
	e := &Engine{
		cfg:     cfg,
		streams: make([]*stream, cfg.NumStreams),
		staging: newStagingBuffer(cfg.UnitBytes),
		scratch: make([]byte, cfg.ChecksumChunk),
	}
	e.unit.owner = noOwner
	for i := range e.streams {
		e.streams[i] = &stream{
			id:   i,
			ring: newSendRing(cfg.Capacity),
			mss:  cfg.MSS,
		}
	}
	return e, nil
}

func (e *Engine) NumStreams() int { return len(e.streams) }

/************************** control plane ****************************/

// Connect re-bases the stream at the session's initial sequence
// number. Both the write pointer and the send pointer start at iss.
func (e *Engine) Connect(id int, iss uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	if e.unit.owner == id {
		e.unit.abort()
		e.staging.abortBuilding()
	}
	e.staging.dropStream(id)
	s.reset()
	s.ring.rebase(iss)
	s.sndNxt = iss
	s.ackedBase = iss
	s.mss = e.cfg.MSS
	s.connected = true
	logger.Debug("stream connected", "stream", id, "iss", iss)
}

// Disconnect clears the stream, aborts any checksum pass it owns and
// makes its staged frames invisible to the consumer.
func (e *Engine) Disconnect(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	if e.unit.owner == id {
		e.unit.abort()
		e.staging.abortBuilding()
	}
	e.staging.dropStream(id)
	s.reset()
	logger.Debug("stream disconnected", "stream", id)
}

// SetWindow installs the peer's raw advertised receive window.
func (e *Engine) SetWindow(id int, raw uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[id].wndRaw = raw
}

func (e *Engine) SetMSS(id int, mss uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mss > 0 && mss < e.cfg.Capacity {
		e.streams[id].mss = mss
	}
}

// Ack installs a new cumulative-ack-derived free-space base and prunes
// the committed-frame log. Regressive or ahead-of-send ACKs are
// ignored.
func (e *Engine) Ack(id int, ackNum uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	if !s.connected {
		return
	}
	if !seqLEQ(s.ackedBase, ackNum) || !seqLEQ(ackNum, s.sndNxt) {
		logger.Debug("ack ignored", "stream", id, "ack", ackNum,
			"ackedBase", s.ackedBase, "sndNxt", s.sndNxt)
		return
	}
	s.ackedBase = ackNum
	for s.frameLog.Len() > 0 {
		rec := s.frameLog.Front()
		if !seqLEQ(rec.seq+rec.size, ackNum) {
			break
		}
		s.frameLog.PopFront()
	}
}

// Rewind force-sets the stream's send pointer, hard-cancelling any
// in-flight checksum or staging work for that stream. Partial results
// are discarded without side effects on other streams; the same bytes
// are recomputed from the new base once a frame decision fires again.
func (e *Engine) Rewind(id int, newBase uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	if !s.connected {
		return
	}
	// A base below the acked data or past what was ever sent would make
	// the next decision frame bytes that were never written.
	if !seqLEQ(s.ackedBase, newBase) || !seqLEQ(newBase, s.sndNxt) {
		logger.Debug("rewind ignored", "stream", id, "base", newBase,
			"ackedBase", s.ackedBase, "sndNxt", s.sndNxt)
		return
	}
	if e.unit.owner == id {
		e.unit.abort()
		e.staging.abortBuilding()
	}
	s.sndNxt = newBase
	s.state = StreamIdle
	s.settleLeft = 0
	// Frames at or beyond the new base will be re-emitted; drop their
	// records so the log never holds a duplicate range.
	for s.frameLog.Len() > 0 {
		rec := s.frameLog.Back()
		if seqLEQ(rec.seq+rec.size, newBase) {
			break
		}
		s.frameLog.PopBack()
	}
	logger.Debug("sequence rewind", "stream", id, "base", newBase)
}

/*************************** producer API ****************************/

// Push appends p to the stream's ring. It reports false, accepting
// nothing, when the stream is not connected or p exceeds the free
// space ceiling derived from the acked base.
func (e *Engine) Push(id int, p []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(e.streams[id], p)
}

// PushMasked is Push with a per-byte validity mask over p, bit i
// covering p[i]. The mask must be prefix-contiguous: a bus beat whose
// trailing bytes are disabled. Masks with interior holes are rejected,
// as are pushes longer than the 64 bytes the mask can cover. A later
// push lands directly after the partial remainder, never touching
// already-committed bytes.
func (e *Engine) PushMasked(id int, p []byte, mask uint64) bool {
	if len(p) > 64 {
		return false
	}
	n := 0
	for n < len(p) && mask&(1<<uint(n)) != 0 {
		n++
	}
	if mask>>uint(n) != 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(e.streams[id], p[:n])
}

func (e *Engine) push(s *stream, p []byte) bool {
	if !s.connected {
		return false
	}
	if uint32(len(p)) > s.freeSpace() {
		return false
	}
	if len(p) == 0 {
		return true
	}
	s.ring.write(p)
	s.idleTicks = 0
	return true
}

// Flush requests immediate framing of whatever is buffered, even below
// MSS. It is a priority cancellation of "wait for more data"; with a
// closed window it stays pending until sending is possible again.
func (e *Engine) Flush(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	if s.connected {
		s.flushReq = true
	}
}

// ClearToSend is the producer's flow-control level: it drops before
// the ring can overflow, leaving room for one more maximal burst.
func (e *Engine) ClearToSend(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	return s.connected && s.freeSpace() >= e.cfg.LowWater
}

/*************************** consumer API ****************************/

// PauseConsumer raises or clears the consumer's back-pressure signal.
// While paused no frame is offered; frame construction continues until
// the staging buffer is full, with no data loss and no timeout.
func (e *Engine) PauseConsumer(pause bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = pause
}

// FrameAvailable reports whether a unit can be pulled. A fully built
// frame whose stream has disconnected is not offered.
func (e *Engine) FrameAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameAvailable()
}

func (e *Engine) frameAvailable() bool {
	f := e.staging.current
	return !e.paused && f != nil && e.streams[f.stream].connected
}

// StageInfo returns the descriptor of the frame currently offered to
// the consumer, for the transmit-header formatter.
func (e *Engine) StageInfo() (CommittedFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frameAvailable() {
		return CommittedFrame{}, false
	}
	return e.staging.current.descriptor(), true
}

// PullUnit hands the consumer one unit of the offered frame.
// endOfFrame is asserted exactly on the pull that empties the staging
// buffer.
func (e *Engine) PullUnit() (data []byte, valid uint8, endOfFrame bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frameAvailable() {
		return nil, 0, false
	}
	return e.staging.pullUnit()
}

/**************************** tick loop ******************************/

// Tick advances every per-stream state machine and the shared checksum
// unit by one step. Writes land before reads within a tick: the
// staging hand-off settles first, then the checksum engine consumes,
// then grants and frame decisions are evaluated.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.staging.promote()

	if !e.unit.idle() {
		e.stepChecksum()
	}
	if e.unit.idle() {
		e.grantNext()
	}

	for _, s := range e.streams {
		if !s.connected {
			continue
		}
		switch s.state {
		case StreamIdle:
			if s.buffered() > 0 {
				s.idleTicks++
			}
			if s.wantsFrame(e.cfg.IdleTimeout) {
				s.freezeFrame()
				logger.Debug("frame decision", "stream", s.id,
					"seq", s.frameSeq, "size", s.frameSize)
			}
		case StreamSettle:
			s.settleLeft--
			if s.settleLeft <= 0 {
				s.state = StreamIdle
			}
		}
	}
}

// TickN runs n ticks.
func (e *Engine) TickN(n int) {
	for i := 0; i < n; i++ {
		e.Tick()
	}
}

// stepChecksum advances the selected stream's pass by one chunk, and
// commits the frame when the read cursor reaches the frozen limit.
func (e *Engine) stepChecksum() {
	s := e.streams[e.unit.owner]

	if e.staging.building != nil && e.unit.cursor != e.unit.limit {
		n := e.unit.limit - e.unit.cursor
		if n > e.cfg.ChecksumChunk {
			n = e.cfg.ChecksumChunk
		}
		chunk := e.scratch[:n]
		s.ring.readAt(chunk, e.unit.cursor)
		e.unit.acc.Write(chunk)
		e.staging.appendBytes(chunk)
		e.unit.cursor += n
	}
	if e.unit.cursor != e.unit.limit {
		return
	}

	// Pass complete. The commit can stall while both staging levels
	// are occupied; the sum is held and retried next tick.
	if !e.staging.commitBuilding(e.unit.acc.Sum16()) {
		return
	}
	s.sndNxt += s.frameSize
	s.frameLog.PushBack(frameRecord{seq: s.frameSeq, size: s.frameSize})
	s.framesEmitted++
	s.state = StreamSettle
	s.settleLeft = e.cfg.SettleTicks
	logger.Debug("frame committed", "stream", s.id,
		"seq", s.frameSeq, "size", s.frameSize)
	e.unit.abort()
}

// grantNext gives the shared unit to the next AwaitChecksum stream in
// round-robin order and pins it there until completion or abort.
func (e *Engine) grantNext() {
	n := len(e.streams)
	for i := 0; i < n; i++ {
		s := e.streams[(e.rr+i)%n]
		if !s.connected || s.state != StreamAwaitChecksum {
			continue
		}
		e.rr = (s.id + 1) % n
		s.state = StreamComputing
		e.unit.grant(s.id, s.frameSeq, s.frameSize)
		e.staging.beginFrame(s.id, s.frameSeq)
		logger.Debug("granted checksum engine", "stream", s.id)
		return
	}
}

/****************************** status *******************************/

func (e *Engine) Stats(id int) StreamStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[id]
	return StreamStats{
		Connected:     s.connected,
		State:         s.state.String(),
		Buffered:      s.buffered(),
		UsableWindow:  s.usableWindow(),
		SndNxt:        s.sndNxt,
		AckedBase:     s.ackedBase,
		FramesEmitted: s.framesEmitted,
		Outstanding:   s.frameLog.Len(),
	}
}
