package txengine

import (
	"bytes"
	"testing"
)

func TestStaging_UnitMasks(t *testing.T) {
	sb := newStagingBuffer(4)
	sb.beginFrame(0, 1000)
	sb.appendBytes([]byte("abcdefghij")) // 10 bytes: units of 4, 4, 2
	if !sb.commitBuilding(0x1234) {
		t.Fatalf("commit into empty staging failed")
	}

	data, valid, eof := sb.pullUnit()
	if !bytes.Equal(data, []byte("abcd")) || valid != 0x0f || eof {
		t.Fatalf("unit 0: got %q valid=%#02x eof=%v", data, valid, eof)
	}
	data, valid, eof = sb.pullUnit()
	if !bytes.Equal(data, []byte("efgh")) || valid != 0x0f || eof {
		t.Fatalf("unit 1: got %q valid=%#02x eof=%v", data, valid, eof)
	}
	data, valid, eof = sb.pullUnit()
	if !bytes.Equal(data[:2], []byte("ij")) || valid != 0x03 || !eof {
		t.Fatalf("unit 2: got %q valid=%#02x eof=%v, expected partial unit and end of frame", data, valid, eof)
	}
	if sb.current != nil {
		t.Fatalf("expected staging to free on the end-of-frame pull")
	}
}

func TestStaging_PartialUnitMerge(t *testing.T) {
	// Bytes arriving in odd-sized chunks merge into the trailing
	// partial unit without reopening committed ones.
	sb := newStagingBuffer(8)
	sb.beginFrame(0, 0)
	sb.appendBytes([]byte("abc"))
	sb.appendBytes([]byte("defgh"))
	sb.appendBytes([]byte("ij"))
	if got := len(sb.building.units); got != 2 {
		t.Fatalf("expected 2 units but got %d", got)
	}
	if sb.building.size != 10 {
		t.Fatalf("expected size 10 but got %d", sb.building.size)
	}
	if sb.building.units[0].valid != 0xff {
		t.Fatalf("expected full first unit, valid=%#02x", sb.building.units[0].valid)
	}
	if sb.building.units[1].valid != 0x03 {
		t.Fatalf("expected 2 valid bytes in trailing unit, valid=%#02x", sb.building.units[1].valid)
	}
}

func TestStaging_DoubleBufferAndStall(t *testing.T) {
	sb := newStagingBuffer(8)

	sb.beginFrame(0, 0)
	sb.appendBytes([]byte("frame-one"))
	if !sb.commitBuilding(1) {
		t.Fatalf("first commit failed")
	}
	sb.beginFrame(0, 9)
	sb.appendBytes([]byte("frame-two"))
	if !sb.commitBuilding(2) {
		t.Fatalf("second commit should latch behind the draining frame")
	}
	sb.beginFrame(1, 0)
	sb.appendBytes([]byte("frame-three"))
	if sb.commitBuilding(3) {
		t.Fatalf("third commit should stall while both levels are occupied")
	}

	// Drain frame one; the latched frame releases on promote.
	for {
		_, _, eof := sb.pullUnit()
		if eof {
			break
		}
	}
	sb.promote()
	if sb.current == nil || sb.current.seq != 9 {
		t.Fatalf("expected latched frame to promote")
	}
	if !sb.commitBuilding(3) {
		t.Fatalf("stalled commit should succeed once a level frees")
	}
}

func TestStaging_AbortDiscardsOnlyBuilding(t *testing.T) {
	sb := newStagingBuffer(8)
	sb.beginFrame(0, 0)
	sb.appendBytes([]byte("committed"))
	if !sb.commitBuilding(1) {
		t.Fatalf("commit failed")
	}
	sb.beginFrame(0, 9)
	sb.appendBytes([]byte("partial"))
	sb.abortBuilding()
	if sb.building != nil {
		t.Fatalf("expected building frame discarded")
	}
	if sb.current == nil || sb.current.size != 9 {
		t.Fatalf("abort must not touch the committed frame")
	}
}

func TestStaging_DropStream(t *testing.T) {
	sb := newStagingBuffer(8)
	sb.beginFrame(3, 0)
	sb.appendBytes([]byte("doomed"))
	if !sb.commitBuilding(1) {
		t.Fatalf("commit failed")
	}
	sb.dropStream(3)
	if sb.current != nil || sb.latched != nil || sb.building != nil {
		t.Fatalf("expected all frames of stream 3 dropped")
	}
}
