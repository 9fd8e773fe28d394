// Sequence arithmetic (§4.2): conversion between wire sequence numbers
// (modulo 2^32) and relative sequence numbers, and the RFC 793 §3.3
// acceptability predicates. Grounded on the teacher's seqLT/seqLTE/seqGT/
// seqGTE helpers in tcp.go, which use the identical wraparound-via-signed-
// subtraction trick — relative sequence numbers in PTCP and wire sequence
// numbers in plain TCP obey the same total order.

package ptcp

// seqLT reports whether a precedes b, mod 2^32.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

// seqLTE reports whether a precedes or equals b, mod 2^32.
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }

// seqGT reports whether a follows b, mod 2^32.
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// seqGTE reports whether a follows or equals b, mod 2^32.
func seqGTE(a, b uint32) bool { return int32(a-b) >= 0 }

// lapTracker converts a stream of wire sequence numbers (mod 2^32) into
// monotonically increasing relative sequence numbers, given a negotiated
// ISN. It detects wraparound by comparing each new wire value against the
// last one observed (a backward jump of more than half the space means the
// counter wrapped) and keeps an explicit lap counter, as directed by the
// Design Notes ("Lap counters are maintained externally when a wire
// sequence wraps").
type lapTracker struct {
	isn      uint32
	lap      uint64
	lastWire uint32
	primed   bool
}

func newLapTracker(isn uint32) *lapTracker {
	return &lapTracker{isn: isn}
}

// relative converts a wire sequence number into this tracker's relative
// sequence space: (wire + lap*2^32) - isn, using uint64 arithmetic so the
// lap multiplication cannot itself overflow within the tracked range.
func (t *lapTracker) relative(wire uint32) uint64 {
	if !t.primed {
		t.primed = true
		t.lastWire = wire
	} else if wire < t.lastWire && t.lastWire-wire > 1<<31 {
		t.lap++
		t.lastWire = wire
	} else if wire >= t.lastWire {
		t.lastWire = wire
	}
	return (uint64(t.lap)<<32 + uint64(wire)) - uint64(t.isn)
}

// segmentAcceptable implements the RFC 793 table on p.26 (§4.2): given the
// receiver's next-expected sequence number and advertised window, and the
// segment's sequence number and length, report whether the segment may be
// accepted.
func segmentAcceptable(rcvNxt, rcvWnd, segSeq, segLen uint32) bool {
	switch {
	case segLen == 0 && rcvWnd == 0:
		return segSeq == rcvNxt
	case segLen == 0 && rcvWnd > 0:
		return seqLTE(rcvNxt, segSeq) && seqLT(segSeq, rcvNxt+rcvWnd)
	case segLen > 0 && rcvWnd == 0:
		return false
	default: // segLen > 0 && rcvWnd > 0
		inWindow := seqLTE(rcvNxt, segSeq) && seqLT(segSeq, rcvNxt+rcvWnd)
		lastByte := segSeq + segLen - 1
		lastInWindow := seqLTE(rcvNxt, lastByte) && seqLT(lastByte, rcvNxt+rcvWnd)
		return inWindow || lastInWindow
	}
}

// ackAcceptable reports whether seg.ACK acknowledges new data without
// acknowledging data we have not sent yet: SND.UNA < SEG.ACK <= SND.NXT.
func ackAcceptable(sndUna, segAck, sndNxt uint32) bool {
	return seqLT(sndUna, segAck) && seqLTE(segAck, sndNxt)
}
