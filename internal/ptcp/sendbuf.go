// Retransmission queue: a FIFO of unacknowledged segments in send order
// (§3 invariant I1). Grounded on the teacher's tcpSendBuffer in tcp.go,
// adapted to key segments by *relative* sequence number instead of wire
// ones and to hold the outbound Packet itself (so STB-driven refragmentation
// and resend have the flags/data/peer address at hand, not just a payload
// slice the caller must re-wrap).
//
// oldestCoalesced from the teacher is not carried forward: PTCP originates
// one packet per write-loop iteration already sized to sendWindowRemaining
// (§4.5), so there is never a backlog of small segments worth coalescing on
// the send side — see DESIGN.md.

package ptcp

import "sync"

// queuedSegment is one entry on the retransmission queue.
type queuedSegment struct {
	pkt    *Packet
	relSeq uint32
	segLen uint32
}

// sendBuffer is the per-connection retransmission queue.
type sendBuffer struct {
	mu    sync.Mutex
	queue []*queuedSegment
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{}
}

// append adds a segment to the tail of the queue. Appending after a FIN is
// a programming error (§4.5: "rejecting append-after-FIN as a programming
// error").
func (sb *sendBuffer) append(pkt *Packet, relSeq uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(sb.queue) > 0 && sb.queue[len(sb.queue)-1].pkt.HasFlag(FlagFIN) {
		panic("ptcp: append to retransmission queue after FIN")
	}
	sb.queue = append(sb.queue, &queuedSegment{pkt: pkt, relSeq: relSeq, segLen: pkt.segmentLength()})
}

// drainAcked removes every segment fully covered by a cumulative ack at
// relAck (relSeq+segLen <= relAck, §4.4 step 4) and returns the bytes of
// payload freed. Connection's ACK path does not use this count: it
// recomputes sendWindowRemaining from the peer's advertised window.
func (sb *sendBuffer) drainAcked(relAck uint32) (bytesFreed int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	kept := sb.queue[:0]
	for _, seg := range sb.queue {
		if seqLTE(seg.relSeq+seg.segLen, relAck) {
			bytesFreed += len(seg.pkt.Data)
		} else {
			kept = append(kept, seg)
		}
	}
	sb.queue = kept
	return bytesFreed
}

// oldest returns the head of the queue, if any.
func (sb *sendBuffer) oldest() (*queuedSegment, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.queue) == 0 {
		return nil, false
	}
	return sb.queue[0], true
}

// all returns a snapshot of the queue in send order, for retransmission and
// for the STB-driven refragmentation pass.
func (sb *sendBuffer) all() []*queuedSegment {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]*queuedSegment, len(sb.queue))
	copy(out, sb.queue)
	return out
}

// replace swaps the entire queue contents, used after refragmenting every
// queued segment against a new MTU (§4.4 step 1).
func (sb *sendBuffer) replace(segs []*queuedSegment) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.queue = segs
}

func (sb *sendBuffer) len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.queue)
}

func (sb *sendBuffer) empty() bool { return sb.len() == 0 }

func (sb *sendBuffer) clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.queue = nil
}
