package ptcp

import "testing"

func TestSeqOrderingWraparound(t *testing.T) {
	const max = ^uint32(0)
	if !seqLT(max, 0) {
		t.Fatalf("seqLT should treat wraparound as ordering forward")
	}
	if !seqGT(0, max) {
		t.Fatalf("seqGT should treat wraparound as ordering forward")
	}
	if !seqLTE(5, 5) || !seqGTE(5, 5) {
		t.Fatalf("equal values should satisfy both LTE and GTE")
	}
}

func TestLapTrackerSingleLap(t *testing.T) {
	lt := newLapTracker(1000)
	if got := lt.relative(1000); got != 0 {
		t.Fatalf("first relative() = %d, want 0", got)
	}
	if got := lt.relative(1010); got != 10 {
		t.Fatalf("relative() = %d, want 10", got)
	}
}

func TestLapTrackerWraparound(t *testing.T) {
	isn := ^uint32(0) - 5 // 5 bytes from wraparound
	lt := newLapTracker(isn)
	if got := lt.relative(isn); got != 0 {
		t.Fatalf("priming relative() = %d, want 0", got)
	}
	if got := lt.relative(isn + 5); got != 5 {
		t.Fatalf("pre-wrap relative() = %d, want 5", got)
	}
	// Wire sequence wraps past 2^32-1 back to small values.
	if got := lt.relative(2); got != 8 {
		t.Fatalf("post-wrap relative() = %d, want 8", got)
	}
}

func TestSegmentAcceptable(t *testing.T) {
	cases := []struct {
		name                     string
		rcvNxt, rcvWnd, seq, len uint32
		want                     bool
	}{
		{"zero-len zero-window matching", 100, 0, 100, 0, true},
		{"zero-len zero-window mismatch", 100, 0, 101, 0, false},
		{"zero-len in window", 100, 10, 105, 0, true},
		{"zero-len out of window", 100, 10, 200, 0, false},
		{"data into zero window", 100, 0, 100, 5, false},
		{"data fully in window", 100, 10, 100, 5, true},
		{"data overlapping window tail", 100, 10, 105, 10, true},
		{"data fully past window", 100, 10, 200, 5, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := segmentAcceptable(c.rcvNxt, c.rcvWnd, c.seq, c.len); got != c.want {
				t.Fatalf("segmentAcceptable(%d,%d,%d,%d) = %v, want %v", c.rcvNxt, c.rcvWnd, c.seq, c.len, got, c.want)
			}
		})
	}
}

func TestAckAcceptable(t *testing.T) {
	if !ackAcceptable(100, 150, 200) {
		t.Fatalf("ack within (SND.UNA, SND.NXT] should be acceptable")
	}
	if ackAcceptable(100, 100, 200) {
		t.Fatalf("ack equal to SND.UNA acknowledges nothing new")
	}
	if ackAcceptable(100, 201, 200) {
		t.Fatalf("ack beyond SND.NXT acknowledges unsent data")
	}
	if !ackAcceptable(100, 200, 200) {
		t.Fatalf("ack exactly at SND.NXT should be acceptable")
	}
}
