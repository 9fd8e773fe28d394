// Timer abstraction: the core's only notion of time (§9 Design Notes).
// Connection owns exactly five of these — send-delay, ack-delay, retransmit,
// time-wait, close-wait-to-lose — and cancellation is idempotent (§5).

package ptcp

import (
	"sync"
	"time"
)

// clock lets tests substitute a fake timer source; the default uses
// time.AfterFunc, matching every timeout/deadline call site in the
// teacher's codebase (e.g. udpEndpointConn's SetDeadline family).
type clock interface {
	afterFunc(d time.Duration, f func()) cancelFunc
}

type cancelFunc func() bool

type realClock struct{}

func (realClock) afterFunc(d time.Duration, f func()) cancelFunc {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// timerSlot holds at most one armed timer and cancels it idempotently.
// Double-cancellation, and cancelling an already-fired timer, are no-ops
// (§5: "Double-cancellation must be a no-op").
type timerSlot struct {
	mu     sync.Mutex
	clk    clock
	cancel cancelFunc
}

func newTimerSlot(clk clock) *timerSlot {
	if clk == nil {
		clk = realClock{}
	}
	return &timerSlot{clk: clk}
}

// arm cancels any previously armed timer in this slot and schedules f to
// run after d.
func (s *timerSlot) arm(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = s.clk.afterFunc(d, f)
}

// armed reports whether arm has been called since the last stop. A timer
// that has already fired still counts as armed until stop or the next arm.
func (s *timerSlot) armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// stop cancels the armed timer, if any. Safe to call repeatedly.
func (s *timerSlot) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
