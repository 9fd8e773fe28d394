package ptcp

import "testing"

var allStates = []State{
	StateClosed, StateListen, StateSynSent, StateSynRcvd, StateEstablished,
	StateCloseWait, StateLastAck, StateFinWait1, StateFinWait2, StateClosing, StateTimeWait,
}

var allInputs = []Input{
	InputAppPassiveOpen, InputAppActiveOpen, InputAppSendData, InputAppClose, InputTimeout,
	InputSyn, InputSynAck, InputAck, InputRst, InputFin, InputSegmentReceived,
}

// TestTransitionTableDefined confirms every (state, input) pair the table
// actually lists round-trips through step without panicking and lands on
// the declared target state.
func TestTransitionTableDefined(t *testing.T) {
	for key, want := range transitions {
		got, outputs := step(key.from, key.input)
		if got != want.to {
			t.Errorf("step(%s, %s) = %s, want %s", key.from, key.input, got, want.to)
		}
		if len(outputs) != len(want.outputs) {
			t.Errorf("step(%s, %s) outputs = %v, want %v", key.from, key.input, outputs, want.outputs)
		}
	}
}

// TestUnlistedPeerTriggerableIgnored verifies every (state, input) pair not
// present in the table is silently ignored when the input is
// peer-triggerable, never panicking.
func TestUnlistedPeerTriggerableIgnored(t *testing.T) {
	for _, s := range allStates {
		for _, i := range allInputs {
			if _, ok := transitions[transitionKey{s, i}]; ok {
				continue
			}
			if !i.isPeerTriggerable() {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("step(%s, %s) panicked: %v, want silent ignore", s, i, r)
					}
				}()
				to, outputs := step(s, i)
				if to != s || outputs != nil {
					t.Errorf("step(%s, %s) = (%s, %v), want self-loop with no outputs", s, i, to, outputs)
				}
			}()
		}
	}
}

// TestUnlistedAppVerbPanics verifies an app-verb input fed in a state that
// does not list it is a programming error.
func TestUnlistedAppVerbPanics(t *testing.T) {
	for _, s := range allStates {
		for _, i := range allInputs {
			if _, ok := transitions[transitionKey{s, i}]; ok {
				continue
			}
			if i.isPeerTriggerable() {
				continue
			}
			func() {
				defer func() {
					r := recover()
					if r == nil {
						t.Errorf("step(%s, %s) did not panic, want ErrIllegalTransition", s, i)
						return
					}
					if _, ok := r.(*ErrIllegalTransition); !ok {
						t.Errorf("step(%s, %s) panicked with %T, want *ErrIllegalTransition", s, i, r)
					}
				}()
				step(s, i)
			}()
		}
	}
}

func TestStateAndInputStringersCoverAllValues(t *testing.T) {
	for _, s := range allStates {
		if got := s.String(); got == "" {
			t.Errorf("State(%d).String() is empty", s)
		}
	}
	for _, i := range allInputs {
		if got := i.String(); got == "" {
			t.Errorf("Input(%d).String() is empty", i)
		}
	}
}
