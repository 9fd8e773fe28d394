// State machine (§4.3): an eleven-state automaton (Broken is an alias of
// Closed, not a separate state) driven by a closed set of inputs, producing a closed set of
// effect primitives invoked on the connection engine. Modeled as a
// lookup table rather than nested switches, following the teacher's
// preference for small declarative tables over deep conditionals
// (etherType.String, protocolNumber.String).

package ptcp

import "fmt"

// State is one node of the §4.3 automaton.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
)

// StateBroken is an alias for StateClosed used when a transition is
// abnormal (timeout, rst) rather than a clean close.
const StateBroken = StateClosed

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynRcvd:
		return "SynRcvd"
	case StateEstablished:
		return "Established"
	case StateCloseWait:
		return "CloseWait"
	case StateLastAck:
		return "LastAck"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateClosing:
		return "Closing"
	case StateTimeWait:
		return "TimeWait"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Input is a discrete event fed into the machine.
type Input int

const (
	InputAppPassiveOpen Input = iota
	InputAppActiveOpen
	InputAppSendData
	InputAppClose
	InputTimeout
	InputSyn
	InputSynAck
	InputAck
	InputRst
	InputFin
	InputSegmentReceived
)

func (i Input) String() string {
	switch i {
	case InputAppPassiveOpen:
		return "appPassiveOpen"
	case InputAppActiveOpen:
		return "appActiveOpen"
	case InputAppSendData:
		return "appSendData"
	case InputAppClose:
		return "appClose"
	case InputTimeout:
		return "timeout"
	case InputSyn:
		return "syn"
	case InputSynAck:
		return "synAck"
	case InputAck:
		return "ack"
	case InputRst:
		return "rst"
	case InputFin:
		return "fin"
	case InputSegmentReceived:
		return "segmentReceived"
	default:
		return fmt.Sprintf("Input(%d)", int(i))
	}
}

// isPeerTriggerable reports whether an unlisted (state, input) pair for
// this input should be silently ignored rather than treated as a
// programming error. Peer packets and timers can arrive in any state;
// the application is only supposed to call the app-verb inputs when the
// current state makes them legal.
func (i Input) isPeerTriggerable() bool {
	switch i {
	case InputSyn, InputSynAck, InputAck, InputRst, InputFin, InputSegmentReceived, InputTimeout:
		return true
	default:
		return false
	}
}

// Output is an effect primitive the machine asks the connection engine to
// perform in response to a transition.
type Output int

const (
	OutputSendSyn Output = iota
	OutputSendSynAck
	OutputSendAck
	OutputSendFin
	OutputSendRst
	OutputAppNotifyListen
	OutputAppNotifyConnected
	OutputAppNotifyDisconnected
	OutputAppNotifyHalfClose
	OutputAppNotifyAttemptFailed
	OutputReleaseResources
	OutputStartTimeWaiting
)

func (o Output) String() string {
	switch o {
	case OutputSendSyn:
		return "sendSyn"
	case OutputSendSynAck:
		return "sendSynAck"
	case OutputSendAck:
		return "sendAck"
	case OutputSendFin:
		return "sendFin"
	case OutputSendRst:
		return "sendRst"
	case OutputAppNotifyListen:
		return "appNotifyListen"
	case OutputAppNotifyConnected:
		return "appNotifyConnected"
	case OutputAppNotifyDisconnected:
		return "appNotifyDisconnected"
	case OutputAppNotifyHalfClose:
		return "appNotifyHalfClose"
	case OutputAppNotifyAttemptFailed:
		return "appNotifyAttemptFailed"
	case OutputReleaseResources:
		return "releaseResources"
	case OutputStartTimeWaiting:
		return "startTimeWaiting"
	default:
		return fmt.Sprintf("Output(%d)", int(o))
	}
}

type transitionKey struct {
	from  State
	input Input
}

type transition struct {
	to      State
	outputs []Output
}

// transitions is the §4.3 table, plus the segmentReceived self-loops for
// {FinWait1, FinWait2, Closing} called out at the bottom of the table.
var transitions = map[transitionKey]transition{
	{StateClosed, InputAppPassiveOpen}: {StateListen, []Output{OutputAppNotifyListen}},
	{StateClosed, InputAppActiveOpen}:  {StateSynSent, []Output{OutputSendSyn}},

	{StateSynSent, InputSynAck}:  {StateEstablished, []Output{OutputSendAck, OutputAppNotifyConnected}},
	{StateSynSent, InputTimeout}: {StateClosed, []Output{OutputAppNotifyAttemptFailed, OutputReleaseResources}},
	{StateSynSent, InputAppClose}: {StateClosed, []Output{OutputAppNotifyAttemptFailed, OutputReleaseResources}},

	{StateListen, InputSyn}:         {StateSynRcvd, []Output{OutputSendSynAck}},
	{StateListen, InputAppSendData}: {StateSynSent, []Output{OutputSendSyn}},

	{StateSynRcvd, InputAck}:     {StateEstablished, []Output{OutputAppNotifyConnected}},
	{StateSynRcvd, InputAppClose}: {StateFinWait1, []Output{OutputSendFin}},
	{StateSynRcvd, InputTimeout}: {StateClosed, []Output{OutputSendRst, OutputReleaseResources}},
	{StateSynRcvd, InputRst}:     {StateClosed, []Output{OutputReleaseResources}},

	{StateEstablished, InputSegmentReceived}: {StateEstablished, []Output{OutputSendAck}},
	{StateEstablished, InputAppClose}:        {StateFinWait1, []Output{OutputAppNotifyDisconnected, OutputSendFin}},
	{StateEstablished, InputFin}:             {StateCloseWait, []Output{OutputAppNotifyHalfClose, OutputSendAck}},
	{StateEstablished, InputTimeout}:         {StateClosed, []Output{OutputAppNotifyDisconnected, OutputReleaseResources}},

	{StateCloseWait, InputAppClose}: {StateLastAck, []Output{OutputSendFin, OutputAppNotifyDisconnected}},
	{StateCloseWait, InputTimeout}:  {StateClosed, []Output{OutputAppNotifyDisconnected, OutputReleaseResources}},

	{StateLastAck, InputAck}:     {StateClosed, []Output{OutputReleaseResources}},
	{StateLastAck, InputTimeout}: {StateClosed, []Output{OutputReleaseResources}},

	{StateFinWait1, InputAck}:               {StateFinWait2, nil},
	{StateFinWait1, InputFin}:               {StateClosing, []Output{OutputSendAck}},
	{StateFinWait1, InputTimeout}:           {StateClosed, []Output{OutputReleaseResources}},
	{StateFinWait1, InputSegmentReceived}:   {StateFinWait1, nil},

	{StateFinWait2, InputFin}:             {StateTimeWait, []Output{OutputSendAck, OutputStartTimeWaiting}},
	{StateFinWait2, InputTimeout}:         {StateClosed, []Output{OutputReleaseResources}},
	{StateFinWait2, InputSegmentReceived}: {StateFinWait2, nil},

	{StateClosing, InputAck}:             {StateTimeWait, []Output{OutputStartTimeWaiting}},
	{StateClosing, InputTimeout}:         {StateClosed, []Output{OutputReleaseResources}},
	{StateClosing, InputSegmentReceived}: {StateClosing, nil},

	{StateTimeWait, InputTimeout}: {StateClosed, []Output{OutputReleaseResources}},
}

// ErrIllegalTransition is raised by step when an app-verb input is fed in a
// state that does not list it — a programming error, never something a
// peer can trigger.
type ErrIllegalTransition struct {
	From  State
	Input Input
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("ptcp: illegal transition: input %s in state %s", e.Input, e.From)
}

// step looks up the transition for (from, input). It returns the same
// state with no outputs (a silent ignore) when the pair is unlisted and
// the input is peer-triggerable; otherwise an unlisted pair panics via
// ErrIllegalTransition, since that only happens when the connection engine
// itself calls an app verb out of turn.
func step(from State, input Input) (State, []Output) {
	if t, ok := transitions[transitionKey{from, input}]; ok {
		return t.to, t.outputs
	}
	if input.isPeerTriggerable() {
		return from, nil
	}
	panic(&ErrIllegalTransition{From: from, Input: input})
}
