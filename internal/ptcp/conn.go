// Connection engine (§4.4 inbound path, §4.5 outbound path, §5): owns one
// connection's send buffer, retransmission queue, timers, window
// accounting, producer/consumer flow control, and delivery of in-order
// bytes to the application. Grounded on the teacher's tcpConn plus the
// tcpSendBuffer/tcpRTTEstimator machinery in tcp.go, generalized to
// PTCP's relative-sequence, no-reassembly semantics (§9).

package ptcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Default tunables (§3, §9); all but defaultCloseWaitLose are overridable
// via Config.
const (
	defaultMTU              = 493 // payload bytes per segment
	defaultSendDelay        = 10 * time.Microsecond
	defaultAckDelayFirst    = 100 * time.Millisecond
	defaultAckDelayBurst    = 10 * time.Millisecond
	defaultRetransmitPeriod = 500 * time.Millisecond
	defaultTimeWait         = 2 * time.Second
	defaultCloseWaitLose    = 50 * time.Millisecond
)

var (
	// ErrRegisterProducer is returned by RegisterProducer when one is
	// already registered (§4.5: "Registering a producer when one is
	// present is an error").
	ErrRegisterProducer = errors.New("ptcp: producer already registered")
)

// connKey identifies a Connection within the multiplexer's map (§3):
// (destPseudoPort, sourcePseudoPort, peerAddr).
type connKey struct {
	destPort uint16
	srcPort  uint16
	peerAddr string
}

// Connection is one logical PTCP stream (§3).
type Connection struct {
	mu sync.Mutex

	mux *Multiplexer // non-owning back reference, for sendPacket/connectionClosed

	hostPseudoPort uint16
	peerPseudoPort uint16
	peerAddr       net.Addr
	isClient       bool // active-open side, vs. synthesized passive-open

	state State

	// send state
	hostSendISN             uint32
	nextSendSeqNum          uint64 // SND.NXT, relative (never wraps: see recvAckLap)
	oldestUnackedSendSeqNum uint64 // SND.UNA, relative
	outBuf                  []byte
	retxQueue               *sendBuffer

	// recvAckLap converts the peer's wire AckNum (acknowledging bytes we
	// sent, tagged with our ISN) into our monotonic relative send space,
	// per §4.2's "wire + lap*2^32 - ISN" rule.
	recvAckLap *lapTracker

	// receive state
	peerSendISN    uint32
	setPeerISN     bool
	nextRecvSeqNum uint64 // RCV.NXT, relative

	// recvSeqLap converts the peer's wire SeqNum into our monotonic
	// relative receive space; created once peerSendISN is known.
	recvSeqLap *lapTracker

	// flow control
	recvWindow          uint32
	sendWindow          uint32
	sendWindowRemaining uint32

	mtu int

	sendDelayTimer    *timerSlot
	ackDelayTimer     *timerSlot
	retransmitTimer   *timerSlot
	timeWaitTimer     *timerSlot
	closeWaitLoseTimer *timerSlot

	producer           Producer
	producerStreaming  bool
	consumerPaused     bool // app asked us (as its producer) to pause delivering inbound bytes
	protocol           Protocol

	clientFactory ClientFactory // set on active-open, for clientConnectionFailed

	disconnecting bool
	appCloseFed   bool // InputAppClose has already been fed; guards against re-feeding on a second drain
	disconnected  bool

	cfg Config
	log *slog.Logger
}

func newConnection(mux *Multiplexer, hostPort, peerPort uint16, peerAddr net.Addr, isClient bool, hostSendISN uint32, cfg Config, log *slog.Logger) *Connection {
	c := &Connection{
		mux:            mux,
		hostPseudoPort: hostPort,
		peerPseudoPort: peerPort,
		peerAddr:       peerAddr,
		isClient:       isClient,
		state:          StateClosed,
		retxQueue:      newSendBuffer(),
		mtu:            cfg.mtuOrDefault(),
		recvWindow:     uint32(cfg.mtuOrDefault()),
		hostSendISN:    hostSendISN,
		recvAckLap:     newLapTracker(hostSendISN),
		cfg:            cfg,
		log:            log,
	}
	c.sendDelayTimer = newTimerSlot(nil)
	c.ackDelayTimer = newTimerSlot(nil)
	c.retransmitTimer = newTimerSlot(nil)
	c.timeWaitTimer = newTimerSlot(nil)
	c.closeWaitLoseTimer = newTimerSlot(nil)
	return c
}

func (c *Connection) key() connKey {
	return connKey{destPort: c.hostPseudoPort, srcPort: c.peerPseudoPort, peerAddr: addrString(c.peerAddr)}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// feed pushes an input through the state machine and runs its outputs in
// order (§5: "outputs of a single input are emitted before the next input
// is dispatched"). Caller must hold c.mu.
func (c *Connection) feed(input Input) {
	from := c.state
	to, outputs := step(from, input)
	c.state = to
	if c.log != nil && (from != to || len(outputs) > 0) {
		c.log.Debug("ptcp: transition", slog.String("from", from.String()), slog.String("input", input.String()), slog.String("to", to.String()))
	}
	for _, out := range outputs {
		c.runOutput(out)
	}
}

func (c *Connection) runOutput(out Output) {
	switch out {
	case OutputSendSyn:
		c.originateLocked(nil, true, false, false, false)
	case OutputSendSynAck:
		c.originateLocked(nil, true, true, false, false)
	case OutputSendAck:
		c.originateLocked(nil, false, true, false, false)
	case OutputSendFin:
		c.originateLocked(nil, false, true, true, false)
	case OutputSendRst:
		c.originateLocked(nil, false, false, false, true)
	case OutputAppNotifyListen:
		// Passive listen has no per-connection protocol yet; nothing to notify.
	case OutputAppNotifyConnected:
		c.notifyConnectedLocked()
	case OutputAppNotifyDisconnected:
		if c.protocol != nil && !c.disconnected {
			c.disconnected = true
			c.protocol.ConnectionLost(nil)
		}
	case OutputAppNotifyHalfClose:
		// Half-close: schedule the automatic loseConnection per §4.5's
		// nowHalfClosed, giving the application a brief window to flush
		// any remaining writes first.
		c.closeWaitLoseTimer.arm(defaultCloseWaitLose, c.nowHalfClosed)
	case OutputAppNotifyAttemptFailed:
		if c.clientFactory != nil {
			c.clientFactory.ClientConnectionFailed(errTimeout)
		}
	case OutputReleaseResources:
		c.releaseResourcesLocked()
	case OutputStartTimeWaiting:
		c.timeWaitTimer.arm(c.cfg.timeWaitOrDefault(), c.fireTimeWait)
	}
}

var errTimeout = errors.New("ptcp: timed out")

func (c *Connection) notifyConnectedLocked() {
	if c.protocol != nil {
		return
	}
	var proto Protocol
	if c.isClient && c.clientFactory != nil {
		proto = c.clientFactory.BuildProtocol(c.remoteAddrLocked())
	} else if !c.isClient && c.mux != nil && c.mux.serverFactory != nil {
		proto = c.mux.serverFactory.BuildProtocol(c.remoteAddrLocked())
	}
	if proto == nil {
		return
	}
	c.protocol = proto
	proto.MakeConnection(c)
}

func (c *Connection) remoteAddrLocked() Addr {
	host, port := hostPortOf(c.peerAddr)
	return Addr{Host: host, Port: port, HostPseudoPort: c.hostPseudoPort, PeerPseudoPort: c.peerPseudoPort}
}

func hostPortOf(a net.Addr) (net.IP, int) {
	if udp, ok := a.(*net.UDPAddr); ok {
		return udp.IP, udp.Port
	}
	return nil, 0
}

func (c *Connection) nowHalfClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseConnectionLocked()
}

func (c *Connection) fireTimeWait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed(InputTimeout)
	c.mux.connectionClosed(c)
}

func (c *Connection) releaseResourcesLocked() {
	c.sendDelayTimer.stop()
	c.ackDelayTimer.stop()
	c.retransmitTimer.stop()
	c.timeWaitTimer.stop()
	c.closeWaitLoseTimer.stop()
	c.retxQueue.clear()
	if c.producer != nil {
		c.producer.StopProducing()
		c.producer = nil
	}
	if c.mux != nil {
		c.mux.connectionClosed(c)
	}
}

////////////////////////////////////////////////////////////////////////////
// Active/passive open
////////////////////////////////////////////////////////////////////////////

func (c *Connection) activeOpen(factory ClientFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientFactory = factory
	c.feed(InputAppActiveOpen)
}

func (c *Connection) passiveOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed(InputAppPassiveOpen)
}

////////////////////////////////////////////////////////////////////////////
// Inbound path (§4.4)
////////////////////////////////////////////////////////////////////////////

// packetReceived processes one decoded, checksum-verified Packet addressed
// to this Connection.
func (c *Connection) packetReceived(pkt *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: STB (MTU shrink) advisory.
	if pkt.HasFlag(FlagSTB) {
		c.handleSTBLocked(pkt)
		return
	}

	// Step 2: paused receiver drops everything else.
	if c.consumerPaused {
		return
	}

	// Step 3: SYN handling.
	if pkt.HasFlag(FlagSYN) {
		if len(pkt.Data) > 0 {
			c.logBad("SYN with data")
			return
		}
		if !c.isClient && c.peerAddr == nil {
			c.peerAddr = pkt.PeerAddr
		} else if c.isClient && !sameAddr(c.peerAddr, pkt.PeerAddr) {
			c.logBad("SYN from unexpected address")
			return
		}
		if c.setPeerISN {
			if pkt.SeqNum != c.peerSendISN {
				c.logBad("conflicting peer ISN on repeated SYN")
				return
			}
		} else {
			c.setPeerISN = true
			c.peerSendISN = pkt.SeqNum
			c.recvSeqLap = newLapTracker(pkt.SeqNum)
			c.recvSeqLap.relative(pkt.SeqNum) // primes the tracker so relSeq=0 for this SYN
			c.nextRecvSeqNum += 1
		}
		if !pkt.HasFlag(FlagACK) {
			c.feed(InputSyn)
		}
	}

	// Step 4: ACK processing.
	if pkt.HasFlag(FlagACK) {
		relAck := c.recvAckLap.relative(pkt.AckNum)
		if ackAcceptable(uint32(c.oldestUnackedSendSeqNum), uint32(relAck), uint32(c.nextSendSeqNum)) {
			c.retxQueue.drainAcked(uint32(relAck))
			c.oldestUnackedSendSeqNum = relAck
			c.sendWindow = pkt.Window
			// sendWindowRemaining is recomputed from the peer's freshly
			// advertised window minus what we still have in flight, not
			// incremented by bytes freed: the window the peer grants can
			// shrink or grow between acks, not just move forward.
			inFlight := c.nextSendSeqNum - c.oldestUnackedSendSeqNum
			if uint64(c.sendWindow) > inFlight {
				c.sendWindowRemaining = c.sendWindow - uint32(inFlight)
			} else {
				c.sendWindowRemaining = 0
			}
			wasSynSent := c.state == StateSynSent
			if wasSynSent && pkt.HasFlag(FlagSYN) {
				c.feed(InputSynAck)
			} else {
				c.feed(InputAck)
			}
			if c.retxQueue.empty() {
				c.retransmitTimer.stop()
				c.writeBufferEmptyLocked()
			} else {
				c.armRetransmitIfNeededLocked()
			}
			// The window may have just reopened: resume a paused streaming
			// producer and push any buffered bytes back out (§4.5, §9).
			if c.sendWindowRemaining > 0 {
				if c.producer != nil && c.producerStreaming {
					c.producer.ResumeProducing()
				}
				c.reallyWriteLocked()
			}
		}
	}

	segLen := pkt.segmentLength()

	// Step 5: pure ack.
	if segLen == 0 {
		return
	}

	// The SYN itself already advanced nextRecvSeqNum in step 3; there is no
	// further data or FIN to test acceptability for on a bare SYN/SYN-ACK.
	if pkt.HasFlag(FlagSYN) && len(pkt.Data) == 0 && !pkt.HasFlag(FlagFIN) {
		return
	}

	if !c.setPeerISN || c.recvSeqLap == nil {
		c.logBad("data before SYN established peer ISN")
		return
	}
	relSeq := c.recvSeqLap.relative(pkt.SeqNum)

	// Step 6: acceptability gate.
	if !segmentAcceptable(uint32(c.nextRecvSeqNum), c.recvWindow, uint32(relSeq), segLen) {
		c.armAckDelayLocked()
		return
	}

	// Step 7: future-but-in-window, no reorder (§4.4 step 7, §9).
	if relSeq > c.nextRecvSeqNum {
		return
	}

	// Step 8: data delivery.
	if len(pkt.Data) > 0 {
		skip := c.nextRecvSeqNum - relSeq
		if skip > uint64(len(pkt.Data)) {
			skip = uint64(len(pkt.Data))
		}
		fresh := pkt.Data[skip:]
		if len(fresh) > 0 && c.protocol != nil {
			c.deliverLocked(fresh)
		}
		if len(fresh) > 0 {
			c.feed(InputSegmentReceived)
		}
	}

	// Step 9: sequence advance.
	c.nextRecvSeqNum += uint64(segLen)

	// Step 10: FIN, else schedule delayed ack for data.
	if pkt.HasFlag(FlagFIN) {
		c.feed(InputFin)
	} else if len(pkt.Data) > 0 {
		c.armAckDelayLocked()
	}
}

func (c *Connection) deliverLocked(data []byte) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn("ptcp: consumer panic, closing", slog.Any("recover", r))
				c.loseConnectionLocked()
			}
		}()
		c.protocol.DataReceived(data)
	}()
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func (c *Connection) logBad(reason string) {
	if c.log != nil {
		c.log.Warn("ptcp: bad packet", slog.String("reason", reason), slog.String("peer", addrString(c.peerAddr)))
	}
}

// handleSTBLocked interprets the 2-byte payload as the peer's observed
// datagram size, shrinks the MTU, and refragments every queued
// retransmission segment against it in place (§4.4 step 1).
func (c *Connection) handleSTBLocked(pkt *Packet) {
	if len(pkt.Data) != 2 {
		c.logBad("malformed STB payload")
		return
	}
	newMTU := int(pkt.Data[0])<<8 | int(pkt.Data[1])
	if newMTU <= 0 || newMTU >= c.mtu {
		return
	}
	c.mtu = newMTU

	old := c.retxQueue.all()
	var refragmented []*queuedSegment
	for _, seg := range old {
		for _, child := range seg.pkt.Fragment(newMTU) {
			refragmented = append(refragmented, &queuedSegment{
				pkt:    child,
				relSeq: seg.relSeq + (child.SeqNum - seg.pkt.SeqNum),
				segLen: child.segmentLength(),
			})
		}
	}
	c.retxQueue.replace(refragmented)
}

////////////////////////////////////////////////////////////////////////////
// Outbound path (§4.5)
////////////////////////////////////////////////////////////////////////////

// Write appends data to the outgoing buffer and arms the send-delay timer
// to coalesce rapid writes.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return fmt.Errorf("ptcp: write after connectionLost")
	}
	c.outBuf = append(c.outBuf, data...)
	c.sendDelayTimer.arm(c.cfg.sendDelayOrDefault(), c.fireSendDelay)
	return nil
}

// WriteSequence writes each chunk in order (§6).
func (c *Connection) WriteSequence(chunks [][]byte) error {
	for _, chunk := range chunks {
		if err := c.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) fireSendDelay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reallyWriteLocked()
}

// reallyWriteLocked drains outBuf into data packets while the send window
// allows (§4.5).
func (c *Connection) reallyWriteLocked() {
	for c.sendWindowRemaining > 0 && len(c.outBuf) > 0 {
		n := int(c.sendWindowRemaining)
		if n > c.mtu {
			n = c.mtu
		}
		if n > len(c.outBuf) {
			n = len(c.outBuf)
		}
		chunk := c.outBuf[:n]
		c.outBuf = c.outBuf[n:]
		c.originateLocked(chunk, false, true, false, false)
	}
	if len(c.outBuf) == 0 {
		c.writeBufferEmptyLocked()
	}
}

// currentAckNum is (nextRecvSeqNum + peerSendISN) mod 2^32.
func (c *Connection) currentAckNumLocked() uint32 {
	return uint32(c.nextRecvSeqNum) + c.peerSendISN
}

// originateLocked constructs, queues if necessary, and sends one packet.
func (c *Connection) originateLocked(data []byte, syn, ack, fin, rst bool) *Packet {
	c.ackDelayTimer.stop() // this packet will carry a current ack (§4.5)

	var flags byte
	if syn {
		flags |= FlagSYN
	}
	if ack {
		flags |= FlagACK
	}
	if fin {
		flags |= FlagFIN
	}
	if rst {
		flags |= FlagRST
	}

	relSeq := uint32(c.nextSendSeqNum)
	pkt := NewPacket(c.hostPseudoPort, c.peerPseudoPort, relSeq+c.hostSendISN, c.currentAckNumLocked(), c.recvWindow, flags, data)
	pkt.Dest = c.peerAddr
	pkt.RetransmitsLeft = c.cfg.retransmitAttemptsOrDefault()

	segLen := pkt.segmentLength()
	c.nextSendSeqNum += uint64(segLen)

	if pkt.mustRetransmit() {
		c.retxQueue.append(pkt, relSeq)
		c.armRetransmitIfNeededLocked()
		if len(data) > 0 {
			if segLen > c.sendWindowRemaining {
				c.sendWindowRemaining = 0
			} else {
				c.sendWindowRemaining -= segLen
			}
			if c.sendWindowRemaining == 0 {
				c.writeBufferFullLocked()
			}
		}
	}

	c.sendLocked(pkt)
	return pkt
}

func (c *Connection) sendLocked(pkt *Packet) {
	if c.mux != nil {
		c.mux.sendPacket(pkt)
	}
}

func (c *Connection) armRetransmitIfNeededLocked() {
	if !c.retransmitTimer.armed() && !c.retxQueue.empty() {
		c.retransmitTimer.arm(c.cfg.retransmitPeriodOrDefault(), c.fireRetransmit)
	}
}

// fireRetransmit is the single ~500ms retransmit timer (§4.5). On fire it
// decrements every queued segment's counter, feeds timeout on exhaustion,
// otherwise refreshes ackNum and resends.
func (c *Connection) fireRetransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs := c.retxQueue.all()
	if len(segs) == 0 {
		return
	}
	for _, seg := range segs {
		seg.pkt.RetransmitsLeft--
		if seg.pkt.RetransmitsLeft <= 0 {
			c.feed(InputTimeout)
			return
		}
	}
	for _, seg := range segs {
		seg.pkt.AckNum = c.currentAckNumLocked()
		c.sendLocked(seg.pkt)
	}
	c.retransmitTimer.arm(c.cfg.retransmitPeriodOrDefault(), c.fireRetransmit)
}

// armAckDelayLocked arms a ~100ms timer the first time in a burst, then
// resets to the shorter burst delay on subsequent requests (§4.5).
func (c *Connection) armAckDelayLocked() {
	if c.ackDelayTimer.armed() {
		c.ackDelayTimer.arm(c.cfg.ackDelayBurstOrDefault(), c.fireAckDelay)
		return
	}
	c.ackDelayTimer.arm(c.cfg.ackDelayFirstOrDefault(), c.fireAckDelay)
}

func (c *Connection) fireAckDelay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originateLocked(nil, false, true, false, false)
}

////////////////////////////////////////////////////////////////////////////
// Producer / consumer (§4.5, §5, §6)
////////////////////////////////////////////////////////////////////////////

// RegisterProducer attaches an outbound producer. A non-streaming (pull)
// producer is resumed whenever the write buffer empties; a streaming
// producer is paused/resumed on window state.
func (c *Connection) RegisterProducer(p Producer, streaming bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.producer != nil {
		return ErrRegisterProducer
	}
	c.producer = p
	c.producerStreaming = streaming
	if c.disconnected {
		p.StopProducing()
		return nil
	}
	return nil
}

func (c *Connection) UnregisterProducer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producer = nil
}

func (c *Connection) writeBufferEmptyLocked() {
	if c.producer != nil && !c.producerStreaming {
		c.producer.ResumeProducing()
	}
	// loseConnectionLocked's re-entrancy guard means it cannot be used here:
	// by the time the buffer drains, disconnecting is already true from the
	// LoseConnection call that deferred the close, so feed appClose directly.
	// This method is also invoked when only the retransmit queue (not
	// outBuf) has drained, so the buffer must be checked again here.
	if c.disconnecting && len(c.outBuf) == 0 && !c.appCloseFed {
		c.appCloseFed = true
		c.feed(InputAppClose)
	}
}

func (c *Connection) writeBufferFullLocked() {
	if c.producer != nil && c.producerStreaming {
		c.producer.PauseProducing()
	}
}

// PauseProducing is called by the application-level consumer to tell this
// Connection to stop delivering inbound bytes; the peer will retransmit
// (§5 receive-side backpressure).
func (c *Connection) PauseProducing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumerPaused = true
}

func (c *Connection) ResumeProducing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumerPaused = false
}

////////////////////////////////////////////////////////////////////////////
// Close (§4.5)
////////////////////////////////////////////////////////////////////////////

// LoseConnection sets disconnecting; if the outgoing buffer is empty it
// immediately feeds appClose, otherwise the flag is observed when the
// buffer drains.
func (c *Connection) LoseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseConnectionLocked()
}

func (c *Connection) loseConnectionLocked() {
	if c.disconnecting {
		return
	}
	c.disconnecting = true
	if len(c.outBuf) == 0 && !c.appCloseFed {
		c.appCloseFed = true
		c.feed(InputAppClose)
	}
}

func (c *Connection) GetHost() Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Addr{HostPseudoPort: c.hostPseudoPort, PeerPseudoPort: c.peerPseudoPort}
}

func (c *Connection) GetPeer() Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddrLocked()
}
