// Multiplexer (§4.6): owns the datagram transport, routes inbound
// datagrams to the correct connection by three-tuple key, synthesises
// passive connections on bare SYN to the listening pseudo-port, and
// orchestrates shutdown. Grounded on NetStack as the owning registry
// (its map-of-connections and Close/cleanup pattern) and on
// ListenPacketInternal/BindUDPCallback for the passive-accept shape.

package ptcp

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ListenPseudoPort is the conventional listening pseudo-port (glossary).
const ListenPseudoPort uint16 = 1

// ErrMuxClosed is returned by Connect once the multiplexer has shut down.
var ErrMuxClosed = errors.New("ptcp: multiplexer closed")

// DatagramSocket is the external datagram transport collaborator (§1, §6):
// narrow enough to be backed by a real *net.UDPConn or a test double.
type DatagramSocket interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// ISNGenerator produces the initial sequence number for a new connection.
// The spec keeps this hardcoded to 0 but factored as an injectable
// strategy pending proper lap-based sequence math (§9 Design Notes):
// randomising it is future work the source explicitly deferred.
type ISNGenerator func() uint32

// ZeroISN is the spec-mandated default ISN generator.
func ZeroISN() uint32 { return 0 }

// Multiplexer demultiplexes one datagram endpoint across many PTCP
// connections (§3, §4.6).
type Multiplexer struct {
	mu sync.Mutex

	socket        DatagramSocket
	transportGone bool
	closed        bool

	conns map[connKey]*Connection

	nextPseudoPort uint32 // monotonically increasing, modulo 2^16 (§3)
	isnGen         ISNGenerator

	serverFactory ServerFactory

	cfg Config
	log *slog.Logger

	allClosed     chan struct{}
	allClosedOnce sync.Once
}

// New creates a Multiplexer over socket. A nil logger becomes
// slog.Default(), matching the teacher's NetStack.New(l *slog.Logger)
// constructor convention.
func New(socket DatagramSocket, log *slog.Logger, cfg Config) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		socket:         socket,
		conns:          make(map[connKey]*Connection),
		nextPseudoPort: 2, // 1 is reserved for listening
		isnGen:         ZeroISN,
		serverFactory:  nil,
		cfg:            cfg,
		log:            log,
		allClosed:      make(chan struct{}),
	}
}

// SetISNGenerator overrides the ISN strategy (default ZeroISN).
func (m *Multiplexer) SetISNGenerator(gen ISNGenerator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isnGen = gen
}

// Listen configures the multiplexer to accept passive opens at
// ListenPseudoPort, building consumers via factory.
func (m *Multiplexer) Listen(factory ServerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverFactory = factory
}

// Done returns a channel closed once the last connection has closed (the
// multiplexer's "all closed" completion signal, §3).
func (m *Multiplexer) Done() <-chan struct{} {
	return m.allClosed
}

func (m *Multiplexer) allocatePseudoPort() uint16 {
	p := uint16(m.nextPseudoPort)
	if p == 0 || p == ListenPseudoPort {
		m.nextPseudoPort++
		p = uint16(m.nextPseudoPort)
	}
	m.nextPseudoPort++
	return p
}

// Connect allocates a fresh source pseudo-port, constructs a Connection,
// and feeds appActiveOpen to its machine (§4.6).
func (m *Multiplexer) Connect(factory ClientFactory, host net.IP, port int, peerPseudoPort uint16) (*Connection, error) {
	m.mu.Lock()
	if m.closed || m.transportGone {
		m.mu.Unlock()
		return nil, ErrMuxClosed
	}
	if peerPseudoPort == 0 {
		peerPseudoPort = ListenPseudoPort
	}
	srcPort := m.allocatePseudoPort()
	isn := m.isnGen()
	peerAddr := &net.UDPAddr{IP: host, Port: port}
	c := newConnection(m, srcPort, peerPseudoPort, peerAddr, true, isn, m.cfg, m.log)
	key := c.key()
	m.conns[key] = c
	m.mu.Unlock()

	c.activeOpen(factory)
	return c, nil
}

// sendPacket encodes and writes pkt via the datagram socket, fragmenting
// nothing further here (originate already sizes data packets to the MTU;
// control packets are always small). A transport that has gone away
// silently drops sends, as stopProtocol demands.
func (m *Multiplexer) sendPacket(pkt *Packet) {
	m.mu.Lock()
	gone := m.transportGone
	socket := m.socket
	m.mu.Unlock()
	if gone || socket == nil || pkt.Dest == nil {
		return
	}
	if _, err := socket.WriteTo(pkt.Encode(), pkt.Dest); err != nil {
		m.log.Debug("ptcp: send failed", slog.String("dest", addrString(pkt.Dest)), slog.Any("err", err))
	}
}

// HandleDatagram is datagramReceived (§4.6): the external socket loop
// calls this for every inbound UDP datagram.
func (m *Multiplexer) HandleDatagram(buf []byte, peerAddr net.Addr) {
	if len(buf) < headerSize {
		return // too short even for a header: drop silently
	}
	pkt, err := Decode(buf, peerAddr)
	if err != nil {
		return
	}
	if err := pkt.VerifyChecksum(); err != nil {
		switch {
		case errors.Is(err, ErrTruncated):
			m.sendSTB(pkt, peerAddr, len(buf)-headerSize)
		default:
			m.log.Debug("ptcp: dropping invalid packet", slog.Any("err", err), slog.String("peer", addrString(peerAddr)))
		}
		return
	}

	key := connKey{destPort: pkt.DestPseudoPort, srcPort: pkt.SourcePseudoPort, peerAddr: addrString(peerAddr)}

	m.mu.Lock()
	conn, ok := m.conns[key]
	if !ok {
		if pkt.FlagsOnly(FlagSYN) && pkt.DestPseudoPort == ListenPseudoPort && m.serverFactory != nil {
			isn := m.isnGen()
			conn = newConnection(m, pkt.DestPseudoPort, pkt.SourcePseudoPort, peerAddr, false, isn, m.cfg, m.log)
			m.conns[conn.key()] = conn
		} else {
			m.mu.Unlock()
			m.log.Debug("ptcp: dropping packet to unknown connection", slog.String("peer", addrString(peerAddr)))
			return
		}
	}
	m.mu.Unlock()

	m.deliver(conn, pkt)
}

// deliver feeds pkt to conn, destroying the connection if packetReceived
// panics (§4.6: "Exceptions raised by packetReceived destroy that
// connection from the map").
func (m *Multiplexer) deliver(conn *Connection, pkt *Packet) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*ErrIllegalTransition); ok {
				panic(r) // programming errors are not peer-recoverable
			}
			m.log.Warn("ptcp: connection crashed handling packet, destroying", slog.Any("recover", r))
			m.connectionClosed(conn)
		}
	}()
	if conn.state == StateClosed && !conn.setPeerISN {
		conn.passiveOpen()
	}
	conn.packetReceived(pkt)
}

// sendSTB replies with an STB advisory carrying the observed payload
// length so the sender shrinks its MTU (§4.6, §4.4 step 1).
func (m *Multiplexer) sendSTB(pkt *Packet, peerAddr net.Addr, observedLen int) {
	if observedLen < 0 || observedLen > 0xFFFF {
		return
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(observedLen))
	reply := NewPacket(pkt.DestPseudoPort, pkt.SourcePseudoPort, 0, 0, 0, FlagSTB, payload)
	reply.Dest = peerAddr
	m.sendPacket(reply)
}

// connectionClosed removes conn from the map; when the map empties the
// multiplexer fires its all-closed signal and, absent a listening
// factory, stops listening (§4.6).
func (m *Multiplexer) connectionClosed(conn *Connection) {
	m.mu.Lock()
	delete(m.conns, conn.key())
	empty := len(m.conns) == 0
	serverFactory := m.serverFactory
	gone := m.transportGone
	m.mu.Unlock()

	if empty {
		m.allClosedOnce.Do(func() { close(m.allClosed) })
		if serverFactory == nil && !gone {
			m.stopListening()
		}
	}
}

func (m *Multiplexer) stopListening() {
	m.mu.Lock()
	if m.closed || m.socket == nil {
		m.mu.Unlock()
		return
	}
	m.closed = true
	socket := m.socket
	m.mu.Unlock()
	socket.Close()
}

// CleanupAndClose releases every Connection's resources and stops the
// transport (§4.6).
func (m *Multiplexer) CleanupAndClose() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.releaseResourcesLocked()
		c.mu.Unlock()
	}

	m.mu.Lock()
	closed := m.closed
	socket := m.socket
	m.closed = true
	m.mu.Unlock()
	if !closed && socket != nil {
		socket.Close()
	}
}

// StopProtocol marks the transport as gone (e.g. yanked out from under the
// multiplexer) and runs the same cleanup as CleanupAndClose but skips
// transmits, since sendPacket already checks transportGone (§4.6).
func (m *Multiplexer) StopProtocol() {
	m.mu.Lock()
	m.transportGone = true
	m.mu.Unlock()
	m.CleanupAndClose()
}
