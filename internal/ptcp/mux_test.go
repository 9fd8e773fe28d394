package ptcp

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recordingSocket captures every outbound datagram instead of delivering
// it anywhere, for tests that want to inspect exactly what a connection
// sent and then hand-craft a reply.
type recordingSocket struct {
	mu     sync.Mutex
	sent   []recordedDatagram
	closed bool
}

type recordedDatagram struct {
	pkt  *Packet
	addr net.Addr
}

func (s *recordingSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	pkt, err := Decode(b, addr)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.sent = append(s.sent, recordedDatagram{pkt: pkt, addr: addr})
	s.mu.Unlock()
	return len(b), nil
}

func (s *recordingSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSocket) last() *Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1].pkt
}

func (s *recordingSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type nopClientFactory struct {
	failed chan error
}

func (f *nopClientFactory) BuildProtocol(peer Addr) Protocol { return &nopProtocol{} }
func (f *nopClientFactory) ClientConnectionFailed(reason error) {
	if f.failed != nil {
		select {
		case f.failed <- reason:
		default:
		}
	}
}

type nopProtocol struct{}

func (p *nopProtocol) MakeConnection(t Transport)   {}
func (p *nopProtocol) DataReceived(data []byte)     {}
func (p *nopProtocol) ConnectionLost(reason error)  {}

func testPeerAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}
}

func TestConnectSendsSyn(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())

	conn, err := mux.Connect(&nopClientFactory{}, net.ParseIP("10.0.0.2"), 4000, ListenPseudoPort)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if sock.count() != 1 {
		t.Fatalf("expected exactly one SYN sent, got %d", sock.count())
	}
	syn := sock.last()
	if !syn.FlagsOnly(FlagSYN) {
		t.Fatalf("expected bare SYN, got %s", syn)
	}
	if syn.DestPseudoPort != ListenPseudoPort {
		t.Fatalf("SYN dest pseudo-port = %d, want %d", syn.DestPseudoPort, ListenPseudoPort)
	}
	_ = conn
}

func TestHandshakeThreeWay(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())
	conn, err := mux.Connect(&nopClientFactory{}, net.ParseIP("10.0.0.2"), 4000, ListenPseudoPort)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	syn := sock.last()

	// Server replies with SYN-ACK acknowledging our ISN+1.
	synAck := NewPacket(syn.DestPseudoPort, syn.SourcePseudoPort, 5000, syn.SeqNum+1, 493, FlagSYN|FlagACK, nil)
	mux.HandleDatagram(synAck.Encode(), testPeerAddr())

	conn.mu.Lock()
	state := conn.state
	conn.mu.Unlock()
	if state != StateEstablished {
		t.Fatalf("state after SYN-ACK = %s, want Established", state)
	}
	if sock.count() != 2 {
		t.Fatalf("expected a final ACK sent, got %d datagrams", sock.count())
	}
	finalAck := sock.last()
	if !finalAck.FlagsOnly(FlagACK) {
		t.Fatalf("expected pure ACK completing handshake, got %s", finalAck)
	}
}

func TestPassiveOpenSynthesizesConnection(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())
	mux.Listen(&echoStubFactory{})

	syn := NewPacket(777, ListenPseudoPort, 42, 0, 493, FlagSYN, nil)
	mux.HandleDatagram(syn.Encode(), testPeerAddr())

	if sock.count() != 1 {
		t.Fatalf("expected SYN-ACK reply, got %d datagrams", sock.count())
	}
	reply := sock.last()
	if !reply.HasFlag(FlagSYN) || !reply.HasFlag(FlagACK) {
		t.Fatalf("expected SYN-ACK, got %s", reply)
	}
	if reply.AckNum != 43 {
		t.Fatalf("SYN-ACK ack = %d, want 43", reply.AckNum)
	}
}

type echoStubFactory struct{}

func (f *echoStubFactory) BuildProtocol(peer Addr) Protocol { return &nopProtocol{} }

func TestUnknownConnectionDropped(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())

	data := NewPacket(1, 2, 0, 0, 0, FlagACK, []byte("x"))
	mux.HandleDatagram(data.Encode(), testPeerAddr())

	if sock.count() != 0 {
		t.Fatalf("expected no reply for unknown connection, got %d", sock.count())
	}
}

func TestSTBReplyOnTruncatedDatagram(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())

	p := NewPacket(1, 2, 0, 0, 0, 0, []byte("abcdef"))
	wire := p.Encode()
	truncated := wire[:len(wire)-3]
	mux.HandleDatagram(truncated, testPeerAddr())

	if sock.count() != 1 {
		t.Fatalf("expected one STB reply, got %d", sock.count())
	}
	reply := sock.last()
	if !reply.FlagsOnly(FlagSTB) {
		t.Fatalf("expected bare STB, got %s", reply)
	}
	if len(reply.Data) != 2 {
		t.Fatalf("STB payload len = %d, want 2", len(reply.Data))
	}
	observed := int(reply.Data[0])<<8 | int(reply.Data[1])
	if observed != len(wire)-3-headerSize {
		t.Fatalf("STB observed length = %d, want %d", observed, len(wire)-3-headerSize)
	}
}

func TestMultiplexerAllClosedSignal(t *testing.T) {
	sock := &recordingSocket{}
	mux := New(sock, nil, DefaultConfig())
	conn, err := mux.Connect(&nopClientFactory{}, net.ParseIP("10.0.0.2"), 4000, ListenPseudoPort)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	syn := sock.last()
	synAck := NewPacket(syn.DestPseudoPort, syn.SourcePseudoPort, 9000, syn.SeqNum+1, 493, FlagSYN|FlagACK, nil)
	mux.HandleDatagram(synAck.Encode(), testPeerAddr())

	conn.LoseConnection()

	fin := sock.last()
	if !fin.HasFlag(FlagFIN) {
		t.Fatalf("expected FIN after LoseConnection, got %s", fin)
	}

	finAck := NewPacket(fin.DestPseudoPort, fin.SourcePseudoPort, 9001, fin.SeqNum+1, 493, FlagACK, nil)
	mux.HandleDatagram(finAck.Encode(), testPeerAddr())

	peerFin := NewPacket(fin.DestPseudoPort, fin.SourcePseudoPort, 9001, fin.SeqNum+1, 493, FlagFIN|FlagACK, nil)
	mux.HandleDatagram(peerFin.Encode(), testPeerAddr())

	conn.mu.Lock()
	conn.feed(InputTimeout) // fast-forward past time-wait for the test
	conn.mu.Unlock()
	mux.connectionClosed(conn)

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatalf("all-closed signal never fired")
	}
}
