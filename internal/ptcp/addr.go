// Addressing and public handles (§3, §6): the immutable Address value, the
// application-facing Protocol contract the core delivers bytes to, and the
// Transport contract the core exposes back to it. Grounded on the teacher's
// tcpAddr (net.Addr-shaped value) and its pause-capable udpEndpointConn.

package ptcp

import "net"

// Addr is the (host, port, hostPseudoPort, peerPseudoPort) value naming one
// end of a PTCP connection.
type Addr struct {
	Host            net.IP
	Port            int
	HostPseudoPort  uint16
	PeerPseudoPort  uint16
}

func (a Addr) Network() string { return "ptcp" }

func (a Addr) String() string {
	return net.JoinHostPort(a.Host.String(), itoa(a.Port)) + "#" + itoa(int(a.HostPseudoPort)) +
		"->" + itoa(int(a.PeerPseudoPort))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Producer is the streaming/pull producer contract a Connection's consumer
// may register to receive backpressure (§4.5, §6).
type Producer interface {
	PauseProducing()
	ResumeProducing()
	StopProducing()
}

// Protocol is the application-facing collaborator that consumes delivered
// bytes and supplies outgoing bytes (§1, §6). It is out of scope for this
// module's own behaviour but is the narrow interface the core calls into.
type Protocol interface {
	MakeConnection(t Transport)
	DataReceived(data []byte)
	ConnectionLost(reason error)
}

// ProducingProtocol is a Protocol that also wants to register as (or
// receive) a producer for flow control, as named in §6.
type ProducingProtocol interface {
	Protocol
	RegisterProducer(p Producer, streaming bool) error
	UnregisterProducer()
}

// Transport is the connection's transport-facing contract exposed to the
// collaborator Protocol (§6).
type Transport interface {
	Write(data []byte) error
	WriteSequence(chunks [][]byte) error
	LoseConnection()
	GetHost() Addr
	GetPeer() Addr
	RegisterProducer(p Producer, streaming bool) error
	UnregisterProducer()
	PauseProducing()
	ResumeProducing()
}

// ClientFactory builds the consumer for the active-open side and is
// notified if the SynSent attempt fails (§6).
type ClientFactory interface {
	BuildProtocol(peer Addr) Protocol
	ClientConnectionFailed(reason error)
}

// ServerFactory builds the consumer for a passively-accepted connection
// (§6, "buildProtocol(peerAddress) must return a consumer").
type ServerFactory interface {
	BuildProtocol(peer Addr) Protocol
}
