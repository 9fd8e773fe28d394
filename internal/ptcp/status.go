// Debug status introspection: a JSON snapshot of multiplexer and
// connection state plus an http.Handler serving it, grounded on the
// teacher's debugStatus/collectDebugStatus/EnableDebugHTTP trio in
// netstack.go.

package ptcp

import (
	"encoding/json"
	"net/http"
)

// ConnSnapshot mirrors the teacher's tcpConnSnapshot shape, adapted to
// PTCP's relative-sequence fields.
type ConnSnapshot struct {
	HostPseudoPort uint16 `json:"hostPseudoPort"`
	PeerPseudoPort uint16 `json:"peerPseudoPort"`
	Peer           string `json:"peer"`
	State          string `json:"state"`
	SendUNA        uint64 `json:"sendUna"`
	SendNXT        uint64 `json:"sendNxt"`
	RecvNXT        uint64 `json:"recvNxt"`
	SendWindow     uint32 `json:"sendWindow"`
	RecvWindow     uint32 `json:"recvWindow"`
	MTU            int    `json:"mtu"`
	RetxQueueLen   int    `json:"retxQueueLen"`
	Disconnecting  bool   `json:"disconnecting"`
}

// Snapshot takes a point-in-time copy of this connection's debug state.
func (c *Connection) Snapshot() ConnSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnSnapshot{
		HostPseudoPort: c.hostPseudoPort,
		PeerPseudoPort: c.peerPseudoPort,
		Peer:           addrString(c.peerAddr),
		State:          c.state.String(),
		SendUNA:        c.oldestUnackedSendSeqNum,
		SendNXT:        c.nextSendSeqNum,
		RecvNXT:        c.nextRecvSeqNum,
		SendWindow:     c.sendWindow,
		RecvWindow:     c.recvWindow,
		MTU:            c.mtu,
		RetxQueueLen:   c.retxQueue.len(),
		Disconnecting:  c.disconnecting,
	}
}

// MuxSnapshot is the top-level debug status document, served as JSON.
type MuxSnapshot struct {
	Connections []ConnSnapshot `json:"connections"`
}

// Snapshot collects a debug snapshot of every live connection, mirroring
// the teacher's collectDebugStatus.
func (m *Multiplexer) Snapshot() MuxSnapshot {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	snap := MuxSnapshot{Connections: make([]ConnSnapshot, 0, len(conns))}
	for _, c := range conns {
		snap.Connections = append(snap.Connections, c.Snapshot())
	}
	return snap
}

// ServeHTTP implements http.Handler, serving the multiplexer's debug
// status as JSON (the teacher's EnableDebugHTTP wiring, generalized so
// callers pick their own mux path and port).
func (m *Multiplexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Snapshot()); err != nil {
		m.log.Debug("ptcp: status encode failed", "err", err)
	}
}
