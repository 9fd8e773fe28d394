// Packet codec: the 23-byte fixed wire header described in the field-offset
// table, CRC-32 payload verification, and MTU-sized fragmentation.
//
// The header size is computed from the encoded field widths and asserted in
// init rather than hardcoded — see DESIGN.md for why 19 (a figure that
// appears in prose elsewhere) does not actually sum from the field table.

package ptcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// Flag bits (§3, §6).
const (
	FlagSYN byte = 0x01
	FlagACK byte = 0x02
	FlagFIN byte = 0x04
	FlagRST byte = 0x08
	FlagSTB byte = 0x10
)

// initialRetransmitAttempts is the starting value of a Packet's retransmit
// counter (§3).
const initialRetransmitAttempts = 50

const (
	offSrcPort  = 0
	offDstPort  = 2
	offSeqNum   = 4
	offAckNum   = 8
	offWindow   = 12
	offFlags    = 16
	offChecksum = 17
	offDlen     = 21
	headerSize  = 23 // offDlen + 2
)

func init() {
	// Assert the computed layout against an actual encode, per the Design
	// Notes: treat the codec as the source of truth for header size.
	p := &Packet{}
	if got := len(p.encodeHeader()); got != headerSize {
		panic(fmt.Sprintf("ptcp: header layout mismatch: encoded %d bytes, want %d", got, headerSize))
	}
}

// Sentinel packet errors. VerifyChecksum returns ErrTruncated, ErrGarbage
// or ErrChecksumMismatch; Decode also returns ErrTruncated for a buffer
// shorter than the header.
var (
	ErrTruncated        = errors.New("ptcp: packet truncated (dlen exceeds payload)")
	ErrGarbage          = errors.New("ptcp: packet garbage (payload exceeds dlen)")
	ErrChecksumMismatch = errors.New("ptcp: checksum mismatch")
	ErrBadPacket        = errors.New("ptcp: bad packet")
)

// Packet is both the wire record (§3) and the in-memory state attached to
// it: the peer's datagram address, the outbound destination, a retransmit
// attempt counter, and the dlen declared on the wire. The ISN/lap context for
// relative-sequence math is kept on the Connection, not on the Packet.
type Packet struct {
	SourcePseudoPort uint16
	DestPseudoPort   uint16
	SeqNum           uint32
	AckNum           uint32
	Window           uint32
	Flags            byte
	Checksum         int32
	Data             []byte

	// In-memory only, never encoded.
	PeerAddr         net.Addr
	Dest             net.Addr
	RetransmitsLeft  int
	wireDlen         uint16 // declared dlen from the last Decode, for VerifyChecksum
}

// NewPacket builds a Packet with the retransmit counter initialised per §3.
func NewPacket(src, dst uint16, seq, ack, window uint32, flags byte, data []byte) *Packet {
	return &Packet{
		SourcePseudoPort: src,
		DestPseudoPort:   dst,
		SeqNum:           seq,
		AckNum:           ack,
		Window:           window,
		Flags:            flags,
		Data:             data,
		RetransmitsLeft:  initialRetransmitAttempts,
	}
}

// HasFlag reports whether every bit in mask is set.
func (p *Packet) HasFlag(mask byte) bool { return p.Flags&mask == mask }

// FlagsOnly reports whether the packet's flags are exactly mask, no more.
func (p *Packet) FlagsOnly(mask byte) bool { return p.Flags == mask }

// segmentLength is dlen + syn + fin, the amount of sequence space consumed
// (§3 invariant, glossary "Segment length").
func (p *Packet) segmentLength() uint32 {
	n := uint32(len(p.Data))
	if p.HasFlag(FlagSYN) {
		n++
	}
	if p.HasFlag(FlagFIN) {
		n++
	}
	return n
}

// mustRetransmit is true iff the segment carries SYN, FIN, or any data;
// pure ACKs are fire-and-forget (§4.1).
func (p *Packet) mustRetransmit() bool {
	return p.HasFlag(FlagSYN) || p.HasFlag(FlagFIN) || len(p.Data) > 0
}

// String renders flags tcpdump-style, one column each for S, A, F, R, T
// (STB), e.g. "SA..." for a SYN-ACK.
func (p *Packet) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit  byte
		char byte
	}{{FlagSYN, 'S'}, {FlagACK, 'A'}, {FlagFIN, 'F'}, {FlagRST, 'R'}, {FlagSTB, 'T'}} {
		if p.HasFlag(f.bit) {
			b.WriteByte(f.char)
		} else {
			b.WriteByte('.')
		}
	}
	return fmt.Sprintf("%s seq=%d ack=%d wnd=%d len=%d", b.String(), p.SeqNum, p.AckNum, p.Window, len(p.Data))
}

// encodeHeader encodes only the fixed header, recomputing the checksum
// over Data.
func (p *Packet) encodeHeader() []byte {
	h := make([]byte, headerSize)
	binary.BigEndian.PutUint16(h[offSrcPort:], p.SourcePseudoPort)
	binary.BigEndian.PutUint16(h[offDstPort:], p.DestPseudoPort)
	binary.BigEndian.PutUint32(h[offSeqNum:], p.SeqNum)
	binary.BigEndian.PutUint32(h[offAckNum:], p.AckNum)
	binary.BigEndian.PutUint32(h[offWindow:], p.Window)
	h[offFlags] = p.Flags
	binary.BigEndian.PutUint32(h[offChecksum:], uint32(int32(crc32.ChecksumIEEE(p.Data))))
	binary.BigEndian.PutUint16(h[offDlen:], uint16(len(p.Data)))
	return h
}

// Encode produces the wire form: header followed by payload, with the
// checksum recomputed over Data.
func (p *Packet) Encode() []byte {
	out := p.encodeHeader()
	out = append(out, p.Data...)
	return out
}

// Decode parses a wire datagram into a Packet, recording peerAddr as the
// packet's in-memory peer address. It does not verify the checksum; call
// VerifyChecksum separately (mirrors the teacher's parse-then-validate
// split in parseTCPHeader / parseIPv4Header).
func Decode(buf []byte, peerAddr net.Addr) (*Packet, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncated, len(buf), headerSize)
	}
	p := &Packet{
		SourcePseudoPort: binary.BigEndian.Uint16(buf[offSrcPort:]),
		DestPseudoPort:   binary.BigEndian.Uint16(buf[offDstPort:]),
		SeqNum:           binary.BigEndian.Uint32(buf[offSeqNum:]),
		AckNum:           binary.BigEndian.Uint32(buf[offAckNum:]),
		Window:           binary.BigEndian.Uint32(buf[offWindow:]),
		Flags:            buf[offFlags],
		Checksum:         int32(binary.BigEndian.Uint32(buf[offChecksum:])),
		PeerAddr:         peerAddr,
		RetransmitsLeft:  initialRetransmitAttempts,
	}
	p.wireDlen = binary.BigEndian.Uint16(buf[offDlen:])
	p.Data = append([]byte(nil), buf[headerSize:]...)
	return p, nil
}

// VerifyChecksum validates the packet decoded by Decode against its
// declared dlen and CRC-32 checksum (§4.1, §7):
//
//   - len(payload) < dlen  -> ErrTruncated
//   - len(payload) > dlen  -> ErrGarbage
//   - CRC-32(payload) != checksum -> ErrChecksumMismatch
//
// VerifyChecksum does not modify the packet; on success p.Data already holds
// exactly dlen bytes.
func (p *Packet) VerifyChecksum() error {
	switch {
	case len(p.Data) < int(p.wireDlen):
		return fmt.Errorf("%w: have %d, want %d", ErrTruncated, len(p.Data), p.wireDlen)
	case len(p.Data) > int(p.wireDlen):
		return fmt.Errorf("%w: have %d, want %d", ErrGarbage, len(p.Data), p.wireDlen)
	}
	if got := int32(crc32.ChecksumIEEE(p.Data)); got != p.Checksum {
		return fmt.Errorf("%w: have %d, want %d", ErrChecksumMismatch, got, p.Checksum)
	}
	return nil
}

// Fragment splits p into children of at most mtu payload bytes each (§4.1).
// If p already fits, it is returned unchanged as the sole element. The ACK
// flag is propagated to every child; FIN moves to the final child only.
// Fragmenting a SYN carrying data is a programming error.
func (p *Packet) Fragment(mtu int) []*Packet {
	if p.HasFlag(FlagSYN) && len(p.Data) > 0 {
		panic("ptcp: cannot fragment a SYN carrying data")
	}
	if len(p.Data) <= mtu {
		return []*Packet{p}
	}
	var out []*Packet
	seq := p.SeqNum
	for off := 0; off < len(p.Data); off += mtu {
		end := off + mtu
		if end > len(p.Data) {
			end = len(p.Data)
		}
		chunk := p.Data[off:end]
		flags := p.Flags &^ (FlagSYN | FlagFIN)
		last := end == len(p.Data)
		if last && p.HasFlag(FlagFIN) {
			flags |= FlagFIN
		}
		child := &Packet{
			SourcePseudoPort: p.SourcePseudoPort,
			DestPseudoPort:   p.DestPseudoPort,
			SeqNum:           seq,
			AckNum:           p.AckNum,
			Window:           p.Window,
			Flags:            flags,
			Data:             chunk,
			PeerAddr:         p.PeerAddr,
			Dest:             p.Dest,
			RetransmitsLeft:  initialRetransmitAttempts,
		}
		out = append(out, child)
		seq += uint32(len(chunk))
	}
	return out
}
