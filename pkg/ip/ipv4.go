// Package ip provides zero-copy views over IPv4, TCP and UDP headers of a raw
// packet. All multi-byte fields are big-endian. Callers bound-check the packet
// before building a view; accessors do not.
package ip

import (
	"encoding/binary"
	"net/netip"
)

const (
	ProtocolICMP byte = 1
	ProtocolTCP  byte = 6
	ProtocolUDP  byte = 17
)

// MinHeaderLength is the size of an IPv4 header without options.
const MinHeaderLength = 20

const (
	offVerIHL   = 0
	offTotalLen = 2
	offTTL      = 8
	offProtocol = 9
	offIPCheck  = 10
	offSourceIP = 12
	offDestIP   = 16
)

// Header is a view over an IPv4 header.
type Header struct {
	packet []byte
	offset int
}

func NewHeader(packet []byte, offset int) *Header {
	return &Header{packet: packet, offset: offset}
}

func (h *Header) Packet() []byte { return h.packet }

func (h *Header) Version() int {
	return int(h.packet[h.offset+offVerIHL] >> 4)
}

// HeaderLength is the header size in bytes including options.
func (h *Header) HeaderLength() int {
	return int(h.packet[h.offset+offVerIHL]&0x0f) * 4
}

func (h *Header) TotalLength() int {
	return int(binary.BigEndian.Uint16(h.packet[h.offset+offTotalLen:]))
}

func (h *Header) SetTotalLength(n int) {
	binary.BigEndian.PutUint16(h.packet[h.offset+offTotalLen:], uint16(n))
}

// DataLength is the length of everything after the IP header.
func (h *Header) DataLength() int {
	return h.TotalLength() - h.HeaderLength()
}

func (h *Header) TTL() byte { return h.packet[h.offset+offTTL] }

func (h *Header) Protocol() byte { return h.packet[h.offset+offProtocol] }

func (h *Header) Checksum() uint16 {
	return binary.BigEndian.Uint16(h.packet[h.offset+offIPCheck:])
}

func (h *Header) SourceIP() netip.Addr {
	return netip.AddrFrom4([4]byte(h.packet[h.offset+offSourceIP : h.offset+offSourceIP+4]))
}

func (h *Header) SetSourceIP(a netip.Addr) {
	b := a.As4()
	copy(h.packet[h.offset+offSourceIP:], b[:])
}

func (h *Header) DestinationIP() netip.Addr {
	return netip.AddrFrom4([4]byte(h.packet[h.offset+offDestIP : h.offset+offDestIP+4]))
}

func (h *Header) SetDestinationIP(a netip.Addr) {
	b := a.As4()
	copy(h.packet[h.offset+offDestIP:], b[:])
}

// UpdateChecksum recomputes the header checksum. Call it after changing any
// header field.
func (h *Header) UpdateChecksum() {
	hdr := h.packet[h.offset : h.offset+h.HeaderLength()]
	hdr[offIPCheck] = 0
	hdr[offIPCheck+1] = 0
	binary.BigEndian.PutUint16(hdr[offIPCheck:], Checksum(0, hdr))
}

// PseudoHeaderSum seeds a transport checksum for a segment of length n.
func (h *Header) PseudoHeaderSum(n int) uint32 {
	return PseudoHeaderSum(h.SourceIP(), h.DestinationIP(), h.Protocol(), n)
}

// Valid reports whether the packet is long enough to hold this header and the
// length fields are consistent with the buffer.
func (h *Header) Valid() bool {
	if len(h.packet)-h.offset < MinHeaderLength || h.Version() != 4 {
		return false
	}
	hl := h.HeaderLength()
	tl := h.TotalLength()
	return hl >= MinHeaderLength && tl >= hl && tl <= len(h.packet)-h.offset
}
