package ip

import "encoding/binary"

// UDPHeaderLength is the fixed size of a UDP header.
const UDPHeaderLength = 8

const offUDPCheck = 6

// UDPHeader is a view over the UDP header that follows an IPv4 header.
type UDPHeader struct {
	ip     *Header
	packet []byte
	offset int
}

func NewUDPHeader(h *Header) *UDPHeader {
	return &UDPHeader{ip: h, packet: h.packet, offset: h.offset + h.HeaderLength()}
}

func (u *UDPHeader) SourcePort() uint16 {
	return binary.BigEndian.Uint16(u.packet[u.offset:])
}

func (u *UDPHeader) SetSourcePort(p uint16) {
	binary.BigEndian.PutUint16(u.packet[u.offset:], p)
}

func (u *UDPHeader) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(u.packet[u.offset+2:])
}

func (u *UDPHeader) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(u.packet[u.offset+2:], p)
}

// Length is the UDP length field: header plus payload.
func (u *UDPHeader) Length() int {
	return int(binary.BigEndian.Uint16(u.packet[u.offset+4:]))
}

func (u *UDPHeader) SetLength(n int) {
	binary.BigEndian.PutUint16(u.packet[u.offset+4:], uint16(n))
}

func (u *UDPHeader) Checksum() uint16 {
	return binary.BigEndian.Uint16(u.packet[u.offset+offUDPCheck:])
}

func (u *UDPHeader) HeaderLength() int { return UDPHeaderLength }

// PayloadLength is (ip total length - ip header length) - udp header length.
func (u *UDPHeader) PayloadLength() int {
	return u.ip.DataLength() - UDPHeaderLength
}

func (u *UDPHeader) Payload() []byte {
	start := u.offset + UDPHeaderLength
	return u.packet[start : start+u.PayloadLength()]
}

// UpdateChecksum recomputes the datagram checksum. A computed value of zero
// is sent as 0xffff since zero means "no checksum".
func (u *UDPHeader) UpdateChecksum() {
	dg := u.packet[u.offset : u.offset+u.ip.DataLength()]
	dg[offUDPCheck] = 0
	dg[offUDPCheck+1] = 0
	c := Checksum(u.ip.PseudoHeaderSum(len(dg)), dg)
	if c == 0 {
		c = 0xffff
	}
	binary.BigEndian.PutUint16(dg[offUDPCheck:], c)
}

// Verify reports whether the stored checksum matches the datagram. A zero
// checksum was not computed by the sender and always verifies.
func (u *UDPHeader) Verify() bool {
	if u.Checksum() == 0 {
		return true
	}
	dg := u.packet[u.offset : u.offset+u.ip.DataLength()]
	return Fold(Sum(u.ip.PseudoHeaderSum(len(dg)), dg)) == 0xffff
}

func (u *UDPHeader) Valid() bool {
	return u.ip.DataLength() >= UDPHeaderLength
}
