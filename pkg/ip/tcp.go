package ip

import "encoding/binary"

// TCP flag bits.
const (
	FlagFIN byte = 0x01
	FlagSYN byte = 0x02
	FlagRST byte = 0x04
	FlagPSH byte = 0x08
	FlagACK byte = 0x10
	FlagURG byte = 0x20
)

// MinTCPHeaderLength is the size of a TCP header without options.
const MinTCPHeaderLength = 20

const offTCPCheck = 16

// TCPHeader is a view over the TCP header that follows an IPv4 header.
type TCPHeader struct {
	ip     *Header
	packet []byte
	offset int
}

func NewTCPHeader(h *Header) *TCPHeader {
	return &TCPHeader{ip: h, packet: h.packet, offset: h.offset + h.HeaderLength()}
}

func (t *TCPHeader) SourcePort() uint16 {
	return binary.BigEndian.Uint16(t.packet[t.offset:])
}

func (t *TCPHeader) SetSourcePort(p uint16) {
	binary.BigEndian.PutUint16(t.packet[t.offset:], p)
}

func (t *TCPHeader) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(t.packet[t.offset+2:])
}

func (t *TCPHeader) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(t.packet[t.offset+2:], p)
}

func (t *TCPHeader) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(t.packet[t.offset+4:])
}

func (t *TCPHeader) AckNumber() uint32 {
	return binary.BigEndian.Uint32(t.packet[t.offset+8:])
}

// HeaderLength is the data offset in bytes.
func (t *TCPHeader) HeaderLength() int {
	return int(t.packet[t.offset+12]>>4) * 4
}

func (t *TCPHeader) Flags() byte { return t.packet[t.offset+13] & 0x3f }

func (t *TCPHeader) SYN() bool { return t.Flags()&FlagSYN != 0 }
func (t *TCPHeader) ACK() bool { return t.Flags()&FlagACK != 0 }
func (t *TCPHeader) FIN() bool { return t.Flags()&FlagFIN != 0 }
func (t *TCPHeader) RST() bool { return t.Flags()&FlagRST != 0 }

func (t *TCPHeader) Checksum() uint16 {
	return binary.BigEndian.Uint16(t.packet[t.offset+offTCPCheck:])
}

// PayloadLength is (ip total length - ip header length) - tcp header length.
func (t *TCPHeader) PayloadLength() int {
	return t.ip.DataLength() - t.HeaderLength()
}

func (t *TCPHeader) Payload() []byte {
	start := t.offset + t.HeaderLength()
	return t.packet[start : start+t.PayloadLength()]
}

// UpdateChecksum recomputes the segment checksum over the pseudo header,
// the TCP header and the payload.
func (t *TCPHeader) UpdateChecksum() {
	seg := t.packet[t.offset : t.offset+t.ip.DataLength()]
	seg[offTCPCheck] = 0
	seg[offTCPCheck+1] = 0
	binary.BigEndian.PutUint16(seg[offTCPCheck:], Checksum(t.ip.PseudoHeaderSum(len(seg)), seg))
}

// Verify reports whether the stored checksum matches the segment.
func (t *TCPHeader) Verify() bool {
	seg := t.packet[t.offset : t.offset+t.ip.DataLength()]
	return Fold(Sum(t.ip.PseudoHeaderSum(len(seg)), seg)) == 0xffff
}

// Valid reports whether the segment holds at least a full TCP header.
func (t *TCPHeader) Valid() bool {
	n := t.ip.DataLength()
	if n < MinTCPHeaderLength {
		return false
	}
	hl := t.HeaderLength()
	return hl >= MinTCPHeaderLength && hl <= n
}
