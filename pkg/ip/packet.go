package ip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const defaultTTL = 64

// MaxUDPPayload is the largest payload an IPv4/UDP packet can carry.
const MaxUDPPayload = 0xffff - MinHeaderLength - UDPHeaderLength

var ErrPayloadTooLarge = errors.New("ip: payload too large")

// NewUDPPacket builds a complete IPv4/UDP packet carrying payload from src to
// dst, with both checksums filled in.
func NewUDPPacket(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if len(payload) > MaxUDPPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxUDPPayload)
	}
	total := MinHeaderLength + UDPHeaderLength + len(payload)
	packet := make([]byte, total)
	packet[offVerIHL] = 0x45
	packet[offTTL] = defaultTTL
	packet[offProtocol] = ProtocolUDP
	// don't fragment
	binary.BigEndian.PutUint16(packet[6:], 0x4000)

	h := NewHeader(packet, 0)
	h.SetTotalLength(total)
	h.SetSourceIP(src.Addr())
	h.SetDestinationIP(dst.Addr())
	h.UpdateChecksum()

	u := NewUDPHeader(h)
	u.SetSourcePort(src.Port())
	u.SetDestinationPort(dst.Port())
	u.SetLength(UDPHeaderLength + len(payload))
	copy(packet[MinHeaderLength+UDPHeaderLength:], payload)
	u.UpdateChecksum()
	return packet, nil
}
