package ip

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpPacket(t *testing.T, payload []byte) []byte {
	ipl := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 1, 10, 1},
		DstIP:    net.IP{182, 254, 116, 117},
	}
	tcp := &layers.TCP{SrcPort: 40988, DstPort: 443, Seq: 1000, Ack: 7, ACK: true, PSH: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ipl))
	return serialize(t, ipl, tcp, gopacket.Payload(payload))
}

func udpPacket(t *testing.T, payload []byte) []byte {
	ipl := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 1, 10, 1},
		DstIP:    net.IP{8, 8, 8, 8},
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ipl))
	return serialize(t, ipl, udp, gopacket.Payload(payload))
}

func TestHeaderFields(t *testing.T) {
	packet := tcpPacket(t, []byte("hello"))
	h := NewHeader(packet, 0)
	require.True(t, h.Valid())
	require.Equal(t, 4, h.Version())
	require.Equal(t, MinHeaderLength, h.HeaderLength())
	require.Equal(t, len(packet), h.TotalLength())
	require.Equal(t, ProtocolTCP, h.Protocol())
	require.Equal(t, netip.MustParseAddr("10.1.10.1"), h.SourceIP())
	require.Equal(t, netip.MustParseAddr("182.254.116.117"), h.DestinationIP())

	tcp := NewTCPHeader(h)
	require.True(t, tcp.Valid())
	require.Equal(t, uint16(40988), tcp.SourcePort())
	require.Equal(t, uint16(443), tcp.DestinationPort())
	require.Equal(t, uint32(1000), tcp.SequenceNumber())
	require.True(t, tcp.ACK())
	require.False(t, tcp.SYN())
	require.Equal(t, 5, tcp.PayloadLength())
	require.Equal(t, []byte("hello"), tcp.Payload())
}

func TestTCPChecksumRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte("a"), []byte("even"), []byte("odd length payload!")} {
		packet := tcpPacket(t, payload)
		h := NewHeader(packet, 0)
		tcp := NewTCPHeader(h)
		want := tcp.Checksum()
		require.True(t, tcp.Verify())

		tcp.UpdateChecksum()
		require.Equal(t, want, tcp.Checksum())
		require.True(t, tcp.Verify())

		if len(payload) > 0 {
			packet[len(packet)-1] ^= 0xff
			require.False(t, tcp.Verify())
		}
	}
}

func TestRewriteMatchesGopacket(t *testing.T) {
	packet := tcpPacket(t, []byte("GET / HTTP/1.1\r\n\r\n"))
	h := NewHeader(packet, 0)
	tcp := NewTCPHeader(h)

	h.SetSourceIP(netip.MustParseAddr("182.254.116.117"))
	h.SetDestinationIP(netip.MustParseAddr("10.1.10.1"))
	tcp.SetDestinationPort(8443)
	h.UpdateChecksum()
	tcp.UpdateChecksum()

	decoded := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.Default)
	ipl := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tl := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	gotIP, gotTCP := ipl.Checksum, tl.Checksum

	// Serialize again with gopacket computing checksums independently.
	require.NoError(t, tl.SetNetworkLayerForChecksum(ipl))
	again := serialize(t, ipl, tl, gopacket.Payload(tl.Payload))
	redecoded := gopacket.NewPacket(again, layers.LayerTypeIPv4, gopacket.Default)
	require.Equal(t, redecoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4).Checksum, gotIP)
	require.Equal(t, redecoded.Layer(layers.LayerTypeTCP).(*layers.TCP).Checksum, gotTCP)
}

func TestUDPChecksumRoundTrip(t *testing.T) {
	packet := udpPacket(t, []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00})
	h := NewHeader(packet, 0)
	udp := NewUDPHeader(h)
	require.True(t, udp.Valid())
	require.Equal(t, 7, udp.PayloadLength())
	require.True(t, udp.Verify())

	want := udp.Checksum()
	udp.UpdateChecksum()
	require.Equal(t, want, udp.Checksum())

	packet[len(packet)-2] ^= 0x01
	require.False(t, udp.Verify())
}

func TestNewUDPPacket(t *testing.T) {
	src := netip.MustParseAddrPort("8.8.8.8:53")
	dst := netip.MustParseAddrPort("10.1.10.1:5353")
	packet, err := NewUDPPacket(src, dst, []byte("answer"))
	require.NoError(t, err)

	h := NewHeader(packet, 0)
	require.True(t, h.Valid())
	require.Equal(t, Fold(Sum(0, packet[:h.HeaderLength()])), uint16(0xffff))
	udp := NewUDPHeader(h)
	require.True(t, udp.Verify())
	require.Equal(t, []byte("answer"), udp.Payload())

	decoded := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.Default)
	ul := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.Equal(t, layers.UDPPort(53), ul.SrcPort)
	require.Equal(t, layers.UDPPort(5353), ul.DstPort)
	require.Equal(t, []byte("answer"), ul.Payload)
}

func TestNewUDPPacketBounds(t *testing.T) {
	src := netip.MustParseAddrPort("8.8.8.8:53")
	dst := netip.MustParseAddrPort("10.1.10.1:5353")

	packet, err := NewUDPPacket(src, dst, make([]byte, MaxUDPPayload))
	require.NoError(t, err)
	h := NewHeader(packet, 0)
	require.Equal(t, 0xffff, h.TotalLength())
	require.Equal(t, 0xffff-MinHeaderLength, NewUDPHeader(h).Length())

	_, err = NewUDPPacket(src, dst, make([]byte, MaxUDPPayload+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestInvalidHeaders(t *testing.T) {
	require.False(t, NewHeader(make([]byte, 10), 0).Valid())

	packet := tcpPacket(t, nil)
	packet[0] = 0x65 // version 6
	require.False(t, NewHeader(packet, 0).Valid())

	packet = tcpPacket(t, nil)
	NewHeader(packet, 0).SetTotalLength(len(packet) + 10)
	require.False(t, NewHeader(packet, 0).Valid())
}
