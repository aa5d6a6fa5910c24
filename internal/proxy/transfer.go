package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"baotun/pkg/ip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const DefaultMTU = 1500

// Transfer reads packets from the tun device and hands each to the server of
// its protocol. Everything it cannot route is dropped.
type Transfer struct {
	// Trace logs a summary of every packet at debug level.
	Trace bool

	servers map[byte]Server
	mtu     int
	warn    *rate.Limiter
	dropped int64
}

func NewTransfer(mtu int, tcp, udp Server) *Transfer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	t := &Transfer{
		servers: make(map[byte]Server),
		mtu:     mtu,
		warn:    rate.NewLimiter(rate.Limit(1), 5),
	}
	if tcp != nil {
		t.servers[ip.ProtocolTCP] = tcp
	}
	if udp != nil {
		t.servers[ip.ProtocolUDP] = udp
	}
	return t
}

// Dropped is the number of packets no server took.
func (t *Transfer) Dropped() int64 { return t.dropped }

// Handle routes one packet. It is not safe for concurrent use.
func (t *Transfer) Handle(packet []byte) {
	if len(packet) < ip.MinHeaderLength {
		t.drop("packet of %d bytes", len(packet))
		return
	}
	h := ip.NewHeader(packet, 0)
	if h.Version() != 4 {
		t.drop("ip version %d", h.Version())
		return
	}
	if !h.Valid() {
		t.drop("malformed ipv4 header")
		return
	}
	if t.Trace {
		if ce := zap.L().Check(zapcore.DebugLevel, "packet"); ce != nil {
			ce.Write(zap.String("flow", trace(packet)))
		}
	}
	srv, ok := t.servers[h.Protocol()]
	if !ok {
		t.drop("protocol %d from %v", h.Protocol(), h.SourceIP())
		return
	}
	if err := srv.Forward(packet); err != nil {
		t.drop("%v", err)
	}
}

func (t *Transfer) drop(format string, args ...any) {
	t.dropped++
	if t.warn.Allow() {
		zap.S().Warnf("[transfer] dropped "+format, args...)
	}
}

// Run reads packets from r until ctx is done or r fails.
func (t *Transfer) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, t.mtu)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read tun: %w", err)
		}
		if n > 0 {
			t.Handle(buf[:n])
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// trace describes a packet as gopacket sees it.
func trace(packet []byte) string {
	p := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := p.NetworkLayer()
	if nl == nil {
		return "undecodable"
	}
	if tr := p.TransportLayer(); tr != nil {
		return fmt.Sprintf("%v %v %v", tr.LayerType(), nl.NetworkFlow(), tr.TransportFlow())
	}
	return fmt.Sprintf("%v %v", nl.LayerType(), nl.NetworkFlow())
}
