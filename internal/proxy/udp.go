package proxy

import (
	"context"
	"fmt"
	"net/netip"

	"baotun/internal/gateway"
	"baotun/internal/session"
	"baotun/internal/tunnel"
	"baotun/pkg/ip"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

const DefaultUDPFlows = 512

// UDPServer relays app datagrams through one connected socket per flow. A
// flow is keyed by the app's source port; when more than the configured
// number of flows are open the least recently used one is closed.
type UDPServer struct {
	opts Options
	sel  *tunnel.Selector
	ctx  context.Context

	// loop only
	flows *simplelru.LRU[uint16, *tunnel.UDPTunnel]
}

func NewUDPServer(opts Options, maxFlows int) (*UDPServer, error) {
	if maxFlows <= 0 {
		maxFlows = DefaultUDPFlows
	}
	s := &UDPServer{
		opts: opts,
		sel:  tunnel.NewSelector("udp", socketError),
		ctx:  context.Background(),
	}
	flows, err := simplelru.NewLRU[uint16, *tunnel.UDPTunnel](maxFlows, func(port uint16, t *tunnel.UDPTunnel) {
		t.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("udp flow table: %w", err)
	}
	s.flows = flows
	return s, nil
}

func (s *UDPServer) Forward(packet []byte) error {
	h := ip.NewHeader(packet, 0)
	u := ip.NewUDPHeader(h)
	if !u.Valid() {
		return fmt.Errorf("short udp datagram of %d bytes", len(packet))
	}
	app := netip.AddrPortFrom(h.SourceIP(), u.SourcePort())
	sess := s.opts.Registry.Ensure(session.UDP, u.SourcePort(), u.DestinationPort(), h.DestinationIP())
	sess.NextPacket()
	sess.AddSent(u.PayloadLength())

	// the tun reader reuses its buffer
	payload := append([]byte(nil), u.Payload()...)
	if !s.sel.Submit(func() { s.send(sess, app, payload) }) {
		return tunnel.ErrClosed
	}
	return nil
}

// send runs on the loop.
func (s *UDPServer) send(sess *session.Session, app netip.AddrPort, payload []byte) {
	t, ok := s.flows.Get(sess.LocalPort)
	if ok && t.Session != sess {
		// the port now talks to another remote
		s.flows.Remove(sess.LocalPort)
		ok = false
	}
	if !ok {
		t = s.open(sess, app)
	}
	t.Send(payload)
}

func (s *UDPServer) open(sess *session.Session, app netip.AddrPort) *tunnel.UDPTunnel {
	t := tunnel.NewUDPTunnel(s.sel, sess, app, s.opts.Output, flowError, s.closed)
	t.SetGateway(s.opts.Gateways.Create(sess,
		gateway.NewRequest(sess, t.Remote()),
		gateway.NewResponse(sess, t.ResponseWriter())))
	s.flows.Add(sess.LocalPort, t)
	zap.S().Debugf("[%v] new udp flow, %d open", sess, s.flows.Len())
	t.Start(s.ctx, s.opts.dialer())
	return t
}

func (s *UDPServer) closed(t *tunnel.UDPTunnel) {
	if cur, ok := s.flows.Peek(t.Session.LocalPort); ok && cur == t {
		s.flows.Remove(t.Session.LocalPort)
	}
	s.opts.Registry.Release(t.Session)
}

// Len is the number of open flows. Call it on the loop.
func (s *UDPServer) Len() int { return s.flows.Len() }

func (s *UDPServer) Run(ctx context.Context) error {
	s.ctx = ctx
	return s.sel.Run(ctx)
}

func (s *UDPServer) Close() { s.sel.Close() }
