package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"baotun/internal/gateway"
	"baotun/internal/session"
	"baotun/internal/tunnel"
	"baotun/pkg/ip"

	"go.uber.org/zap"
)

// TCPServer redirects app segments to a local listener and relays every
// accepted connection to its real destination.
//
// An app segment a:p -> r:q is rewritten to r:p -> a:port, so the OS stack
// completes the handshake with the listener and the accepted conn's peer port
// is the app's source port p. The listener's replies a:port -> r:p are
// rewritten back to r:q -> a:p.
type TCPServer struct {
	opts Options
	sel  *tunnel.Selector

	ln   net.Listener
	port uint16
	ctx  context.Context
}

func NewTCPServer(opts Options) (*TCPServer, error) {
	addr := opts.Listen
	if addr == "" {
		addr = netip.AddrPortFrom(opts.Address, 0).String()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp proxy: %w", err)
	}
	return newTCPServer(opts, ln), nil
}

func newTCPServer(opts Options, ln net.Listener) *TCPServer {
	s := &TCPServer{
		opts: opts,
		sel:  tunnel.NewSelector("tcp", socketError),
		ctx:  context.Background(),
	}
	if ln != nil {
		s.ln = ln
		s.port = netip.MustParseAddrPort(ln.Addr().String()).Port()
		zap.S().Infof("[tcp] proxy listening on %v", ln.Addr())
	}
	return s
}

// Port is the listener port segments are redirected to.
func (s *TCPServer) Port() uint16 { return s.port }

func (s *TCPServer) Forward(packet []byte) error {
	h := ip.NewHeader(packet, 0)
	t := ip.NewTCPHeader(h)
	if !t.Valid() {
		return fmt.Errorf("short tcp segment of %d bytes", len(packet))
	}
	src, dst := h.SourceIP(), h.DestinationIP()
	srcPort, dstPort := t.SourcePort(), t.DestinationPort()

	if srcPort == s.port {
		sess, ok := s.opts.Registry.Lookup(dstPort)
		if !ok {
			zap.S().Debugf("[tcp] no session for port %d, segment dropped", dstPort)
			return nil
		}
		sess.AddReceived(t.PayloadLength())
		rewrite{src: dst, dst: s.opts.Address, srcPort: sess.RemotePort, dstPort: dstPort}.applyTCP(h, t)
		return s.opts.Output(packet)
	}

	sess := s.flowSession(t, srcPort, dstPort, dst)
	if sess.NextPacket() == 1 {
		zap.S().Debugf("[%v] first segment from %v", sess, src)
	}
	sess.AddSent(t.PayloadLength())
	rewrite{src: dst, dst: s.opts.Address, srcPort: srcPort, dstPort: s.port}.applyTCP(h, t)
	return s.opts.Output(packet)
}

// flowSession returns the session of an app segment. Trailing segments of a
// closed connection keep its lingering session instead of opening a new one.
func (s *TCPServer) flowSession(t *ip.TCPHeader, srcPort, dstPort uint16, dst netip.Addr) *session.Session {
	if old, ok := s.opts.Registry.Lookup(srcPort); ok && old.Released() && !t.SYN() &&
		old.Protocol == session.TCP && old.RemoteIP == dst && old.RemotePort == dstPort {
		return old
	}
	return s.opts.Registry.Ensure(session.TCP, srcPort, dstPort, dst)
}

// Run accepts redirected connections and runs the loop until ctx is done.
func (s *TCPServer) Run(ctx context.Context) error {
	s.ctx = ctx
	go s.accept()
	return s.sel.Run(ctx)
}

func (s *TCPServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				zap.S().Errorf("[tcp] accept: %v", err)
			}
			return
		}
		peer, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			continue
		}
		if !s.sel.Submit(func() { s.open(conn, peer.Port()) }) {
			conn.Close()
			return
		}
	}
}

// open starts the tunnel of an accepted conn. It runs on the loop.
func (s *TCPServer) open(conn net.Conn, port uint16) {
	sess, ok := s.opts.Registry.Lookup(port)
	if !ok || sess.Protocol != session.TCP {
		zap.S().Warnf("[tcp] no session for accepted port %d", port)
		conn.Close()
		return
	}
	t := tunnel.NewTCPTunnel(s.sel, sess, flowError, func(t *tunnel.TCPTunnel) {
		s.opts.Registry.Release(t.Session)
	})
	g := s.opts.Gateways.Create(sess,
		gateway.NewRequest(sess, t.Remote()),
		gateway.NewResponse(sess, t.Local()))
	t.SetGateway(g)
	zap.S().Debugf("[%v] proxying %v", sess, sess.Remote())
	t.Start(s.ctx, conn, s.opts.dialer())
}

// Close stops accepting and tears down every open tunnel.
func (s *TCPServer) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.sel.Close()
}
