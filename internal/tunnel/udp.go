package tunnel

import (
	"context"
	"net/netip"

	"baotun/internal/session"
	"baotun/pkg/ip"

	"go.uber.org/zap"
)

// PacketWriter hands a raw IP packet back to the virtual interface.
type PacketWriter func(packet []byte) error

// UDPTunnel relays the datagrams of one flow. The app side has no socket:
// requests arrive from the tun reader and responses are written back as
// crafted IP packets.
type UDPTunnel struct {
	Session *session.Session

	app     netip.AddrPort
	remote  *Socket
	gateway Gateway
	out     PacketWriter
	state   State
	closed  bool

	onError FlowErrorHandler
	onClose func(*UDPTunnel)
}

func NewUDPTunnel(sel *Selector, s *session.Session, app netip.AddrPort, out PacketWriter,
	onError FlowErrorHandler, onClose func(*UDPTunnel)) *UDPTunnel {
	t := &UDPTunnel{
		Session: s,
		app:     app,
		remote:  NewSocket(sel, "["+s.String()+"][remote]"),
		out:     out,
		onError: onError,
		onClose: onClose,
	}
	t.remote.SetCallback(udpRemoteSide{t})
	return t
}

func (t *UDPTunnel) Remote() *Socket { return t.remote }

func (t *UDPTunnel) State() State { return t.state }

// SetGateway must be called before Start.
func (t *UDPTunnel) SetGateway(g Gateway) { t.gateway = g }

// Start opens the connected remote socket. Call it on the selector loop.
func (t *UDPTunnel) Start(ctx context.Context, d Dialer) {
	t.state = t.state.Next(EventConnect)
	t.remote.Connect(ctx, d, "udp", t.Session.Remote().String())
}

// Send feeds one datagram from the app. Call it on the selector loop.
func (t *UDPTunnel) Send(payload []byte) {
	if t.closed {
		return
	}
	if err := t.gateway.OnRequest(payload); err != nil {
		t.fail(err)
	}
}

// ResponseWriter writes response payloads to the app as IP packets.
func (t *UDPTunnel) ResponseWriter() *UDPResponseWriter {
	return &UDPResponseWriter{t: t}
}

// UDPResponseWriter wraps each write in an IPv4/UDP packet addressed from the
// remote to the app.
type UDPResponseWriter struct{ t *UDPTunnel }

func (w *UDPResponseWriter) Write(b []byte) (int, error) {
	if w.t.closed {
		return 0, ErrClosed
	}
	packet, err := ip.NewUDPPacket(w.t.Session.Remote(), w.t.app, b)
	if err != nil {
		return 0, err
	}
	if err := w.t.out(packet); err != nil {
		return 0, err
	}
	w.t.Session.AddReceived(len(b))
	return len(b), nil
}

type udpRemoteSide struct{ t *UDPTunnel }

func (r udpRemoteSide) OnConnected() error {
	r.t.state = r.t.state.Next(EventConnected)
	return nil
}

func (r udpRemoteSide) OnRead() error {
	t := r.t
	for {
		dg, err := t.remote.Next()
		if len(dg) > 0 {
			if gerr := t.gateway.OnResponse(dg); gerr != nil {
				if t.onError != nil {
					t.onError(t.Session, gerr)
				}
				return gerr
			}
			if t.closed {
				return nil
			}
			continue
		}
		return err
	}
}

func (r udpRemoteSide) OnWrite() error { return nil }
func (r udpRemoteSide) OnClosed()      { r.t.Close() }

func (t *UDPTunnel) fail(err error) {
	if t.onError != nil {
		t.onError(t.Session, err)
	}
	zap.S().Debugf("[%v] udp flow failed: %v", t.Session, err)
	t.Close()
}

// Close releases the remote socket and completes the gateway. It is
// idempotent.
func (t *UDPTunnel) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.state = StateClosed
	t.remote.Close()
	if t.gateway != nil {
		t.gateway.OnRequestFinished()
		t.gateway.OnResponseFinished()
	}
	if t.onClose != nil {
		t.onClose(t)
	}
}
