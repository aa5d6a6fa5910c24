package tunnel

import (
	"context"
	"errors"
	"io"
	"net"

	"baotun/internal/session"

	"go.uber.org/zap"
)

// Gateway consumes the bytes relayed for one flow. The tunnels guarantee
// exactly one OnRequestFinished and one OnResponseFinished per flow.
type Gateway interface {
	OnRequest(buf []byte) error
	OnResponse(buf []byte) error
	OnRequestFinished()
	OnResponseFinished()
}

// FlowErrorHandler is told about the error that tears a flow down.
type FlowErrorHandler func(s *session.Session, err error)

// TCPTunnel pairs the accepted loopback connection of an intercepted app
// (local) with a connection to the real destination (remote).
type TCPTunnel struct {
	Session *session.Session

	local   *Socket
	remote  *Socket
	gateway Gateway
	state   State

	requestDone  bool
	responseDone bool
	closing      bool
	closed       bool

	onError FlowErrorHandler
	onClose func(*TCPTunnel)
}

func NewTCPTunnel(sel *Selector, s *session.Session, onError FlowErrorHandler, onClose func(*TCPTunnel)) *TCPTunnel {
	t := &TCPTunnel{
		Session: s,
		local:   NewSocket(sel, "["+s.String()+"][local]"),
		remote:  NewSocket(sel, "["+s.String()+"][remote]"),
		onError: onError,
		onClose: onClose,
	}
	t.local.SetCallback(localSide{t})
	t.remote.SetCallback(remoteSide{t})
	return t
}

// Local is the socket facing the intercepted app.
func (t *TCPTunnel) Local() *Socket { return t.local }

// Remote is the socket facing the real server.
func (t *TCPTunnel) Remote() *Socket { return t.remote }

func (t *TCPTunnel) State() State { return t.state }

// SetGateway must be called before Start.
func (t *TCPTunnel) SetGateway(g Gateway) { t.gateway = g }

// Start dials the remote and adopts the accepted local conn. Call it on the
// selector loop.
func (t *TCPTunnel) Start(ctx context.Context, conn net.Conn, d Dialer) {
	t.state = t.state.Next(EventConnect)
	t.remote.Connect(ctx, d, "tcp", t.Session.Remote().String())
	t.local.Open(conn)
}

type localSide struct{ t *TCPTunnel }

func (l localSide) OnConnected() error { return nil }
func (l localSide) OnRead() error      { return l.t.read(l.t.local, l.t.remote, true) }
func (l localSide) OnWrite() error     { return l.t.drained(l.t.remote) }
func (l localSide) OnClosed()          { l.t.Close() }

type remoteSide struct{ t *TCPTunnel }

func (r remoteSide) OnConnected() error {
	r.t.state = r.t.state.Next(EventConnected)
	zap.S().Debugf("[%v] remote connected", r.t.Session)
	return nil
}
func (r remoteSide) OnRead() error  { return r.t.read(r.t.remote, r.t.local, false) }
func (r remoteSide) OnWrite() error { return r.t.drained(r.t.local) }
func (r remoteSide) OnClosed()      { r.t.Close() }

// read drains src into the gateway and pauses src while dst is backed up.
func (t *TCPTunnel) read(src, dst *Socket, request bool) error {
	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			if gerr := t.feed(chunk, request); gerr != nil {
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
		if err == nil {
			break
		}
		if errors.Is(err, io.EOF) {
			t.eof(request)
			return nil
		}
		return err
	}
	if !dst.Writable() {
		src.SetReadInterest(false)
	}
	return nil
}

func (t *TCPTunnel) feed(chunk []byte, request bool) error {
	if request {
		return t.gateway.OnRequest(chunk)
	}
	return t.gateway.OnResponse(chunk)
}

// drained resumes the peer of a socket whose write queue emptied.
func (t *TCPTunnel) drained(peer *Socket) error {
	if t.closing {
		t.closeWhenFlushed()
		return nil
	}
	if !peer.Closed() && t.state != StateClosed {
		peer.SetReadInterest(true)
	}
	return nil
}

func (t *TCPTunnel) eof(request bool) {
	if request {
		t.state = t.state.Next(EventLocalEOF)
		t.local.SetReadInterest(false)
		t.finishRequest()
		t.remote.ShutdownWrite()
	} else {
		t.state = t.state.Next(EventRemoteEOF)
		t.remote.SetReadInterest(false)
		t.finishResponse()
		t.local.ShutdownWrite()
	}
	if t.state == StateClosed {
		t.closing = true
		t.closeWhenFlushed()
	}
}

func (t *TCPTunnel) closeWhenFlushed() {
	if t.local.Queued() == 0 && t.remote.Queued() == 0 {
		t.Close()
	}
}

func (t *TCPTunnel) finishRequest() {
	if !t.requestDone {
		t.requestDone = true
		t.gateway.OnRequestFinished()
	}
}

func (t *TCPTunnel) finishResponse() {
	if !t.responseDone {
		t.responseDone = true
		t.gateway.OnResponseFinished()
	}
}

// Close releases both sockets and completes the gateway. It is idempotent.
func (t *TCPTunnel) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.state = t.state.Next(EventError)
	t.local.Close()
	t.remote.Close()
	if t.gateway != nil {
		t.finishRequest()
		t.finishResponse()
	}
	zap.S().Debugf("[%v] closed", t.Session)
	if t.onClose != nil {
		t.onClose(t)
	}
}
