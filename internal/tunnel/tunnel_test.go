package tunnel

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"baotun/internal/session"
	"baotun/pkg/ip"

	"github.com/stretchr/testify/require"
)

type passGateway struct {
	req, res    io.Writer
	requests    int
	reqFinished int
	resFinished int
}

func (g *passGateway) OnRequest(b []byte) error {
	g.requests++
	_, err := g.req.Write(b)
	return err
}

func (g *passGateway) OnResponse(b []byte) error {
	_, err := g.res.Write(b)
	return err
}

func (g *passGateway) OnRequestFinished()  { g.reqFinished++ }
func (g *passGateway) OnResponseFinished() { g.resFinished++ }

func startSelector(t *testing.T) *Selector {
	t.Helper()
	sel := NewSelector("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sel.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sel
}

func echoServer(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

// appConn returns the app side and the accepted proxy side of a loopback
// connection.
func appConn(t *testing.T) (app, accepted net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	app, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	accepted, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, accepted
}

func TestTCPTunnelRelayAndHalfClose(t *testing.T) {
	sel := startSelector(t)
	remote := echoServer(t)
	app, accepted := appConn(t)

	sess := session.NewRegistry().Ensure(session.TCP, 40988, remote.Port(), remote.Addr())
	closed := make(chan *passGateway, 1)
	sel.Submit(func() {
		g := &passGateway{}
		tun := NewTCPTunnel(sel, sess, nil, func(*TCPTunnel) { closed <- g })
		g.req, g.res = tun.Remote(), tun.Local()
		tun.SetGateway(g)
		tun.Start(context.Background(), accepted, &net.Dialer{Timeout: time.Second})
	})

	_, err := app.Write([]byte("hello through the tunnel"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	app.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := io.ReadAtLeast(app, buf, len("hello through the tunnel"))
	require.NoError(t, err)
	require.Equal(t, "hello through the tunnel", string(buf[:n]))

	require.NoError(t, app.(*net.TCPConn).CloseWrite())
	_, err = app.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	select {
	case g := <-closed:
		require.Equal(t, 1, g.reqFinished)
		require.Equal(t, 1, g.resFinished)
		require.GreaterOrEqual(t, g.requests, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not close")
	}
}

func TestTCPTunnelConnectFailure(t *testing.T) {
	sel := startSelector(t)
	_, accepted := appConn(t)

	// grab a free port and close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	sess := session.NewRegistry().Ensure(session.TCP, 40990, dead.Port(), dead.Addr())
	closed := make(chan *passGateway, 1)
	states := make(chan State, 1)
	sel.Submit(func() {
		g := &passGateway{}
		var tun *TCPTunnel
		tun = NewTCPTunnel(sel, sess, nil, func(*TCPTunnel) {
			states <- tun.State()
			closed <- g
		})
		g.req, g.res = tun.Remote(), tun.Local()
		tun.SetGateway(g)
		tun.Start(context.Background(), accepted, &net.Dialer{Timeout: time.Second})
	})

	select {
	case g := <-closed:
		require.Equal(t, 1, g.reqFinished)
		require.Equal(t, 1, g.resFinished)
		require.Equal(t, StateClosed, <-states)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not close")
	}
}

func TestUDPTunnel(t *testing.T) {
	sel := startSelector(t)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()
	remote := netip.MustParseAddrPort(pc.LocalAddr().String())
	app := netip.MustParseAddrPort("10.1.10.1:5353")

	sess := session.NewRegistry().Ensure(session.UDP, app.Port(), remote.Port(), remote.Addr())
	packets := make(chan []byte, 4)
	out := func(p []byte) error {
		packets <- p
		return nil
	}

	var tun *UDPTunnel
	g := &passGateway{}
	sel.Submit(func() {
		tun = NewUDPTunnel(sel, sess, app, out, nil, nil)
		g.req, g.res = tun.Remote(), tun.ResponseWriter()
		tun.SetGateway(g)
		tun.Start(context.Background(), &net.Dialer{})
		tun.Send([]byte("query"))
	})

	select {
	case p := <-packets:
		h := ip.NewHeader(p, 0)
		require.True(t, h.Valid())
		require.Equal(t, remote.Addr(), h.SourceIP())
		require.Equal(t, app.Addr(), h.DestinationIP())
		u := ip.NewUDPHeader(h)
		require.Equal(t, remote.Port(), u.SourcePort())
		require.Equal(t, app.Port(), u.DestinationPort())
		require.True(t, u.Verify())
		require.Equal(t, []byte("query"), u.Payload())
	case <-time.After(5 * time.Second):
		t.Fatal("no response packet")
	}

	done := make(chan struct{})
	sel.Submit(func() {
		tun.Close()
		tun.Close()
		close(done)
	})
	<-done
	require.Equal(t, 1, g.reqFinished)
	require.Equal(t, 1, g.resFinished)
	require.Equal(t, int64(5), sess.Received())
}

func TestStateMachine(t *testing.T) {
	s := StateCreated.Next(EventConnect)
	require.Equal(t, StateConnecting, s)
	s = s.Next(EventConnected)
	require.Equal(t, StateEstablished, s)
	require.Equal(t, StateHalfClosedLocal, s.Next(EventLocalEOF))
	require.Equal(t, StateHalfClosedRemote, s.Next(EventRemoteEOF))
	require.Equal(t, StateClosed, s.Next(EventLocalEOF).Next(EventRemoteEOF))
	require.Equal(t, StateClosed, s.Next(EventRemoteEOF).Next(EventLocalEOF))
	require.Equal(t, StateClosed, StateConnecting.Next(EventError))
	require.Equal(t, "HALF_CLOSED_LOCAL", StateHalfClosedLocal.String())
}

func TestSelectorSubmitAfterClose(t *testing.T) {
	sel := NewSelector("closed", nil)
	sel.Close()
	require.False(t, sel.Submit(func() {}))
	require.NoError(t, sel.Run(context.Background()))
}

// onLoop runs fn on the selector loop and waits for it.
func onLoop(t *testing.T, sel *Selector, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, sel.Submit(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stalled")
	}
}

func TestTCPTunnelBackpressure(t *testing.T) {
	sel := startSelector(t)

	// a remote that accepts and does not read until told to
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	held := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			held <- c
		}
	}()
	remote := netip.MustParseAddrPort(ln.Addr().String())
	app, accepted := appConn(t)

	sess := session.NewRegistry().Ensure(session.TCP, 40992, remote.Port(), remote.Addr())
	var tun *TCPTunnel
	sel.Submit(func() {
		g := &passGateway{}
		tun = NewTCPTunnel(sel, sess, nil, nil)
		g.req, g.res = tun.Remote(), tun.Local()
		tun.SetGateway(g)
		tun.Start(context.Background(), accepted, &net.Dialer{Timeout: time.Second})
	})

	const total = 32 << 20
	var sent atomic.Int64
	written := make(chan error, 1)
	go func() {
		chunk := make([]byte, 64<<10)
		for sent.Load() < total {
			n, err := app.Write(chunk)
			sent.Add(int64(n))
			if err != nil {
				written <- err
				return
			}
		}
		written <- nil
	}()

	var srv net.Conn
	select {
	case srv = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("remote never dialed")
	}
	defer srv.Close()
	time.Sleep(time.Second)

	var (
		state  State
		queued int64
	)
	onLoop(t, sel, func() {
		state = tun.State()
		queued = tun.Remote().Queued()
	})
	require.Equal(t, StateEstablished, state)
	require.LessOrEqual(t, queued, int64(HighWater+4*ReadBufferSize))
	select {
	case err := <-written:
		t.Fatalf("app wrote everything without blocking: %v", err)
	default:
	}
	require.Less(t, sent.Load(), int64(total))

	// draining the remote resumes the app side
	srv.SetReadDeadline(time.Now().Add(30 * time.Second))
	n, err := io.CopyN(io.Discard, srv, total)
	require.NoError(t, err)
	require.Equal(t, int64(total), n)
	require.NoError(t, <-written)
}
