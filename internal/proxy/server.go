// Package proxy holds the virtual proxy servers. Packets read from the tun
// device are rewritten so the OS stack delivers TCP flows to a local
// listener, while UDP datagrams are relayed by a per-flow tunnel. Either way
// the bytes of a flow pass through a gateway before reaching the real server.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"syscall"

	"baotun/internal/gateway"
	"baotun/internal/mitm"
	"baotun/internal/session"
	"baotun/internal/tunnel"
	"baotun/pkg/ip"

	"go.uber.org/zap"
)

// Server is the proxy server of one IP protocol.
type Server interface {
	// Forward handles a packet read from the tun device. The packet may be
	// rewritten in place and written back. It is called from the tun reader
	// only, one packet at a time.
	Forward(packet []byte) error
	// Run serves until ctx is done or Close is called.
	Run(ctx context.Context) error
	Close()
}

// Options are shared by both servers.
type Options struct {
	// Address is the tun address the intercepted apps send from.
	Address netip.Addr
	// Listen is where the TCP server accepts redirected connections. It
	// defaults to a kernel-chosen port on Address.
	Listen   string
	Registry *session.Registry
	Gateways gateway.Factory
	Dialer   tunnel.Dialer
	// Output writes packets back to the tun device.
	Output tunnel.PacketWriter
}

func (o Options) dialer() tunnel.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return &net.Dialer{}
}

// flowError logs the error that tears a flow down. Connection resets and
// timeouts are routine; anything else is worth a warning.
func flowError(s *session.Session, err error) {
	switch {
	case errors.Is(err, mitm.ErrClientRejected):
		zap.S().Infof("[%v] app rejected the certificate: %v", s, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, tunnel.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		zap.S().Debugf("[%v] flow closed: %v", s, err)
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			zap.S().Debugf("[%v] flow timed out: %v", s, err)
			return
		}
		zap.S().Warnf("[%v] flow failed: %v", s, err)
	}
}

func socketError(sock *tunnel.Socket, err error) {
	zap.S().Debugf("%v socket error: %v", sock, err)
}

// rewrite is the new addressing of a packet.
type rewrite struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
}

// applyTCP writes r into a segment and refreshes both checksums.
func (r rewrite) applyTCP(h *ip.Header, t *ip.TCPHeader) {
	h.SetSourceIP(r.src)
	h.SetDestinationIP(r.dst)
	t.SetSourcePort(r.srcPort)
	t.SetDestinationPort(r.dstPort)
	h.UpdateChecksum()
	t.UpdateChecksum()
}
