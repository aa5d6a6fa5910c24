// Package session tracks the flows seen on the tun device, keyed by the local
// port of the intercepted app.
package session

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// Protocol is the transport of a flow.
type Protocol uint8

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// UnknownUID marks a session whose owning process was not resolved.
const UnknownUID = -1

var sessionSeq atomic.Int64

// Session is one flow. Addressing fields are fixed at creation; counters and
// the uid are updated concurrently by the proxy servers and the uid resolver.
type Session struct {
	ID         int64
	Protocol   Protocol
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Created    time.Time

	uid          atomic.Int64
	sent         atomic.Int64
	received     atomic.Int64
	packetIndex  atomic.Int64
	releasedUnix atomic.Int64
}

func newSession(p Protocol, localPort, remotePort uint16, remoteIP netip.Addr) *Session {
	s := &Session{
		ID:         sessionSeq.Add(1),
		Protocol:   p,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		Created:    time.Now(),
	}
	s.uid.Store(UnknownUID)
	return s
}

// Remote is the real destination of the flow.
func (s *Session) Remote() netip.AddrPort {
	return netip.AddrPortFrom(s.RemoteIP, s.RemotePort)
}

func (s *Session) UID() int { return int(s.uid.Load()) }

func (s *Session) SetUID(uid int) { s.uid.Store(int64(uid)) }

// AddSent counts payload bytes travelling from the app to the remote.
func (s *Session) AddSent(n int) { s.sent.Add(int64(n)) }

// AddReceived counts payload bytes travelling from the remote to the app.
func (s *Session) AddReceived(n int) { s.received.Add(int64(n)) }

func (s *Session) Sent() int64 { return s.sent.Load() }

func (s *Session) Received() int64 { return s.received.Load() }

// NextPacket advances and returns the packet sequence counter.
func (s *Session) NextPacket() int64 { return s.packetIndex.Add(1) }

func (s *Session) Packets() int64 { return s.packetIndex.Load() }

// Released reports whether both halves of the flow have closed.
func (s *Session) Released() bool { return s.releasedUnix.Load() != 0 }

func (s *Session) releasedAt() time.Time {
	n := s.releasedUnix.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) String() string {
	return fmt.Sprintf("%v:%d %v", s.Protocol, s.LocalPort, s.Remote())
}
