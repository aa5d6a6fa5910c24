package session

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultLinger keeps released sessions resolvable for trailing packets.
const DefaultLinger = 30 * time.Second

// Resolver fills in the owning uid of a new session. It must be safe for
// concurrent use.
type Resolver interface {
	Resolve(s *Session)
}

// Registry maps local ports to sessions. It is shared by the tun reader and
// both proxy servers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint16]*Session
	linger   time.Duration
	resolver Resolver
	now      func() time.Time
}

type Option func(*Registry)

// WithResolver resolves the owner of each new session in the background.
func WithResolver(r Resolver) Option {
	return func(reg *Registry) { reg.resolver = r }
}

func WithLinger(d time.Duration) Option {
	return func(reg *Registry) { reg.linger = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[uint16]*Session),
		linger:   DefaultLinger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Ensure returns the live session for localPort, creating it when absent,
// released, or pointing at a different remote.
func (r *Registry) Ensure(p Protocol, localPort, remotePort uint16, remoteIP netip.Addr) *Session {
	r.mu.RLock()
	s, ok := r.sessions[localPort]
	r.mu.RUnlock()
	if ok && r.matches(s, p, remotePort, remoteIP) {
		return s
	}

	r.mu.Lock()
	s, ok = r.sessions[localPort]
	if ok && r.matches(s, p, remotePort, remoteIP) {
		r.mu.Unlock()
		return s
	}
	s = newSession(p, localPort, remotePort, remoteIP)
	r.sessions[localPort] = s
	r.sweepLocked()
	r.mu.Unlock()

	zap.S().Debugf("[%v] new session #%d", s, s.ID)
	if r.resolver != nil {
		go r.resolver.Resolve(s)
	}
	return s
}

func (r *Registry) matches(s *Session, p Protocol, remotePort uint16, remoteIP netip.Addr) bool {
	return !s.Released() && s.Protocol == p && s.RemotePort == remotePort && s.RemoteIP == remoteIP
}

// Lookup returns the session for localPort, including one that was released
// less than the linger period ago.
func (r *Registry) Lookup(localPort uint16) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[localPort]
	return s, ok
}

// Release marks the session closed. It stays resolvable until the linger
// period elapses, then a later sweep drops it.
func (r *Registry) Release(s *Session) {
	s.releasedUnix.CompareAndSwap(0, r.now().UnixNano())
	zap.S().Debugf("[%v] released, sent %d received %d bytes in %d packets",
		s, s.Sent(), s.Received(), s.Packets())
}

// Len is the number of sessions held, lingering ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep drops sessions released longer than the linger period ago.
func (r *Registry) Sweep() {
	r.mu.Lock()
	r.sweepLocked()
	r.mu.Unlock()
}

func (r *Registry) sweepLocked() {
	deadline := r.now().Add(-r.linger)
	for port, s := range r.sessions {
		if at := s.releasedAt(); !at.IsZero() && at.Before(deadline) {
			delete(r.sessions, port)
		}
	}
}
