package mitm

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultBypassSize = 4096
	DefaultBypassTTL  = 24 * time.Hour
)

// BypassSet holds the destinations whose flows are relayed without
// decryption. Configured entries are permanent; addresses learned from
// rejected handshakes expire.
type BypassSet struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
	ips   map[netip.Addr]struct{}

	learned *expirable.LRU[netip.Addr, struct{}]
}

func NewBypassSet(size int, ttl time.Duration) *BypassSet {
	if size <= 0 {
		size = DefaultBypassSize
	}
	return &BypassSet{
		hosts:   make(map[string]struct{}),
		ips:     make(map[netip.Addr]struct{}),
		learned: expirable.NewLRU[netip.Addr, struct{}](size, nil, ttl),
	}
}

// AddHost bypasses every flow whose SNI is host or, for "*.example.com", a
// subdomain of example.com.
func (b *BypassSet) AddHost(host string) {
	b.mu.Lock()
	b.hosts[strings.ToLower(host)] = struct{}{}
	b.mu.Unlock()
}

// AddIP permanently bypasses ip.
func (b *BypassSet) AddIP(ip netip.Addr) {
	b.mu.Lock()
	b.ips[ip.Unmap()] = struct{}{}
	b.mu.Unlock()
}

// Reject records that a client refused our certificate for ip.
func (b *BypassSet) Reject(ip netip.Addr) {
	b.learned.Add(ip.Unmap(), struct{}{})
}

func (b *BypassSet) ContainsIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	b.mu.RLock()
	_, ok := b.ips[ip]
	b.mu.RUnlock()
	if ok {
		return true
	}
	return b.learned.Contains(ip)
}

func (b *BypassSet) ContainsHost(host string) bool {
	if host == "" {
		return false
	}
	host = strings.ToLower(host)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.hosts[host]; ok {
		return true
	}
	for i := strings.IndexByte(host, '.'); i >= 0; i = strings.IndexByte(host, '.') {
		host = host[i+1:]
		if _, ok := b.hosts["*."+host]; ok {
			return true
		}
	}
	return false
}

// Forget drops what was learned from rejected handshakes.
func (b *BypassSet) Forget() {
	b.learned.Purge()
}

func (b *BypassSet) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hosts) + len(b.ips) + b.learned.Len()
}
