package session

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultUIDDeadline = 100 * time.Millisecond
	uidCacheSize       = 100
	uidCacheTTL        = 15 * time.Second
)

var ErrUIDNotFound = errors.New("uid not found")

// UIDProvider can answer uid lookups before the connection tables are read.
type UIDProvider interface {
	UID(s *Session) (uid int, ok bool)
}

// TableSource opens the connection tables of a protocol, IPv4 and IPv6.
type TableSource interface {
	Open(p Protocol) ([]io.ReadCloser, error)
}

// ProcNet reads /proc/net/{tcp,tcp6,udp,udp6} under Root.
type ProcNet struct {
	Root string
}

func (pn ProcNet) Open(p Protocol) ([]io.ReadCloser, error) {
	root := pn.Root
	if root == "" {
		root = "/proc/net"
	}
	var files []io.ReadCloser
	for _, name := range []string{p.String(), p.String() + "6"} {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			closeAll(files)
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func closeAll(files []io.ReadCloser) {
	for _, f := range files {
		f.Close()
	}
}

// UIDResolver finds the uid owning a flow. Results are cached per remote IP
// for a short time.
type UIDResolver struct {
	source    TableSource
	providers []UIDProvider
	deadline  time.Duration
	cache     *expirable.LRU[netip.Addr, int]
}

func NewUIDResolver(source TableSource, deadline time.Duration, providers ...UIDProvider) *UIDResolver {
	if deadline <= 0 {
		deadline = DefaultUIDDeadline
	}
	return &UIDResolver{
		source:    source,
		providers: providers,
		deadline:  deadline,
		cache:     expirable.NewLRU[netip.Addr, int](uidCacheSize, nil, uidCacheTTL),
	}
}

// Resolve sets the uid of s, leaving it unknown when the lookup fails or
// misses its deadline.
func (u *UIDResolver) Resolve(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), u.deadline)
	defer cancel()
	uid, err := u.Lookup(ctx, s)
	if err != nil {
		zap.S().Debugf("[%v] uid unresolved: %v", s, err)
		return
	}
	s.SetUID(uid)
}

func (u *UIDResolver) Lookup(ctx context.Context, s *Session) (int, error) {
	for _, p := range u.providers {
		if uid, ok := p.UID(s); ok {
			return uid, nil
		}
	}
	if uid, ok := u.cache.Get(s.RemoteIP); ok {
		return uid, nil
	}

	files, err := u.source.Open(s.Protocol)
	if err != nil {
		return UnknownUID, fmt.Errorf("open connection table: %w", err)
	}
	defer closeAll(files)

	for _, f := range files {
		uid, err := scanTable(ctx, f, s)
		if err == nil {
			u.cache.Add(s.RemoteIP, uid)
			return uid, nil
		}
		if !errors.Is(err, ErrUIDNotFound) {
			return UnknownUID, err
		}
	}
	return UnknownUID, ErrUIDNotFound
}

func scanTable(ctx context.Context, r io.Reader, s *Session) (int, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return UnknownUID, err
		}
		e, ok := parseTableLine(sc.Text())
		if !ok {
			continue
		}
		if e.localPort != s.LocalPort || e.remotePort != s.RemotePort {
			continue
		}
		if e.remoteIP.IsValid() && e.remoteIP != s.RemoteIP {
			continue
		}
		return e.uid, nil
	}
	if err := sc.Err(); err != nil {
		return UnknownUID, err
	}
	return UnknownUID, ErrUIDNotFound
}

type tableEntry struct {
	localIP    netip.Addr
	localPort  uint16
	remoteIP   netip.Addr
	remotePort uint16
	uid        int
}

// parseTableLine decodes one row such as
//
//	0: 0100007F:1F90 0B0A010A:01BB 01 00000000:00000000 00:00000000 00000000 10123 ...
//
// The header row and malformed rows are rejected.
func parseTableLine(line string) (tableEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 || !strings.HasSuffix(fields[0], ":") {
		return tableEntry{}, false
	}
	var e tableEntry
	var ok bool
	if e.localIP, e.localPort, ok = parseHexAddrPort(fields[1]); !ok {
		return tableEntry{}, false
	}
	if e.remoteIP, e.remotePort, ok = parseHexAddrPort(fields[2]); !ok {
		return tableEntry{}, false
	}
	uid, err := strconv.Atoi(fields[7])
	if err != nil {
		return tableEntry{}, false
	}
	e.uid = uid
	return e, true
}

// parseHexAddrPort decodes "ADDR:PORT" where ADDR is 8 or 32 hex digits of
// little-endian 32-bit words and PORT is 4 hex digits.
func parseHexAddrPort(s string) (netip.Addr, uint16, bool) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok || len(portHex) != 4 {
		return netip.Addr{}, 0, false
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.Addr{}, 0, false
	}
	raw, err := hex.DecodeString(addrHex)
	if err != nil || (len(raw) != 4 && len(raw) != 16) {
		return netip.Addr{}, 0, false
	}
	for i := 0; i+4 <= len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	var addr netip.Addr
	if len(raw) == 4 {
		addr = netip.AddrFrom4([4]byte(raw))
	} else {
		addr = netip.AddrFrom16([16]byte(raw)).Unmap()
	}
	if addr.IsUnspecified() {
		addr = netip.Addr{}
	}
	return addr, uint16(port), true
}
