package session

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var remote = netip.MustParseAddr("182.254.116.117")

func TestRegistryEnsureIdempotent(t *testing.T) {
	r := NewRegistry()
	s1 := r.Ensure(TCP, 40988, 443, remote)
	s2 := r.Ensure(TCP, 40988, 443, remote)
	require.Same(t, s1, s2)
	require.Equal(t, UnknownUID, s1.UID())

	got, ok := r.Lookup(40988)
	require.True(t, ok)
	require.Same(t, s1, got)

	_, ok = r.Lookup(1)
	require.False(t, ok)

	other := r.Ensure(TCP, 40988, 80, remote)
	require.NotSame(t, s1, other)
	require.Equal(t, 1, r.Len())
}

func TestRegistryConcurrentEnsure(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	got := make([]*Session, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Ensure(UDP, 5353, 53, remote)
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		require.Same(t, got[0], s)
	}
}

func TestRegistryLinger(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(WithLinger(time.Minute))
	r.now = func() time.Time { return now }

	s := r.Ensure(TCP, 40000, 443, remote)
	r.Release(s)
	require.True(t, s.Released())

	// trailing packets still resolve
	got, ok := r.Lookup(40000)
	require.True(t, ok)
	require.Same(t, s, got)

	// a new flow on the same port replaces it
	fresh := r.Ensure(TCP, 40000, 443, remote)
	require.NotSame(t, s, fresh)

	r.Release(fresh)
	now = now.Add(2 * time.Minute)
	r.Sweep()
	_, ok = r.Lookup(40000)
	require.False(t, ok)
}

func TestSessionCounters(t *testing.T) {
	s := NewRegistry().Ensure(TCP, 1, 2, remote)
	s.AddSent(10)
	s.AddReceived(20)
	require.Equal(t, int64(1), s.NextPacket())
	require.Equal(t, int64(10), s.Sent())
	require.Equal(t, int64(20), s.Received())
	require.Equal(t, netip.MustParseAddrPort("182.254.116.117:2"), s.Remote())
	require.Equal(t, "tcp:1 182.254.116.117:2", s.String())
}

const tcpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
   1: 010A010A:A01C 7574FEB6:01BB 01 00000000:00000000 00:00000000 00000000 10123        0 23456 1 0000000000000000 20 4 30 10 -1
`

const tcp6Table = `  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0000000000000000FFFF0000010A010A:A01D 0000000000000000FFFF00007574FEB6:0050 01 00000000:00000000 00:00000000 00000000 10200        0 34567 1 0000000000000000 20 4 30 10 -1
`

type fakeSource struct {
	tables []string
	opens  atomic.Int32
}

func (f *fakeSource) Open(Protocol) ([]io.ReadCloser, error) {
	f.opens.Add(1)
	var rs []io.ReadCloser
	for _, t := range f.tables {
		rs = append(rs, io.NopCloser(strings.NewReader(t)))
	}
	return rs, nil
}

func TestParseTableLine(t *testing.T) {
	lines := strings.Split(tcpTable, "\n")
	_, ok := parseTableLine(lines[0])
	require.False(t, ok)

	e, ok := parseTableLine(lines[1])
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), e.localIP)
	require.Equal(t, uint16(8080), e.localPort)
	require.False(t, e.remoteIP.IsValid())
	require.Equal(t, 1000, e.uid)

	e, ok = parseTableLine(lines[2])
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.1.10.1"), e.localIP)
	require.Equal(t, uint16(40988), e.localPort)
	require.Equal(t, remote, e.remoteIP)
	require.Equal(t, uint16(443), e.remotePort)
	require.Equal(t, 10123, e.uid)

	e, ok = parseTableLine(strings.Split(tcp6Table, "\n")[1])
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.1.10.1"), e.localIP)
	require.Equal(t, uint16(40989), e.localPort)
	require.Equal(t, remote, e.remoteIP)
	require.Equal(t, 10200, e.uid)

	_, ok = parseTableLine("   2: XYZ:0000 00000000:0000 0A 0 0 0 1")
	require.False(t, ok)
}

func TestUIDResolver(t *testing.T) {
	src := &fakeSource{tables: []string{tcpTable, tcp6Table}}
	u := NewUIDResolver(src, time.Second)
	reg := NewRegistry()

	s := reg.Ensure(TCP, 40989, 80, remote)
	u.Resolve(s)
	require.Equal(t, 10200, s.UID())

	// second flow to the same remote ip is answered from the cache
	s2 := reg.Ensure(TCP, 50000, 80, remote)
	u.Resolve(s2)
	require.Equal(t, 10200, s2.UID())
	require.Equal(t, int32(1), src.opens.Load())

	miss := reg.Ensure(TCP, 1234, 80, netip.MustParseAddr("1.1.1.1"))
	_, err := u.Lookup(context.Background(), miss)
	require.True(t, errors.Is(err, ErrUIDNotFound))
	u.Resolve(miss)
	require.Equal(t, UnknownUID, miss.UID())
}

type staticProvider int

func (p staticProvider) UID(*Session) (int, bool) { return int(p), true }

func TestUIDResolverProviderFirst(t *testing.T) {
	src := &fakeSource{tables: []string{tcpTable}}
	u := NewUIDResolver(src, time.Second, staticProvider(42))
	s := NewRegistry().Ensure(TCP, 40988, 443, remote)
	uid, err := u.Lookup(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 42, uid)
	require.Equal(t, int32(0), src.opens.Load())
}

func TestUIDResolverDeadline(t *testing.T) {
	u := NewUIDResolver(&fakeSource{tables: []string{tcpTable}}, time.Second)
	s := NewRegistry().Ensure(TCP, 40988, 443, remote)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := u.Lookup(ctx, s)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRegistryRunsResolver(t *testing.T) {
	done := make(chan struct{})
	r := NewRegistry(WithResolver(resolverFunc(func(s *Session) {
		s.SetUID(7)
		close(done)
	})))
	s := r.Ensure(UDP, 1, 53, remote)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resolver not called")
	}
	require.Equal(t, 7, s.UID())
}

type resolverFunc func(*Session)

func (f resolverFunc) Resolve(s *Session) { f(s) }
