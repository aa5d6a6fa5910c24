package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"baotun/pkg/key"
	"baotun/pkg/keycache"

	"github.com/stretchr/testify/require"
)

func newCA(t *testing.T, name string) (*key.Certificate, *key.PrivateKey) {
	t.Helper()
	pk, err := key.NewECKey()
	require.NoError(t, err)
	ca, err := key.GenerateCA(name, pk)
	require.NoError(t, err)
	return ca, pk
}

func pool(certs ...*key.Certificate) *x509.CertPool {
	p := x509.NewCertPool()
	for _, c := range certs {
		p.AddCert(c.X509())
	}
	return p
}

type staticTrust struct{ client *x509.CertPool }

func (s staticTrust) Pool(host string, role Role) (*x509.CertPool, error) {
	if role == RoleClient {
		return s.client, nil
	}
	return nil, nil
}

type staticKey struct{ cert *tls.Certificate }

func (s staticKey) Certificate(host string, role Role) (*tls.Certificate, error) {
	if role == RoleServer {
		return s.cert, nil
	}
	return nil, nil
}

func TestVerifyRecord(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Record
	}{
		{"empty", nil, RecordNotEnough},
		{"short header", []byte{22, 3, 1}, RecordNotEnough},
		{"partial record", []byte{22, 3, 1, 0, 10, 1, 2}, RecordNotEnough},
		{"complete record", []byte{23, 3, 3, 0, 2, 0xaa, 0xbb}, RecordTLS},
		{"two records", []byte{21, 3, 3, 0, 2, 1, 0, 23, 3}, RecordTLS},
		{"http", []byte("GET / HTTP/1.1\r\n"), RecordPlain},
		{"ssh", []byte("SSH-2.0-OpenSSH_9.0\r\n"), RecordPlain},
		{"sslv2 hello", []byte{0x80, 0x2e, 0x01, 0x03, 0x01}, RecordNotEnough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, VerifyRecord(tt.in))
		})
	}
}

func TestParseClientHello(t *testing.T) {
	e := NewClientEngine(&tls.Config{
		ServerName: "api.example.test",
		NextProtos: []string{"h2", "http/1.1"},
	})
	defer e.Close()
	out, plain, err := e.Feed(nil)
	require.NoError(t, err)
	require.Empty(t, plain)
	require.True(t, IsHandshake(out))
	require.Equal(t, RecordTLS, VerifyRecord(out))

	hello, err := ParseClientHello(out)
	require.NoError(t, err)
	require.Equal(t, "api.example.test", hello.ServerName)
	require.Equal(t, []string{"h2", "http/1.1"}, hello.ALPN)

	_, err = ParseClientHello(out[:40])
	require.ErrorIs(t, err, ErrShortHello)
	_, err = ParseClientHello([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.ErrorIs(t, err, ErrNotClientHello)
}

func TestOffered(t *testing.T) {
	require.Equal(t, []string{"http/1.1"}, offered([]string{"spdy/3", "HTTP/1.1"}, Protocols))
	require.Equal(t, []string{"h2", "http/1.1"}, offered([]string{"h2", "http/1.1"}, Protocols))
	require.Equal(t, []string{"http/1.1"}, offered([]string{"h2", "http/1.1"}, []string{"http/1.1"}))
	require.Empty(t, offered(nil, Protocols))
}

func TestBypassSet(t *testing.T) {
	b := NewBypassSet(0, time.Hour)
	ip := netip.MustParseAddr("203.0.113.7")
	require.False(t, b.ContainsIP(ip))

	b.Reject(ip)
	require.True(t, b.ContainsIP(ip))
	require.True(t, b.ContainsIP(netip.AddrFrom16(ip.As16())))

	b.AddHost("pinned.example.com")
	b.AddHost("*.bank.test")
	require.True(t, b.ContainsHost("PINNED.example.com"))
	require.True(t, b.ContainsHost("www.bank.test"))
	require.True(t, b.ContainsHost("a.b.bank.test"))
	require.False(t, b.ContainsHost("bank.test"))
	require.False(t, b.ContainsHost(""))

	b.AddIP(netip.MustParseAddr("198.51.100.1"))
	b.Forget()
	require.False(t, b.ContainsIP(ip))
	require.True(t, b.ContainsIP(netip.MustParseAddr("198.51.100.1")))
}

func TestFactoryLeafCache(t *testing.T) {
	ca, caKey := newCA(t, "baotun test")
	store, err := keycache.NewCertCache(filepath.Join(t.TempDir(), "certs.db"))
	require.NoError(t, err)
	defer store.Close()

	f, err := NewFactory(ca, caKey, WithStore(store))
	require.NoError(t, err)

	leaf, err := f.Leaf("example.test")
	require.NoError(t, err)
	again, err := f.Leaf("example.test")
	require.NoError(t, err)
	require.Same(t, leaf, again)
	require.Equal(t, []string{"example.test"}, leaf.Leaf.DNSNames)
	require.NoError(t, leaf.Leaf.CheckSignatureFrom(ca.X509()))
	require.Equal(t, 1, store.Len())

	// a second factory over the same store reuses the persisted leaf
	g, err := NewFactory(ca, caKey, WithStore(store))
	require.NoError(t, err)
	loaded, err := g.Leaf("example.test")
	require.NoError(t, err)
	require.Equal(t, leaf.Certificate[0], loaded.Certificate[0])

	ipLeaf, err := f.Leaf("192.0.2.10")
	require.NoError(t, err)
	require.Len(t, ipLeaf.Leaf.IPAddresses, 1)

	c1, err := f.ServerConfig("example.test", "h2")
	require.NoError(t, err)
	c2, err := f.ServerConfig("example.test", "h2")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, []string{"h2"}, c1.NextProtos)

	f.UpdateProviders(nil, nil)
	require.Zero(t, store.Len())
	c3, err := f.ServerConfig("example.test", "h2")
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
	fresh, err := f.Leaf("example.test")
	require.NoError(t, err)
	require.NotEqual(t, leaf.Certificate[0], fresh.Certificate[0])
}

func TestFactoryProviders(t *testing.T) {
	ca, caKey := newCA(t, "baotun test")
	f, err := NewFactory(ca, caKey)
	require.NoError(t, err)

	other, err := f.Leaf("override.test")
	require.NoError(t, err)
	roots := pool(ca)
	f.UpdateProviders(staticKey{cert: other}, staticTrust{client: roots})

	c, err := f.ServerConfig("anything.test", "")
	require.NoError(t, err)
	require.Equal(t, other.Certificate[0], c.Certificates[0].Certificate[0])
	require.Nil(t, c.NextProtos)

	cc, err := f.ClientConfig("anything.test", []string{"h2"})
	require.NoError(t, err)
	require.Same(t, roots, cc.RootCAs)
	require.Equal(t, "anything.test", cc.ServerName)
	require.Empty(t, cc.Certificates)

	_, err = NewFactory(nil, nil)
	require.Error(t, err)
	leafOnly, err := key.CertificateFromDER(other.Certificate[0])
	require.NoError(t, err)
	_, err = NewFactory(leafOnly, caKey)
	require.Error(t, err)
}

// harness wires an app-side TLS client and a real TLS server to a Codec,
// shuttling bytes in memory.
type harness struct {
	app    *Engine
	remote *Engine
	codec  *Codec

	toApp    []byte
	toRemote []byte

	pending     []byte
	processed   []byte
	reqPlain    []byte
	resPlain    []byte
	remotePlain []byte
	appPlain    []byte
}

func newHarness(t *testing.T, appRoots *x509.CertPool, bypass *BypassSet) *harness {
	t.Helper()
	mitmCA, mitmKey := newCA(t, "baotun test")
	realCA, realKey := newCA(t, "real test")

	serverKey, err := key.NewECKey()
	require.NoError(t, err)
	serverLeaf, err := key.CertificateForKey("example.test", serverKey, realCA, realKey)
	require.NoError(t, err)
	serverCert := key.TLSCertificate(serverLeaf, serverKey)

	f, err := NewFactory(mitmCA, mitmKey, WithProviders(nil, staticTrust{client: pool(realCA)}))
	require.NoError(t, err)

	if appRoots == nil {
		appRoots = pool(mitmCA)
	}
	h := &harness{
		app: NewClientEngine(&tls.Config{
			ServerName: "example.test",
			RootCAs:    appRoots,
			NextProtos: []string{"h2", "http/1.1"},
		}),
		remote: NewServerEngine(&tls.Config{
			Certificates: []tls.Certificate{serverCert},
			NextProtos:   []string{"h2"},
		}),
	}
	h.codec = NewCodec(f, bypass, netip.MustParseAddr("203.0.113.9"),
		func(b []byte) error { h.toApp = append(h.toApp, b...); return nil },
		func(b []byte) error { h.toRemote = append(h.toRemote, b...); return nil },
	)
	t.Cleanup(func() {
		h.app.Close()
		h.remote.Close()
		h.codec.Close()
	})
	return h
}

func (h *harness) requestCallback() Callback {
	return Callback{
		Pending: func(b []byte) { h.pending = append(h.pending, b...) },
		Process: func(b []byte) error { h.processed = append(h.processed, b...); return nil },
		Decrypt: func(b []byte) error { h.reqPlain = append(h.reqPlain, b...); return nil },
	}
}

func (h *harness) responseCallback() Callback {
	return Callback{
		Pending: func(b []byte) {},
		Process: func(b []byte) error { return nil },
		Decrypt: func(b []byte) error { h.resPlain = append(h.resPlain, b...); return nil },
	}
}

// pump moves bytes until both sides are quiet.
func (h *harness) pump() error {
	for i := 0; i < 32; i++ {
		moved := false
		if len(h.toRemote) > 0 {
			moved = true
			b := h.toRemote
			h.toRemote = nil
			out, plain, err := h.remote.Feed(b)
			h.remotePlain = append(h.remotePlain, plain...)
			if len(out) > 0 {
				if cerr := h.codec.DecodeResponse(out, h.responseCallback()); cerr != nil {
					return cerr
				}
			}
			if err != nil {
				return err
			}
		}
		if len(h.toApp) > 0 {
			moved = true
			b := h.toApp
			h.toApp = nil
			out, plain, err := h.app.Feed(b)
			h.appPlain = append(h.appPlain, plain...)
			if len(out) > 0 {
				if cerr := h.codec.DecodeRequest(out, h.requestCallback()); cerr != nil {
					return cerr
				}
			}
			if err != nil {
				return err
			}
		}
		if !moved {
			return nil
		}
	}
	return nil
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	hello, _, err := h.app.Feed(nil)
	require.NoError(t, err)
	require.NoError(t, h.codec.DecodeRequest(hello, h.requestCallback()))
}

func TestCodecRelaysBothLegs(t *testing.T) {
	h := newHarness(t, nil, NewBypassSet(0, time.Hour))
	var negotiated string
	h.codec.OnALPN(func(p string) { negotiated = p })

	h.start(t)
	require.True(t, h.codec.Intercepting())
	require.NoError(t, h.pump())

	require.True(t, h.app.Handshaken())
	require.True(t, h.remote.Handshaken())
	require.Equal(t, "h2", negotiated)
	require.Equal(t, "h2", h.app.NegotiatedProtocol())
	require.Equal(t, "example.test", h.codec.Host())

	// app -> codec (plaintext) -> remote
	out, err := h.app.Encrypt([]byte("PRI * HTTP/2.0"))
	require.NoError(t, err)
	require.NoError(t, h.codec.DecodeRequest(out, h.requestCallback()))
	require.Equal(t, "PRI * HTTP/2.0", string(h.reqPlain))
	require.NoError(t, h.codec.EncodeRequest(h.reqPlain))
	require.NoError(t, h.pump())
	require.Equal(t, "PRI * HTTP/2.0", string(h.remotePlain))

	// remote -> codec (plaintext) -> app
	out, err = h.remote.Encrypt([]byte("hello app"))
	require.NoError(t, err)
	require.NoError(t, h.codec.DecodeResponse(out, h.responseCallback()))
	require.Equal(t, "hello app", string(h.resPlain))
	require.NoError(t, h.codec.EncodeResponse(h.resPlain))
	require.NoError(t, h.pump())
	require.Equal(t, "hello app", string(h.appPlain))
	require.Empty(t, h.processed)
}

func TestCodecClientRejection(t *testing.T) {
	// the app trusts nothing, so it refuses the issued leaf
	h := newHarness(t, x509.NewCertPool(), nil)
	h.start(t)
	err := h.pump()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrClientRejected)
}

func TestCodecBypass(t *testing.T) {
	bypass := NewBypassSet(0, time.Hour)
	bypass.Reject(netip.MustParseAddr("203.0.113.9"))
	h := newHarness(t, nil, bypass)

	hello, _, err := h.app.Feed(nil)
	require.NoError(t, err)
	require.NoError(t, h.codec.DecodeRequest(hello, h.requestCallback()))
	require.False(t, h.codec.Intercepting())
	require.Equal(t, hello, h.processed)
	require.Empty(t, h.toRemote)

	// later bytes keep passing through untouched
	require.NoError(t, h.codec.DecodeRequest([]byte{23, 3, 3, 0, 1, 7}, h.requestCallback()))
	require.Equal(t, append(hello, 23, 3, 3, 0, 1, 7), h.processed)
}

func TestCodecPendsSplitHello(t *testing.T) {
	h := newHarness(t, nil, nil)
	hello, _, err := h.app.Feed(nil)
	require.NoError(t, err)

	require.NoError(t, h.codec.DecodeRequest(hello[:3], h.requestCallback()))
	require.Equal(t, hello[:3], h.pending)
	require.False(t, h.codec.Intercepting())

	merged := append(append([]byte(nil), h.pending...), hello[3:]...)
	h.pending = nil
	require.NoError(t, h.codec.DecodeRequest(merged, h.requestCallback()))
	require.True(t, h.codec.Intercepting())
	require.NotEmpty(t, h.toRemote)
}
