package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"baotun/pkg/key"
	"baotun/pkg/keycache"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	configCacheSize = 512
	configCacheTTL  = 10 * time.Minute
)

// Role is the side of a handshake the proxy plays.
type Role int

const (
	// RoleServer faces the intercepted app.
	RoleServer Role = iota
	// RoleClient faces the real server.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// KeyProvider supplies the certificate presented for host in role. A nil
// certificate falls back to a leaf issued by the local CA for the server
// role and to no client certificate for the client role.
type KeyProvider interface {
	Certificate(host string, role Role) (*tls.Certificate, error)
}

// TrustProvider supplies the pool that verifies the peer for host in role. A
// nil pool falls back to the system roots for the client role and to not
// asking for client certificates in the server role.
type TrustProvider interface {
	Pool(host string, role Role) (*x509.CertPool, error)
}

// Factory builds the TLS configs of both legs of an interception and owns
// the issued leaf certificates.
type Factory struct {
	ca    *key.Certificate
	caKey *key.PrivateKey
	store *keycache.CertCache

	insecure bool

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
	keys   KeyProvider
	trust  TrustProvider

	servers *expirable.LRU[string, *tls.Config]
	clients *expirable.LRU[string, *tls.Config]

	now func() time.Time
}

type Option func(*Factory)

// WithStore persists issued leaves so restarts reuse them.
func WithStore(store *keycache.CertCache) Option {
	return func(f *Factory) { f.store = store }
}

func WithProviders(keys KeyProvider, trust TrustProvider) Option {
	return func(f *Factory) {
		f.keys = keys
		f.trust = trust
	}
}

// WithInsecureUpstream disables verification of real servers.
func WithInsecureUpstream(on bool) Option {
	return func(f *Factory) { f.insecure = on }
}

func NewFactory(ca *key.Certificate, caKey *key.PrivateKey, opts ...Option) (*Factory, error) {
	if ca == nil || caKey == nil {
		return nil, errors.New("mitm: a CA certificate and key are required")
	}
	if !ca.X509().IsCA {
		return nil, fmt.Errorf("mitm: %q is not a CA certificate", ca.X509().Subject.CommonName)
	}
	f := &Factory{
		ca:      ca,
		caKey:   caKey,
		leaves:  make(map[string]*tls.Certificate),
		servers: expirable.NewLRU[string, *tls.Config](configCacheSize, nil, configCacheTTL),
		clients: expirable.NewLRU[string, *tls.Config](configCacheSize, nil, configCacheTTL),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// CA returns the certificate leaves are signed with.
func (f *Factory) CA() *key.Certificate { return f.ca }

// UpdateProviders swaps the credential providers and drops every leaf and
// config built with the previous ones.
func (f *Factory) UpdateProviders(keys KeyProvider, trust TrustProvider) {
	f.mu.Lock()
	f.keys = keys
	f.trust = trust
	f.leaves = make(map[string]*tls.Certificate)
	f.mu.Unlock()
	f.servers.Purge()
	f.clients.Purge()
	if f.store != nil {
		if err := f.store.Clear(); err != nil {
			zap.S().Warnf("clear certificate store: %v", err)
		}
	}
}

func (f *Factory) providers() (KeyProvider, TrustProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys, f.trust
}

// ServerConfig is the config that faces the app for host. alpn, when not
// empty, is the only protocol offered.
func (f *Factory) ServerConfig(host, alpn string) (*tls.Config, error) {
	id := host + "\x00" + alpn
	if c, ok := f.servers.Get(id); ok {
		return c, nil
	}
	keys, trust := f.providers()
	var cert *tls.Certificate
	var err error
	if keys != nil {
		if cert, err = keys.Certificate(host, RoleServer); err != nil {
			return nil, fmt.Errorf("server key for %s: %w", host, err)
		}
	}
	if cert == nil {
		if cert, err = f.Leaf(host); err != nil {
			return nil, err
		}
	}
	c := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS10,
	}
	if alpn != "" {
		c.NextProtos = []string{alpn}
	}
	if trust != nil {
		pool, err := trust.Pool(host, RoleServer)
		if err != nil {
			return nil, fmt.Errorf("server trust for %s: %w", host, err)
		}
		if pool != nil {
			c.ClientCAs = pool
			c.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	f.servers.Add(id, c)
	return c, nil
}

// ClientConfig is the config that faces the real server for host, offering
// protos.
func (f *Factory) ClientConfig(host string, protos []string) (*tls.Config, error) {
	id := host
	for _, p := range protos {
		id += "\x00" + p
	}
	if c, ok := f.clients.Get(id); ok {
		return c, nil
	}
	keys, trust := f.providers()
	c := &tls.Config{
		ServerName:         host,
		NextProtos:         protos,
		InsecureSkipVerify: f.insecure,
	}
	if keys != nil {
		cert, err := keys.Certificate(host, RoleClient)
		if err != nil {
			return nil, fmt.Errorf("client key for %s: %w", host, err)
		}
		if cert != nil {
			c.Certificates = []tls.Certificate{*cert}
		}
	}
	if trust != nil {
		pool, err := trust.Pool(host, RoleClient)
		if err != nil {
			return nil, fmt.Errorf("client trust for %s: %w", host, err)
		}
		c.RootCAs = pool
	}
	f.clients.Add(id, c)
	return c, nil
}

// Leaf returns the certificate issued for host, issuing it on first use.
func (f *Factory) Leaf(host string) (*tls.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.leaves[host]; ok && !f.expired(c) {
		return c, nil
	}
	if c := f.loadLeaf(host); c != nil {
		f.leaves[host] = c
		return c, nil
	}

	pk, err := key.NewECKey()
	if err != nil {
		return nil, fmt.Errorf("leaf key for %s: %w", host, err)
	}
	leaf, err := key.CertificateForKey(host, pk, f.ca, f.caKey)
	if err != nil {
		return nil, fmt.Errorf("issue leaf for %s: %w", host, err)
	}
	c := key.TLSCertificate(leaf, pk, f.ca)
	f.leaves[host] = &c
	zap.S().Debugf("issued certificate for %s", host)

	if f.store != nil {
		der, err := pk.DER()
		if err == nil {
			err = f.store.Put(host, leaf.DER(), der)
		}
		if err != nil {
			zap.S().Warnf("store certificate for %s: %v", host, err)
		}
	}
	return &c, nil
}

func (f *Factory) loadLeaf(host string) *tls.Certificate {
	if f.store == nil {
		return nil
	}
	certDER, keyDER, err := f.store.Get(host)
	if err != nil {
		if !errors.Is(err, keycache.ErrNotFound) {
			zap.S().Warnf("load certificate for %s: %v", host, err)
		}
		return nil
	}
	leaf, err := key.CertificateFromDER(certDER)
	if err != nil {
		return nil
	}
	pk, err := key.PrivateKeyFromDER(keyDER)
	if err != nil {
		return nil
	}
	if leaf.Expired(f.now()) || leaf.X509().CheckSignatureFrom(f.ca.X509()) != nil {
		return nil
	}
	c := key.TLSCertificate(leaf, pk, f.ca)
	return &c
}

func (f *Factory) expired(c *tls.Certificate) bool {
	return c.Leaf != nil && f.now().After(c.Leaf.NotAfter)
}
