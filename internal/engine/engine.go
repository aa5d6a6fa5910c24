// Package engine assembles the interception pipeline on a tun device and runs
// it under one context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"baotun/internal/config"
	"baotun/internal/gateway"
	"baotun/internal/httpgw"
	"baotun/internal/inspect"
	"baotun/internal/mitm"
	"baotun/internal/proxy"
	"baotun/internal/session"
	"baotun/pkg/key"
	"baotun/pkg/keycache"

	"go.uber.org/zap"
)

// Device carries raw IPv4 packets, one per Read. WritePacket is called from
// several goroutines.
type Device interface {
	io.ReadCloser
	WritePacket(packet []byte) error
}

type Engine struct {
	cfg *config.Config
	dev Device

	tcpSessions *session.Registry
	udpSessions *session.Registry

	tcp      *proxy.TCPServer
	udp      *proxy.UDPServer
	transfer *proxy.Transfer

	bypass   *mitm.BypassSet
	certs    *mitm.Factory
	store    *keycache.CertCache
	observer *inspect.Observer

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Option func(*options)

type options struct {
	observer     *inspect.Observer
	interceptors []httpgw.InterceptorFactory
	udp          []gateway.InterceptorFactory
	providers    []session.UIDProvider
}

// WithObserver publishes every decoded exchange to o.
func WithObserver(o *inspect.Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithInterceptors appends stages after the built-in ones.
func WithInterceptors(f ...httpgw.InterceptorFactory) Option {
	return func(opts *options) { opts.interceptors = append(opts.interceptors, f...) }
}

// WithUDPInterceptors runs every UDP flow through the raw byte stages made by
// f, in order. Without any, datagrams are relayed untouched.
func WithUDPInterceptors(f ...gateway.InterceptorFactory) Option {
	return func(opts *options) { opts.udp = append(opts.udp, f...) }
}

// WithUIDProviders consults p before the kernel tables.
func WithUIDProviders(p ...session.UIDProvider) Option {
	return func(opts *options) { opts.providers = append(opts.providers, p...) }
}

// New wires an engine on dev. cfg must be valid.
func New(cfg *config.Config, dev Device, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{cfg: cfg, dev: dev, observer: o.observer, stop: make(chan struct{}), done: make(chan struct{})}

	e.bypass = mitm.NewBypassSet(mitm.DefaultBypassSize, mitm.DefaultBypassTTL)
	for _, h := range cfg.Bypass.Hosts {
		e.bypass.AddHost(h)
	}
	for _, ip := range cfg.BypassIPs() {
		e.bypass.AddIP(ip)
	}

	if cfg.MITM.Enabled {
		if err := e.loadCertificates(); err != nil {
			return nil, err
		}
	}

	regOpts := []session.Option{session.WithLinger(cfg.Proxy.Linger)}
	if cfg.UID.Enabled {
		regOpts = append(regOpts, session.WithResolver(
			session.NewUIDResolver(session.ProcNet{}, cfg.UID.Deadline, o.providers...)))
	}
	e.tcpSessions = session.NewRegistry(regOpts...)
	e.udpSessions = session.NewRegistry(regOpts...)

	gateways := gateway.ByProtocol{
		TCP: httpgw.NewFactory(httpgw.Config{
			Factory:      e.certs,
			Bypass:       e.bypass,
			HTTP2:        cfg.MITM.HTTP2,
			Interceptors: e.interceptors(o.interceptors),
		}),
	}
	if len(o.udp) > 0 {
		gateways.UDP = gateway.NewFactory(o.udp...)
	}
	base := proxy.Options{
		Address:  cfg.TunAddress(),
		Listen:   cfg.Proxy.Listen,
		Gateways: gateways,
		Dialer:   proxy.ProtectedDialer(cfg.Proxy.Mark, cfg.Proxy.DialTimeout),
		Output:   dev.WritePacket,
	}

	tcpOpts := base
	tcpOpts.Registry = e.tcpSessions
	tcp, err := proxy.NewTCPServer(tcpOpts)
	if err != nil {
		e.release()
		return nil, err
	}
	e.tcp = tcp

	udpOpts := base
	udpOpts.Registry = e.udpSessions
	udp, err := proxy.NewUDPServer(udpOpts, cfg.Proxy.UDPFlows)
	if err != nil {
		tcp.Close()
		e.release()
		return nil, err
	}
	e.udp = udp

	e.transfer = proxy.NewTransfer(cfg.Tun.MTU, tcp, udp)
	e.transfer.Trace = cfg.Log.Packets
	return e, nil
}

func (e *Engine) loadCertificates() error {
	ca, err := key.LoadCertificateFromFile(e.cfg.MITM.CertPath)
	if err != nil {
		return fmt.Errorf("load CA certificate: %w", err)
	}
	caKey, err := key.LoadPKFromFile(e.cfg.MITM.KeyPath)
	if err != nil {
		return fmt.Errorf("load CA key: %w", err)
	}
	opts := []mitm.Option{mitm.WithInsecureUpstream(e.cfg.MITM.InsecureUpstream)}
	if e.cfg.MITM.CertCache != "" {
		store, err := keycache.NewCertCache(e.cfg.MITM.CertCache)
		if err != nil {
			return fmt.Errorf("open certificate cache: %w", err)
		}
		e.store = store
		opts = append(opts, mitm.WithStore(store))
	}
	certs, err := mitm.NewFactory(ca, caKey, opts...)
	if err != nil {
		e.release()
		return err
	}
	e.certs = certs
	zap.S().Infof("[engine] decrypting with CA %q", ca.X509().Subject.CommonName)
	return nil
}

func (e *Engine) interceptors(extra []httpgw.InterceptorFactory) []httpgw.InterceptorFactory {
	rules := inspect.HeaderRules{Remove: e.cfg.Headers.Remove}
	names := make([]string, 0, len(e.cfg.Headers.Set))
	for name := range e.cfg.Headers.Set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rules.Set = append(rules.Set, inspect.Header{Name: name, Value: e.cfg.Headers.Set[name]})
	}

	var fs []httpgw.InterceptorFactory
	if len(rules.Remove) > 0 || len(rules.Set) > 0 {
		fs = append(fs, inspect.NewHeaderRewriter(rules))
	}
	if e.observer != nil {
		fs = append(fs, e.observer.Factory())
	}
	return append(fs, extra...)
}

// Certificates is nil when decryption is off.
func (e *Engine) Certificates() *mitm.Factory { return e.certs }

func (e *Engine) Bypass() *mitm.BypassSet { return e.bypass }

// Run serves until ctx is done, Stop is called, or a component fails. It
// closes the device on return.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer close(e.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	fail := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			once.Do(func() { first = fmt.Errorf("%s: %w", name, err) })
		}
		cancel()
	}
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(name, fn())
		}()
	}

	start("tcp", func() error { return e.tcp.Run(ctx) })
	start("udp", func() error { return e.udp.Run(ctx) })
	start("tun", func() error { return e.transfer.Run(ctx, e.dev) })
	start("sweep", func() error { return e.sweep(ctx) })
	zap.S().Infof("[engine] intercepting on %s, tcp redirected to port %d", e.cfg.Tun.Address, e.tcp.Port())

	<-ctx.Done()
	e.tcp.Close()
	e.udp.Close()
	// unblocks the tun reader
	e.dev.Close()
	wg.Wait()
	e.release()
	zap.S().Infof("[engine] stopped, %d packets dropped", e.transfer.Dropped())
	return first
}

// sweep drops lingering sessions of both registries.
func (e *Engine) sweep(ctx context.Context) error {
	period := e.cfg.Proxy.Linger
	if period <= 0 {
		period = session.DefaultLinger
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tcpSessions.Sweep()
			e.udpSessions.Sweep()
		}
	}
}

// Stop asks Run to return and waits for it when it is running. Run may be
// called only once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.running.Load() {
		<-e.done
	}
}

func (e *Engine) release() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			zap.S().Warnf("[engine] close certificate cache: %v", err)
		}
		e.store = nil
	}
	if e.observer != nil {
		e.observer.Close()
	}
}
