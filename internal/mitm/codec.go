package mitm

import (
	"errors"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// Protocols offered to real servers, in preference order.
var Protocols = []string{"h2", "http/1.1"}

// Sink writes raw bytes to one side of a flow, skipping every stage.
type Sink func(b []byte) error

// Callback receives what a decode call yields. Handshake traffic never
// reaches it: the codec writes that to the sink of the leg it belongs to.
type Callback struct {
	// Pending is called with input too short to classify. The caller keeps
	// it and passes it again, followed by the next bytes.
	Pending func(b []byte)
	// Process is called with bytes that are not being decrypted.
	Process func(b []byte) error
	// Decrypt is called with plaintext.
	Decrypt func(b []byte) error
}

// Codec intercepts one TLS connection. The request side plays the server
// towards the app and the response side plays the client towards the real
// server. The client leg starts as soon as the app's ClientHello arrives;
// the server leg waits for its ALPN result so the app is offered exactly
// what the real server agreed to.
type Codec struct {
	factory *Factory
	bypass  *BypassSet
	remote  netip.Addr

	toApp    Sink
	toRemote Sink

	protocols []string

	hello       *ClientHello
	passthrough bool
	waiting     bool
	stash       []byte

	server *Engine
	client *Engine
	alpn   string
	onALPN func(proto string)

	decrypt func([]byte) error

	toAppQueue    [][]byte
	toRemoteQueue [][]byte
}

func NewCodec(f *Factory, bypass *BypassSet, remote netip.Addr, toApp, toRemote Sink) *Codec {
	return &Codec{
		factory:   f,
		bypass:    bypass,
		remote:    remote,
		toApp:     toApp,
		toRemote:  toRemote,
		protocols: Protocols,
	}
}

// Offer restricts the protocols the codec can decode and so offers upstream.
func (c *Codec) Offer(protos ...string) { c.protocols = protos }

// OnALPN registers fn to be told the protocol agreed with the real server.
// It is called once, before the app's handshake is answered.
func (c *Codec) OnALPN(fn func(proto string)) { c.onALPN = fn }

// Hello is the app's ClientHello, nil before it arrived.
func (c *Codec) Hello() *ClientHello { return c.hello }

// Host is the SNI of the connection, or the remote address without one.
func (c *Codec) Host() string {
	if c.hello != nil && c.hello.ServerName != "" {
		return c.hello.ServerName
	}
	return c.remote.String()
}

func (c *Codec) ALPN() string { return c.alpn }

// Intercepting reports whether the connection is being decrypted.
func (c *Codec) Intercepting() bool { return c.client != nil && !c.passthrough }

// DecodeRequest handles bytes from the app.
func (c *Codec) DecodeRequest(b []byte, cb Callback) error {
	if c.passthrough {
		return cb.Process(b)
	}
	c.decrypt = cb.Decrypt
	if c.server != nil {
		return c.feedServer(b)
	}
	if c.waiting {
		c.stash = append(c.stash, b...)
		return nil
	}

	switch VerifyRecord(b) {
	case RecordNotEnough:
		cb.Pending(b)
		return nil
	case RecordPlain:
		c.passthrough = true
		return cb.Process(b)
	}
	hello, err := ParseClientHello(b)
	if errors.Is(err, ErrShortHello) {
		cb.Pending(b)
		return nil
	}
	if err != nil {
		c.passthrough = true
		return cb.Process(b)
	}
	c.hello = hello
	if c.bypassed() {
		zap.S().Debugf("[%s] bypass %s", c.remote, c.Host())
		c.passthrough = true
		return cb.Process(b)
	}
	c.stash = append(c.stash[:0], b...)
	c.waiting = true
	return c.startClient()
}

func (c *Codec) bypassed() bool {
	if c.factory == nil {
		return true
	}
	if c.bypass == nil {
		return false
	}
	return c.bypass.ContainsIP(c.remote) || c.bypass.ContainsHost(c.hello.ServerName)
}

func (c *Codec) startClient() error {
	cfg, err := c.factory.ClientConfig(c.Host(), offered(c.hello.ALPN, c.protocols))
	if err != nil {
		return err
	}
	c.client = NewClientEngine(cfg)
	out, _, err := c.client.Feed(nil)
	if len(out) > 0 {
		if werr := c.toRemote(out); werr != nil {
			return werr
		}
	}
	return err
}

// offered keeps the protocols of the app's offer that we can decode.
func offered(alpn, supported []string) []string {
	var protos []string
	for _, p := range alpn {
		for _, known := range supported {
			if strings.EqualFold(p, known) {
				protos = append(protos, known)
			}
		}
	}
	return protos
}

// DecodeResponse handles bytes from the real server.
func (c *Codec) DecodeResponse(b []byte, cb Callback) error {
	if c.passthrough || c.client == nil {
		return cb.Process(b)
	}
	out, plain, err := c.client.Feed(b)
	if len(out) > 0 {
		if werr := c.toRemote(out); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if !c.client.Handshaken() {
		return nil
	}
	if c.waiting {
		c.alpn = c.client.NegotiatedProtocol()
		zap.S().Debugf("[%s] %s negotiated %q", c.remote, c.Host(), c.alpn)
		if c.onALPN != nil {
			c.onALPN(c.alpn)
		}
		if err := c.startServer(); err != nil {
			return err
		}
	}
	if err := c.flushRemote(); err != nil {
		return err
	}
	if len(plain) > 0 {
		return cb.Decrypt(plain)
	}
	return nil
}

func (c *Codec) startServer() error {
	cfg, err := c.factory.ServerConfig(c.Host(), c.alpn)
	if err != nil {
		return err
	}
	c.server = NewServerEngine(cfg)
	c.waiting = false
	stash := c.stash
	c.stash = nil
	return c.feedServer(stash)
}

func (c *Codec) feedServer(b []byte) error {
	out, plain, err := c.server.Feed(b)
	if len(out) > 0 {
		if werr := c.toApp(out); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if c.server.Handshaken() {
		if err := c.flushApp(); err != nil {
			return err
		}
	}
	if len(plain) > 0 && c.decrypt != nil {
		return c.decrypt(plain)
	}
	return nil
}

// EncodeRequest encrypts plaintext for the real server.
func (c *Codec) EncodeRequest(b []byte) error {
	if !c.Intercepting() {
		return c.toRemote(b)
	}
	if !c.client.Handshaken() {
		c.toRemoteQueue = append(c.toRemoteQueue, append([]byte(nil), b...))
		return nil
	}
	out, err := c.client.Encrypt(b)
	if err != nil {
		return err
	}
	return c.toRemote(out)
}

// EncodeResponse encrypts plaintext for the app.
func (c *Codec) EncodeResponse(b []byte) error {
	if !c.Intercepting() {
		return c.toApp(b)
	}
	if c.server == nil || !c.server.Handshaken() {
		c.toAppQueue = append(c.toAppQueue, append([]byte(nil), b...))
		return nil
	}
	out, err := c.server.Encrypt(b)
	if err != nil {
		return err
	}
	return c.toApp(out)
}

func (c *Codec) flushRemote() error {
	queue := c.toRemoteQueue
	c.toRemoteQueue = nil
	for _, b := range queue {
		if err := c.EncodeRequest(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) flushApp() error {
	queue := c.toAppQueue
	c.toAppQueue = nil
	for _, b := range queue {
		if err := c.EncodeResponse(b); err != nil {
			return err
		}
	}
	return nil
}

// Close stops both engines.
func (c *Codec) Close() {
	if c.server != nil {
		c.server.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
}
