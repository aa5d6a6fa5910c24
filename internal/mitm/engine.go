package mitm

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrClientRejected means the intercepted app refused the handshake,
	// usually because it does not trust the local CA.
	ErrClientRejected = errors.New("mitm: client rejected the handshake")
	// ErrHandshakePending is returned when plaintext is encrypted before the
	// handshake finished.
	ErrHandshakePending = errors.New("mitm: handshake not complete")
	ErrEngineClosed     = errors.New("mitm: engine closed")
)

// HandshakeError is a failed handshake on one leg. A failure on the server
// leg matches ErrClientRejected.
type HandshakeError struct {
	Role Role
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake: %v", e.Role, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool {
	return target == ErrClientRejected && e.Role == RoleServer
}

// Engine drives a crypto/tls connection from byte buffers instead of a
// socket. The connection runs on its own goroutine over an in-memory pipe;
// Feed hands it ciphertext and waits until it parks for more input, then
// returns whatever it wrote and decrypted meanwhile.
type Engine struct {
	role Role
	conn *tls.Conn
	p    *pipe

	started    bool
	handshaken bool
	state      tls.ConnectionState
}

func NewServerEngine(cfg *tls.Config) *Engine {
	p := newPipe()
	return &Engine{role: RoleServer, p: p, conn: tls.Server(p, cfg)}
}

func NewClientEngine(cfg *tls.Config) *Engine {
	p := newPipe()
	return &Engine{role: RoleClient, p: p, conn: tls.Client(p, cfg)}
}

func (e *Engine) Role() Role { return e.role }

// Feed passes ciphertext to the engine. out is ciphertext for the peer,
// plain is decrypted application data. A nil b only starts the engine,
// which for the client role produces the ClientHello.
func (e *Engine) Feed(b []byte) (out, plain []byte, err error) {
	p := e.p
	p.mu.Lock()
	if p.done {
		err = p.err
		p.mu.Unlock()
		return nil, nil, err
	}
	p.in = append(p.in, b...)
	p.parked = false
	p.cond.Broadcast()
	p.mu.Unlock()

	if !e.started {
		e.started = true
		go e.run()
	}
	return e.settle()
}

func (e *Engine) settle() (out, plain []byte, err error) {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done && !(p.parked && len(p.in) == 0) {
		p.cond.Wait()
	}
	out, p.out = p.out, nil
	plain, p.plain = p.plain, nil
	if p.done {
		err = p.err
	}
	return out, plain, err
}

func (e *Engine) run() {
	err := e.conn.Handshake()
	if err != nil {
		e.p.finish(&HandshakeError{Role: e.role, Err: err})
		return
	}
	state := e.conn.ConnectionState()
	e.p.mu.Lock()
	e.handshaken = true
	e.state = state
	e.p.mu.Unlock()

	buf := make([]byte, 16*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.p.mu.Lock()
			e.p.plain = append(e.p.plain, buf[:n]...)
			e.p.mu.Unlock()
		}
		if err != nil {
			e.p.finish(err)
			return
		}
	}
}

// Handshaken reports whether the handshake completed.
func (e *Engine) Handshaken() bool {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.handshaken
}

// NegotiatedProtocol is the ALPN result, empty before the handshake
// completes or when none was agreed.
func (e *Engine) NegotiatedProtocol() string {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.state.NegotiatedProtocol
}

// Encrypt seals plaintext for the peer.
func (e *Engine) Encrypt(b []byte) ([]byte, error) {
	if !e.Handshaken() {
		return nil, ErrHandshakePending
	}
	if e.Done() {
		return nil, ErrEngineClosed
	}
	if _, err := e.conn.Write(b); err != nil {
		return nil, err
	}
	e.p.mu.Lock()
	out := e.p.out
	e.p.out = nil
	e.p.mu.Unlock()
	return out, nil
}

// Done reports whether the connection stopped, by error, by the peer's
// close_notify or by Close.
func (e *Engine) Done() bool {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.done
}

// Close stops the engine goroutine.
func (e *Engine) Close() {
	e.p.Close()
}

// pipe is the net.Conn under an Engine.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	in    []byte
	out   []byte
	plain []byte

	parked bool
	closed bool
	done   bool
	err    error
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 && !p.closed {
		p.parked = true
		p.cond.Broadcast()
		p.cond.Wait()
	}
	p.parked = false
	if len(p.in) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	return len(b), nil
}

func (p *pipe) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	if err != nil && !p.closed && !errors.Is(err, io.EOF) {
		p.err = err
	}
	p.cond.Broadcast()
}

func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

func (p *pipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "mitm" }
func (pipeAddr) String() string  { return "mitm" }
