package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

const (
	// ReadBufferSize is the largest chunk a single socket read delivers.
	ReadBufferSize = 32 * 1024
	// HighWater is the queued byte count above which a socket reports
	// itself not writable.
	HighWater = 256 * 1024
)

// Callback receives the readiness events of a Socket on the selector loop.
// A returned error closes the socket as flow-fatal.
type Callback interface {
	OnConnected() error
	OnRead() error
	OnWrite() error
	OnClosed()
}

// Dialer opens the remote side of a flow.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Socket wraps one net.Conn. Reads and writes happen on helper goroutines;
// their results come back to the owner as events on the selector loop, so
// Read and Write never block the loop.
type Socket struct {
	sel      *Selector
	callback Callback
	conn     net.Conn
	name     string

	// loop-owned state
	inbox     [][]byte
	readErr   error
	interest  bool
	closed    bool
	connected bool

	arm  chan struct{}
	done chan struct{}

	mu       sync.Mutex
	queue    [][]byte
	shutWr   bool
	wake     chan struct{}
	queued   atomic.Int64
	stopOnce sync.Once
}

// NewSocket creates an unconnected socket owned by sel.
func NewSocket(sel *Selector, name string) *Socket {
	return &Socket{
		sel:      sel,
		name:     name,
		interest: true,
		arm:      make(chan struct{}, 1),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// SetCallback must be called before Open or Connect.
func (s *Socket) SetCallback(cb Callback) { s.callback = cb }

func (s *Socket) String() string { return s.name }

// Conn returns the underlying connection, nil until connected.
func (s *Socket) Conn() net.Conn { return s.conn }

func (s *Socket) Closed() bool { return s.closed }

func (s *Socket) Connected() bool { return s.connected }

// Open adopts an already connected conn, such as an accepted one, and fires
// OnConnected and OnWrite. Call it on the loop.
func (s *Socket) Open(conn net.Conn) {
	s.sel.register(s)
	s.established(conn)
}

// Connect dials address in the background and fires OnConnected and OnWrite
// on success. A dial error closes the socket. Call it on the loop.
func (s *Socket) Connect(ctx context.Context, d Dialer, network, address string) {
	s.sel.register(s)
	go func() {
		conn, err := d.DialContext(ctx, network, address)
		ok := s.sel.Submit(func() {
			if err != nil {
				s.sel.fail(s, err)
				return
			}
			if s.closed {
				conn.Close()
				return
			}
			s.established(conn)
		})
		if !ok && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Socket) established(conn net.Conn) {
	s.conn = conn
	s.connected = true
	go s.readLoop()
	go s.writeLoop()
	if s.interest {
		s.rearm()
	}
	s.sel.invoke(s, s.callback.OnConnected)
	s.sel.invoke(s, s.callback.OnWrite)
}

// Read copies the oldest delivered chunk into p without blocking. It returns
// 0, nil when nothing is buffered, and the read error once all data has been
// consumed. A chunk larger than p is consumed across calls.
func (s *Socket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(s.inbox) == 0 {
		return 0, s.readErr
	}
	n := copy(p, s.inbox[0])
	if n < len(s.inbox[0]) {
		s.inbox[0] = s.inbox[0][n:]
	} else {
		s.inbox[0] = nil
		s.inbox = s.inbox[1:]
	}
	if len(s.inbox) == 0 && s.readErr == nil && s.interest {
		s.rearm()
	}
	return n, nil
}

// Next pops the oldest delivered chunk without copying. It returns nil, nil
// when nothing is buffered, and the read error once all data has been taken.
func (s *Socket) Next() ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if len(s.inbox) == 0 {
		return nil, s.readErr
	}
	chunk := s.inbox[0]
	s.inbox[0] = nil
	s.inbox = s.inbox[1:]
	if len(s.inbox) == 0 && s.readErr == nil && s.interest {
		s.rearm()
	}
	return chunk, nil
}

// SetReadInterest pauses or resumes reading from the connection.
func (s *Socket) SetReadInterest(on bool) {
	if s.interest == on {
		return
	}
	s.interest = on
	if !on {
		select {
		case <-s.arm:
		default:
		}
		return
	}
	if s.connected && len(s.inbox) == 0 && s.readErr == nil {
		s.rearm()
	}
}

func (s *Socket) rearm() {
	select {
	case s.arm <- struct{}{}:
	default:
	}
}

func (s *Socket) readLoop() {
	for {
		select {
		case <-s.arm:
		case <-s.done:
			return
		}
		buf := make([]byte, ReadBufferSize)
		n, err := s.conn.Read(buf)
		chunk := buf[:n]
		ok := s.sel.Submit(func() {
			if s.closed {
				return
			}
			if n > 0 {
				s.inbox = append(s.inbox, chunk)
			}
			if err != nil {
				s.readErr = err
			}
			s.sel.invoke(s, s.callback.OnRead)
		})
		if !ok || err != nil {
			return
		}
	}
}

// Write queues a copy of b. It never blocks; callers use Writable to stop
// feeding a socket whose peer is slow.
func (s *Socket) Write(b []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.shutWr {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.queue = append(s.queue, append([]byte(nil), b...))
	s.mu.Unlock()
	s.queued.Add(int64(len(b)))
	s.notify()
	return len(b), nil
}

// Writable reports whether the write queue is below the high-water mark.
func (s *Socket) Writable() bool {
	return s.queued.Load() < HighWater
}

// Queued is the number of bytes waiting to be written.
func (s *Socket) Queued() int64 { return s.queued.Load() }

// ShutdownWrite half-closes the connection once queued data is flushed.
func (s *Socket) ShutdownWrite() {
	s.mu.Lock()
	s.shutWr = true
	s.mu.Unlock()
	s.notify()
}

func (s *Socket) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Socket) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				shut := s.shutWr
				s.mu.Unlock()
				if shut {
					closeWrite(s.conn)
				}
				break
			}
			b := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			_, err := s.conn.Write(b)
			left := s.queued.Add(-int64(len(b)))
			if err != nil {
				s.sel.Submit(func() { s.sel.fail(s, err) })
				return
			}
			if left == 0 {
				s.sel.Submit(func() {
					if !s.closed {
						s.sel.invoke(s, s.callback.OnWrite)
					}
				})
			}
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// Close releases the connection. It does not fire OnClosed. Call it on the
// loop.
func (s *Socket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.sel.unregister(s)
	s.shutdown()
}

func (s *Socket) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
