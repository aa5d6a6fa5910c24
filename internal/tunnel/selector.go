// Package tunnel bridges OS sockets to a single event loop. Every callback of
// a Socket runs on the goroutine executing Selector.Run, so the state of the
// tunnels registered with one selector needs no locking.
package tunnel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed socket or selector.
var ErrClosed = errors.New("tunnel closed")

const eventQueueSize = 256

// ErrorHandler observes a flow-fatal error before the socket's OnClosed runs.
type ErrorHandler func(s *Socket, err error)

// Selector is the event loop of one proxy server.
type Selector struct {
	name    string
	events  chan func()
	done    chan struct{}
	once    sync.Once
	sockets map[*Socket]struct{}
	onError ErrorHandler
}

func NewSelector(name string, onError ErrorHandler) *Selector {
	return &Selector{
		name:    name,
		events:  make(chan func(), eventQueueSize),
		done:    make(chan struct{}),
		sockets: make(map[*Socket]struct{}),
		onError: onError,
	}
}

// Submit schedules fn on the loop. It reports false once the loop stopped.
func (s *Selector) Submit(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Run dispatches events until ctx is cancelled or Close is called. Sockets
// still registered when it returns are closed and their OnClosed fired.
func (s *Selector) Run(ctx context.Context) error {
	zap.S().Infof("[%s] selector started", s.name)
	defer func() {
		for sock := range s.sockets {
			sock.shutdown()
			sock.callback.OnClosed()
		}
		zap.S().Infof("[%s] selector stopped", s.name)
	}()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}

// Close stops the loop.
func (s *Selector) Close() {
	s.once.Do(func() { close(s.done) })
}

// Len is the number of open sockets. Only call it on the loop.
func (s *Selector) Len() int { return len(s.sockets) }

// invoke runs a callback and turns its error into a flow close.
func (s *Selector) invoke(sock *Socket, fn func() error) {
	if sock.closed {
		return
	}
	if err := fn(); err != nil {
		s.fail(sock, err)
	}
}

func (s *Selector) fail(sock *Socket, err error) {
	if sock.closed {
		return
	}
	if s.onError != nil {
		s.onError(sock, err)
	}
	sock.Close()
	sock.callback.OnClosed()
}

func (s *Selector) register(sock *Socket)   { s.sockets[sock] = struct{}{} }
func (s *Selector) unregister(sock *Socket) { delete(s.sockets, sock) }
