package gateway

import (
	"io"
	"net/netip"

	"baotun/internal/session"
)

// Request is the app-to-remote direction of a flow. Processing it writes to
// the remote socket.
type Request struct {
	Session *session.Session
	w       io.Writer
}

func NewRequest(s *session.Session, w io.Writer) *Request {
	return &Request{Session: s, w: w}
}

func (r *Request) Process(buf []byte) error {
	_, err := r.w.Write(buf)
	return err
}

func (r *Request) IP() netip.Addr             { return r.Session.RemoteIP }
func (r *Request) Port() uint16               { return r.Session.RemotePort }
func (r *Request) Protocol() session.Protocol { return r.Session.Protocol }
func (r *Request) UID() int                   { return r.Session.UID() }

// Response is the remote-to-app direction of a flow. Processing it writes to
// the app.
type Response struct {
	Session *session.Session
	w       io.Writer
}

func NewResponse(s *session.Session, w io.Writer) *Response {
	return &Response{Session: s, w: w}
}

func (r *Response) Process(buf []byte) error {
	_, err := r.w.Write(buf)
	return err
}

func (r *Response) IP() netip.Addr             { return r.Session.RemoteIP }
func (r *Response) Port() uint16               { return r.Session.RemotePort }
func (r *Response) Protocol() session.Protocol { return r.Session.Protocol }
func (r *Response) UID() int                   { return r.Session.UID() }

type (
	RequestChain  = Chain[*Request]
	ResponseChain = Chain[*Response]
)

// Interceptor is a stage of the raw byte pipeline. An implementation calls
// chain.Process to continue, chain.ProcessFinal to skip to the socket, or
// neither to drop or hold the bytes. Methods run on the proxy server's loop
// and must not block.
type Interceptor interface {
	InterceptRequest(chain *RequestChain, buf []byte) error
	InterceptResponse(chain *ResponseChain, buf []byte) error
	OnRequestFinished(req *Request)
	OnResponseFinished(res *Response)
}

// InterceptorFactory creates the per-flow instance of a stage.
type InterceptorFactory interface {
	Create() Interceptor
}

// InterceptorFactoryFunc adapts a function to InterceptorFactory.
type InterceptorFactoryFunc func() Interceptor

func (f InterceptorFactoryFunc) Create() Interceptor { return f() }
