// Package httpgw is the gateway for TCP flows. It detects TLS and HTTP,
// decrypts through the mitm codec, splits HTTP/1 keep-alive connections and
// HTTP/2 streams into exchanges and hands message heads and bodies to HTTP
// interceptors before re-encrypting them.
package httpgw

import (
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"baotun/internal/gateway"
	"baotun/internal/session"

	"github.com/google/uuid"
)

// Protocol is the application protocol of a connection.
type Protocol string

const (
	ProtocolUnknown Protocol = ""
	HTTP1           Protocol = "http/1.1"
	HTTP2           Protocol = "h2"
)

// Part says what a buffer handed to an interceptor holds.
type Part int

const (
	PartHead Part = iota
	PartBody
	PartTrailers
)

func (p Part) String() string {
	switch p {
	case PartHead:
		return "head"
	case PartBody:
		return "body"
	case PartTrailers:
		return "trailers"
	}
	return fmt.Sprintf("part(%d)", int(p))
}

// ID names one exchange. HTTP/2 exchanges carry their stream.
type ID struct {
	UUID     string
	StreamID uint32
}

func newID(stream uint32) ID {
	return ID{UUID: uuid.NewString(), StreamID: stream}
}

func (id ID) String() string {
	if id.StreamID == 0 {
		return id.UUID
	}
	return fmt.Sprintf("%s#%d", id.UUID, id.StreamID)
}

// Session is the state of one exchange shared by its request and response.
// Fields are written by the header parser and read by interceptors further
// down the chain.
type Session struct {
	ID       ID
	HTTPS    bool
	Protocol Protocol
	Host     string
	Created  time.Time

	Method         string
	Path           string
	URL            string
	RequestHeader  http.Header
	Status         int
	Reason         string
	ResponseHeader http.Header

	RequestBody  int64
	ResponseBody int64
}

func newSession(id ID, https bool, proto Protocol, host string) *Session {
	return &Session{
		ID:       id,
		HTTPS:    https,
		Protocol: proto,
		Host:     host,
		Created:  time.Now(),
	}
}

// Request is the app-to-server side of an exchange.
type Request struct {
	raw     *gateway.Request
	session *Session
	part    Part

	// header separation state of HTTP/1
	headDone bool
	pending  gateway.Pending
	finished bool
}

// Process writes b to the real server as it is.
func (r *Request) Process(b []byte) error { return r.raw.Process(b) }

func (r *Request) ID() ID                 { return r.session.ID }
func (r *Request) Session() *Session      { return r.session }
func (r *Request) Flow() *session.Session { return r.raw.Session }
func (r *Request) IP() netip.Addr         { return r.raw.IP() }
func (r *Request) Port() uint16           { return r.raw.Port() }
func (r *Request) UID() int               { return r.raw.UID() }
func (r *Request) Part() Part             { return r.part }
func (r *Request) HTTPS() bool            { return r.session.HTTPS }
func (r *Request) Protocol() Protocol     { return r.session.Protocol }
func (r *Request) Method() string         { return r.session.Method }
func (r *Request) URL() string            { return r.session.URL }
func (r *Request) Host() string           { return r.session.Host }
func (r *Request) Header() http.Header    { return r.session.RequestHeader }
func (r *Request) StreamID() uint32       { return r.session.ID.StreamID }

// Response is the server-to-app side of an exchange.
type Response struct {
	raw     *gateway.Response
	session *Session
	part    Part

	headDone bool
	pending  gateway.Pending
	finished bool
}

// Process writes b to the app as it is.
func (r *Response) Process(b []byte) error { return r.raw.Process(b) }

func (r *Response) ID() ID                 { return r.session.ID }
func (r *Response) Session() *Session      { return r.session }
func (r *Response) Flow() *session.Session { return r.raw.Session }
func (r *Response) IP() netip.Addr         { return r.raw.IP() }
func (r *Response) Port() uint16           { return r.raw.Port() }
func (r *Response) UID() int               { return r.raw.UID() }
func (r *Response) Part() Part             { return r.part }
func (r *Response) HTTPS() bool            { return r.session.HTTPS }
func (r *Response) Protocol() Protocol     { return r.session.Protocol }
func (r *Response) Method() string         { return r.session.Method }
func (r *Response) URL() string            { return r.session.URL }
func (r *Response) Status() int            { return r.session.Status }
func (r *Response) Header() http.Header    { return r.session.ResponseHeader }
func (r *Response) StreamID() uint32       { return r.session.ID.StreamID }

type (
	RequestChain  = gateway.Chain[*Request]
	ResponseChain = gateway.Chain[*Response]
)

// Interceptor is a stage of the HTTP pipeline. It follows the contract of
// gateway.Interceptor over HTTP subjects. Buffers below the header parser
// are a complete message head, a body chunk or a trailer block; Part tells
// which.
type Interceptor interface {
	InterceptRequest(chain *RequestChain, buf []byte) error
	InterceptResponse(chain *ResponseChain, buf []byte) error
	OnRequestFinished(req *Request)
	OnResponseFinished(res *Response)
}

// InterceptorFactory creates the per-connection instance of a stage.
type InterceptorFactory interface {
	Create() Interceptor
}

type InterceptorFactoryFunc func() Interceptor

func (f InterceptorFactoryFunc) Create() Interceptor { return f() }
