package gateway

import (
	"baotun/internal/session"
)

// VirtualGateway consumes the bytes of one flow in both directions. Each
// finished callback fires exactly once per flow.
type VirtualGateway interface {
	OnRequest(buf []byte) error
	OnResponse(buf []byte) error
	OnRequestFinished()
	OnResponseFinished()
}

// Factory builds the gateway of a new flow. req writes to the remote side,
// res writes to the app.
type Factory interface {
	Create(s *session.Session, req *Request, res *Response) VirtualGateway
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(s *session.Session, req *Request, res *Response) VirtualGateway

func (f FactoryFunc) Create(s *session.Session, req *Request, res *Response) VirtualGateway {
	return f(s, req, res)
}

// Default runs every buffer through a fixed list of interceptors, in order.
// Without interceptors it relays bytes untouched.
type Default struct {
	req          *Request
	res          *Response
	interceptors []Interceptor
}

func NewDefault(req *Request, res *Response, interceptors []Interceptor) *Default {
	return &Default{req: req, res: res, interceptors: interceptors}
}

func (g *Default) OnRequest(buf []byte) error {
	return NewChain(g.req, len(g.interceptors), g.request).Process(buf)
}

func (g *Default) OnResponse(buf []byte) error {
	return NewChain(g.res, len(g.interceptors), g.response).Process(buf)
}

func (g *Default) OnRequestFinished() {
	for _, i := range g.interceptors {
		i.OnRequestFinished(g.req)
	}
}

func (g *Default) OnResponseFinished() {
	for _, i := range g.interceptors {
		i.OnResponseFinished(g.res)
	}
}

func (g *Default) request(index int, next *RequestChain, buf []byte) error {
	return g.interceptors[index].InterceptRequest(next, buf)
}

func (g *Default) response(index int, next *ResponseChain, buf []byte) error {
	return g.interceptors[index].InterceptResponse(next, buf)
}

// NewFactory returns a Factory that gives every flow fresh instances of the
// interceptors made by factories.
func NewFactory(factories ...InterceptorFactory) Factory {
	return FactoryFunc(func(s *session.Session, req *Request, res *Response) VirtualGateway {
		interceptors := make([]Interceptor, 0, len(factories))
		for _, f := range factories {
			interceptors = append(interceptors, f.Create())
		}
		return NewDefault(req, res, interceptors)
	})
}

// ByProtocol picks a Factory by the transport of the flow. A nil entry
// relays that transport untouched.
type ByProtocol struct {
	TCP Factory
	UDP Factory
}

func (b ByProtocol) Create(s *session.Session, req *Request, res *Response) VirtualGateway {
	var f Factory
	switch s.Protocol {
	case session.TCP:
		f = b.TCP
	case session.UDP:
		f = b.UDP
	}
	if f == nil {
		return NewDefault(req, res, nil)
	}
	return f.Create(s, req, res)
}
