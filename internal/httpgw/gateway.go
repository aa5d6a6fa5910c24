package httpgw

import (
	"baotun/internal/gateway"
	"baotun/internal/mitm"
	"baotun/internal/session"

	"go.uber.org/zap"
)

// Config is shared by the gateways of every TCP flow.
type Config struct {
	// Factory issues certificates. Without one nothing is decrypted.
	Factory *mitm.Factory
	Bypass  *mitm.BypassSet
	// HTTP2 offers h2 upstream; when off connections fall back to HTTP/1.
	HTTP2        bool
	Interceptors []InterceptorFactory
}

// NewFactory returns the gateway factory for TCP flows.
func NewFactory(cfg Config) gateway.Factory {
	return gateway.FactoryFunc(func(s *session.Session, req *gateway.Request, res *gateway.Response) gateway.VirtualGateway {
		return New(cfg, s, req, res)
	})
}

type exchange struct {
	req *Request
	res *Response
}

// Gateway runs one TCP connection through the HTTP pipeline:
//
//	sniff, TLS codec, h2 decode, keep-alive split, header parse,
//	interceptors, h2 encode, reflux
//
// Plaintext leaving the interceptors is encrypted again by the reflux stage
// with the leg facing its destination.
type Gateway struct {
	cfg  Config
	flow *session.Session

	rawReq *gateway.Request
	rawRes *gateway.Response

	request  *Request
	response *Response

	stages    []Interceptor
	splitFrom int
	// first stage that sees per-stream exchanges
	streamFrom int

	https  bool
	opaque bool
	proto  Protocol
	host   string

	codec   *mitm.Codec
	h2      *h2conn
	streams map[uint32]*exchange

	requestFinished  bool
	responseFinished bool
}

func New(cfg Config, s *session.Session, req *gateway.Request, res *gateway.Response) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		flow:    s,
		rawReq:  req,
		rawRes:  res,
		streams: make(map[uint32]*exchange),
	}
	g.request, g.response = g.newExchange(0)

	g.stages = []Interceptor{
		gateway.NewIndexed[*Request, *Response](&sniffer{g: g}),
		&tlsStage{g: g},
		&h2Decoder{g: g},
	}
	g.streamFrom = len(g.stages)
	g.splitFrom = len(g.stages)
	g.stages = append(g.stages, &splitter{g: g}, &headerParser{g: g})
	for _, f := range cfg.Interceptors {
		g.stages = append(g.stages, f.Create())
	}
	g.stages = append(g.stages, &h2Encoder{g: g}, &reflux{g: g})
	return g
}

func (g *Gateway) newExchange(stream uint32) (*Request, *Response) {
	s := newSession(newID(stream), g.https, g.proto, g.host)
	return &Request{raw: g.rawReq, session: s}, &Response{raw: g.rawRes, session: s}
}

func (g *Gateway) OnRequest(buf []byte) error {
	return gateway.NewChain(g.request, len(g.stages), g.dispatchRequest).Process(buf)
}

func (g *Gateway) OnResponse(buf []byte) error {
	return gateway.NewChain(g.response, len(g.stages), g.dispatchResponse).Process(buf)
}

func (g *Gateway) dispatchRequest(i int, next *RequestChain, buf []byte) error {
	return g.stages[i].InterceptRequest(next, buf)
}

func (g *Gateway) dispatchResponse(i int, next *ResponseChain, buf []byte) error {
	return g.stages[i].InterceptResponse(next, buf)
}

func (g *Gateway) OnRequestFinished() {
	for _, st := range g.stages[:g.streamFrom] {
		st.OnRequestFinished(g.request)
	}
	if g.proto == HTTP2 || g.opaque {
		// nothing reached the exchange stages
		g.request.finished = true
	}
	g.finishRequest(g.request, g.streamFrom)
	for _, ex := range g.streams {
		g.finishRequest(ex.req, g.streamFrom)
	}
	g.requestFinished = true
	g.release()
}

func (g *Gateway) OnResponseFinished() {
	for _, st := range g.stages[:g.streamFrom] {
		st.OnResponseFinished(g.response)
	}
	if g.proto == HTTP2 || g.opaque {
		g.response.finished = true
	}
	g.finishResponse(g.response, g.streamFrom)
	for id, ex := range g.streams {
		g.finishResponse(ex.res, g.streamFrom)
		delete(g.streams, id)
	}
	g.responseFinished = true
	g.release()
}

func (g *Gateway) release() {
	if g.requestFinished && g.responseFinished && g.codec != nil {
		g.codec.Close()
	}
}

func (g *Gateway) finishRequest(req *Request, from int) {
	if req.finished {
		return
	}
	req.finished = true
	for _, st := range g.stages[from:] {
		st.OnRequestFinished(req)
	}
}

func (g *Gateway) finishResponse(res *Response, from int) {
	if res.finished {
		return
	}
	res.finished = true
	for _, st := range g.stages[from:] {
		st.OnResponseFinished(res)
	}
}

// split ends the current HTTP/1 exchange for the stages from the splitter
// on and starts the next one on the same connection.
func (g *Gateway) split() *Request {
	g.finishRequest(g.request, g.splitFrom)
	g.finishResponse(g.response, g.splitFrom)
	g.request, g.response = g.newExchange(0)
	zap.S().Debugf("[%v] next exchange %s on the connection", g.flow, g.request.ID())
	return g.request
}

// stream returns the exchange of an HTTP/2 stream, starting it on first use.
func (g *Gateway) stream(id uint32) *exchange {
	if ex, ok := g.streams[id]; ok {
		return ex
	}
	req, res := g.newExchange(id)
	ex := &exchange{req: req, res: res}
	g.streams[id] = ex
	return ex
}

// finishStream completes an HTTP/2 exchange once its response ended.
func (g *Gateway) finishStream(id uint32) {
	ex, ok := g.streams[id]
	if !ok {
		return
	}
	delete(g.streams, id)
	g.finishRequest(ex.req, g.streamFrom)
	g.finishResponse(ex.res, g.streamFrom)
}

func (g *Gateway) setHTTPS(host string) {
	g.https = true
	if host != "" {
		g.setHost(host)
	}
	g.request.session.HTTPS = true
}

func (g *Gateway) setHost(host string) {
	g.host = host
	if g.request.session.Host == "" {
		g.request.session.Host = host
	}
}

func (g *Gateway) setProtocol(p Protocol) {
	g.proto = p
	g.request.session.Protocol = p
}

func (g *Gateway) h2conn() *h2conn {
	if g.h2 == nil {
		g.h2 = newH2Conn(g)
	}
	return g.h2
}

func (g *Gateway) ensureCodec() *mitm.Codec {
	if g.codec != nil {
		return g.codec
	}
	g.codec = mitm.NewCodec(g.cfg.Factory, g.cfg.Bypass, g.flow.RemoteIP, g.rawRes.Process, g.rawReq.Process)
	if !g.cfg.HTTP2 {
		g.codec.Offer("http/1.1")
	}
	g.codec.OnALPN(func(alpn string) {
		g.setHost(g.codec.Host())
		if alpn == string(HTTP2) {
			g.setProtocol(HTTP2)
		} else {
			g.setProtocol(HTTP1)
		}
	})
	return g.codec
}

// intercepting reports whether plaintext must be encrypted before it leaves.
func (g *Gateway) intercepting() bool {
	return g.codec != nil && g.codec.Intercepting()
}

func (g *Gateway) refluxRequest(b []byte) error {
	if g.intercepting() {
		return g.codec.EncodeRequest(b)
	}
	return g.rawReq.Process(b)
}

func (g *Gateway) refluxResponse(b []byte) error {
	if g.intercepting() {
		return g.codec.EncodeResponse(b)
	}
	return g.rawRes.Process(b)
}
