package httpgw

import (
	"fmt"

	"baotun/pkg/http2"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// h2conn is the HTTP/2 state of one connection: a decoder and an encoder per
// direction. Decoded header blocks travel down the chain as text and are
// encoded again before reflux, so each encoder owns the HPACK context its
// peer sees.
type h2conn struct {
	g *Gateway

	reqDecoder *http2.Decoder
	resDecoder *http2.Decoder
	reqEncoder *http2.Encoder
	resEncoder *http2.Encoder

	reqFrames *requestFrames
	resFrames *responseFrames

	// streams whose trailer block already carried END_STREAM
	reqEnded map[uint32]bool
	resEnded map[uint32]bool
}

func newH2Conn(g *Gateway) *h2conn {
	h := &h2conn{
		g:          g,
		reqEncoder: http2.NewEncoder(),
		resEncoder: http2.NewEncoder(),
		reqEnded:   make(map[uint32]bool),
		resEnded:   make(map[uint32]bool),
	}
	h.reqFrames = &requestFrames{h: h}
	h.resFrames = &responseFrames{h: h}
	h.reqDecoder = http2.NewPrefaceDecoder(h.reqFrames)
	h.resDecoder = http2.NewDecoder(h.resFrames)
	return h
}

// apply honours the SETTINGS a peer sent. They bound what the other side
// sends to that peer, which is the opposite direction's decoder and what we
// encode towards that peer.
func apply(s *http2.Settings, dec *http2.Decoder, enc *http2.Encoder) {
	if n := s.HeaderTableSize(); n >= 0 {
		dec.SetMaxDynamicTableSize(uint32(n))
		enc.SetMaxDynamicTableSize(uint32(n))
	}
	if s.IsSet(http2.SettingMaxFrameSize) {
		n := s.MaxFrameSize(http2.InitialMaxFrameSize)
		dec.SetMaxFrameSize(n)
		enc.SetMaxFrameSize(n)
	}
}

func isEndStream(frame []byte) bool {
	h := http2.ParseFrameHeader(frame)
	return h.Type == xhttp2.FrameData && h.Length == 0 && h.Has(xhttp2.FlagDataEndStream)
}

type requestFrames struct {
	h     *h2conn
	chain *RequestChain
}

func (f *requestFrames) OnHeaders(id uint32, fields []hpack.HeaderField, trailer bool) error {
	req := f.h.g.stream(id).req
	req.part = PartHead
	if trailer {
		req.part = PartTrailers
	}
	return f.chain.Fork(req).WithTag(req.part).Process(http2.RenderHeaders(fields, true, trailer))
}

func (f *requestFrames) OnData(id uint32, data []byte) error {
	req := f.h.g.stream(id).req
	req.part = PartBody
	return f.chain.Fork(req).WithTag(PartBody).Process(data)
}

func (f *requestFrames) OnSkip(frame []byte) error {
	if isEndStream(frame) {
		id := http2.ParseFrameHeader(frame).StreamID
		if f.h.reqEnded[id] {
			delete(f.h.reqEnded, id)
			return nil
		}
	}
	return f.h.g.refluxRequest(frame)
}

func (f *requestFrames) OnSettings(s *http2.Settings) {
	apply(s, f.h.resDecoder, f.h.resEncoder)
}

type responseFrames struct {
	h     *h2conn
	chain *ResponseChain
}

func (f *responseFrames) OnHeaders(id uint32, fields []hpack.HeaderField, trailer bool) error {
	res := f.h.g.stream(id).res
	res.part = PartHead
	if trailer {
		res.part = PartTrailers
	}
	return f.chain.Fork(res).WithTag(res.part).Process(http2.RenderHeaders(fields, false, trailer))
}

func (f *responseFrames) OnData(id uint32, data []byte) error {
	res := f.h.g.stream(id).res
	res.part = PartBody
	return f.chain.Fork(res).WithTag(PartBody).Process(data)
}

func (f *responseFrames) OnSkip(frame []byte) error {
	if !isEndStream(frame) {
		return f.h.g.refluxResponse(frame)
	}
	id := http2.ParseFrameHeader(frame).StreamID
	if f.h.resEnded[id] {
		delete(f.h.resEnded, id)
	} else if err := f.h.g.refluxResponse(frame); err != nil {
		return err
	}
	f.h.g.finishStream(id)
	return nil
}

func (f *responseFrames) OnSettings(s *http2.Settings) {
	apply(s, f.h.reqDecoder, f.h.reqEncoder)
}

// h2Decoder splits decrypted HTTP/2 bytes into per-stream exchanges.
type h2Decoder struct{ g *Gateway }

func (d *h2Decoder) InterceptRequest(chain *RequestChain, buf []byte) error {
	if d.g.proto != HTTP2 {
		return chain.Process(buf)
	}
	h := d.g.h2conn()
	h.reqFrames.chain = chain
	if err := h.reqDecoder.Decode(buf); err != nil {
		return fmt.Errorf("decode h2 request: %w", err)
	}
	return nil
}

func (d *h2Decoder) InterceptResponse(chain *ResponseChain, buf []byte) error {
	if d.g.proto != HTTP2 {
		return chain.Process(buf)
	}
	h := d.g.h2conn()
	h.resFrames.chain = chain
	if err := h.resDecoder.Decode(buf); err != nil {
		return fmt.Errorf("decode h2 response: %w", err)
	}
	return nil
}

func (d *h2Decoder) OnRequestFinished(*Request)   {}
func (d *h2Decoder) OnResponseFinished(*Response) {}

// h2Encoder frames what the interceptors let through.
type h2Encoder struct{ g *Gateway }

func (e *h2Encoder) InterceptRequest(chain *RequestChain, buf []byte) error {
	req := chain.Subject()
	if e.g.proto != HTTP2 || req.StreamID() == 0 {
		return chain.Process(buf)
	}
	h := e.g.h2conn()
	part := taggedPart(chain.Tag(), req.part)
	frames, err := encode(h.reqEncoder, req.StreamID(), part, buf, true)
	if err != nil {
		return fmt.Errorf("encode h2 request: %w", err)
	}
	if part == PartTrailers {
		h.reqEnded[req.StreamID()] = true
	}
	if len(frames) == 0 {
		return nil
	}
	return chain.Process(frames)
}

func (e *h2Encoder) InterceptResponse(chain *ResponseChain, buf []byte) error {
	res := chain.Subject()
	if e.g.proto != HTTP2 || res.StreamID() == 0 {
		return chain.Process(buf)
	}
	h := e.g.h2conn()
	part := taggedPart(chain.Tag(), res.part)
	frames, err := encode(h.resEncoder, res.StreamID(), part, buf, false)
	if err != nil {
		return fmt.Errorf("encode h2 response: %w", err)
	}
	if part == PartTrailers {
		h.resEnded[res.StreamID()] = true
	}
	if len(frames) == 0 {
		return nil
	}
	return chain.Process(frames)
}

func (e *h2Encoder) OnRequestFinished(*Request)   {}
func (e *h2Encoder) OnResponseFinished(*Response) {}

// taggedPart is the part the decoder tagged a stream chain with. A chain an
// interceptor held and resumed later keeps the part it was decoded as, even
// after the stream moved on.
func taggedPart(tag any, current Part) Part {
	if p, ok := tag.(Part); ok {
		return p
	}
	return current
}

func encode(enc *http2.Encoder, id uint32, part Part, buf []byte, request bool) ([]byte, error) {
	switch part {
	case PartHead, PartTrailers:
		trailer := part == PartTrailers
		fields, err := http2.ParseHeaders(buf, request, trailer)
		if err != nil {
			return nil, err
		}
		return enc.EncodeHeaders(id, fields, trailer)
	default:
		if len(buf) == 0 {
			return nil, nil
		}
		return enc.EncodeData(id, buf, false)
	}
}
