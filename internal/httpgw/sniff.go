package httpgw

import (
	"bytes"

	"baotun/internal/gateway"
	"baotun/internal/mitm"
	"baotun/pkg/http2"

	"go.uber.org/zap"
)

var methods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("HEAD "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("TRACE "),
	[]byte("CONNECT "),
}

// longest method token with its space
const sniffLength = 8

var prefacePrefix = []byte(http2.Preface[:4])

// sniffer decides from the first bytes of a connection whether it carries
// TLS, HTTP or something else. Anything else is relayed untouched for the
// rest of the connection.
type sniffer struct {
	g       *Gateway
	decided bool
	pending gateway.Pending
}

func (s *sniffer) InterceptRequestAt(chain *RequestChain, buf []byte, index int) error {
	if s.g.opaque {
		return chain.ProcessFinal(buf)
	}
	if s.decided {
		return chain.Process(buf)
	}
	buf = s.pending.Merge(buf)
	switch {
	case mitm.IsHandshake(buf):
		s.g.setHTTPS("")
	case bytes.HasPrefix(buf, prefacePrefix):
		// h2 with prior knowledge
		s.g.setProtocol(HTTP2)
	case isMethod(buf):
		s.g.setProtocol(HTTP1)
	case len(buf) < sniffLength && couldBeHTTP(buf):
		s.pending.Pend(buf)
		return nil
	default:
		zap.S().Debugf("[%v] not http after %d buffers, relay as is", s.g.flow, index+1)
		s.g.opaque = true
		s.decided = true
		return chain.ProcessFinal(buf)
	}
	s.decided = true
	return chain.Process(buf)
}

func (s *sniffer) InterceptResponseAt(chain *ResponseChain, buf []byte, index int) error {
	if s.g.opaque {
		return chain.ProcessFinal(buf)
	}
	if !s.decided && index == 0 {
		zap.S().Debugf("[%v] server speaks first, relay as is", s.g.flow)
		s.g.opaque = true
		s.decided = true
		if held := s.pending.Merge(nil); len(held) > 0 {
			if err := s.g.rawReq.Process(held); err != nil {
				return err
			}
		}
		return chain.ProcessFinal(buf)
	}
	return chain.Process(buf)
}

func (s *sniffer) OnRequestFinished(*Request) {
	if held := s.pending.Merge(nil); len(held) > 0 && !s.g.opaque {
		// the app closed mid token; the server still gets what it sent
		_ = s.g.rawReq.Process(held)
	}
}

func (s *sniffer) OnResponseFinished(*Response) {}

func isMethod(b []byte) bool {
	for _, m := range methods {
		if bytes.HasPrefix(b, m) {
			return true
		}
	}
	return false
}

// couldBeHTTP reports whether b may still grow into a method token, the h2
// preface or a TLS record header.
func couldBeHTTP(b []byte) bool {
	if len(b) < 3 && len(b) > 0 && b[0] == mitm.ContentHandshake {
		return true
	}
	if bytes.HasPrefix(prefacePrefix, b) {
		return true
	}
	for _, m := range methods {
		if bytes.HasPrefix(m, b) {
			return true
		}
	}
	return false
}
