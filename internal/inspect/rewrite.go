// Package inspect holds the HTTP interceptors shipped with the engine: a
// request header rewriter and a capture observer.
package inspect

import (
	"bytes"
	"net/textproto"
	"strings"

	"baotun/internal/httpgw"
)

// DefaultRemove are the proxy headers some clients leak into requests. They
// concern a single hop and must not reach the real server.
var DefaultRemove = []string{
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

// HeaderRules edit the head of every decoded request.
type HeaderRules struct {
	Remove []string
	// Set replaces or adds fields, in the given order.
	Set []Header
}

type Header struct {
	Name  string
	Value string
}

func (r HeaderRules) empty() bool { return len(r.Remove) == 0 && len(r.Set) == 0 }

// NewHeaderRewriter returns the factory of a stage applying rules to request
// heads of both HTTP versions.
func NewHeaderRewriter(rules HeaderRules) httpgw.InterceptorFactory {
	drop := make(map[string]bool, len(rules.Remove)+len(rules.Set))
	for _, name := range rules.Remove {
		drop[textproto.CanonicalMIMEHeaderKey(name)] = true
	}
	for _, h := range rules.Set {
		drop[textproto.CanonicalMIMEHeaderKey(h.Name)] = true
	}
	rw := &rewriter{rules: rules, drop: drop}
	return httpgw.InterceptorFactoryFunc(func() httpgw.Interceptor { return rw })
}

// rewriter has no per-connection state, so one instance serves every flow.
type rewriter struct {
	rules HeaderRules
	drop  map[string]bool
}

var crlf = []byte("\r\n")

func (r *rewriter) InterceptRequest(chain *httpgw.RequestChain, buf []byte) error {
	req := chain.Subject()
	if r.rules.empty() || req.Part() != httpgw.PartHead {
		return chain.Process(buf)
	}
	return chain.Process(r.rewrite(req, buf))
}

// rewrite edits a rendered message head. The start line is kept; fields are
// dropped by name and the set fields appended before the blank line.
func (r *rewriter) rewrite(req *httpgw.Request, head []byte) []byte {
	lines := bytes.Split(bytes.TrimSuffix(head, []byte("\r\n\r\n")), crlf)
	if len(lines) == 0 {
		return head
	}
	lower := req.Protocol() == httpgw.HTTP2

	out := make([]byte, 0, len(head)+64)
	out = append(out, lines[0]...)
	out = append(out, crlf...)
	for _, line := range lines[1:] {
		name, _, ok := bytes.Cut(line, []byte(":"))
		if ok && r.drop[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(name)))] {
			continue
		}
		out = append(out, line...)
		out = append(out, crlf...)
	}
	for _, h := range r.rules.Set {
		name := h.Name
		if lower {
			name = strings.ToLower(name)
		}
		out = append(out, name+": "+h.Value...)
		out = append(out, crlf...)
	}
	out = append(out, crlf...)

	hdr := req.Header()
	if hdr != nil {
		for name := range r.drop {
			hdr.Del(name)
		}
		for _, h := range r.rules.Set {
			hdr.Set(h.Name, h.Value)
		}
	}
	return out
}

func (r *rewriter) InterceptResponse(chain *httpgw.ResponseChain, buf []byte) error {
	return chain.Process(buf)
}

func (r *rewriter) OnRequestFinished(*httpgw.Request)   {}
func (r *rewriter) OnResponseFinished(*httpgw.Response) {}
