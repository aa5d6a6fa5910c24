package httpgw

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// MaxHeadSize bounds an HTTP/1 message head. A connection exceeding it is
// relayed untouched from then on.
const MaxHeadSize = 64 << 10

var headEnd = []byte("\r\n\r\n")

// headerParser separates HTTP/1 message heads from bodies and fills the
// exchange session from the heads of both protocols. HTTP/2 buffers arrive
// already separated by the frame decoder.
type headerParser struct{ g *Gateway }

func (p *headerParser) InterceptRequest(chain *RequestChain, buf []byte) error {
	req := chain.Subject()
	switch p.g.proto {
	case HTTP2:
		if req.part == PartHead {
			p.request(req, buf)
		} else if req.part == PartBody {
			req.session.RequestBody += int64(len(buf))
		}
		return chain.Process(buf)
	case HTTP1:
	default:
		return chain.Process(buf)
	}

	if req.headDone {
		req.part = PartBody
		req.session.RequestBody += int64(len(buf))
		return chain.Process(buf)
	}
	head, body, ok := p.separate(&req.headDone, buf, req.pending.Merge, req.pending.Pend)
	if !ok {
		return nil
	}
	if head != nil {
		p.request(req, head)
		req.part = PartHead
		if err := chain.Process(head); err != nil {
			return err
		}
	}
	if len(body) == 0 {
		return nil
	}
	req.part = PartBody
	req.session.RequestBody += int64(len(body))
	return chain.Process(body)
}

func (p *headerParser) InterceptResponse(chain *ResponseChain, buf []byte) error {
	res := chain.Subject()
	switch p.g.proto {
	case HTTP2:
		if res.part == PartHead {
			p.response(res, buf)
		} else if res.part == PartBody {
			res.session.ResponseBody += int64(len(buf))
		}
		return chain.Process(buf)
	case HTTP1:
	default:
		return chain.Process(buf)
	}

	for len(buf) > 0 {
		if res.headDone {
			res.part = PartBody
			res.session.ResponseBody += int64(len(buf))
			return chain.Process(buf)
		}
		head, rest, ok := p.separate(&res.headDone, buf, res.pending.Merge, res.pending.Pend)
		if !ok {
			return nil
		}
		if head == nil {
			// oversized head, relayed as body
			buf = rest
			continue
		}
		p.response(res, head)
		res.part = PartHead
		if err := chain.Process(head); err != nil {
			return err
		}
		if st := res.session.Status; st >= 100 && st < 200 && st != http.StatusSwitchingProtocols {
			// an interim response; the final head follows
			res.headDone = false
		}
		buf = rest
	}
	return nil
}

// separate splits buf, after anything pending, at the end of the message
// head. It reports false when the head is still incomplete. An oversized
// head ends separation for the message and is returned with the body.
func (p *headerParser) separate(done *bool, buf []byte, merge func([]byte) []byte, pend func([]byte)) (head, body []byte, ok bool) {
	buf = merge(buf)
	i := bytes.Index(buf, headEnd)
	if i < 0 {
		if len(buf) > MaxHeadSize {
			zap.S().Warnf("[%v] message head over %d bytes, not parsed", p.g.flow, MaxHeadSize)
			*done = true
			return nil, buf, true
		}
		pend(buf)
		return nil, nil, false
	}
	*done = true
	n := i + len(headEnd)
	return buf[:n], buf[n:], true
}

func (p *headerParser) request(req *Request, head []byte) {
	line, header, err := parseHead(head)
	if err != nil {
		zap.S().Debugf("[%v] %s: %v", p.g.flow, req.ID(), err)
		return
	}
	method, target, ok := strings.Cut(line, " ")
	if !ok {
		zap.S().Debugf("[%v] %s: malformed request line %q", p.g.flow, req.ID(), line)
		return
	}
	target, _, _ = strings.Cut(target, " ")

	s := req.session
	s.Method = method
	s.RequestHeader = header
	if h := header.Get("Host"); h != "" {
		s.Host = h
	} else if s.Host == "" {
		s.Host = p.g.host
	}
	if s.Host == "" {
		s.Host = req.IP().String()
	}
	scheme := "http"
	if s.HTTPS {
		scheme = "https"
	}
	switch {
	case method == http.MethodConnect && !strings.HasPrefix(target, "/"):
		s.URL = scheme + "://" + target
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		s.URL = target
		if i := strings.Index(target, "://"); i >= 0 {
			rest := target[i+3:]
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				s.Path = rest[j:]
			} else {
				s.Path = "/"
			}
		}
	default:
		s.Path = target
		s.URL = scheme + "://" + s.Host + target
	}
	zap.S().Debugf("[%v] %s %s %s", p.g.flow, req.ID(), s.Method, s.URL)
}

func (p *headerParser) response(res *Response, head []byte) {
	line, header, err := parseHead(head)
	if err != nil {
		zap.S().Debugf("[%v] %s: %v", p.g.flow, res.ID(), err)
		return
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		zap.S().Debugf("[%v] %s: malformed status line %q", p.g.flow, res.ID(), line)
		return
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		zap.S().Debugf("[%v] %s: bad status %q", p.g.flow, res.ID(), parts[1])
		return
	}
	s := res.session
	s.Status = status
	s.Reason = ""
	if len(parts) == 3 {
		s.Reason = parts[2]
	}
	s.ResponseHeader = header
	zap.S().Debugf("[%v] %s %d %s", p.g.flow, res.ID(), s.Status, s.URL)
}

// parseHead returns the start line and the fields of a message head.
func parseHead(head []byte) (string, http.Header, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := r.ReadLine()
	if err != nil {
		return "", nil, fmt.Errorf("read start line: %w", err)
	}
	mh, err := r.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return line, nil, fmt.Errorf("read header: %w", err)
	}
	return line, http.Header(mh), nil
}

func (p *headerParser) OnRequestFinished(*Request)   {}
func (p *headerParser) OnResponseFinished(*Response) {}
