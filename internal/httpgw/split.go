package httpgw

// splitter separates the exchanges of a keep-alive HTTP/1 connection. A
// request line arriving after the previous response started opens a new
// exchange; interim 1xx responses do not count.
type splitter struct {
	g       *Gateway
	current *Response
}

func (s *splitter) InterceptRequest(chain *RequestChain, buf []byte) error {
	if s.g.proto == HTTP1 && s.current != nil && s.current == s.g.response &&
		s.final(s.current) && isMethod(buf) {
		chain.Update(s.g.split())
		s.current = nil
	}
	return chain.Process(buf)
}

func (s *splitter) InterceptResponse(chain *ResponseChain, buf []byte) error {
	if chain.Subject().StreamID() == 0 {
		s.current = chain.Subject()
	}
	return chain.Process(buf)
}

func (s *splitter) final(res *Response) bool {
	st := res.session.Status
	return st == 0 || st >= 200
}

func (s *splitter) OnRequestFinished(*Request)   {}
func (s *splitter) OnResponseFinished(*Response) {}
