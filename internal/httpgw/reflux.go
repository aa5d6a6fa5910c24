package httpgw

// reflux is the last stage. What the interceptors let through leaves towards
// its destination, encrypted with the matching TLS leg when the connection
// is decrypted.
type reflux struct{ g *Gateway }

func (r *reflux) InterceptRequest(chain *RequestChain, buf []byte) error {
	return r.g.refluxRequest(buf)
}

func (r *reflux) InterceptResponse(chain *ResponseChain, buf []byte) error {
	return r.g.refluxResponse(buf)
}

func (r *reflux) OnRequestFinished(*Request)   {}
func (r *reflux) OnResponseFinished(*Response) {}
