package gateway

// IndexedHandler is an interceptor that wants to know how many buffers of
// the current direction it has already seen.
type IndexedHandler[Req, Res Subject] interface {
	InterceptRequestAt(chain *Chain[Req], buf []byte, index int) error
	InterceptResponseAt(chain *Chain[Res], buf []byte, index int) error
	OnRequestFinished(req Req)
	OnResponseFinished(res Res)
}

// Indexed counts the buffers passing an IndexedHandler. The count of a
// direction restarts at zero when that direction finishes.
type Indexed[Req, Res Subject] struct {
	handler  IndexedHandler[Req, Res]
	reqIndex int
	resIndex int
}

func NewIndexed[Req, Res Subject](h IndexedHandler[Req, Res]) *Indexed[Req, Res] {
	return &Indexed[Req, Res]{handler: h}
}

func (i *Indexed[Req, Res]) InterceptRequest(chain *Chain[Req], buf []byte) error {
	index := i.reqIndex
	i.reqIndex++
	return i.handler.InterceptRequestAt(chain, buf, index)
}

func (i *Indexed[Req, Res]) InterceptResponse(chain *Chain[Res], buf []byte) error {
	index := i.resIndex
	i.resIndex++
	return i.handler.InterceptResponseAt(chain, buf, index)
}

func (i *Indexed[Req, Res]) OnRequestFinished(req Req) {
	i.reqIndex = 0
	i.handler.OnRequestFinished(req)
}

func (i *Indexed[Req, Res]) OnResponseFinished(res Res) {
	i.resIndex = 0
	i.handler.OnResponseFinished(res)
}

// Pending holds bytes a stage could not act on yet, typically an incomplete
// record or frame, until more arrive.
type Pending struct {
	buf []byte
}

// Pend keeps a copy of b after anything already pending.
func (p *Pending) Pend(b []byte) {
	p.buf = append(p.buf, b...)
}

// Merge returns the pending bytes followed by b and empties the buffer. With
// nothing pending b is returned as is.
func (p *Pending) Merge(b []byte) []byte {
	if len(p.buf) == 0 {
		return b
	}
	out := append(p.buf, b...)
	p.buf = nil
	return out
}

func (p *Pending) Len() int { return len(p.buf) }

func (p *Pending) Reset() { p.buf = nil }
