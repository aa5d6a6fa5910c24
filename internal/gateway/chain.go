// Package gateway runs the bytes of a flow through an ordered list of
// interceptors. A Chain is a continuation: each stage receives the chain
// positioned at the next stage and decides whether to continue it.
package gateway

// Subject is what a chain delivers to once every stage has run, normally a
// socket write.
type Subject interface {
	Process(buf []byte) error
}

// Dispatch invokes stage index with the continuation next.
type Dispatch[S Subject] func(index int, next *Chain[S], buf []byte) error

// Chain is one step of a pipeline over subject S. Advancing builds a new
// Chain; an existing Chain never changes position, so a stage may keep it
// and resume later.
type Chain[S Subject] struct {
	subject  S
	size     int
	index    int
	tag      any
	dispatch Dispatch[S]
}

func NewChain[S Subject](subject S, size int, dispatch Dispatch[S]) *Chain[S] {
	return &Chain[S]{subject: subject, size: size, dispatch: dispatch}
}

// Process hands buf to the stage at the chain's index, or to the subject
// when no stages remain.
func (c *Chain[S]) Process(buf []byte) error {
	if c.index >= c.size {
		return c.subject.Process(buf)
	}
	next := *c
	next.index++
	return c.dispatch(c.index, &next, buf)
}

// ProcessFinal skips every remaining stage.
func (c *Chain[S]) ProcessFinal(buf []byte) error {
	return c.subject.Process(buf)
}

func (c *Chain[S]) Subject() S { return c.subject }

// Update replaces the subject seen by this chain and every chain advanced
// from it afterwards.
func (c *Chain[S]) Update(subject S) { c.subject = subject }

// Fork returns a chain at the same position delivering to subject, leaving c
// untouched.
func (c *Chain[S]) Fork(subject S) *Chain[S] {
	cp := *c
	cp.subject = subject
	return &cp
}

func (c *Chain[S]) Index() int { return c.index }

func (c *Chain[S]) Tag() any { return c.tag }

// WithTag returns a copy of the chain at the same position carrying tag.
func (c *Chain[S]) WithTag(tag any) *Chain[S] {
	cp := *c
	cp.tag = tag
	return &cp
}
