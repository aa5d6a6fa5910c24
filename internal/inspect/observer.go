package inspect

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"baotun/internal/httpgw"

	"go.uber.org/zap"
)

// Event describes one finished HTTP exchange.
type Event struct {
	ID       httpgw.ID
	Flow     string
	UID      int
	HTTPS    bool
	Protocol httpgw.Protocol
	Host     string

	Method string
	URL    string
	Status int

	RequestHeader  http.Header
	ResponseHeader http.Header
	RequestBody    int64
	ResponseBody   int64

	Started  time.Time
	Duration time.Duration
}

// Observer publishes an Event per exchange. Publishing never blocks a flow:
// when the consumer falls behind, events are dropped and counted.
type Observer struct {
	mu      sync.RWMutex
	events  chan Event
	closed  bool
	dropped atomic.Int64
	log     bool
	now     func() time.Time
}

// NewObserver buffers up to size events. With log set every event is also
// written at info level.
func NewObserver(size int, log bool) *Observer {
	return &Observer{
		events: make(chan Event, size),
		log:    log,
		now:    time.Now,
	}
}

// Events is closed by Close.
func (o *Observer) Events() <-chan Event { return o.events }

func (o *Observer) Dropped() int64 { return o.dropped.Load() }

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

func (o *Observer) publish(e Event) {
	if o.log {
		zap.S().Infof("[%s] %s %s %d req=%dB res=%dB %s", e.Flow, e.Method, e.URL, e.Status,
			e.RequestBody, e.ResponseBody, e.Duration.Round(time.Millisecond))
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.events <- e:
	default:
		if n := o.dropped.Add(1); n == 1 || n%1000 == 0 {
			zap.S().Warnf("capture consumer is slow, %d events dropped", n)
		}
	}
}

// Factory returns the stage feeding the observer.
func (o *Observer) Factory() httpgw.InterceptorFactory {
	return httpgw.InterceptorFactoryFunc(func() httpgw.Interceptor {
		return &capture{o: o, done: make(map[httpgw.ID]bool)}
	})
}

// capture is created per connection. An exchange is reported when its
// response finishes, which the gateway guarantees once per exchange.
type capture struct {
	o    *Observer
	done map[httpgw.ID]bool
}

func (c *capture) InterceptRequest(chain *httpgw.RequestChain, buf []byte) error {
	return chain.Process(buf)
}

func (c *capture) InterceptResponse(chain *httpgw.ResponseChain, buf []byte) error {
	return chain.Process(buf)
}

func (c *capture) OnRequestFinished(*httpgw.Request) {}

func (c *capture) OnResponseFinished(res *httpgw.Response) {
	s := res.Session()
	if s.Method == "" || c.done[s.ID] {
		// not HTTP, or already reported
		return
	}
	c.done[s.ID] = true
	c.o.publish(Event{
		ID:             s.ID,
		Flow:           res.Flow().String(),
		UID:            res.UID(),
		HTTPS:          s.HTTPS,
		Protocol:       s.Protocol,
		Host:           s.Host,
		Method:         s.Method,
		URL:            s.URL,
		Status:         s.Status,
		RequestHeader:  s.RequestHeader,
		ResponseHeader: s.ResponseHeader,
		RequestBody:    s.RequestBody,
		ResponseBody:   s.ResponseBody,
		Started:        s.Created,
		Duration:       c.o.now().Sub(s.Created),
	})
}
