package inspect

import (
	"bytes"
	"net/netip"
	"testing"

	"baotun/internal/gateway"
	"baotun/internal/httpgw"
	"baotun/internal/session"

	"github.com/stretchr/testify/require"
)

func newFlow(t *testing.T, factories ...httpgw.InterceptorFactory) (gateway.VirtualGateway, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, in bytes.Buffer
	s := session.NewRegistry().Ensure(session.TCP, 41000, 80, netip.MustParseAddr("198.51.100.7"))
	f := httpgw.NewFactory(httpgw.Config{Interceptors: factories})
	return f.Create(s, gateway.NewRequest(s, &out), gateway.NewResponse(s, &in)), &out, &in
}

func TestHeaderRewriter(t *testing.T) {
	rw := NewHeaderRewriter(HeaderRules{
		Remove: DefaultRemove,
		Set:    []Header{{Name: "X-Via", Value: "baotun"}, {Name: "user-agent", Value: "baotun-test"}},
	})
	g, out, _ := newFlow(t, rw)

	req := "GET /x HTTP/1.1\r\nHost: h\r\nProxy-Connection: keep-alive\r\nUser-Agent: curl\r\n" +
		"proxy-authorization: Basic Zm9v\r\nAccept: */*\r\n\r\nrest"
	require.NoError(t, g.OnRequest([]byte(req)))
	require.Equal(t, "GET /x HTTP/1.1\r\nHost: h\r\nAccept: */*\r\nX-Via: baotun\r\nuser-agent: baotun-test\r\n\r\nrest", out.String())
}

func TestHeaderRewriterNoRules(t *testing.T) {
	g, out, _ := newFlow(t, NewHeaderRewriter(HeaderRules{}))
	req := "GET / HTTP/1.1\r\nProxy-Connection: close\r\n\r\n"
	require.NoError(t, g.OnRequest([]byte(req)))
	require.Equal(t, req, out.String())
}

func TestObserverPublishes(t *testing.T) {
	o := NewObserver(4, false)
	g, _, in := newFlow(t, o.Factory())

	require.NoError(t, g.OnRequest([]byte("POST /api HTTP/1.1\r\nHost: example.com\r\n\r\nabc")))
	require.NoError(t, g.OnResponse([]byte("HTTP/1.1 201 Created\r\nContent-Type: text/plain\r\n\r\nhello")))
	require.Empty(t, o.Events())

	// the next request closes the first exchange
	require.NoError(t, g.OnRequest([]byte("GET /next HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	require.Len(t, o.Events(), 1)
	e := <-o.Events()
	require.Equal(t, "POST", e.Method)
	require.Equal(t, "http://example.com/api", e.URL)
	require.Equal(t, 201, e.Status)
	require.Equal(t, int64(3), e.RequestBody)
	require.Equal(t, int64(5), e.ResponseBody)
	require.Equal(t, "text/plain", e.ResponseHeader.Get("Content-Type"))
	require.Equal(t, httpgw.HTTP1, e.Protocol)
	require.False(t, e.HTTPS)

	g.OnRequestFinished()
	g.OnResponseFinished()
	e = <-o.Events()
	require.Equal(t, "http://example.com/next", e.URL)
	require.Zero(t, e.Status)
	require.Contains(t, in.String(), "hello")

	o.Close()
	_, ok := <-o.Events()
	require.False(t, ok)
}

func TestObserverDropsWhenFull(t *testing.T) {
	o := NewObserver(1, false)
	for i := 0; i < 3; i++ {
		g, _, _ := newFlow(t, o.Factory())
		require.NoError(t, g.OnRequest([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n")))
		g.OnRequestFinished()
		g.OnResponseFinished()
	}
	require.Len(t, o.Events(), 1)
	require.Equal(t, int64(2), o.Dropped())

	o.Close()
	// publishing after close is a no-op
	g, _, _ := newFlow(t, o.Factory())
	require.NoError(t, g.OnRequest([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n")))
	g.OnRequestFinished()
	g.OnResponseFinished()
}

func TestObserverIgnoresOpaque(t *testing.T) {
	o := NewObserver(1, false)
	g, _, _ := newFlow(t, o.Factory())
	require.NoError(t, g.OnRequest([]byte("\x00\x01\x02binary payload")))
	g.OnRequestFinished()
	g.OnResponseFinished()
	require.Empty(t, o.Events())
}
