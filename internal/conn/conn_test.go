package conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/abersheeran/zibai/internal/gateway"
	"github.com/abersheeran/zibai/internal/logging"
)

// testSinks returns Sinks wired to a single shared buffer, so a test can
// assert on whether a given sink emitted a record.
func testSinks(t *testing.T) (*logging.Sinks, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	access, err := logging.New(logging.Config{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	errSink, err := logging.New(logging.Config{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return &logging.Sinks{Access: access, Error: errSink}, &buf
}

type fixedDraining bool

func (f fixedDraining) Draining() bool    { return bool(f) }
func (f fixedDraining) MarkIdle(net.Conn)   {}
func (f fixedDraining) MarkActive(net.Conn) {}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return l
}

func serveOnce(t *testing.T, l net.Listener, h *Handler) {
	t.Helper()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		h.Handle(context.Background(), c, fixedDraining(false))
	}()
}

func roundTrip(t *testing.T, l net.Listener, request string) string {
	t.Helper()
	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte(request)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(c)
	if err != nil && !isClosedErr(err) {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(body)
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed")
}

func TestHandle_SimpleResponseWithContentLength(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		if env.PathInfo != "/hello" || env.QueryString != "x=1" {
			t.Errorf("unexpected env: path=%q query=%q", env.PathInfo, env.QueryString)
		}
		write := start(gateway.Status{Code: 200, Reason: "OK"}, gateway.Header{
			{Name: "Content-Length", Value: "5"},
		})
		write([]byte("hello"))
		return nil, nil
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "GET /hello?x=1 HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if !strings.Contains(resp, "200 OK") {
		t.Errorf("response missing status line: %q", resp)
	}
	if !strings.Contains(resp, "Content-Length: 5") {
		t.Errorf("response missing Content-Length: %q", resp)
	}
	if !strings.HasSuffix(resp, "hello") {
		t.Errorf("response missing body: %q", resp)
	}
}

func TestHandle_ChunkedWhenNoContentLength(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		write := start(gateway.Status{Code: 200, Reason: "OK"}, gateway.Header{})
		write([]byte("hello"))
		return nil, nil
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if !strings.Contains(resp, "Transfer-Encoding: chunked") {
		t.Errorf("response missing chunked framing: %q", resp)
	}
	if !strings.Contains(resp, "5\r\nhello\r\n0\r\n\r\n") {
		t.Errorf("response missing chunk terminator: %q", resp)
	}
}

func TestHandle_HEADSuppressesBodyBytes(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		write := start(gateway.Status{Code: 200, Reason: "OK"}, gateway.Header{
			{Name: "Content-Length", Value: "5"},
		})
		write([]byte("hello"))
		return nil, nil
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "HEAD / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if !strings.Contains(resp, "Content-Length: 5") {
		t.Errorf("response missing Content-Length header: %q", resp)
	}
	if strings.HasSuffix(resp, "hello") {
		t.Errorf("HEAD response should not contain body bytes: %q", resp)
	}
}

func TestHandle_HEADChunkedSuppressesTerminatorBytes(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		write := start(gateway.Status{Code: 200, Reason: "OK"}, gateway.Header{})
		write([]byte("hello"))
		return nil, nil
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "HEAD / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if !strings.Contains(resp, "Transfer-Encoding: chunked") {
		t.Errorf("response missing chunked framing: %q", resp)
	}
	if idx := strings.Index(resp, "\r\n\r\n"); idx == -1 || resp[idx+4:] != "" {
		t.Errorf("HEAD response should end at the header terminator with zero body bytes, got %q", resp)
	}
}

func TestHandle_NoAccessLogSuppressesSuccessfulExchangeRecord(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		write := start(gateway.Status{Code: 200, Reason: "OK"}, gateway.Header{
			{Name: "Content-Length", Value: "2"},
		})
		write([]byte("ok"))
		return nil, nil
	}

	sinks, buf := testSinks(t)
	h := New(app, sinks, nil, Options{NoAccessLog: true})
	serveOnce(t, l, h)

	roundTrip(t, l, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if strings.Contains(buf.String(), "exchange complete") {
		t.Errorf("access log record should be suppressed when NoAccessLog is set: %q", buf.String())
	}
}

func TestHandle_PanicBeforeHeadersBecomes500(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		panic("boom")
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	if !strings.Contains(resp, "500") {
		t.Errorf("expected 500 response, got %q", resp)
	}
}

func TestHandle_MalformedRequestLineGets400(t *testing.T) {
	l := listenLoopback(t)
	defer l.Close()

	app := func(env *gateway.Environment, start gateway.StartResponse) (gateway.Body, error) {
		t.Fatal("application should not be invoked for a malformed request")
		return nil, nil
	}

	h := New(app, nil, nil, Options{})
	serveOnce(t, l, h)

	resp := roundTrip(t, l, "NOT A REQUEST LINE\r\n\r\n")

	if !strings.Contains(resp, "400") {
		t.Errorf("expected 400 response, got %q", resp)
	}
}

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		target, path, query string
	}{
		{"/a/b", "/a/b", ""},
		{"/a?x=1&y=2", "/a", "x=1&y=2"},
		{"/a%20b?x=1", "/a b", "x=1"},
		{"/", "/", ""},
	}
	for _, c := range cases {
		path, query := splitTarget(c.target)
		if path != c.path || query != c.query {
			t.Errorf("splitTarget(%q) = (%q, %q), want (%q, %q)", c.target, path, query, c.path, c.query)
		}
	}
}

func TestVarsFromHeaders(t *testing.T) {
	h := gateway.Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Custom", Value: "a"},
		{Name: "X-Custom", Value: "b"},
	}
	vars := varsFromHeaders(h)
	if vars["HTTP_CONTENT_TYPE"] != "text/plain" {
		t.Errorf("HTTP_CONTENT_TYPE = %q", vars["HTTP_CONTENT_TYPE"])
	}
	if vars["HTTP_X_CUSTOM"] != "a,b" {
		t.Errorf("HTTP_X_CUSTOM = %q, want merged values", vars["HTTP_X_CUSTOM"])
	}
}

func TestClientWantsClose(t *testing.T) {
	cases := []struct {
		version string
		conn    string
		want    bool
	}{
		{"1.0", "", true},
		{"1.0", "keep-alive", false},
		{"1.1", "", false},
		{"1.1", "close", true},
	}
	for _, c := range cases {
		h := gateway.Header{}
		if c.conn != "" {
			h = gateway.Header{{Name: "Connection", Value: c.conn}}
		}
		got := clientWantsClose(h, c.version)
		if got != c.want {
			t.Errorf("clientWantsClose(version=%s, conn=%q) = %v, want %v", c.version, c.conn, got, c.want)
		}
	}
}

func TestOutboundMode(t *testing.T) {
	mode, forced := outboundMode(gateway.Header{{Name: "Content-Length", Value: "3"}}, "1.1")
	if mode != 0 || forced {
		t.Errorf("expected Identity framing, unforced")
	}
	mode, forced = outboundMode(gateway.Header{}, "1.1")
	if forced {
		t.Errorf("HTTP/1.1 with no Content-Length should not force close")
	}
	_, forced = outboundMode(gateway.Header{}, "1.0")
	if !forced {
		t.Errorf("HTTP/1.0 with no Content-Length should force close")
	}
}
