// Package conn implements the per-connection handler of spec section 4.2: it
// drives one accepted socket through zero or more request/response exchanges
// using internal/framing for wire parsing/serialization and internal/gateway
// for the application contract.
package conn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abersheeran/zibai/internal/framing"
	"github.com/abersheeran/zibai/internal/gateway"
	"github.com/abersheeran/zibai/internal/logging"
	"github.com/abersheeran/zibai/internal/pool"
)

var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// Options configures a Handler's per-exchange environment derivation and
// lifetime limits.
type Options struct {
	URLScheme              string
	ScriptName             string
	MaxIncompleteEventSize int
	// MaxRequestPreProcess bounds the number of exchanges a connection's
	// underlying worker serves in total before it starts closing
	// connections after their current exchange; 0 means unbounded.
	MaxRequestPreProcess int
	Multithread          bool
	Multiprocess         bool
	// NoAccessLog suppresses access-sink records for successful exchanges;
	// failed exchanges still log to the error sink.
	NoAccessLog bool
}

// RequestCounter is consulted and advanced once per exchange so a Handler
// can enforce Options.MaxRequestPreProcess across every connection a worker
// serves (spec section 4.4: "request counter is per-process").
type RequestCounter interface {
	// Next returns the exchange ordinal about to be served, after
	// incrementing the shared counter.
	Next() int64
}

// Handler drives accepted connections through the HTTP/1.1 exchange loop
// and into the hosted application.
type Handler struct {
	App     gateway.Application
	Sinks   *logging.Sinks
	Opts    Options
	Counter RequestCounter
}

// New returns a Handler ready to use as a pool.HandlerFunc via h.Handle.
func New(app gateway.Application, sinks *logging.Sinks, counter RequestCounter, opts Options) *Handler {
	return &Handler{App: app, Sinks: sinks, Opts: opts, Counter: counter}
}

// Handle implements pool.HandlerFunc: it serves exchanges on c until the
// peer closes, a protocol error forces a close, or the keep-alive decision
// says to stop, then closes c itself.
func (h *Handler) Handle(ctx context.Context, c net.Conn, draining pool.Draining) {
	defer c.Close()

	engine := framing.New(h.Opts.MaxIncompleteEventSize)
	br := bufio.NewReaderSize(c, 8192)

	for {
		draining.MarkIdle(c)
		ev, err := nextEvent(engine, br, c)
		draining.MarkActive(c)
		if err != nil {
			h.handleReadError(c, engine, err)
			return
		}
		if ev.Kind == framing.ConnectionClosed {
			return
		}

		reqNum := int64(0)
		if h.Counter != nil {
			reqNum = h.Counter.Next()
		}

		closeAfter := h.handleExchange(ctx, engine, br, c, ev, draining, reqNum)
		if closeAfter {
			return
		}
		engine.StartNextCycle()
	}
}

// nextEvent pumps bytes from br into engine until NextEvent yields something
// other than NeedData.
func nextEvent(engine *framing.Engine, br *bufio.Reader, c net.Conn) (framing.Event, error) {
	buf := make([]byte, 8192)
	for {
		ev, err := engine.NextEvent()
		if err != nil {
			return framing.Event{}, err
		}
		if ev.Kind != framing.NeedData {
			return ev, nil
		}
		n, rerr := br.Read(buf)
		if n > 0 {
			engine.Receive(buf[:n])
		}
		if rerr != nil {
			engine.Receive(nil)
			if rerr == io.EOF {
				continue
			}
			return framing.Event{}, rerr
		}
	}
}

// handleReadError reacts to a failed pre-body read: a *framing.ProtocolError
// before any body bytes gets a synthesized response (400, or 431 when the
// overrun was header size); anything else is a silent abort with a debug log
// entry, per spec section 4.2's failure semantics.
func (h *Handler) handleReadError(c net.Conn, engine *framing.Engine, err error) {
	var perr *framing.ProtocolError
	if pe, ok := err.(*framing.ProtocolError); ok {
		perr = pe
	}
	if perr == nil {
		if h.Sinks != nil {
			h.Sinks.Debug.Debug("connection read error", "error", err.Error())
		}
		return
	}
	if !perr.PreBody {
		if h.Sinks != nil {
			h.Sinks.Debug.Debug("protocol error mid-body, aborting", "error", perr.Msg)
		}
		return
	}
	status := gateway.Status{Code: 400, Reason: "Bad Request"}
	if perr.HeaderTooBig {
		status = gateway.Status{Code: 431, Reason: "Request Header Fields Too Large"}
	}
	headers := gateway.Header{
		{Name: "Content-Length", Value: "0"},
		{Name: "Connection", Value: "close"},
	}
	_ = engine.SendResponse(c, status, withServerHeaders(headers), framing.Identity)
	if h.Sinks != nil {
		h.Sinks.Error.Error("rejected malformed request", "status", status.Code, "error", perr.Msg)
	}
}

// handleExchange serves one request/response pair and reports whether the
// connection should close after it.
func (h *Handler) handleExchange(ctx context.Context, engine *framing.Engine, br *bufio.Reader, c net.Conn, ev framing.Event, draining pool.Draining, reqNum int64) (closeAfter bool) {
	start := time.Now()
	requestID := uuid.NewString()

	if ev.Version != "1.0" && ev.Version != "1.1" {
		closeAfter = true
		h.sendSimpleError(engine, c, 505, "HTTP Version Not Supported")
		h.logExchange(ev, requestID, 505, 0, start, true, "unsupported HTTP version")
		return
	}

	body := &requestBody{engine: engine, br: br, conn: c}
	errBuf := &bytes.Buffer{}
	env := h.buildEnvironment(ev, c, body, errBuf, requestID)

	// Everything but the outbound framing mode is known before the
	// application runs, so the Connection header sendHeaders emits can
	// already reflect the final keep-alive decision (spec section 4.2 step
	// 5 computes Connection "based on the keep-alive decision").
	maxReached := h.Opts.MaxRequestPreProcess > 0 && reqNum >= int64(h.Opts.MaxRequestPreProcess)
	preKnownClose := clientWantsClose(ev.Headers, ev.Version) || draining.Draining() || maxReached

	ex := &exchangeState{
		engine:        engine,
		conn:          c,
		method:        ev.Method,
		version:       ev.Version,
		suppressBody:  ev.Method == "HEAD",
		preKnownClose: preKnownClose,
	}

	result := h.invokeApplication(env, ex)

	// Drain any request body bytes the application never read so the next
	// exchange starts from a clean framing state.
	_, _ = io.Copy(io.Discard, body)

	closeAfter = preKnownClose || ex.forcedClose

	if !ex.headersSent {
		// The application returned, errored, or panicked without ever
		// calling start_response; spec section 4.2 calls for a synthesized
		// 500 in every case headers never reached the wire.
		h.sendSimpleError(engine, c, 500, "Internal Server Error")
		h.logExchange(ev, requestID, 500, 0, start, true, errString(result))
		return true
	}

	// HEAD responses produce identical headers to GET but zero body bytes
	// (spec section 4.2 step 5); suppressBody already drops every SendData
	// call, so the chunked terminator must be suppressed here too, or a
	// HEAD response framed as chunked would leak "0\r\n\r\n" onto the wire.
	if !ex.suppressBody {
		if err := engine.SendEndOfMessage(c); err != nil {
			closeAfter = true
		}
	}

	status := ex.status.Code
	failed := status >= 500 || result.err != nil || result.panicked
	h.logExchange(ev, requestID, status, ex.bytesSent, start, failed, errString(result))

	if result.err != nil || result.panicked {
		// Headers were already on the wire; spec section 4.2 calls for
		// aborting the connection rather than trying to send more.
		closeAfter = true
	}

	return closeAfter
}

type exchangeResult struct {
	err      error
	panicked bool
	panicVal any
}

func errString(r exchangeResult) string {
	if r.panicked {
		return fmt.Sprintf("application panic: %v", r.panicVal)
	}
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

// exchangeState tracks what the application's start_response/write
// callables have done so far, shared across the closure in
// invokeApplication.
type exchangeState struct {
	engine *framing.Engine
	conn   net.Conn

	method        string
	version       string
	suppressBody  bool
	preKnownClose bool

	startCalled    bool
	pendingStatus  gateway.Status
	pendingHeaders gateway.Header
	headersSent    bool
	status         gateway.Status
	bytesSent      int64
	forcedClose    bool
}

func (h *Handler) invokeApplication(env *gateway.Environment, ex *exchangeState) (result exchangeResult) {
	// Headers are not written to the wire by start_response itself; they
	// are held pending until the first body byte (or the application's
	// normal return, on an empty body). That leaves room for a second
	// start_response call from an error-recovery path to replace the first
	// one, per spec section 3, as long as no body bytes went out yet. This
	// defer commits whatever pending call is left standing once the
	// application is done, including after a recovered panic.
	defer func() {
		if ex.startCalled && !ex.headersSent {
			if err := ex.commitHeaders(); err != nil && result.err == nil && !result.panicked {
				result.err = err
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			result.panicked = true
			result.panicVal = r
		}
	}()

	start := func(status gateway.Status, headers gateway.Header) func([]byte) (int, error) {
		if ex.headersSent {
			panic("start_response called again after body bytes were already sent")
		}
		ex.startCalled = true
		ex.status = status
		ex.pendingStatus = status
		ex.pendingHeaders = headers
		return ex.write
	}

	body, err := h.App(env, start)
	if err != nil {
		result.err = err
		return
	}
	if body == nil {
		return
	}
	defer func() {
		if closer, ok := body.(gateway.Closer); ok {
			_ = closer.Close()
		}
	}()

	for {
		chunk, berr := body.Next()
		if len(chunk) > 0 {
			if !ex.startCalled {
				// Application yielded bytes without calling start_response;
				// that is a usage error the server surfaces as a failure.
				result.err = fmt.Errorf("application wrote body before calling start_response")
				return
			}
			if werr := ex.write2(chunk); werr != nil {
				result.err = werr
				return
			}
		}
		if berr != nil {
			if berr != io.EOF {
				result.err = berr
			}
			return
		}
	}
}

// commitHeaders flushes the most recently pending start_response call to
// the wire. Called lazily on the first body byte, or once by
// invokeApplication's deferred cleanup if the application never wrote one.
func (ex *exchangeState) commitHeaders() error {
	return ex.sendHeaders(ex.pendingStatus, ex.pendingHeaders)
}

// sendHeaders applies the outbound framing decision and header hygiene of
// spec section 4.2 step 5, then writes the status line and headers.
func (ex *exchangeState) sendHeaders(status gateway.Status, headers gateway.Header) error {
	clean := make(gateway.Header, 0, len(headers)+2)
	for _, f := range headers {
		if _, hop := hopByHop[strings.ToLower(f.Name)]; hop {
			continue
		}
		clean = append(clean, f)
	}

	mode, forced := outboundMode(clean, ex.version)
	ex.forcedClose = forced

	connectionValue := "keep-alive"
	if ex.preKnownClose || forced {
		connectionValue = "close"
	}
	clean = withServerHeaders(clean)
	clean = append(clean, gateway.HeaderField{Name: "Connection", Value: connectionValue})

	if err := ex.engine.SendResponse(ex.conn, status, clean, mode); err != nil {
		return err
	}
	ex.headersSent = true
	return nil
}

func (ex *exchangeState) write(b []byte) (int, error) {
	if err := ex.write2(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (ex *exchangeState) write2(b []byte) error {
	if !ex.headersSent {
		if err := ex.commitHeaders(); err != nil {
			return err
		}
	}
	ex.bytesSent += int64(len(b))
	if ex.suppressBody {
		return nil
	}
	return ex.engine.SendData(ex.conn, b)
}

// outboundMode applies spec section 4.2 step 5's ordered rule: identity
// framing when Content-Length is set, chunked on HTTP/1.1, otherwise
// close-delimited.
func outboundMode(headers gateway.Header, version string) (framing.OutputMode, bool) {
	if _, ok := headers.Get("Content-Length"); ok {
		return framing.Identity, false
	}
	if version == "1.1" {
		return framing.Chunked, false
	}
	return framing.CloseDelimited, true
}

func clientWantsClose(headers gateway.Header, version string) bool {
	value, ok := headers.Get("Connection")
	lower := strings.ToLower(strings.TrimSpace(value))
	if version == "1.0" {
		return !(ok && lower == "keep-alive")
	}
	return ok && lower == "close"
}

func withServerHeaders(h gateway.Header) gateway.Header {
	out := make(gateway.Header, 0, len(h)+2)
	for _, f := range h {
		if strings.EqualFold(f.Name, "Date") || strings.EqualFold(f.Name, "Server") {
			continue
		}
		out = append(out, f)
	}
	out = append(out,
		gateway.HeaderField{Name: "Date", Value: time.Now().UTC().Format(http1Date)},
		gateway.HeaderField{Name: "Server", Value: "zibai"},
	)
	return out
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

func (h *Handler) sendSimpleError(engine *framing.Engine, c net.Conn, code int, reason string) {
	status := gateway.Status{Code: code, Reason: reason}
	headers := withServerHeaders(gateway.Header{
		{Name: "Content-Length", Value: "0"},
		{Name: "Connection", Value: "close"},
	})
	_ = engine.SendResponse(c, status, headers, framing.Identity)
}

func (h *Handler) logExchange(ev framing.Event, requestID string, status int, bytesSent int64, start time.Time, failed bool, errMsg string) {
	if h.Sinks == nil {
		return
	}
	fields := []any{
		"request_id", requestID,
		"method", ev.Method,
		"target", ev.Target,
		"status", status,
		"bytes_sent", bytesSent,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if failed {
		if errMsg != "" {
			fields = append(fields, "error", errMsg)
		}
		h.Sinks.Error.Error("exchange failed", fields...)
		return
	}
	if h.Opts.NoAccessLog {
		return
	}
	h.Sinks.Access.Info("exchange complete", fields...)
}

// requestBody adapts the framing engine's event stream into an io.Reader for
// gateway.Environment.Input, transparently emitting 100 Continue on first
// read when the client sent Expect: 100-continue (spec section 4.2 step 3).
type requestBody struct {
	engine *framing.Engine
	br     *bufio.Reader
	conn   net.Conn

	buf           []byte
	done          bool
	continueSent  bool
}

func (b *requestBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	for len(b.buf) == 0 {
		if b.engine.ExpectsContinue() && !b.continueSent {
			b.continueSent = true
			if err := b.engine.SendInformational(b.conn, gateway.Status{Code: 100, Reason: "Continue"}); err != nil {
				b.done = true
				return 0, err
			}
			b.engine.ResumeAfterExpect()
		}
		ev, err := nextEvent(b.engine, b.br, b.conn)
		if err != nil {
			b.done = true
			return 0, err
		}
		switch ev.Kind {
		case framing.Data:
			b.buf = ev.Chunk
		case framing.EndOfMessage, framing.ConnectionClosed:
			b.done = true
			return 0, io.EOF
		case framing.Paused:
			continue
		default:
			b.done = true
			return 0, io.EOF
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// buildEnvironment derives the gateway.Environment from a parsed request per
// spec section 4.2 step 3.
func (h *Handler) buildEnvironment(ev framing.Event, c net.Conn, body io.Reader, errW io.Writer, requestID string) *gateway.Environment {
	pathInfo, queryString := splitTarget(ev.Target)
	remoteAddr, remotePort := remoteAddrPort(c)
	serverName, serverPort := serverNameAndPort(ev.Headers, c)

	scheme := h.Opts.URLScheme
	if scheme == "" {
		scheme = "http"
	}

	env := &gateway.Environment{
		Vars:         varsFromHeaders(ev.Headers),
		Method:       ev.Method,
		RequestURI:   ev.Target,
		PathInfo:     pathInfo,
		QueryString:  queryString,
		ServerProto:  "HTTP/" + ev.Version,
		Headers:      ev.Headers,
		Input:        body,
		Errors:       errW,
		URLScheme:    scheme,
		Multithread:  h.Opts.Multithread,
		Multiprocess: h.Opts.Multiprocess,
		RunOnce:      false,
		RequestID:    requestID,
	}
	env.Vars["SCRIPT_NAME"] = h.Opts.ScriptName
	env.Vars["REMOTE_ADDR"] = remoteAddr
	env.Vars["REMOTE_PORT"] = strconv.Itoa(remotePort)
	env.Vars["SERVER_NAME"] = serverName
	env.Vars["SERVER_PORT"] = serverPort
	return env
}

func splitTarget(target string) (pathInfo, queryString string) {
	path := target
	if idx := strings.IndexByte(target, '?'); idx != -1 {
		path = target[:idx]
		queryString = target[idx+1:]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		pathInfo = decoded
	} else {
		pathInfo = path
	}
	return pathInfo, queryString
}

func serverNameAndPort(headers gateway.Header, c net.Conn) (name, port string) {
	if host, ok := headers.Get("Host"); ok && host != "" {
		if h, p, err := net.SplitHostPort(host); err == nil {
			return h, p
		}
		return host, ""
	}
	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String(), strconv.Itoa(addr.Port)
	}
	return "", ""
}

func remoteAddrPort(c net.Conn) (addr string, port int) {
	if tcpAddr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String(), tcpAddr.Port
	}
	return "", 0
}

func varsFromHeaders(h gateway.Header) map[string]string {
	vars := make(map[string]string, len(h)+4)
	for _, f := range h {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if existing, ok := vars[key]; ok {
			vars[key] = existing + "," + f.Value
		} else {
			vars[key] = f.Value
		}
	}
	return vars
}
