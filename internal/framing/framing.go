// Package framing implements the HTTP/1.1 byte-level parse/serialize state
// machine described by spec section 4.1. It is sans-I/O by design: Receive
// appends bytes the caller already read from a socket, NextEvent consumes
// the internal buffer and returns parsed events, and Send serializes
// outbound events into a caller-supplied writer. This lets the identical
// engine run under either scheduling model described in spec section 5 —
// the caller owns all blocking I/O.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/abersheeran/zibai/internal/gateway"
)

// EventKind identifies the kind of event NextEvent returns.
type EventKind int

const (
	// NeedData means the engine has no complete event buffered; the caller
	// must Receive more bytes and call NextEvent again.
	NeedData EventKind = iota
	// Request carries a fully parsed request line and header block.
	Request
	// Data carries one chunk of request body bytes.
	Data
	// EndOfMessage marks the end of the current request (body fully
	// consumed, or no body was declared).
	EndOfMessage
	// Paused means the engine is holding off on body parsing pending a
	// decision from the caller — currently only for Expect: 100-continue.
	Paused
	// ConnectionClosed means the peer closed the connection cleanly
	// between exchanges (no bytes of a new request line were seen).
	ConnectionClosed
)

// Event is the result of NextEvent.
type Event struct {
	Kind EventKind

	Method  string
	Target  string
	Version string // "1.0" or "1.1"
	Headers gateway.Header

	Chunk []byte
}

// ProtocolError is returned by NextEvent when the peer violates
// HTTP/1.1 framing. PreBody distinguishes the two recovery paths of spec
// section 7: true means synthesize 400/431 and close; false means abort
// the connection silently (mid-body).
type ProtocolError struct {
	PreBody     bool
	HeaderTooBig bool // pre-body overrun -> 431 instead of 400
	Msg         string
}

func (e *ProtocolError) Error() string { return e.Msg }

func preBodyErr(headerTooBig bool, format string, args ...any) error {
	return &ProtocolError{PreBody: true, HeaderTooBig: headerTooBig, Msg: fmt.Sprintf(format, args...)}
}

func midBodyErr(format string, args ...any) error {
	return &ProtocolError{PreBody: false, Msg: fmt.Sprintf(format, args...)}
}

type inboundState int

const (
	stateRequestLine inboundState = iota
	stateHeaders
	stateBodyIdentity
	stateBodyChunkSize
	stateBodyChunkData
	stateBodyChunkCRLF
	stateBodyChunkTrailer
	stateBodyNone
	stateDone
	statePausedExpect
	stateClosed
)

// OutputMode selects how SendData/SendEndOfMessage frame the response body,
// chosen by the connection handler per spec section 4.2 step 5.
type OutputMode int

const (
	// Identity means the application declared Content-Length; bytes are
	// written as-is with no extra framing.
	Identity OutputMode = iota
	// Chunked means Transfer-Encoding: chunked was applied by the server.
	Chunked
	// CloseDelimited means the body ends when the connection closes.
	CloseDelimited
)

// Engine is one connection's inbound parser and outbound serializer. It is
// not safe for concurrent use; a connection is handled by exactly one
// goroutine at a time (spec section 5, "handlers own their socket
// exclusively").
type Engine struct {
	MaxIncompleteEventSize int // 0 = unbounded

	buf   []byte
	state inboundState
	eof   bool

	// parsed request line, valid once state has advanced past stateHeaders
	method  string
	target  string
	version string
	headers gateway.Header

	contentLength    int64
	haveContentLength bool
	chunked          bool
	remaining        int64 // bytes left in current identity body or chunk
	expectContinue   bool

	outMode OutputMode
}

// New returns a fresh engine ready to parse one connection's first request.
func New(maxIncompleteEventSize int) *Engine {
	return &Engine{MaxIncompleteEventSize: maxIncompleteEventSize, state: stateRequestLine}
}

// Receive appends data read from the socket to the internal buffer. A nil
// or empty slice marks that the peer closed its write side (EOF).
func (e *Engine) Receive(data []byte) {
	if len(data) == 0 {
		e.eof = true
		return
	}
	e.buf = append(e.buf, data...)
}

// ExpectsContinue reports whether the most recently parsed request carried
// Expect: 100-continue (spec section 4.1/4.2).
func (e *Engine) ExpectsContinue() bool { return e.expectContinue }

// ResumeAfterExpect lets the caller move past a Paused event once it has
// decided how to handle Expect: 100-continue (send 100 Continue, or reject
// with a final status without reading the body).
func (e *Engine) ResumeAfterExpect() {
	if e.state == statePausedExpect {
		if e.haveContentLength {
			if e.contentLength == 0 {
				e.state = stateDone
			} else {
				e.state = stateBodyIdentity
				e.remaining = e.contentLength
			}
		} else if e.chunked {
			e.state = stateBodyChunkSize
		} else {
			e.state = stateBodyNone
		}
	}
}

// NextEvent consumes the internal buffer and returns the next event. Call
// in a loop: on NeedData, Receive more bytes (or Receive(nil) on EOF) and
// call again.
func (e *Engine) NextEvent() (Event, error) {
	for {
		switch e.state {
		case stateClosed:
			return Event{Kind: ConnectionClosed}, nil

		case stateRequestLine:
			line, ok, err := e.takeLine(true)
			if err != nil {
				return Event{}, err
			}
			if !ok {
				if e.eof {
					if len(bytes.TrimSpace(e.buf)) == 0 {
						e.state = stateClosed
						return Event{Kind: ConnectionClosed}, nil
					}
					return Event{}, preBodyErr(false, "connection closed mid request-line")
				}
				return Event{Kind: NeedData}, nil
			}
			method, target, version, err := parseRequestLine(line)
			if err != nil {
				return Event{}, err
			}
			e.method, e.target, e.version = method, target, version
			e.state = stateHeaders
			e.headers = nil

		case stateHeaders:
			done, err := e.readHeaders()
			if err != nil {
				return Event{}, err
			}
			if !done {
				if e.eof {
					return Event{}, preBodyErr(false, "connection closed mid headers")
				}
				return Event{Kind: NeedData}, nil
			}
			if err := e.resolveFraming(); err != nil {
				return Event{}, err
			}
			ev := Event{Kind: Request, Method: e.method, Target: e.target, Version: e.version, Headers: e.headers}
			if e.expectContinue {
				e.state = statePausedExpect
			} else if e.haveContentLength {
				if e.contentLength == 0 {
					e.state = stateDone
				} else {
					e.state = stateBodyIdentity
					e.remaining = e.contentLength
				}
			} else if e.chunked {
				e.state = stateBodyChunkSize
			} else {
				e.state = stateBodyNone
			}
			return ev, nil

		case statePausedExpect:
			return Event{Kind: Paused}, nil

		case stateBodyNone:
			e.state = stateDone
			return Event{Kind: EndOfMessage}, nil

		case stateBodyIdentity:
			if len(e.buf) == 0 {
				if e.eof {
					return Event{}, midBodyErr("connection closed with %d bytes of body remaining", e.remaining)
				}
				return Event{Kind: NeedData}, nil
			}
			n := int64(len(e.buf))
			if n > e.remaining {
				n = e.remaining
			}
			chunk := e.buf[:n]
			e.buf = e.buf[n:]
			e.remaining -= n
			if e.remaining == 0 {
				e.state = stateDone
			}
			return Event{Kind: Data, Chunk: chunk}, nil

		case stateBodyChunkSize:
			line, ok, err := e.takeLine(true)
			if err != nil {
				return Event{}, err
			}
			if !ok {
				if e.eof {
					return Event{}, midBodyErr("connection closed mid chunk size")
				}
				return Event{Kind: NeedData}, nil
			}
			size, extErr := parseChunkSize(line)
			if extErr != nil {
				return Event{}, midBodyErr("invalid chunk size: %v", extErr)
			}
			if size == 0 {
				e.state = stateBodyChunkTrailer
				continue
			}
			e.remaining = size
			e.state = stateBodyChunkData

		case stateBodyChunkData:
			if len(e.buf) == 0 {
				if e.eof {
					return Event{}, midBodyErr("connection closed mid chunk data")
				}
				return Event{Kind: NeedData}, nil
			}
			n := int64(len(e.buf))
			if n > e.remaining {
				n = e.remaining
			}
			chunk := e.buf[:n]
			e.buf = e.buf[n:]
			e.remaining -= n
			if e.remaining == 0 {
				e.state = stateBodyChunkCRLF
			}
			return Event{Kind: Data, Chunk: chunk}, nil

		case stateBodyChunkCRLF:
			line, ok, err := e.takeLine(false)
			if err != nil {
				return Event{}, err
			}
			if !ok {
				if e.eof {
					return Event{}, midBodyErr("connection closed after chunk data")
				}
				return Event{Kind: NeedData}, nil
			}
			if len(line) != 0 {
				return Event{}, midBodyErr("malformed chunk terminator")
			}
			e.state = stateBodyChunkSize

		case stateBodyChunkTrailer:
			line, ok, err := e.takeLine(true)
			if err != nil {
				return Event{}, err
			}
			if !ok {
				if e.eof {
					return Event{}, midBodyErr("connection closed mid trailer")
				}
				return Event{Kind: NeedData}, nil
			}
			if len(line) == 0 {
				e.state = stateDone
				return Event{Kind: EndOfMessage}, nil
			}
			// Trailers are consumed but not surfaced to the application.

		case stateDone:
			return Event{Kind: EndOfMessage}, nil
		}
	}
}

// StartNextCycle resets per-exchange state so the engine is ready to parse
// the next request on a keep-alive connection. Any bytes of the next
// request already buffered (pipelining) are preserved.
func (e *Engine) StartNextCycle() {
	e.state = stateRequestLine
	e.method, e.target, e.version = "", "", ""
	e.headers = nil
	e.contentLength = 0
	e.haveContentLength = false
	e.chunked = false
	e.remaining = 0
	e.expectContinue = false
	e.outMode = Identity
}

// --- outbound ---

// SendResponse writes the status line and headers to w and records the
// outbound framing mode used by subsequent SendData/SendEndOfMessage calls.
func (e *Engine) SendResponse(w io.Writer, status gateway.Status, headers gateway.Header, mode OutputMode) error {
	e.outMode = mode
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status.Code, status.Reason)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	_, err := w.Write(b.Bytes())
	return err
}

// SendInformational writes an interim 1xx response (spec section 4.2's
// transparent 100 Continue) without touching outbound framing state.
func (e *Engine) SendInformational(w io.Writer, status gateway.Status) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", status.Code, status.Reason)
	return err
}

// SendData writes one response body chunk, applying chunked encoding when
// the outbound mode requires it.
func (e *Engine) SendData(w io.Writer, chunk []byte) error {
	switch e.outMode {
	case Chunked:
		if len(chunk) == 0 {
			return nil
		}
		if _, err := fmt.Fprintf(w, "%x\r\n", len(chunk)); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		_, err := w.Write([]byte("\r\n"))
		return err
	default:
		if len(chunk) == 0 {
			return nil
		}
		_, err := w.Write(chunk)
		return err
	}
}

// SendEndOfMessage writes the terminating sequence for the outbound mode
// (the zero-chunk for Chunked; a no-op otherwise).
func (e *Engine) SendEndOfMessage(w io.Writer) error {
	if e.outMode == Chunked {
		_, err := w.Write([]byte("0\r\n\r\n"))
		return err
	}
	return nil
}

// --- parsing helpers ---

// takeLine extracts one CRLF-terminated line from the buffer without its
// terminator. If enforceCap is true, an incomplete line longer than
// MaxIncompleteEventSize is a protocol error.
func (e *Engine) takeLine(enforceCap bool) (line []byte, ok bool, err error) {
	idx := bytes.IndexByte(e.buf, '\n')
	if idx == -1 {
		if enforceCap && e.MaxIncompleteEventSize > 0 && len(e.buf) > e.MaxIncompleteEventSize {
			preBody := e.state == stateRequestLine || e.state == stateHeaders
			return nil, false, &ProtocolError{PreBody: preBody, HeaderTooBig: preBody, Msg: "incomplete event exceeds maximum size"}
		}
		return nil, false, nil
	}
	raw := e.buf[:idx]
	e.buf = e.buf[idx+1:]
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	return raw, true, nil
}

func parseRequestLine(line []byte) (method, target, version string, err error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return "", "", "", preBodyErr(false, "malformed request line")
	}
	method = parts[0]
	target = parts[1]
	proto := parts[2]
	switch proto {
	case "HTTP/1.1":
		version = "1.1"
	case "HTTP/1.0":
		version = "1.0"
	default:
		return "", "", "", preBodyErr(false, "unsupported HTTP version %q", proto)
	}
	if method == "" || target == "" {
		return "", "", "", preBodyErr(false, "malformed request line")
	}
	return method, target, version, nil
}

// readHeaders reads header lines into e.headers until the blank terminator
// line. Returns false (need more data) if the buffer runs out mid-block.
func (e *Engine) readHeaders() (bool, error) {
	for {
		line, ok, err := e.takeLine(true)
		if err != nil {
			return false, err
		}
		if !ok {
			// The cap covers the whole incomplete header block (request
			// line, headers parsed so far, and the unterminated tail), not
			// just the current line.
			if e.MaxIncompleteEventSize > 0 {
				size := len(e.buf) + len(e.method) + len(e.target) + len("HTTP/1.1") + 4
				for _, h := range e.headers {
					size += len(h.Name) + len(h.Value) + 4
				}
				if size > e.MaxIncompleteEventSize {
					return false, preBodyErr(true, "incomplete event exceeds maximum size")
				}
			}
			return false, nil
		}
		if len(line) == 0 {
			return true, nil
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return false, err
		}
		e.headers = append(e.headers, gateway.HeaderField{Name: name, Value: value})
	}
}

func parseHeaderLine(line []byte) (name, value string, err error) {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", preBodyErr(false, "malformed header line")
	}
	name = string(bytes.TrimSpace(line[:idx]))
	value = string(bytes.TrimSpace(line[idx+1:]))
	if strings.ContainsAny(name, " \t") {
		return "", "", preBodyErr(false, "malformed header name %q", name)
	}
	return name, value, nil
}

// resolveFraming applies spec section 4.1's ambiguity rules: reject both
// Content-Length and chunked Transfer-Encoding, reject conflicting
// Content-Length values, and reject chunked unless it is the last coding.
func (e *Engine) resolveFraming() error {
	var (
		clValues []string
		teValues []string
	)
	for _, h := range e.headers {
		switch {
		case asciiEqualFold(h.Name, "Content-Length"):
			clValues = append(clValues, h.Value)
		case asciiEqualFold(h.Name, "Transfer-Encoding"):
			teValues = append(teValues, h.Value)
		case asciiEqualFold(h.Name, "Expect"):
			if asciiEqualFold(strings.TrimSpace(h.Value), "100-continue") {
				e.expectContinue = true
			}
		}
	}

	if len(teValues) > 0 {
		var codings []string
		for _, v := range teValues {
			for _, c := range strings.Split(v, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					codings = append(codings, strings.ToLower(c))
				}
			}
		}
		for i, c := range codings {
			if c != "chunked" {
				return preBodyErr(false, "unsupported transfer-coding %q", c)
			}
			if i != len(codings)-1 {
				return preBodyErr(false, "chunked must be the last transfer-coding")
			}
		}
		if len(clValues) > 0 {
			return preBodyErr(false, "both Content-Length and Transfer-Encoding present")
		}
		e.chunked = true
		return nil
	}

	if len(clValues) > 0 {
		first := clValues[0]
		for _, v := range clValues[1:] {
			if v != first {
				return preBodyErr(false, "conflicting Content-Length values")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 {
			return preBodyErr(false, "invalid Content-Length value %q", first)
		}
		e.contentLength = n
		e.haveContentLength = true
		return nil
	}

	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	if idx := strings.IndexByte(s, ';'); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty chunk size")
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad chunk size %q", s)
	}
	return n, nil
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
