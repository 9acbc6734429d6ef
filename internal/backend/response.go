package backend

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response is the outcome of a relayed backend call. It is either *Buffered
// or *Streamed; callers dispatch with a type switch.
type Response interface {
	backendResponse()
}

// Buffered is a complete, non-chunked backend response.
type Buffered struct {
	Status int
	Header http.Header
	Body   []byte
}

// Streamed is a chunked backend response whose body is read incrementally.
// The caller owns Body and must close it.
type Streamed struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

func (*Buffered) backendResponse() {}
func (*Streamed) backendResponse() {}

// ErrCircuitOpen is returned while the backend circuit breaker is open.
var ErrCircuitOpen = errors.New("backend circuit open: too many consecutive connection failures")

// TransportError means the backend could not be reached or the connection
// broke before a response was read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError means the backend answered but reported a failure or sent a
// reply that could not be decoded.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// isChunked reports whether the backend framed its body with chunked
// transfer encoding. net/http moves Transfer-Encoding out of the header map
// into resp.TransferEncoding, so both are checked.
func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	for _, v := range resp.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// ResponseHeaders returns a copy of h without the framing headers the
// client-facing transport recomputes.
func ResponseHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Del("Transfer-Encoding")
	out.Del("Content-Length")
	return out
}

// RequestHeaders returns a copy of h without the connection-specific headers
// the outbound transport recomputes.
func RequestHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Del("Host")
	out.Del("Content-Length")
	return out
}
