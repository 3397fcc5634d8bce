package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/wudi/relay/internal/headers"
)

// EarlyResponse short-circuits a flow and is written to the client verbatim.
// It travels as an error so any stage can return it.
type EarlyResponse struct {
	StatusCode int
	Headers    *headers.Map
	Body       []byte
	underlying error
}

func (e *EarlyResponse) Error() string {
	msg := fmt.Sprintf("early response %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.underlying != nil {
		return msg + ": " + e.underlying.Error()
	}
	return msg
}

func (e *EarlyResponse) Unwrap() error {
	return e.underlying
}

// WriteTo writes the status, headers and body to w.
func (e *EarlyResponse) WriteTo(w http.ResponseWriter) {
	if e.Headers != nil {
		e.Headers.WriteTo(w.Header())
	}
	w.WriteHeader(e.StatusCode)
	if len(e.Body) > 0 {
		w.Write(e.Body)
	}
}

// Common early responses. Use the With* methods to derive variants.
var (
	ErrNoMatch = &EarlyResponse{
		StatusCode: http.StatusNotFound,
	}

	ErrRequestIncomplete = &EarlyResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte("Request not complete"),
	}

	ErrNoServiceResponse = &EarlyResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte("No service call response"),
	}

	ErrProxy = &EarlyResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte("Proxy Server Error"),
	}
)

// Bail creates an early response with the given status code.
func Bail(code int) *EarlyResponse {
	return &EarlyResponse{StatusCode: code}
}

// Wrap creates an early response that records the error that caused it.
func Wrap(err error, code int, body string) *EarlyResponse {
	return &EarlyResponse{
		StatusCode: code,
		Body:       []byte(body),
		underlying: err,
	}
}

// WithHeader returns a copy with the header set.
func (e *EarlyResponse) WithHeader(name, value string) *EarlyResponse {
	c := e.clone()
	c.Headers.Set(name, value)
	return c
}

// WithHeaders returns a copy with every header of h assigned.
func (e *EarlyResponse) WithHeaders(h *headers.Map) *EarlyResponse {
	c := e.clone()
	c.Headers.Assign(h)
	return c
}

// WithBody returns a copy with the body replaced.
func (e *EarlyResponse) WithBody(body []byte) *EarlyResponse {
	c := e.clone()
	c.Body = body
	return c
}

func (e *EarlyResponse) clone() *EarlyResponse {
	h := headers.New()
	if e.Headers != nil {
		h = e.Headers.Clone()
	}
	return &EarlyResponse{
		StatusCode: e.StatusCode,
		Headers:    h,
		Body:       e.Body,
		underlying: e.underlying,
	}
}

// AsEarlyResponse finds an early response in err's chain.
func AsEarlyResponse(err error) (*EarlyResponse, bool) {
	var er *EarlyResponse
	if stderrors.As(err, &er) {
		return er, true
	}
	return nil, false
}

// NoHandlerError is returned by a bail-or-default hook point when no handler
// claimed the call.
type NoHandlerError struct {
	Hook string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler claimed %s", e.Hook)
}

// IsNoHandler reports whether err is a NoHandlerError.
func IsNoHandler(err error) bool {
	var nh *NoHandlerError
	return stderrors.As(err, &nh)
}
