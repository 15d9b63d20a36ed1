package message

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fault is an error carrying the status a transport should report for it.
type Fault struct {
	Status int
	Code   string
	Mode   FaultMode
	Err    error
	// Headers are added to the fault response.
	Headers http.Header
}

// NewFault creates a fault with an HTTP-style status.
func NewFault(status int, code string, err error) *Fault {
	return &Fault{Status: status, Code: code, Mode: RuntimeFault, Err: err}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Code
	}
	if f.Code == "" {
		return f.Err.Error()
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// WithHeader sets a response header and returns f.
func (f *Fault) WithHeader(key, value string) *Fault {
	if f.Headers == nil {
		f.Headers = make(http.Header)
	}
	f.Headers.Set(key, value)
	return f
}

// HeadersOf returns the response headers of the first Fault in err's chain.
func HeadersOf(err error) http.Header {
	var f *Fault
	if errors.As(err, &f) {
		return f.Headers
	}
	return nil
}

// StatusOf returns the status of the first Fault in err's chain, or 500.
func StatusOf(err error) int {
	var f *Fault
	if errors.As(err, &f) && f.Status > 0 {
		return f.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code of the first Fault in err's chain, or "internal".
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) && f.Code != "" {
		return f.Code
	}
	return "internal"
}

// byteSource is implemented by buffered stores such as a cached output stream.
type byteSource interface {
	Bytes() ([]byte, error)
}

// ReadPayload returns the payload bytes, reading them from the cached input or the raw
// input stream on first use. The result is stored in ContentPayload.
func (m *Message) ReadPayload() ([]byte, error) {
	if b, ok := m.Content(ContentPayload).([]byte); ok {
		return b, nil
	}
	var (
		b   []byte
		err error
	)
	switch {
	case m.Content(ContentCachedInput) != nil:
		src, ok := m.Content(ContentCachedInput).(byteSource)
		if !ok {
			return nil, fmt.Errorf("cached input of type %T is not readable", m.Content(ContentCachedInput))
		}
		b, err = src.Bytes()
	case m.Content(ContentInputStream) != nil:
		r, ok := m.Content(ContentInputStream).(io.Reader)
		if !ok {
			return nil, fmt.Errorf("input stream of type %T is not a reader", m.Content(ContentInputStream))
		}
		b, err = io.ReadAll(r)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if b == nil {
		b = []byte{}
	}
	m.SetContent(ContentPayload, b)
	return b, nil
}
