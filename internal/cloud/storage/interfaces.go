// Package storage provides the common contracts and error taxonomy for ingest operations.
// The upload engine only talks to the network and to the byte source through these
// interfaces, so tests can script both deterministically.
package storage

import (
	"context"
	"net/http"
	"sync"
)

// Request is a single HTTP request issued by the upload engine.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// OnProgress receives the cumulative number of body bytes sent.
	// It may be called from any goroutine and is reset to zero on a socket-level retry.
	OnProgress func(sent int64)
}

// Response is the outcome of a Request.
// When the request got no HTTP response, StatusCode is 0 and Err is set.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// Failed reports whether the request never produced an HTTP response.
func (r Response) Failed() bool {
	return r.StatusCode == 0
}

// Transport performs HTTP calls asynchronously and reports back via callback.
// The callback is invoked exactly once, from an arbitrary goroutine.
type Transport interface {
	Send(ctx context.Context, req Request, callback func(Response))

	// SendJSON POSTs payload as a JSON body. A payload that cannot be
	// serialized is reported as a Response with Err wrapping ErrMalformedPayload.
	SendJSON(ctx context.Context, url string, header http.Header, payload any, callback func(Response))
}

// Reader is a stateful, seekable byte source.
// Read returns at most amount bytes from the current position; an empty slice means end of source.
type Reader interface {
	Seek(position uint64) error
	Read(amount int) ([]byte, error)
}

// SerialReader serializes Seek+Read pairs on a Reader shared by concurrent parts.
type SerialReader struct {
	mu sync.Mutex
	r  Reader
}

// NewSerialReader wraps r.
func NewSerialReader(r Reader) *SerialReader {
	return &SerialReader{r: r}
}

// ReadRange seeks to position and reads up to amount bytes as one atomic step.
func (s *SerialReader) ReadRange(position uint64, amount int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.r.Seek(position); err != nil {
		return nil, err
	}
	return s.r.Read(amount)
}
