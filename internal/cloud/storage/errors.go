package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Common ingest operation errors
var (
	// ErrTransport indicates a request got no HTTP response (connection refused, reset, timeout)
	ErrTransport = errors.New("transport failure")
	// ErrCancelled indicates the operation was cancelled by the caller
	ErrCancelled = errors.New("operation cancelled")
	// ErrRetriesExhausted indicates every allowed attempt failed
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrMalformedPayload indicates a request payload could not be serialized
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEndOfSource indicates the byte source had no data at the requested position
	ErrEndOfSource = errors.New("end of source")
	// ErrPartFailed indicates a part could not be uploaded or committed
	ErrPartFailed = errors.New("part failed")
	// ErrCompleteFailed indicates the completion request never succeeded
	ErrCompleteFailed = errors.New("complete failed")
	// ErrStartFailed indicates the multipart session could not be opened
	ErrStartFailed = errors.New("start failed")
	// ErrVerificationFailed indicates the stored object does not match the local file
	ErrVerificationFailed = errors.New("destination verification failed")
	// ErrEmptySource indicates there is nothing to upload
	ErrEmptySource = errors.New("source is empty")
)

// ServerError is an HTTP response whose status was not the expected success code.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, body)
}

// PartError wraps the terminal error of a single part.
type PartError struct {
	Part int
	Err  error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d: %v", e.Part, e.Err)
}

func (e *PartError) Unwrap() []error {
	return []error{ErrPartFailed, e.Err}
}

// NewServerError builds a ServerError from a status code and raw body.
func NewServerError(statusCode int, body []byte) error {
	return &ServerError{StatusCode: statusCode, Body: strings.TrimSpace(string(body))}
}

// IsServerError reports whether err carries an HTTP response.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// IsTransportError reports whether err is a failure with no HTTP response.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	return !IsServerError(err) && IsNetworkError(err)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNetworkError checks if an error is network-related
// Useful for errors that surface without a wrapped ErrTransport
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkIndicators := []string{
		"connection",    // connection refused, connection reset, etc.
		"timeout",       // i/o timeout, dial timeout, etc.
		"network",       // network unreachable, network error, etc.
		"eof",           // unexpected EOF
		"broken pipe",   // broken pipe
		"tls handshake", // TLS handshake errors
		"no such host",  // DNS
	}

	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
