package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/logging"
)

// maxResponseBody bounds how much of a response body is buffered
const maxResponseBody = 4 << 20

// RequestIDHeader carries a per-request UUID for server-side correlation
const RequestIDHeader = "X-Request-Id"

// TransportOptions configures a Transport
type TransportOptions struct {
	// RequestsPerSecond limits outgoing requests; 0 disables the limiter
	RequestsPerSecond float64
	// Retries is the number of socket-level retries per request (connection errors only)
	Retries int
	// RetryWaitMin and RetryWaitMax bound the jittered wait between socket-level retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *logging.Logger
}

// DefaultTransportOptions returns options with sensible defaults
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		Retries:      constants.TransportRetries,
		RetryWaitMin: constants.TransportRetryWaitMin,
		RetryWaitMax: constants.TransportRetryWaitMax,
	}
}

// Transport implements storage.Transport over go-retryablehttp.
//
// Only connection-level failures are retried here. Every HTTP status, including
// 5xx, is handed back to the caller untouched: chunk splitting and commit
// backoff depend on seeing each server failure.
type Transport struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewTransport wraps httpClient (typically from CreateOptimizedClient).
func NewTransport(httpClient *nethttp.Client, opts TransportOptions) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Component("transport")

	rc := retryablehttp.NewClient()
	if httpClient != nil {
		rc.HTTPClient = httpClient
	}
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = logging.RetryLogger{Logger: logger}
	rc.CheckRetry = retryConnectionErrors
	rc.Backoff = func(min, max time.Duration, attemptNum int, _ *nethttp.Response) time.Duration {
		return CalculateBackoff(attemptNum+1, min, max)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &Transport{client: rc, logger: logger}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return t
}

// retryConnectionErrors retries requests that produced no response and never
// retries on a status code.
func retryConnectionErrors(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Do performs req synchronously.
func (t *Transport) Do(ctx context.Context, req storage.Request) storage.Response {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return storage.Response{Err: fmt.Errorf("%w: rate limiter: %v", storage.ErrTransport, err)}
		}
	}

	method := req.Method
	if method == "" {
		method = nethttp.MethodPost
	}

	body := req.Body
	onProgress := req.OnProgress
	bodyFunc := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return newProgressReader(body, onProgress), nil
	})

	rreq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, bodyFunc)
	if err != nil {
		return storage.Response{Err: fmt.Errorf("%w: build request: %v", storage.ErrTransport, err)}
	}
	for key, values := range req.Header {
		for _, v := range values {
			rreq.Header.Add(key, v)
		}
	}
	if rreq.Header.Get(RequestIDHeader) == "" {
		rreq.Header.Set(RequestIDHeader, uuid.NewString())
	}
	// Set ContentLength explicitly, ReaderFunc bodies don't advertise one
	rreq.ContentLength = int64(len(body))

	resp, err := t.client.Do(rreq)
	if err != nil {
		t.logger.Debug().Err(err).Str("url", req.URL).Msg("request failed without response")
		return storage.Response{Err: fmt.Errorf("%w: %v", storage.ErrTransport, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return storage.Response{Err: fmt.Errorf("%w: read response: %v", storage.ErrTransport, err)}
	}

	return storage.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}
}

// Send performs req on a new goroutine and reports the outcome to callback.
func (t *Transport) Send(ctx context.Context, req storage.Request, callback func(storage.Response)) {
	go func() {
		callback(t.Do(ctx, req))
	}()
}

// SendJSON POSTs payload encoded as JSON.
func (t *Transport) SendJSON(ctx context.Context, url string, header nethttp.Header, payload any, callback func(storage.Response)) {
	body, err := json.Marshal(payload)
	if err != nil {
		go callback(storage.Response{Err: fmt.Errorf("%w: %v", storage.ErrMalformedPayload, err)})
		return
	}

	h := header.Clone()
	if h == nil {
		h = nethttp.Header{}
	}
	h.Set("Content-Type", "application/json")

	t.Send(ctx, storage.Request{
		Method: nethttp.MethodPost,
		URL:    url,
		Header: h,
		Body:   body,
	}, callback)
}

// progressReader reports cumulative bytes read from body.
type progressReader struct {
	r          *bytes.Reader
	sent       atomic.Int64
	onProgress func(int64)
}

func newProgressReader(body []byte, onProgress func(int64)) io.Reader {
	pr := &progressReader{r: bytes.NewReader(body), onProgress: onProgress}
	if onProgress != nil {
		onProgress(0)
	}
	return pr
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onProgress != nil {
		p.onProgress(p.sent.Add(int64(n)))
	}
	return n, err
}

// Len lets net/http size the body when ContentLength is inspected.
func (p *progressReader) Len() int {
	return p.r.Len()
}

var _ storage.Transport = (*Transport)(nil)
