package constants

import (
	"time"
)

// Part and chunk sizing
const (
	// DefaultPartSize - size of each multipart part (8 MB)
	// Part N starts at offset (N-1) * PartSize; the last part holds the remainder.
	DefaultPartSize = 8 * 1024 * 1024

	// DefaultChunkSize - initial chunk size inside a part (1 MB)
	// Chunks are halved on server failure, so this is only the starting point.
	DefaultChunkSize = 1 * 1024 * 1024

	// DesktopChunkSize - initial chunk size for well-connected hosts (8 MB)
	// One chunk per part until the service starts rejecting them.
	DesktopChunkSize = 8 * 1024 * 1024

	// MinChunkSize - floor below which chunks are never split (32 KB)
	// A server failure at or below this size fails the whole part.
	MinChunkSize = 32 * 1024

	// MaxPartSize - upper bound accepted for part_size (5 GB)
	MaxPartSize = 5 * 1024 * 1024 * 1024
)

// Retry configuration
const (
	// MaxRetries - retry budget per part and attempt count for commit/complete
	MaxRetries = 5

	// RetryBackoffBase - base unit of the 2^n backoff used by commit and complete
	// Attempt n (0-based) that ends in a server failure sleeps RetryBackoffBase << n.
	RetryBackoffBase = 1 * time.Second

	// TransportRetries - socket-level retries done by the HTTP layer for one request
	// These never consume the part retry budget.
	TransportRetries = 2

	// TransportRetryWaitMin - minimum wait between socket-level retries (200ms)
	TransportRetryWaitMin = 200 * time.Millisecond

	// TransportRetryWaitMax - maximum wait between socket-level retries (5s)
	TransportRetryWaitMax = 5 * time.Second
)

// Concurrency
const (
	// DefaultChunkConcurrency - concurrent chunk slots per part
	DefaultChunkConcurrency = 8

	// DefaultPartConcurrency - parts uploaded at the same time
	DefaultPartConcurrency = 4

	// MaxConcurrency - cap for both concurrency settings
	MaxConcurrency = 64
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	// 1000 events is generous for one file's chunk churn
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	// Balances responsiveness with performance
	ProgressUpdateInterval = 250 * time.Millisecond
)

// Security policy
const (
	// DefaultPolicyTTL - lifetime of an auto-generated upload policy (1 hour)
	DefaultPolicyTTL = 1 * time.Hour
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPResponseHeaderTimeout - time to wait for response headers after the body is sent
	HTTPResponseHeaderTimeout = 2 * time.Minute
)

// API endpoints
const (
	// DefaultUploadURL - base URL of the ingest service
	DefaultUploadURL = "https://upload.filestackapi.com"

	// StartPath, UploadPath, CommitPath, CompletePath - multipart endpoints under the upload URL
	StartPath    = "/multipart/start"
	UploadPath   = "/multipart/upload"
	CommitPath   = "/multipart/commit"
	CompletePath = "/multipart/complete"
)
