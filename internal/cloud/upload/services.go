// Package upload implements the multipart ingest engine: chunk uploads with
// adaptive splitting inside each part, part commits, and the completion
// handshake that finalizes a file.
package upload

import (
	"strings"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/events"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/logging"
	"github.com/rescale/rescale-ingest/internal/metrics"
)

// Services bundles the collaborators shared by all work of an upload.
// Only Transport is required.
type Services struct {
	Transport storage.Transport
	Logger    *logging.Logger
	Events    *events.EventBus
	Metrics   *metrics.Metrics

	// Retry drives start and complete. Its BackoffBase also paces part commits,
	// whose attempt count comes from the upload's MaxRetries.
	Retry inthttp.Config
}

func (s *Services) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.NewNopLogger()
	}
	return s.Logger
}

func (s *Services) retryConfig() inthttp.Config {
	cfg := s.Retry
	defaults := inthttp.DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	return cfg
}

// endpoint joins the service base URL and an API path
func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
