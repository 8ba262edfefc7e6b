// Package providers builds the destination verifier for the configured store.
package providers

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/rescale/rescale-ingest/internal/cloud/providers/azure"
	"github.com/rescale/rescale-ingest/internal/cloud/providers/s3"
	"github.com/rescale/rescale-ingest/internal/cloud/upload"
	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/logging"
)

// ErrUnsupportedStore is returned for a store location without a verifier.
var ErrUnsupportedStore = errors.New("no destination verifier for store location")

// NewVerifier returns the verifier for cfg.Store.Location ("s3" or "azure").
func NewVerifier(ctx context.Context, cfg *config.Config, httpClient *nethttp.Client, logger *logging.Logger) (upload.Verifier, error) {
	switch strings.ToLower(cfg.Store.Location) {
	case "s3":
		region := cfg.AWS.Region
		if region == "" {
			region = cfg.Store.Region
		}
		return s3.NewVerifier(ctx, s3.Options{
			Bucket:          cfg.Store.Container,
			Region:          region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		}, httpClient, logger)
	case "azure":
		return azure.NewVerifier(cfg.Azure.SASURL, cfg.Store.Container, httpClient, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, cfg.Store.Location)
	}
}
