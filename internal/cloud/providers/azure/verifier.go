// Package azure checks blobs the ingest service stored in Azure.
package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/rescale/rescale-ingest/internal/logging"
)

// propertiesFunc returns the content length of a blob
type propertiesFunc func(ctx context.Context, container, key string) (int64, error)

// Verifier compares a blob's size with the uploaded file.
type Verifier struct {
	container  string
	properties propertiesFunc
	logger     *logging.Logger
}

// NewVerifier creates a verifier from an account SAS URL
// (https://<account>.blob.core.windows.net/?sv=...).
func NewVerifier(sasURL, container string, httpClient *nethttp.Client, logger *logging.Logger) (*Verifier, error) {
	if sasURL == "" {
		return nil, errors.New("azure verifier needs azure.sas_url")
	}
	if container == "" {
		return nil, errors.New("azure verifier needs a container (store.container)")
	}

	opts := &azblob.ClientOptions{}
	if httpClient != nil {
		opts.ClientOptions = azcore.ClientOptions{Transport: httpClient}
	}
	client, err := azblob.NewClientWithNoCredential(sasURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	props := func(ctx context.Context, container, key string) (int64, error) {
		blob := client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
		resp, err := blob.GetProperties(ctx, nil)
		if err != nil {
			return 0, err
		}
		if resp.ContentLength == nil {
			return 0, errors.New("response has no content length")
		}
		return *resp.ContentLength, nil
	}
	return newVerifier(container, props, logger), nil
}

func newVerifier(container string, props propertiesFunc, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Verifier{
		container:  container,
		properties: props,
		logger:     logger.Component("verify").WithField("store", "azure"),
	}
}

// Verify checks that key exists in the container and holds size bytes.
func (v *Verifier) Verify(ctx context.Context, key string, size int64) error {
	got, err := v.properties(ctx, v.container, key)
	if err != nil {
		return fmt.Errorf("get properties of %s/%s: %w", v.container, key, err)
	}
	if got != size {
		return fmt.Errorf("blob %s/%s is %d bytes, expected %d", v.container, key, got, size)
	}
	v.logger.Debug().Str("key", key).Int64("size", got).Msg("destination verified")
	return nil
}
