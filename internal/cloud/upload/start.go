package upload

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/models"
)

type startPayload struct {
	APIKey    string              `json:"apikey"`
	Filename  string              `json:"filename"`
	MIMEType  string              `json:"mimetype"`
	Size      int64               `json:"size"`
	Store     models.StoreOptions `json:"store"`
	Fii       bool                `json:"fii,omitempty"`
	Policy    string              `json:"policy,omitempty"`
	Signature string              `json:"signature,omitempty"`
}

// Start opens a multipart session for desc and fills in the URI, region and
// upload ID the service assigns.
func Start(ctx context.Context, svc *Services, desc *models.UploadDescriptor) error {
	payload := startPayload{
		APIKey:   desc.APIKey,
		Filename: desc.Filename,
		MIMEType: desc.MIMEType,
		Size:     desc.Size,
		Store:    desc.Options.Store,
		Fii:      desc.Options.Intelligent,
	}
	if desc.Security != nil {
		payload.Policy = desc.Security.EncodedPolicy
		payload.Signature = desc.Security.Signature
	}
	url := endpoint(desc.UploadURL, constants.StartPath)

	exec := inthttp.NewExecutor[*models.StartResponse]("start "+desc.Filename, svc.retryConfig(),
		func(ctx context.Context, done func(*models.StartResponse, error)) {
			svc.Transport.SendJSON(ctx, url, nil, payload, func(resp storage.Response) {
				if resp.Failed() {
					done(nil, resp.Err)
					return
				}
				if resp.StatusCode != nethttp.StatusOK {
					done(nil, storage.NewServerError(resp.StatusCode, resp.Body))
					return
				}
				var out models.StartResponse
				if err := decodeJSON(resp, &out); err != nil {
					done(nil, fmt.Errorf("decode start response: %w", err))
					return
				}
				if out.UploadID == "" {
					done(nil, errors.New("start response has no upload_id"))
					return
				}
				done(&out, nil)
			})
		})

	resp, err := exec.Run(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStartFailed, err)
	}
	desc.URI = resp.URI
	desc.Region = resp.Region
	desc.UploadID = resp.UploadID

	svc.logger().Component("start").Info().
		Str("upload_id", resp.UploadID).
		Str("region", resp.Region).
		Msg("multipart session opened")
	return nil
}
