package upload

import (
	"context"
	"encoding/json"
	nethttp "net/http"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/metrics"
	"github.com/rescale/rescale-ingest/internal/models"
)

type commitPayload struct {
	APIKey    string              `json:"apikey"`
	URI       string              `json:"uri"`
	Region    string              `json:"region"`
	UploadID  string              `json:"upload_id"`
	Store     models.StoreOptions `json:"store"`
	Part      int                 `json:"part"`
	Size      int64               `json:"size"`
	Policy    string              `json:"policy,omitempty"`
	Signature string              `json:"signature,omitempty"`
}

func newCommitPayload(desc *models.UploadDescriptor, part models.Part) commitPayload {
	p := commitPayload{
		APIKey:   desc.APIKey,
		URI:      desc.URI,
		Region:   desc.Region,
		UploadID: desc.UploadID,
		Store:    desc.Options.Store,
		Part:     part.Number,
		Size:     part.Size,
	}
	if desc.Security != nil {
		p.Policy = desc.Security.EncodedPolicy
		p.Signature = desc.Security.Signature
	}
	return p
}

// commitAttempt sends one commit request for part. A 200 yields the part's
// ETag, taken from the response or, failing that, fallbackETag. Every other
// outcome is a plain failure left to the caller's retry loop.
func commitAttempt(
	transport storage.Transport,
	m *metrics.Metrics,
	desc *models.UploadDescriptor,
	part models.Part,
	fallbackETag func() string,
) inthttp.Attempt[string] {
	url := endpoint(desc.UploadURL, constants.CommitPath)
	payload := newCommitPayload(desc, part)

	return func(ctx context.Context, done func(string, error)) {
		transport.SendJSON(ctx, url, nil, payload, func(resp storage.Response) {
			m.CommitAttempt(resp.StatusCode)
			if resp.Failed() {
				done("", resp.Err)
				return
			}
			if resp.StatusCode != nethttp.StatusOK {
				done("", storage.NewServerError(resp.StatusCode, resp.Body))
				return
			}
			etag := responseETag(resp)
			if etag == "" {
				etag = fallbackETag()
			}
			done(etag, nil)
		})
	}
}

// decodeJSON unmarshals a successful response body into v.
func decodeJSON(resp storage.Response, v any) error {
	return json.Unmarshal(resp.Body, v)
}
