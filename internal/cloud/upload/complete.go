package upload

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/events"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/models"
)

type completePayload struct {
	APIKey     string              `json:"apikey"`
	URI        string              `json:"uri"`
	Region     string              `json:"region"`
	UploadID   string              `json:"upload_id"`
	Filename   string              `json:"filename"`
	MIMEType   string              `json:"mimetype"`
	Size       int64               `json:"size"`
	Store      models.StoreOptions `json:"store"`
	Policy     string              `json:"policy,omitempty"`
	Signature  string              `json:"signature,omitempty"`
	Fii        bool                `json:"fii,omitempty"`
	Parts      []models.PartETag   `json:"parts,omitempty"`
	UploadTags map[string]string   `json:"upload_tags,omitempty"`
}

// Completer finalizes an upload once every part has committed.
type Completer struct {
	svc   *Services
	desc  *models.UploadDescriptor
	etags *PartETags

	mu        sync.Mutex
	exec      *inthttp.Executor[*models.CompleteResponse]
	cancelled bool
}

// NewCompleter creates a Completer reading part ETags from etags.
func NewCompleter(svc *Services, desc *models.UploadDescriptor, etags *PartETags) *Completer {
	return &Completer{svc: svc, desc: desc, etags: etags}
}

// Payload builds the completion request body. Intelligent uploads send
// fii=true in place of the part list.
func (c *Completer) Payload() any {
	p := completePayload{
		APIKey:   c.desc.APIKey,
		URI:      c.desc.URI,
		Region:   c.desc.Region,
		UploadID: c.desc.UploadID,
		Filename: c.desc.Filename,
		MIMEType: c.desc.MIMEType,
		Size:     c.desc.Size,
		Store:    c.desc.Options.Store,
	}
	if c.desc.Security != nil {
		p.Policy = c.desc.Security.EncodedPolicy
		p.Signature = c.desc.Security.Signature
	}
	if c.desc.Options.Intelligent {
		p.Fii = true
	} else {
		p.Parts = c.etags.Entries()
	}
	if len(c.desc.Options.UploadTags) > 0 {
		p.UploadTags = c.desc.Options.UploadTags
	}
	return p
}

// Run submits the completion request, retrying per the services' retry config.
// Only HTTP 200 counts as success. Failure wraps storage.ErrCompleteFailed.
func (c *Completer) Run(ctx context.Context) (*models.CompleteResponse, error) {
	logger := c.svc.logger().Component("complete").WithField("upload_id", c.desc.UploadID)
	url := endpoint(c.desc.UploadURL, constants.CompletePath)
	payload := c.Payload()

	cfg := c.svc.retryConfig()
	cfg.OnRetry = func(attempt int, err error, errType inthttp.ErrorType, delay time.Duration) {
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Str("error_type", inthttp.ErrorTypeName(errType)).
			Dur("delay", delay).
			Msg("complete failed, retrying")
		c.svc.Events.PublishRetry(events.RetryEvent{
			UploadID: c.desc.UploadID,
			Attempt:  attempt,
			Delay:    delay,
			Error:    err,
		})
	}

	exec := inthttp.NewExecutor[*models.CompleteResponse]("complete "+c.desc.Filename, cfg,
		func(ctx context.Context, done func(*models.CompleteResponse, error)) {
			c.svc.Transport.SendJSON(ctx, url, nil, payload, func(resp storage.Response) {
				c.svc.Metrics.CompleteAttempt(resp.StatusCode)
				if resp.Failed() {
					done(nil, resp.Err)
					return
				}
				if resp.StatusCode != nethttp.StatusOK {
					done(nil, storage.NewServerError(resp.StatusCode, resp.Body))
					return
				}
				var out models.CompleteResponse
				if err := decodeJSON(resp, &out); err != nil {
					done(nil, fmt.Errorf("decode complete response: %w", err))
					return
				}
				done(&out, nil)
			})
		})

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", storage.ErrCompleteFailed, storage.ErrCancelled)
	}
	c.exec = exec
	c.mu.Unlock()

	resp, err := exec.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Int("attempts", exec.Attempts()).Msg("complete failed")
		return nil, fmt.Errorf("%w: %w", storage.ErrCompleteFailed, err)
	}
	logger.Info().Str("handle", resp.Handle).Int("attempts", exec.Attempts()).Msg("upload complete")
	return resp, nil
}

// Cancel aborts a Run in progress, discarding any in-flight response.
func (c *Completer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.exec != nil {
		c.exec.Cancel()
	}
}
