package upload

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	nethttp "net/http"
	"strconv"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/models"
	"github.com/rescale/rescale-ingest/internal/progress"
	"github.com/rescale/rescale-ingest/internal/transfer"
)

// Chunk request headers
const (
	HeaderAPIKey   = "X-Upload-Api-Key"
	HeaderURI      = "X-Upload-URI"
	HeaderRegion   = "X-Upload-Region"
	HeaderUploadID = "X-Upload-ID"
	HeaderPart     = "X-Upload-Part"
	HeaderOffset   = "X-Upload-Offset"
	HeaderSize     = "X-Upload-Size"
	HeaderFii      = "X-Upload-Fii"
)

// newChunkTask returns a task that uploads data as chunk and reports the outcome.
// The task's error is only set when it is cancelled before the response arrives.
func newChunkTask(
	ctx context.Context,
	transport storage.Transport,
	desc *models.UploadDescriptor,
	chunk models.Chunk,
	data []byte,
	node *progress.Node,
) *transfer.Task[models.ChunkOutcome] {
	req := storage.Request{
		Method:     nethttp.MethodPost,
		URL:        endpoint(desc.UploadURL, constants.UploadPath),
		Header:     chunkHeaders(desc, chunk, data),
		Body:       data,
		OnProgress: node.SetCompleted,
	}
	return transfer.NewTask[models.ChunkOutcome](ctx, chunk.String(), func(ctx context.Context, finish func(models.ChunkOutcome, error)) {
		transport.Send(ctx, req, func(resp storage.Response) {
			finish(classifyChunkResponse(ctx, resp), nil)
		})
	})
}

func chunkHeaders(desc *models.UploadDescriptor, chunk models.Chunk, data []byte) nethttp.Header {
	sum := md5.Sum(data)
	h := nethttp.Header{}
	h.Set(HeaderAPIKey, desc.APIKey)
	h.Set(HeaderURI, desc.URI)
	h.Set(HeaderRegion, desc.Region)
	h.Set(HeaderUploadID, desc.UploadID)
	h.Set(HeaderPart, strconv.Itoa(chunk.Part))
	h.Set(HeaderOffset, strconv.FormatInt(chunk.Offset, 10))
	h.Set(HeaderSize, strconv.Itoa(len(data)))
	h.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	h.Set("Content-Type", "application/octet-stream")
	if desc.Options.Intelligent {
		h.Set(HeaderFii, "true")
	}
	return h
}

// classifyChunkResponse maps a transport response to a chunk outcome.
// Only 200 is success; no response at all is a transport failure unless ctx was cancelled.
func classifyChunkResponse(ctx context.Context, resp storage.Response) models.ChunkOutcome {
	if resp.Failed() {
		if ctx.Err() != nil {
			return models.ChunkOutcome{Kind: models.OutcomeCancelled, Err: storage.ErrCancelled}
		}
		return models.ChunkOutcome{Kind: models.OutcomeTransportFailure, Err: resp.Err}
	}
	if resp.StatusCode != nethttp.StatusOK {
		return models.ChunkOutcome{
			Kind:       models.OutcomeServerFailure,
			StatusCode: resp.StatusCode,
			Err:        storage.NewServerError(resp.StatusCode, resp.Body),
		}
	}
	return models.ChunkOutcome{Kind: models.OutcomeSuccess, ETag: responseETag(resp)}
}

// responseETag reads the ETag header, falling back to an "etag" JSON field.
func responseETag(resp storage.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	var body struct {
		ETag string `json:"etag"`
	}
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		return body.ETag
	}
	return ""
}
