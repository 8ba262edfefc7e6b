package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/events"
	"github.com/rescale/rescale-ingest/internal/localfs"
	"github.com/rescale/rescale-ingest/internal/models"
	"github.com/rescale/rescale-ingest/internal/progress"
)

// Verifier checks the object the service stored under key.
type Verifier interface {
	Verify(ctx context.Context, key string, size int64) error
}

// Options configures one upload.
type Options struct {
	APIKey    string
	UploadURL string
	PartSize  int64
	MIMEType  string // Sniffed from content when empty
	Security  *models.Security
	Upload    models.UploadOptions

	Renderer progress.Renderer // Defaults to progress.NoOp
	Verifier Verifier          // Optional post-completion check
}

// Uploader drives whole-file uploads: start, parts, completion.
type Uploader struct {
	svc *Services
}

// NewUploader creates an Uploader using svc for all requests.
func NewUploader(svc *Services) *Uploader {
	return &Uploader{svc: svc}
}

// UploadFile uploads the file at path.
func (u *Uploader) UploadFile(ctx context.Context, path string, opts Options) (*models.CompleteResponse, error) {
	r, err := localfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer r.Close()

	if opts.MIMEType == "" {
		if mtype, err := mimetype.DetectFile(path); err == nil {
			opts.MIMEType = mediaType(mtype.String())
		}
	}
	return u.Upload(ctx, r, r.Name(), r.Size(), opts)
}

// Upload uploads size bytes read from src as filename.
//
// Parts run concurrently up to Upload.PartConcurrency. The first part failure
// cancels the others and is returned; completion only runs when every part
// committed. If verification fails the completed response is returned
// together with an error wrapping storage.ErrVerificationFailed.
func (u *Uploader) Upload(ctx context.Context, src storage.Reader, filename string, size int64, opts Options) (*models.CompleteResponse, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s: %w", filename, storage.ErrEmptySource)
	}
	opts = withDefaults(opts)

	svc := *u.svc
	if svc.Events == nil {
		svc.Events = events.NewEventBus(0)
		defer svc.Events.Close()
	}
	logger := svc.logger().Component("upload").WithField("file", filename)

	desc := &models.UploadDescriptor{
		APIKey:    opts.APIKey,
		UploadURL: opts.UploadURL,
		Filename:  filename,
		MIMEType:  opts.MIMEType,
		Size:      size,
		Options:   opts.Upload,
		Security:  opts.Security,
		Reader:    storage.NewSerialReader(src),
	}

	start := time.Now()
	if err := Start(ctx, &svc, desc); err != nil {
		return nil, u.failed(&svc, desc, opts.Renderer, start, err)
	}
	logger = logger.WithField("upload_id", desc.UploadID)

	parts := models.Partition(size, opts.PartSize)
	svc.Events.PublishUpload(events.EventUploadStarted, events.UploadEvent{
		UploadID: desc.UploadID,
		Filename: filename,
		Size:     size,
		Parts:    len(parts),
	})
	logger.Info().Int64("size", size).Int("parts", len(parts)).Msg("upload started")

	root := progress.NewNode(size)
	opts.Renderer.Start(filename, root)
	stopRetries := forwardRetries(svc.Events, desc.UploadID, opts.Renderer)

	etags := NewPartETags()
	err := u.uploadParts(ctx, &svc, desc, parts, root, etags, opts)
	if err == nil {
		var resp *models.CompleteResponse
		resp, err = NewCompleter(&svc, desc, etags).Run(ctx)
		if err == nil {
			stopRetries()
			return u.completed(ctx, &svc, desc, opts, resp, start)
		}
	}
	stopRetries()
	if ctx.Err() != nil && !errors.Is(err, storage.ErrCancelled) {
		err = fmt.Errorf("%w: %w", storage.ErrCancelled, err)
	}
	return nil, u.failed(&svc, desc, opts.Renderer, start, err)
}

// uploadParts runs one PartSubmitter per part and records each ETag.
func (u *Uploader) uploadParts(
	ctx context.Context,
	svc *Services,
	desc *models.UploadDescriptor,
	parts []models.Part,
	root *progress.Node,
	etags *PartETags,
	opts Options,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Upload.PartConcurrency)

	for _, part := range parts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			node := root.AddChild(part.Size, part.Size)
			opts.Renderer.AddPart(part.Number, node)

			etag, err := NewPartSubmitter(svc, desc, part, node).Run(gctx)
			if err != nil {
				return err
			}
			etags.Set(part.Number, etag)
			svc.Events.PublishProgress(desc.UploadID, desc.Filename, root.Completed(), root.Total())
			return nil
		})
	}
	return g.Wait()
}

func (u *Uploader) completed(
	ctx context.Context,
	svc *Services,
	desc *models.UploadDescriptor,
	opts Options,
	resp *models.CompleteResponse,
	start time.Time,
) (*models.CompleteResponse, error) {
	elapsed := time.Since(start)
	opts.Renderer.Finish(resp.Handle, nil)
	svc.Events.PublishUpload(events.EventUploadCompleted, events.UploadEvent{
		UploadID: desc.UploadID,
		Filename: desc.Filename,
		Size:     desc.Size,
		Handle:   resp.Handle,
		URL:      resp.URL,
		Duration: elapsed,
	})

	if opts.Verifier == nil || resp.Key == "" {
		return resp, nil
	}
	if err := opts.Verifier.Verify(ctx, resp.Key, desc.Size); err != nil {
		svc.logger().Component("verify").Error().Err(err).Str("key", resp.Key).Msg("destination verification failed")
		svc.Events.PublishLog(events.WarnLevel, desc.UploadID, "destination verification failed for "+resp.Key, err)
		return resp, fmt.Errorf("%w: %w", storage.ErrVerificationFailed, err)
	}
	return resp, nil
}

func (u *Uploader) failed(svc *Services, desc *models.UploadDescriptor, r progress.Renderer, start time.Time, err error) error {
	r.Finish("", err)
	svc.Events.PublishUpload(events.EventUploadFailed, events.UploadEvent{
		UploadID: desc.UploadID,
		Filename: desc.Filename,
		Size:     desc.Size,
		Duration: time.Since(start),
		Error:    err,
	})
	return fmt.Errorf("upload %s: %w", desc.Filename, err)
}

// forwardRetries bumps the renderer's retry count for this upload's chunk
// retries and splits until the returned stop function is called.
func forwardRetries(bus *events.EventBus, uploadID string, r progress.Renderer) func() {
	ch := bus.Subscribe(events.EventChunkRetried, events.EventChunkSplit)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if ce, ok := e.(*events.ChunkEvent); ok && ce.UploadID == uploadID {
					r.Retry()
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
		bus.Unsubscribe(ch)
	}
}

func withDefaults(opts Options) Options {
	if opts.UploadURL == "" {
		opts.UploadURL = constants.DefaultUploadURL
	}
	if opts.PartSize <= 0 {
		opts.PartSize = constants.DefaultPartSize
	}
	if opts.MIMEType == "" {
		opts.MIMEType = "application/octet-stream"
	}
	if opts.Renderer == nil {
		opts.Renderer = progress.NoOp{}
	}
	if opts.Upload.PartConcurrency <= 0 {
		opts.Upload.PartConcurrency = constants.DefaultPartConcurrency
	}
	if opts.Upload.Store.Location == "" {
		opts.Upload.Store.Location = "s3"
	}
	return opts
}

// mediaType drops parameters such as charset from a MIME string.
func mediaType(s string) string {
	t, _, _ := strings.Cut(s, ";")
	return strings.TrimSpace(t)
}
