package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/events"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/logging"
	"github.com/rescale/rescale-ingest/internal/models"
	"github.com/rescale/rescale-ingest/internal/progress"
	"github.com/rescale/rescale-ingest/internal/transfer"
)

// PartSubmitter uploads one part as a stream of chunks and commits it.
//
// Chunks run on a bounded queue. Each chunk has a checkpoint task that reacts
// to its outcome: a transport failure resends the same range and costs one
// unit of the part's retry budget; a server failure splits the chunk in two
// and halves the size used for chunks generated afterwards. A before-commit
// barrier depends on every chunk and checkpoint ever created, including those
// a checkpoint adds, so the commit only starts once all of them resolved.
type PartSubmitter struct {
	svc    *Services
	desc   *models.UploadDescriptor
	part   models.Part
	node   *progress.Node
	logger *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	queue   *transfer.Queue
	barrier *transfer.Task[struct{}]

	// Guards everything below; checkpoints are serialized on it
	mu          sync.Mutex
	chunkSize   int64
	retriesLeft int
	failed      bool
	failErr     error
	cancelled   bool
	lastETag    string
	lastEnd     int64
	commitExec  *inthttp.Executor[string]
}

// NewPartSubmitter prepares part for upload. node tracks the part's progress;
// its total should be the part size.
func NewPartSubmitter(svc *Services, desc *models.UploadDescriptor, part models.Part, node *progress.Node) *PartSubmitter {
	chunkSize := desc.Options.InitialChunkSize
	if chunkSize <= 0 {
		chunkSize = constants.DefaultChunkSize
	}
	concurrency := desc.Options.ChunkConcurrency
	if concurrency <= 0 {
		concurrency = constants.DefaultChunkConcurrency
	}
	retries := desc.Options.MaxRetries
	if retries <= 0 {
		retries = constants.MaxRetries
	}
	if node == nil {
		node = progress.NewNode(part.Size)
	}

	return &PartSubmitter{
		svc:  svc,
		desc: desc,
		part: part,
		node: node,
		logger: svc.logger().
			Component("part").
			WithField("upload_id", desc.UploadID).
			WithField("part", part.Number),
		queue:       transfer.NewQueue(fmt.Sprintf("part-%d", part.Number), concurrency),
		chunkSize:   chunkSize,
		retriesLeft: retries,
	}
}

// Run uploads and commits the part, returning its ETag. Any failure is a
// *storage.PartError; cancellation wraps storage.ErrCancelled, budget
// exhaustion wraps storage.ErrRetriesExhausted.
func (p *PartSubmitter) Run(ctx context.Context) (string, error) {
	start := time.Now()
	p.svc.Metrics.PartStarted()
	p.svc.Events.PublishPart(events.EventPartStarted, p.partEvent(0, nil))

	etag, err := p.run(ctx)

	elapsed := time.Since(start)
	p.svc.Metrics.PartFinished(elapsed, err)
	if err != nil {
		p.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("part failed")
		p.svc.Events.PublishPart(events.EventPartFailed, p.partEvent(elapsed, err))
		return "", &storage.PartError{Part: p.part.Number, Err: err}
	}
	p.node.Complete()
	ev := p.partEvent(elapsed, nil)
	ev.ETag = etag
	p.svc.Events.PublishPart(events.EventPartCommitted, ev)
	p.logger.Info().Str("etag", etag).Dur("elapsed", elapsed).Msg("part committed")
	return etag, nil
}

func (p *PartSubmitter) run(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return "", storage.ErrCancelled
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.barrier = transfer.NewTask[struct{}](p.ctx, fmt.Sprintf("part %d before-commit", p.part.Number),
		func(_ context.Context, finish func(struct{}, error)) {
			finish(struct{}{}, nil)
		})
	p.mu.Unlock()
	defer p.cancel()

	p.generate()
	p.queue.Add(p.barrier)

	// Parent cancellation tears down every queued and in-flight chunk
	go func() {
		select {
		case <-p.ctx.Done():
			p.queue.CancelAll()
		case <-p.barrier.Done():
		}
	}()

	<-p.barrier.Done()

	p.mu.Lock()
	failed, failErr := p.failed, p.failErr
	p.mu.Unlock()
	if failed {
		return "", failErr
	}
	if p.barrier.IsCancelled() || p.ctx.Err() != nil {
		return "", storage.ErrCancelled
	}

	return p.commit()
}

// generate carves the part into chunks at the current chunk size until the
// part is covered or the source runs out.
func (p *PartSubmitter) generate() {
	var offset int64
	for offset < p.part.Size {
		n, more := p.generateOne(offset)
		if !more {
			return
		}
		offset += n
	}
}

// generateOne schedules the chunk starting at offset. Checkpoints may run
// between calls and shrink the chunk size.
func (p *PartSubmitter) generateOne(offset int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed || p.ctx.Err() != nil {
		return 0, false
	}
	size := p.chunkSize
	if remaining := p.part.Size - offset; remaining < size {
		size = remaining
	}
	n, err := p.addChunkLocked(offset, size, size)
	if err != nil {
		p.failLocked(err)
		return 0, false
	}
	if n == 0 {
		p.logger.Warn().Int64("offset", offset).Msg("source ended before the part was covered")
		return 0, false
	}
	return n, true
}

// addChunkLocked reads size bytes at offset (within the part) and schedules a
// chunk for them together with its checkpoint. weight is the share of the part's
// progress the chunk accounts for. It returns the number of bytes scheduled,
// 0 at end of source.
func (p *PartSubmitter) addChunkLocked(offset, size, weight int64) (int64, error) {
	data, err := p.desc.Reader.ReadRange(uint64(p.part.Offset+offset), int(size))
	if err != nil {
		return 0, fmt.Errorf("read %d bytes at %d: %w", size, p.part.Offset+offset, err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	chunk := models.Chunk{Part: p.part.Number, Offset: offset, Size: int64(len(data))}
	node := p.node.AddChild(chunk.Size, weight)
	task := newChunkTask(p.ctx, p.svc.Transport, p.desc, chunk, data, node)
	checkpoint := transfer.NewTask[struct{}](p.ctx, chunk.String()+" checkpoint",
		func(_ context.Context, finish func(struct{}, error)) {
			p.checkpoint(task, chunk, node)
			finish(struct{}{}, nil)
		})

	// Wire into the barrier before either task can run
	if err := p.queue.AddDependency(p.barrier, task); err != nil {
		return 0, err
	}
	if err := p.queue.AddDependency(p.barrier, checkpoint); err != nil {
		return 0, err
	}
	p.queue.Add(task)
	p.queue.Add(checkpoint, task)

	p.logger.Debug().Int64("offset", chunk.Offset).Int64("size", chunk.Size).Msg("chunk scheduled")
	return chunk.Size, nil
}

// checkpoint decides what follows a finished chunk.
func (p *PartSubmitter) checkpoint(task *transfer.Task[models.ChunkOutcome], chunk models.Chunk, node *progress.Node) {
	outcome, err := task.Result()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil || outcome.Kind == models.OutcomeCancelled || p.failed || p.ctx.Err() != nil {
		return
	}
	p.svc.Metrics.ChunkFinished(outcome.Kind.String(), chunk.Size)

	switch outcome.Kind {
	case models.OutcomeSuccess:
		node.Complete()
		if chunk.End() >= p.lastEnd {
			p.lastEnd = chunk.End()
			p.lastETag = outcome.ETag
		}

	case models.OutcomeTransportFailure:
		if p.retriesLeft <= 0 {
			p.failLocked(fmt.Errorf("%s: %w: %w", chunk, storage.ErrRetriesExhausted, outcome.Err))
			return
		}
		p.retriesLeft--
		p.logger.Warn().Err(outcome.Err).
			Int64("offset", chunk.Offset).
			Int("retries_left", p.retriesLeft).
			Msg("chunk transport failure, resending")
		p.svc.Events.PublishChunk(events.EventChunkRetried, p.chunkEvent(chunk, outcome, chunk.Size))

		weight := node.Detach()
		if _, err := p.addChunkLocked(chunk.Offset, chunk.Size, weight); err != nil {
			p.failLocked(err)
		}

	case models.OutcomeServerFailure:
		floor := p.minChunkSize()
		if chunk.Size <= floor {
			p.failLocked(fmt.Errorf("%s at minimum chunk size %d: %w", chunk, floor, outcome.Err))
			return
		}
		half := chunk.Size / 2
		if half < p.chunkSize {
			p.chunkSize = half
		}
		p.logger.Warn().Err(outcome.Err).
			Int64("offset", chunk.Offset).
			Int64("size", chunk.Size).
			Int64("new_size", half).
			Msg("chunk rejected, splitting")
		p.svc.Metrics.ChunkSplit()
		p.svc.Events.PublishChunk(events.EventChunkSplit, p.chunkEvent(chunk, outcome, half))

		weight := node.Detach()
		leftWeight := weight / 2
		n, err := p.addChunkLocked(chunk.Offset, half, leftWeight)
		if err != nil {
			p.failLocked(err)
			return
		}
		if n == 0 {
			return
		}
		if _, err := p.addChunkLocked(chunk.Offset+half, chunk.Size-half, weight-leftWeight); err != nil {
			p.failLocked(err)
		}
	}
}

// commit sends the part commit through a retry executor on the calling goroutine.
func (p *PartSubmitter) commit() (string, error) {
	cfg := p.svc.retryConfig()
	cfg.MaxAttempts = p.desc.Options.MaxRetries
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.MaxRetries
	}
	cfg.OnRetry = func(attempt int, err error, errType inthttp.ErrorType, delay time.Duration) {
		p.logger.Warn().Err(err).
			Int("attempt", attempt).
			Str("error_type", inthttp.ErrorTypeName(errType)).
			Dur("delay", delay).
			Msg("commit failed, retrying")
	}

	fallback := func() string {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastETag
	}
	exec := inthttp.NewExecutor(fmt.Sprintf("commit part %d", p.part.Number), cfg,
		commitAttempt(p.svc.Transport, p.svc.Metrics, p.desc, p.part, fallback))

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return "", storage.ErrCancelled
	}
	p.commitExec = exec
	p.mu.Unlock()

	return exec.Run(p.ctx)
}

// Cancel stops the part: queued chunks never run, in-flight chunks and any
// commit in progress are abandoned. Run then returns an error wrapping
// storage.ErrCancelled.
func (p *PartSubmitter) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	cancel := p.cancel
	exec := p.commitExec
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.queue.CancelAll()
	if exec != nil {
		exec.Cancel()
	}
}

// failLocked marks the part failed and cancels all chunk work. The first failure wins.
func (p *PartSubmitter) failLocked(err error) {
	if p.failed {
		return
	}
	p.failed = true
	p.failErr = err
	p.queue.CancelAll()
}

// ChunkSize returns the size used for chunks generated from now on.
func (p *PartSubmitter) ChunkSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunkSize
}

// RetriesLeft returns the remaining transport retry budget.
func (p *PartSubmitter) RetriesLeft() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retriesLeft
}

// QueueStats returns a snapshot of the part's chunk queue.
func (p *PartSubmitter) QueueStats() transfer.QueueStats {
	return p.queue.Stats()
}

func (p *PartSubmitter) minChunkSize() int64 {
	if p.desc.Options.MinChunkSize > 0 {
		return p.desc.Options.MinChunkSize
	}
	return constants.MinChunkSize
}

func (p *PartSubmitter) partEvent(elapsed time.Duration, err error) events.PartEvent {
	return events.PartEvent{
		UploadID: p.desc.UploadID,
		Part:     p.part.Number,
		Offset:   p.part.Offset,
		Size:     p.part.Size,
		Duration: elapsed,
		Error:    err,
	}
}

func (p *PartSubmitter) chunkEvent(chunk models.Chunk, outcome models.ChunkOutcome, newSize int64) events.ChunkEvent {
	return events.ChunkEvent{
		UploadID:    p.desc.UploadID,
		Part:        chunk.Part,
		Offset:      chunk.Offset,
		Size:        chunk.Size,
		NewSize:     newSize,
		StatusCode:  outcome.StatusCode,
		RetriesLeft: p.retriesLeft,
		Error:       outcome.Err,
	}
}

// IsCancelled reports whether err is a part cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, storage.ErrCancelled)
}
