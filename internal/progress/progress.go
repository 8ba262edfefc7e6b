// Package progress tracks upload progress as a weighted tree and renders it
// as terminal bars (mpb), a single bar (progressbar) or nothing.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/rescale-ingest/internal/constants"
)

// SimpleProgress draws one byte-counting bar for the whole file.
type SimpleProgress struct {
	out      io.Writer
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	root     *Node
	filename string
	poll     *poller
	retries  atomic.Int32
}

// NewSimpleProgress creates a single-bar renderer writing to out.
func NewSimpleProgress(out io.Writer) *SimpleProgress {
	return &SimpleProgress{out: out}
}

// Start initializes the bar with the file's size.
func (p *SimpleProgress) Start(filename string, root *Node) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filename = filename
	p.root = root
	p.bar = progressbar.NewOptions64(root.Total(),
		progressbar.OptionSetDescription(truncatePath(filename, 2)),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(constants.ProgressUpdateInterval),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	p.poll = startPoller(p.refresh)
}

func (p *SimpleProgress) refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Set64(p.root.Completed())
	}
}

// AddPart is a no-op; the single bar only follows the root.
func (p *SimpleProgress) AddPart(int, *Node) {}

// Retry bumps the retry count shown in the description.
func (p *SimpleProgress) Retry() {
	n := p.retries.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Describe(fmt.Sprintf("%s (retry %d)", truncatePath(p.filename, 2), n))
	}
}

// Finish stops polling and prints the outcome.
func (p *SimpleProgress) Finish(handle string, err error) {
	p.poll.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	if err != nil {
		_ = p.bar.Exit()
		fmt.Fprintf(p.out, "\n✗ %s: %v\n", truncatePath(p.filename, 2), err)
		return
	}
	_ = p.bar.Set64(p.root.Total())
	_ = p.bar.Finish()
	fmt.Fprintf(p.out, "✓ %s (handle: %s)\n", truncatePath(p.filename, 2), handle)
}

// Writer returns the bar's output.
func (p *SimpleProgress) Writer() io.Writer {
	return p.out
}
