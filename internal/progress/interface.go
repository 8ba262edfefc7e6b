package progress

import (
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/rescale/rescale-ingest/internal/constants"
)

// Renderer displays the progress of one upload.
//
// The uploader hands over the progress tree root once the parts are known and
// each part node as the part starts; renderers poll the nodes themselves.
type Renderer interface {
	// Start begins displaying root, the node for the whole file
	Start(filename string, root *Node)

	// AddPart registers the node of a part that just started
	AddPart(number int, node *Node)

	// Retry notes that a chunk was resent or split
	Retry()

	// Finish stops rendering and prints a one-line summary
	Finish(handle string, err error)

	// Writer returns an io.Writer that safely outputs above the progress display
	Writer() io.Writer
}

// New returns the renderer for mode ("bars", "simple" or "none") writing to w.
// "bars" degrades to line output when w is not a terminal.
func New(mode string, w io.Writer) Renderer {
	switch mode {
	case "none":
		return NoOp{Out: w}
	case "simple":
		return NewSimpleProgress(w)
	default:
		return NewUploadUI(w, isTerminal(w))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// poller calls fn every ProgressUpdateInterval until stopped
type poller struct {
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func startPoller(fn func()) *poller {
	p := &poller{stop: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(constants.ProgressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return p
}

// Stop halts polling and waits for an in-flight update to return. Safe on nil.
func (p *poller) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// NoOp renders nothing. Writer returns Out, or stderr when unset.
type NoOp struct {
	Out io.Writer
}

func (NoOp) Start(string, *Node) {}
func (NoOp) AddPart(int, *Node) {}
func (NoOp) Retry() {}
func (NoOp) Finish(string, error) {}
func (n NoOp) Writer() io.Writer {
	if n.Out == nil {
		return os.Stderr
	}
	return n.Out
}
