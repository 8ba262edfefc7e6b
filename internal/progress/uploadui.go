package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// UploadUI renders an upload as an mpb file bar plus one bar per active part.
// When the output is not a terminal it prints start and finish lines only.
type UploadUI struct {
	out        io.Writer
	progress   *mpb.Progress
	isTerminal bool

	mu       sync.Mutex
	filename string
	root     *Node
	file     *trackedBar
	parts    map[int]*trackedBar
	poll     *poller
	retries  atomic.Int32
	started  time.Time
	finished bool
}

// trackedBar pairs a bar with the node it follows
type trackedBar struct {
	bar        *mpb.Bar
	node       *Node
	lastUpdate time.Time
}

// NewUploadUI creates a renderer writing to out. terminal selects bar output.
func NewUploadUI(out io.Writer, terminal bool) *UploadUI {
	var p *mpb.Progress
	if terminal {
		if f, ok := out.(*os.File); ok {
			enableANSIOnWindows(f)
		}
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	}
	return &UploadUI{
		out:        out,
		progress:   p,
		isTerminal: terminal,
		parts:      make(map[int]*trackedBar),
	}
}

// Start adds the file bar and begins polling.
func (u *UploadUI) Start(filename string, root *Node) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.filename = filename
	u.root = root
	u.started = time.Now()
	size := root.Total()

	if !u.isTerminal {
		fmt.Fprintf(u.out, "Uploading %s (%.1f MiB)\n", truncatePath(filename, 2), mib(size))
		return
	}

	label := fmt.Sprintf("%s (%.1f MiB)", truncatePath(filename, 2), mib(size))
	bar := u.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				if n := u.retries.Load(); n > 0 {
					return fmt.Sprintf("%s (retry %d)", label, n)
				}
				return label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
	)
	u.file = &trackedBar{bar: bar, node: root, lastUpdate: time.Now()}
	u.poll = startPoller(u.refresh)
}

// AddPart adds a bar for a part, removed again once the part finishes.
func (u *UploadUI) AddPart(number int, node *Node) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.isTerminal || u.finished {
		return
	}
	bar := u.progress.New(node.Total(),
		mpb.BarStyle().Lbound(" ").Filler("─").Tip("─").Padding(" ").Rbound(" "),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("  part %d", number), decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	u.parts[number] = &trackedBar{bar: bar, node: node, lastUpdate: time.Now()}
}

// refresh copies node progress into the bars
func (u *UploadUI) refresh() {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if u.file != nil {
		// EwmaSetCurrent must see time passing even when no bytes moved
		u.file.bar.EwmaSetCurrent(u.file.node.Completed(), now.Sub(u.file.lastUpdate))
		u.file.lastUpdate = now
	}

	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		pb := u.parts[n]
		if pb.node.IsFinished() {
			pb.bar.SetTotal(pb.node.Total(), true)
			delete(u.parts, n)
			continue
		}
		pb.bar.SetCurrent(pb.node.Completed())
	}
}

// Retry bumps the retry count shown on the file bar.
func (u *UploadUI) Retry() {
	u.retries.Add(1)
}

// Finish completes or aborts every bar and prints the summary line.
func (u *UploadUI) Finish(handle string, err error) {
	u.poll.Stop()

	u.mu.Lock()
	u.finished = true
	if u.isTerminal {
		for n, pb := range u.parts {
			pb.bar.Abort(true)
			delete(u.parts, n)
		}
		if u.file != nil {
			if err == nil {
				u.file.bar.SetCurrent(u.root.Total())
				u.file.bar.SetTotal(u.root.Total(), true)
			} else {
				u.file.bar.Abort(false)
			}
		}
	}
	elapsed := time.Since(u.started)
	msg := u.summary(handle, err, elapsed)
	u.mu.Unlock()

	if u.isTerminal {
		_, _ = u.progress.Write([]byte(msg))
		u.progress.Wait()
		return
	}
	fmt.Fprint(u.out, msg)
}

func (u *UploadUI) summary(handle string, err error, elapsed time.Duration) string {
	name := truncatePath(u.filename, 2)
	var size int64
	if u.root != nil {
		size = u.root.Total()
	}
	if err != nil {
		return fmt.Sprintf("✗ %s: %v (after %d retries)\n", name, err, u.retries.Load())
	}
	speed := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		speed = mib(size) / secs
	}
	return fmt.Sprintf("✓ %s (handle: %s, %.1f MiB, %s, %.1f MiB/s)\n",
		name, handle, mib(size), elapsed.Round(time.Second), speed)
}

// Writer returns an io.Writer that prints above the bars when they are active.
func (u *UploadUI) Writer() io.Writer {
	if u.isTerminal && u.progress != nil {
		return u.progress
	}
	return u.out
}

// IsTerminal reports whether bars are drawn.
func (u *UploadUI) IsTerminal() bool {
	return u.isTerminal
}

func mib(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows consoles.
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
