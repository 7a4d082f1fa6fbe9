package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Tracker accumulates byte and file counters from concurrent fetch tasks
// and renders a single-line CLI progress display. All mutation goes
// through atomics; the render loop is the only reader that formats them.
type Tracker struct {
	out io.Writer

	totalBytes   atomic.Int64
	writtenBytes atomic.Int64
	totalFiles   atomic.Int32
	doneFiles    atomic.Int32

	startedAt time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool
}

// New creates a Tracker writing to out. A nil out defaults to stdout.
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stdout
	}
	return &Tracker{
		out:    out,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ExpectFile registers one more file and its size hint (0 when unknown)
// before downloads begin.
func (t *Tracker) ExpectFile(sizeHint int64) {
	t.totalFiles.Add(1)
	if sizeHint > 0 {
		t.totalBytes.Add(sizeHint)
	}
}

// Add records n more bytes written to disk.
func (t *Tracker) Add(n int64) {
	t.writtenBytes.Add(n)
}

// FileDone records one finished file, successful or not.
func (t *Tracker) FileDone() {
	t.doneFiles.Add(1)
}

// Start launches the render loop.
func (t *Tracker) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.startedAt = time.Now()

	go func() {
		defer close(t.doneCh)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopCh:
				t.render(true)
				return
			case <-ticker.C:
				t.render(false)
			}
		}
	}()
}

// Stop ends the render loop and blocks until the final line is printed,
// so callers can write the summary without tearing the display.
func (t *Tracker) Stop() {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) render(final bool) {
	written := t.writtenBytes.Load()
	total := t.totalBytes.Load()
	done := t.doneFiles.Load()
	files := t.totalFiles.Load()

	elapsed := time.Since(t.startedAt).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(written) / elapsed

	// The final line keeps the true percentage, so a run with failed
	// downloads visibly ends short of 100%. Size hints can undershoot
	// the real payload; clamp the other direction.
	var percent float64
	if total > 0 {
		percent = float64(written) / float64(total) * 100
	} else if files > 0 {
		percent = float64(done) / float64(files) * 100
	}
	if percent > 100 {
		percent = 100
	}

	// [====>   ] style bar
	const barWidth = 20
	completedWidth := int(percent / 100 * barWidth)
	if completedWidth > barWidth {
		completedWidth = barWidth
	}
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	fmt.Fprintf(t.out, "\r[%s] %5.1f%% | %d/%d files | %s | %s/s      ",
		bar, percent, done, files, FormatBytes(written), FormatBytes(int64(speed)))
	if final {
		fmt.Fprintln(t.out)
	}
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
