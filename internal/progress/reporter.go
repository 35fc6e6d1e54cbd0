// Package progress renders a human-readable progress display for
// cmd/dlengine, consuming a manager's or task's event.Sink the way any
// other external collaborator would, per spec §6's
// collaborator-facing surface. It never touches scheduler or worker
// internals directly.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/ids"
)

// Options configures a Reporter.
type Options struct {
	// Output is where to write progress output. Default: os.Stdout.
	Output io.Writer

	// RefreshInterval is how often the in-place status line repaints.
	// Default: 500ms.
	RefreshInterval time.Duration
}

// Reporter prints a one-line-per-task, in-place-updating status display by
// draining an event.Sink rather than driving off progress callbacks.
type Reporter struct {
	opts Options
	sink *events.Sink

	mu     sync.Mutex
	tasks  map[ids.TaskId]*taskStatus
	order  []ids.TaskId
	lines  int // number of lines printed on the last repaint, for cursor-up
	stopCh chan struct{}
	doneCh chan struct{}
}

type taskStatus struct {
	name       string
	downloaded int64
	total      int64
	speed      float64
	state      string
	failed     bool
	message    string
}

// NewReporter builds a Reporter that drains sink until Stop is called.
func NewReporter(sink *events.Sink, opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 500 * time.Millisecond
	}
	return &Reporter{
		opts:   opts,
		sink:   sink,
		tasks:  make(map[ids.TaskId]*taskStatus),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins draining events and repainting the display until Stop.
func (r *Reporter) Start() {
	go r.run()
}

// Stop ends the display loop and blocks until it has exited, printing a
// final repaint first.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.repaint()
			return
		case e := <-r.sink.C():
			r.apply(e)
		case <-ticker.C:
			r.repaint()
		}
	}
}

func (r *Reporter) apply(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.tasks[e.TaskId]
	if !ok {
		st = &taskStatus{name: e.TaskId.String()}
		r.tasks[e.TaskId] = st
		r.order = append(r.order, e.TaskId)
	}

	switch e.Kind {
	case events.KindTaskFilenameChanged:
		st.name = e.Message
	case events.KindTaskStateChanged:
		st.state = e.State
	case events.KindTaskProgress:
		st.downloaded = e.Downloaded
		st.total = e.Total
		st.speed = e.Speed
	case events.KindTaskCompleted:
		st.state = "completed"
	case events.KindTaskFailed:
		st.state = "failed"
		st.failed = true
		st.message = e.Message
	}
}

func (r *Reporter) repaint() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lines > 0 {
		fmt.Fprintf(r.opts.Output, "\033[%dA", r.lines)
	}

	var printed int
	for _, id := range r.order {
		st := r.tasks[id]
		fmt.Fprintf(r.opts.Output, "%s\n", formatLine(st))
		printed++
	}
	r.lines = printed
}

func formatLine(st *taskStatus) string {
	if st.failed {
		return fmt.Sprintf("%-40s failed: %s", st.name, st.message)
	}
	if st.total > 0 {
		percent := float64(st.downloaded) / float64(st.total) * 100
		return fmt.Sprintf("%-40s %6.1f%% | %10s / %10s | %10s/s | %s",
			st.name, percent, FormatBytes(st.downloaded), FormatBytes(st.total), FormatBytes(int64(st.speed)), st.state)
	}
	return fmt.Sprintf("%-40s %10s | %10s/s | %s", st.name, FormatBytes(st.downloaded), FormatBytes(int64(st.speed)), st.state)
}

// FormatBytes formats b as a human-readable binary byte size, e.g. "1.5 MiB".
func FormatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
		TiB = GiB * 1024
	)
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.1f TiB", float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// ParseBytes parses a human-readable byte string, e.g. "256MiB" or "1GB",
// for config values like min_segment_size.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	suffixes := []struct {
		suffix string
		mul    int64
	}{
		{"TiB", 1024 * 1024 * 1024 * 1024},
		{"GiB", 1024 * 1024 * 1024},
		{"MiB", 1024 * 1024},
		{"KiB", 1024},
		{"TB", 1000 * 1000 * 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"MB", 1000 * 1000},
		{"KB", 1000},
		{"B", 1},
	}

	rest := s
	for _, suf := range suffixes {
		if hasSuffix(rest, suf.suffix) {
			multiplier = suf.mul
			rest = rest[:len(rest)-len(suf.suffix)]
			break
		}
	}

	var value float64
	if _, err := fmt.Sscanf(rest, "%f", &value); err != nil {
		return 0, fmt.Errorf("progress: invalid byte string %q: %w", s, err)
	}
	return int64(value * float64(multiplier)), nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
