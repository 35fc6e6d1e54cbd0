package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/logctx"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/scheduler"
	"github.com/ligustah/dlengine/pkg/segment"
)

// Client is the subset of httpx.Client a worker needs to perform a ranged
// GET, narrowed so tests can substitute a fake transport.
type Client interface {
	GetRange(ctx context.Context, rawURL string, start, end int64) (*httpx.RangeResponse, error)
}

// schedulerHandle is the subset of *scheduler.Scheduler a worker drives,
// per spec §4.2's main loop. Satisfied by *scheduler.Scheduler without
// either package importing the other's concrete type in both directions.
type schedulerHandle interface {
	AcquireSegment(w scheduler.Worker) (*segment.Segment, bool)
	ReleaseSegment(w scheduler.Worker, seg *segment.Segment)
	WaitForWork(d time.Duration)
	IsAllComplete() bool
}

// RetryPolicy bounds and paces a worker's per-segment retry loop, per spec
// §7. It is the only retry budget in the download path: internal/httpx
// makes a single attempt per call and classifies the result, and the
// worker decides whether and when to try again.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the spec's default retry budget and backoff
// schedule (§7).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  model.MaxRetries,
		BackoffBase: model.RetryBackoffBase,
		MaxBackoff:  model.MaxRetryDelay,
	}
}

func (p RetryPolicy) delay(retryCount int) time.Duration {
	base, cap := p.BackoffBase, p.MaxBackoff
	if base <= 0 {
		base = model.RetryBackoffBase
	}
	if cap <= 0 {
		cap = model.MaxRetryDelay
	}
	d := base * time.Duration(int64(1)<<uint(retryCount))
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// Worker runs one thread of execution that repeatedly acquires a segment
// from sched, downloads its range, and releases it, per spec §4.2. Exactly
// one segment is held at a time. A Worker is not reusable across tasks.
type Worker struct {
	num    int
	taskID ids.TaskId
	url    string
	client Client
	sched  schedulerHandle
	sink   *events.Sink
	retry  RetryPolicy

	// rangeIgnored is shared across every worker of a task: whichever
	// worker first observes a 200 response to a ranged GET sets it and
	// emits KindSegmentRangeIgnored exactly once, per spec §6/§9.
	rangeIgnored *atomic.Bool

	// expectPartial is true when the task's probe advertised range
	// support; only then does a 200 response to a Range request mean the
	// server ignored it (spec §6/§9). When the task already runs a
	// singleton no-range segment, 200 is the expected, ordinary response.
	expectPartial bool

	meter speedMeter

	stopRequested  atomic.Bool
	pauseRequested atomic.Bool

	mu       sync.Mutex
	resumeCh chan struct{}
}

// New constructs a Worker bound to one task's scheduler and HTTP client.
// num identifies the worker for logging only. rangeIgnored is a flag
// shared by every worker dispatched for the same task. A zero-value retry
// falls back to DefaultRetryPolicy.
func New(num int, taskID ids.TaskId, url string, client Client, sched *scheduler.Scheduler, sink *events.Sink, rangeIgnored *atomic.Bool, expectPartial bool, retry RetryPolicy) *Worker {
	if retry.MaxRetries <= 0 && retry.BackoffBase <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Worker{
		num:           num,
		taskID:        taskID,
		url:           url,
		client:        client,
		sched:         sched,
		sink:          sink,
		retry:         retry,
		rangeIgnored:  rangeIgnored,
		expectPartial: expectPartial,
		resumeCh:      make(chan struct{}),
	}
}

// CurrentSpeed implements scheduler.Worker: current smoothed throughput in
// bytes/sec, per spec §4.2.
func (w *Worker) CurrentSpeed() float64 {
	return w.meter.current(time.Now())
}

// Pause asserts the pause flag; the worker aborts its in-flight transfer
// (if any) at the next chunk boundary and blocks until Resume or Stop, per
// spec §4.2 ("Pause discipline").
func (w *Worker) Pause() {
	w.pauseRequested.Store(true)
}

// Resume clears the pause flag and wakes a blocked worker.
func (w *Worker) Resume() {
	w.pauseRequested.Store(false)
	w.mu.Lock()
	close(w.resumeCh)
	w.resumeCh = make(chan struct{})
	w.mu.Unlock()
}

// Stop asserts the stop flag; the worker aborts within one chunk and its
// Run loop returns, per spec §5 (cancellation).
func (w *Worker) Stop() {
	w.stopRequested.Store(true)
	w.mu.Lock()
	close(w.resumeCh)
	w.resumeCh = make(chan struct{})
	w.mu.Unlock()
}

// Run executes the worker's main loop until the scheduler reports
// completion or Stop is called, per spec §4.2.
func (w *Worker) Run(ctx context.Context) {
	log := logctx.From(ctx).With("task_id", w.taskID.String(), "worker", w.num)

	for {
		if w.stopRequested.Load() {
			return
		}

		if w.pauseRequested.Load() {
			w.blockForResume()
			continue
		}

		seg, ok := w.sched.AcquireSegment(w)
		if !ok {
			w.sched.WaitForWork(model.WorkAvailableWait)
			if w.sched.IsAllComplete() {
				return
			}
			continue
		}

		w.runSegment(ctx, log, seg)
	}
}

func (w *Worker) blockForResume() {
	w.mu.Lock()
	ch := w.resumeCh
	w.mu.Unlock()
	<-ch
}

// runSegment downloads one segment end to end, per spec §4.2 steps 3-9,
// retrying within this call on recoverable errors until the segment
// completes, is paused, is stopped, or exhausts its retry budget — at
// which point it is released back to the scheduler exactly once.
func (w *Worker) runSegment(ctx context.Context, log *slog.Logger, seg *segment.Segment) {
	for {
		outcome := w.attemptSegment(ctx, seg)

		switch outcome {
		case outcomeCompleted:
			seg.SetState(model.SegmentCompleted)
			w.sched.ReleaseSegment(w, seg)
			return

		case outcomePaused:
			seg.SetState(model.SegmentPaused)
			w.sched.ReleaseSegment(w, seg)
			return

		case outcomeRangeIgnored:
			// The task is about to downgrade and restart as a singleton
			// segment; stop this worker rather than re-acquiring the same
			// segment and hitting the same 200 response again.
			seg.SetState(model.SegmentPaused)
			w.sched.ReleaseSegment(w, seg)
			w.stopRequested.Store(true)
			return

		case outcomeRetry:
			retries := seg.RetryCount()
			if lastErr := seg.LastError(); lastErr != nil && !lastErr.Category.Recoverable() {
				log.Error("segment failed with a non-recoverable error", "segment_id", seg.Id(), "category", lastErr.Category)
				seg.SetState(model.SegmentFailed)
				w.sched.ReleaseSegment(w, seg)
				return
			}
			if retries >= w.retry.MaxRetries {
				seg.SetState(model.SegmentFailed)
				w.sched.ReleaseSegment(w, seg)
				return
			}
			delay := w.retry.delay(retries)
			log.Warn("segment failed, retrying", "segment_id", seg.Id(), "retry_count", retries, "delay", delay)
			select {
			case <-ctx.Done():
				seg.SetState(model.SegmentFailed)
				w.sched.ReleaseSegment(w, seg)
				return
			case <-time.After(delay):
			}
			if w.stopRequested.Load() {
				seg.SetState(model.SegmentFailed)
				w.sched.ReleaseSegment(w, seg)
				return
			}
			// Loop to retry the same segment; End may have shrunk under
			// us via a split while we slept, which is fine: the next
			// attempt re-reads it.
			continue
		}
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomePaused
	outcomeRangeIgnored
	outcomeRetry
)

// attemptSegment performs one HTTP ranged GET for seg's current remaining
// range and streams the body into its temp file, per spec §4.2 steps 3-6.
func (w *Worker) attemptSegment(ctx context.Context, seg *segment.Segment) outcome {
	start := seg.CurrentByte()
	end := seg.End()

	if end >= 0 && start > end {
		// Zero remaining bytes: a split shrank End to exactly CurrentByte
		// before this attempt started. Nothing left to fetch.
		return outcomeCompleted
	}

	flags := os.O_WRONLY | os.O_CREATE
	if start > seg.Start() {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(seg.TempPath(), flags, 0o644)
	if err != nil {
		seg.IncrementRetry(model.NewDownloadError(model.CategoryFileSystem, 0, "open temp file", err))
		return outcomeRetry
	}
	defer f.Close()

	resp, err := w.client.GetRange(ctx, w.url, start, end)
	if err != nil {
		seg.IncrementRetry(classifyTransportError(err))
		return outcomeRetry
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 && w.expectPartial {
		if w.rangeIgnored.CompareAndSwap(false, true) {
			w.sink.Emit(events.Event{Kind: events.KindSegmentRangeIgnored, TaskId: w.taskID, SegmentId: seg.Id()})
		}
		return outcomeRangeIgnored
	}

	return w.copySegmentBody(f, resp.Body, seg)
}

// copySegmentBody streams resp's body into f in model.WriteChunkSize
// chunks, honoring stop/pause requests and a shrinking segment End on
// every iteration, per spec §4.2 step 5 and §5's split-truncation rule.
func (w *Worker) copySegmentBody(f *os.File, body io.Reader, seg *segment.Segment) outcome {
	buf := make([]byte, model.WriteChunkSize)

	for {
		if w.stopRequested.Load() {
			return outcomePaused
		}
		if w.pauseRequested.Load() {
			return outcomePaused
		}

		currentEnd := seg.End()
		unbounded := currentEnd < 0

		readLen := int64(len(buf))
		if !unbounded {
			remainingForSegment := currentEnd - seg.CurrentByte() + 1
			if remainingForSegment <= 0 {
				return outcomeCompleted
			}
			if remainingForSegment < readLen {
				readLen = remainingForSegment
			}
		}

		n, readErr := body.Read(buf[:readLen])
		if n > 0 {
			written, writeErr := f.Write(buf[:n])
			if writeErr != nil || written != n {
				seg.IncrementRetry(model.NewDownloadError(model.CategoryFileSystem, 0, "write temp file", writeErr))
				return outcomeRetry
			}
			seg.AdvanceWrite(buf[:n])
			w.meter.record(int64(n), time.Now())
		}

		if readErr == io.EOF {
			if unbounded {
				// total_size unknown: EOF is the only completion signal, per
				// spec §8's "total_size unknown" boundary. Fix End to the
				// actual transferred length so merge copies the right size.
				seg.CloseUnbounded()
				return outcomeCompleted
			}
			if seg.CurrentByte() > seg.End() {
				return outcomeCompleted
			}
			// Server closed before delivering the full range: treat as a
			// recoverable transport error so the retry path re-requests
			// from the new CurrentByte.
			seg.IncrementRetry(model.NewDownloadError(model.CategoryNetwork, 0, "short read", io.ErrUnexpectedEOF))
			return outcomeRetry
		}
		if readErr != nil {
			seg.IncrementRetry(classifyTransportError(readErr))
			return outcomeRetry
		}
	}
}

// classifyTransportError maps a transport-layer error into a
// *model.DownloadError, preferring an already-categorized error (as
// returned by httpx for non-2xx responses), then a recognized sentinel
// category, and falling back to Network for everything else, per spec §7.
func classifyTransportError(err error) *model.DownloadError {
	var de *model.DownloadError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, model.ErrServerError):
		return model.NewDownloadError(model.CategoryServerError, 0, "server error", err)
	case errors.Is(err, model.ErrTimeout):
		return model.NewDownloadError(model.CategoryTimeout, 0, "timeout", err)
	default:
		return model.NewDownloadError(model.CategoryNetwork, 0, "transport error", err)
	}
}
