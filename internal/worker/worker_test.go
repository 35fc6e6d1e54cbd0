package worker

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/scheduler"
	"github.com/ligustah/dlengine/internal/testutils"
)

func TestWorkerDownloadsSingleSegment(t *testing.T) {
	data := testutils.GenerateData(200_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, true)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, true, RetryPolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	if !sched.IsAllComplete() {
		t.Fatalf("expected all segments complete")
	}

	segs := sched.SegmentsByStart()
	got, err := os.ReadFile(segs[0].TempPath())
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestWorkerRetriesOnInjectedFailure(t *testing.T) {
	data := testutils.GenerateData(50_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{
		Data:               data,
		SupportsRanges:     true,
		FailFirstNRequests: 2,
	})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, true)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, true, RetryPolicy{MaxRetries: 5, BackoffBase: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	if !sched.IsAllComplete() {
		t.Fatalf("expected all segments complete despite injected failures")
	}
}

// TestWorkerDetectsRangeIgnored exercises a server that advertises range
// support on HEAD but silently ignores the Range header on GET (e.g. a
// stripping proxy). Only this mismatch, not a server that never claimed
// range support, should trip the downgrade path.
func TestWorkerDetectsRangeIgnored(t *testing.T) {
	data := testutils.GenerateData(10_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, IgnoreRangeOnGet: true})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, true)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, true, RetryPolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	if !rangeIgnored.Load() {
		t.Fatalf("expected rangeIgnored flag to be set")
	}

	select {
	case e := <-sink.C():
		if e.Kind != events.KindSegmentRangeIgnored {
			t.Fatalf("got event kind %v, want KindSegmentRangeIgnored", e.Kind)
		}
	default:
		t.Fatalf("expected a KindSegmentRangeIgnored event")
	}
}

// TestWorkerHandlesNoRangeSupport exercises a server that never supported
// ranges at all. Every GET answers 200 to our Range header, which must be
// treated as the ordinary, expected response rather than a downgrade signal
// since expectPartial is false, per spec's no-range fallback scenario.
func TestWorkerHandlesNoRangeSupport(t *testing.T) {
	data := testutils.GenerateData(10_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: false})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, false)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, false, RetryPolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	if rangeIgnored.Load() {
		t.Fatalf("expected rangeIgnored flag to stay clear for a server that never supported ranges")
	}
	if !sched.IsAllComplete() {
		t.Fatalf("expected all segments complete")
	}

	segs := sched.SegmentsByStart()
	got, err := os.ReadFile(segs[0].TempPath())
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
}

// TestWorkerDownloadsUnknownLengthSegment exercises spec §8's "total_size
// unknown" boundary: a chunked-style origin with no Content-Length still
// downloads to completion via an open-ended range request, ending on EOF
// rather than a byte-count comparison.
func TestWorkerDownloadsUnknownLengthSegment(t *testing.T) {
	data := testutils.GenerateData(75_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, UnknownLength: true})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	segs := sched.InitializeSegments(-1, 1, true)
	if segs[0].End() >= 0 {
		t.Fatalf("end = %d, want negative (open-ended)", segs[0].End())
	}

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, true, RetryPolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	if !sched.IsAllComplete() {
		t.Fatalf("expected all segments complete")
	}
	if segs[0].End() != int64(len(data))-1 {
		t.Fatalf("end after close = %d, want %d", segs[0].End(), len(data)-1)
	}
	if segs[0].Size() != int64(len(data)) {
		t.Fatalf("size after close = %d, want %d", segs[0].Size(), len(data))
	}

	got, err := os.ReadFile(segs[0].TempPath())
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
}

// TestWorkerFailsImmediatelyOnNonRecoverableError exercises spec §7's
// ClientError (4xx, excluding 408/429) non-recoverable rule: the segment
// must fail on the first attempt, without spending a retry-backoff cycle.
func TestWorkerFailsImmediatelyOnNonRecoverableError(t *testing.T) {
	data := testutils.GenerateData(1_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, true)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	// "/missing" 404s on every request, well below the MaxRetries budget.
	w := New(0, taskID, srv.URL+"/missing", client, sched, sink, &rangeIgnored, true, RetryPolicy{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	// A failed segment never makes the scheduler report "all complete", so
	// nothing but an explicit Stop ends the worker's loop; the task layer
	// normally supplies that signal once it observes the failure.
	segs := sched.SegmentsByStart()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && segs[0].State() != model.SegmentFailed {
		time.Sleep(5 * time.Millisecond)
	}
	if segs[0].State() != model.SegmentFailed {
		t.Fatalf("got segment state %s, want Failed", segs[0].State())
	}
	if segs[0].RetryCount() != 1 {
		t.Fatalf("got retry count %d, want 1 (no backoff cycles for a non-recoverable error)", segs[0].RetryCount())
	}

	w.Stop()
	<-runDone
}

func TestWorkerPauseAndResume(t *testing.T) {
	data := testutils.GenerateData(500_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true})

	dir := t.TempDir()
	taskID := ids.NewTaskId()
	sink := events.NewSink(16)
	sched := scheduler.New(taskID, dir, "file.bin", &ids.SegmentIdCounter{}, sink)
	sched.InitializeSegments(int64(len(data)), 1, true)

	client := httpx.NewClient(httpx.DefaultOptions())
	var rangeIgnored atomic.Bool
	w := New(0, taskID, srv.URL+"/file", client, sched, sink, &rangeIgnored, true, RetryPolicy{})

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.Pause()
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Resume()

	<-done
	if !sched.IsAllComplete() {
		t.Fatalf("expected all segments complete after resume")
	}
	if model.SegmentCompleted != sched.SegmentsByStart()[0].State() {
		t.Fatalf("expected segment completed")
	}
}
