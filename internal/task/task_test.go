package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/persistence"
	"github.com/ligustah/dlengine/internal/testutils"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ProgressUpdateInterval = 5 * time.Millisecond
	cfg.RebalanceInterval = 10 * time.Millisecond
	cfg.PersistenceCheckpointBytes = 1
	return cfg
}

func waitForDone(t *testing.T, tk *Task, timeout time.Duration) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(timeout):
		t.Fatalf("task did not finish within %s, state=%s", timeout, tk.State())
	}
}

func TestTaskDownloadsAndCompletes(t *testing.T) {
	data := testutils.GenerateData(300_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, FileName: "file.bin"})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)

	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}

	got, err := os.ReadFile(tk.FilePath())
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
	if tk.ChecksumCRC32() == 0 {
		t.Fatalf("expected a non-zero whole-file checksum")
	}
}

// TestTaskCompletesImmediatelyOnZeroLength exercises spec §8's "total_size
// = 0: task completes immediately with empty file" boundary end to end,
// through merge and finish, not just the scheduler's fast-path segment.
func TestTaskCompletesImmediatelyOnZeroLength(t *testing.T) {
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: nil, SupportsRanges: true, FileName: "empty.bin"})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)

	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}

	info, err := os.Stat(tk.FilePath())
	if err != nil {
		t.Fatalf("stat final file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("got %d bytes, want 0", info.Size())
	}
}

// TestTaskDownloadsUnknownLength exercises spec §8's "total_size unknown"
// boundary end to end: a chunked-style origin with no Content-Length still
// produces a single, correctly-sized, byte-identical final file.
func TestTaskDownloadsUnknownLength(t *testing.T) {
	data := testutils.GenerateData(120_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, UnknownLength: true, FileName: "file.bin"})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)

	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}

	got, err := os.ReadFile(tk.FilePath())
	if err != nil {
		t.Fatalf("read final file: %v", err)
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

func TestTaskFallsBackToSingletonWhenRangesUnsupported(t *testing.T) {
	data := testutils.GenerateData(50_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: false, FileName: "file.bin"})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)

	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}
	got, err := os.ReadFile(tk.FilePath())
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
}

func TestTaskDowngradesWhenServerIgnoresRange(t *testing.T) {
	data := testutils.GenerateData(200_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{
		Data:             data,
		SupportsRanges:   true,
		IgnoreRangeOnGet: true,
		FileName:         "file.bin",
	})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)

	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}

	var sawDowngrade bool
	for {
		select {
		case e := <-sink.C():
			if e.Kind == events.KindSegmentRangeIgnored {
				sawDowngrade = true
			}
		default:
			goto done
		}
	}
done:
	if !sawDowngrade {
		t.Fatalf("expected a KindSegmentRangeIgnored event somewhere in the sink")
	}
}

func TestTaskPauseAndResume(t *testing.T) {
	data := testutils.GenerateData(400_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{
		Data:           data,
		SupportsRanges: true,
		FileName:       "file.bin",
		ResponseDelay:  100 * time.Millisecond,
	})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := tk.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if tk.State() != model.StatePaused {
		t.Fatalf("got state %s, want Paused", tk.State())
	}

	time.Sleep(10 * time.Millisecond)
	if err := tk.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)
	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}
}

func TestTaskCancel(t *testing.T) {
	data := testutils.GenerateData(2_000_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{
		Data:           data,
		SupportsRanges: true,
		FileName:       "file.bin",
		ResponseDelay:  500 * time.Millisecond,
	})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := tk.Cancel(2 * time.Second); err == nil {
		t.Fatalf("expected Cancel to return the cancellation error")
	}

	waitForDone(t, tk, 3*time.Second)
	if tk.State() != model.StateFailed {
		t.Fatalf("got state %s, want Failed", tk.State())
	}
	if tk.LastError() == nil || tk.LastError().Category != model.CategoryCancelled {
		t.Fatalf("got error %v, want CategoryCancelled", tk.LastError())
	}
}

func TestTaskRetryAfterFailure(t *testing.T) {
	// HEAD succeeds (so the task reaches Downloading) but every GET 404s, a
	// non-recoverable ClientError per spec §7 that must fail the task
	// immediately rather than exhaust the retry budget.
	data := testutils.GenerateData(10_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, FailGetWithNotFound: true})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	cfg := fastConfig()
	tk := New(ids.NewTaskId(), srv.URL+"/file", dir, "", 0, client, sink, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)
	if tk.State() != model.StateFailed {
		t.Fatalf("got state %s, want Failed", tk.State())
	}

	if err := tk.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tk.State() != model.StateQueued {
		t.Fatalf("got state %s, want Queued after Retry", tk.State())
	}
	select {
	case <-tk.Done():
		t.Fatalf("Done() should not be closed immediately after Retry")
	default:
	}
}

func TestTaskRestoreFromSnapshotIsPaused(t *testing.T) {
	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	tk := New(ids.NewTaskId(), "https://example.com/file.bin", dir, "file.bin", 0, client, sink, nil, fastConfig())

	caps := model.ServerCapabilities{SupportsRanges: true, ContentLength: 1000, HTTPStatus: 200}
	tk.RestoreFromSnapshot(caps, "file.bin", nil)

	if tk.State() != model.StatePaused {
		t.Fatalf("got state %s, want Paused", tk.State())
	}
	if tk.TotalSize() != 1000 {
		t.Fatalf("got total size %d, want 1000", tk.TotalSize())
	}
}

func TestTaskPersistsCheckpoints(t *testing.T) {
	data := testutils.GenerateData(100_000)
	srv := testutils.NewRangeServer(t, testutils.RangeServerOptions{Data: data, SupportsRanges: true, FileName: "file.bin"})

	dir := t.TempDir()
	client := httpx.NewClient(httpx.DefaultOptions())
	sink := events.NewSink(256)

	store, err := persistence.Open(context.Background(), filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	id := ids.NewTaskId()
	tk := New(id, srv.URL+"/file", dir, "", 0, client, sink, store, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForDone(t, tk, 10*time.Second)
	if tk.State() != model.StateCompleted {
		t.Fatalf("got state %s, want Completed (last error: %v)", tk.State(), tk.LastError())
	}

	deadline := time.Now().Add(2 * time.Second)
	var rec persistence.TaskRecord
	var ok bool
	for time.Now().Before(deadline) {
		rec, ok, err = store.LoadTask(context.Background(), id)
		if err != nil {
			t.Fatalf("load task: %v", err)
		}
		// Writes are applied asynchronously; wait for the final one.
		if ok && rec.State == model.StateCompleted.String() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected a persisted task record")
	}
	if rec.State != model.StateCompleted.String() {
		t.Fatalf("got persisted state %q, want %q", rec.State, model.StateCompleted.String())
	}
}
