package scheduler

import (
	"testing"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
)

type fakeWorker struct {
	speed float64
}

func (f *fakeWorker) CurrentSpeed() float64 { return f.speed }

func newTestScheduler() *Scheduler {
	return New(ids.NewTaskId(), "/tmp/dl", "file.bin", &ids.SegmentIdCounter{}, events.NewSink(16))
}

func TestInitializeSegmentsPartitionsEvenly(t *testing.T) {
	s := newTestScheduler()
	segs := s.InitializeSegments(1000, 4, true)
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4", len(segs))
	}
	var total int64
	for i, seg := range segs {
		total += seg.Size()
		if i > 0 && seg.Start() != segs[i-1].End()+1 {
			t.Fatalf("segment %d does not start where %d ended", i, i-1)
		}
	}
	if total != 1000 {
		t.Fatalf("total coverage = %d, want 1000", total)
	}
	if segs[len(segs)-1].End() != 999 {
		t.Fatalf("last segment end = %d, want 999", segs[len(segs)-1].End())
	}
}

func TestInitializeSegmentsZeroLengthFastPath(t *testing.T) {
	s := newTestScheduler()
	segs := s.InitializeSegments(0, 4, true)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].State() != model.SegmentCompleted {
		t.Fatalf("state = %s, want completed", segs[0].State())
	}
	if !s.IsAllComplete() {
		t.Fatalf("expected IsAllComplete true for zero-length download")
	}
}

func TestInitializeSegmentsUnknownLengthYieldsOpenEndedSegment(t *testing.T) {
	s := newTestScheduler()
	segs := s.InitializeSegments(-1, 8, true)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if seg.State() != model.SegmentPending {
		t.Fatalf("state = %s, want pending", seg.State())
	}
	if seg.End() >= 0 {
		t.Fatalf("end = %d, want negative (open-ended)", seg.End())
	}
	if seg.TempPath() == "" {
		t.Fatalf("expected a real temp file path for an unknown-length segment")
	}
	if s.IsAllComplete() {
		t.Fatalf("unknown-length segment must be downloaded, not fast-completed")
	}
}

func TestInitializeSegmentsNoRangesForcesSingleSegment(t *testing.T) {
	s := newTestScheduler()
	segs := s.InitializeSegments(1000, 8, false)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Size() != 1000 {
		t.Fatalf("size = %d, want 1000", segs[0].Size())
	}
}

func TestAcquireSegmentReturnsPendingInOrder(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(1000, 2, true)
	w := &fakeWorker{}

	seg, ok := s.AcquireSegment(w)
	if !ok {
		t.Fatalf("expected work available")
	}
	if seg.Start() != 0 {
		t.Fatalf("expected first segment, got start=%d", seg.Start())
	}
	if seg.State() != model.SegmentActive {
		t.Fatalf("acquired segment state = %s, want active", seg.State())
	}
}

func TestAcquireSegmentStealsWhenPendingEmpty(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(10_000_000, 1, true)
	w1 := &fakeWorker{}
	w2 := &fakeWorker{}

	first, ok := s.AcquireSegment(w1)
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	stolen, ok := s.AcquireSegment(w2)
	if !ok {
		t.Fatalf("expected steal to succeed with a large splittable donor")
	}
	if stolen.Start() <= first.Start() {
		t.Fatalf("stolen segment should start after the donor's new start")
	}
	if stolen.State() != model.SegmentActive {
		t.Fatalf("stolen segment state = %s, want active", stolen.State())
	}
	if first.End() >= 10_000_000-1 {
		t.Fatalf("donor end should have shrunk, got %d", first.End())
	}
}

func TestAcquireSegmentNoWorkWhenNotSplittable(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(100, 1, true)
	w1 := &fakeWorker{}
	w2 := &fakeWorker{}

	if _, ok := s.AcquireSegment(w1); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if _, ok := s.AcquireSegment(w2); ok {
		t.Fatalf("expected no work: donor too small to split")
	}
}

func TestReleaseSegmentCompletedTriggersAllComplete(t *testing.T) {
	s := newTestScheduler()
	segs := s.InitializeSegments(100, 1, true)
	w := &fakeWorker{}
	seg, _ := s.AcquireSegment(w)
	if seg.Id() != segs[0].Id() {
		t.Fatalf("unexpected segment acquired")
	}

	if err := seg.SetState(model.SegmentCompleted); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	s.ReleaseSegment(w, seg)

	if !s.IsAllComplete() {
		t.Fatalf("expected all complete after releasing the only segment as completed")
	}
}

func TestReleaseSegmentFailedRetriesThenExhausts(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(100, 1, true)
	w := &fakeWorker{}

	seg, _ := s.AcquireSegment(w)
	for i := 0; i < model.MaxRetries-1; i++ {
		if err := seg.SetState(model.SegmentFailed); err != nil {
			t.Fatalf("unexpected transition error: %v", err)
		}
		seg.IncrementRetry(model.NewDownloadError(model.CategoryNetwork, 0, "boom", nil))
		s.ReleaseSegment(w, seg)
		if s.HasFailed() {
			t.Fatalf("should not be terminally failed before exhausting retries (i=%d)", i)
		}
		seg, _ = s.AcquireSegment(w)
	}

	if err := seg.SetState(model.SegmentFailed); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	seg.IncrementRetry(model.NewDownloadError(model.CategoryNetwork, 0, "boom", nil))
	s.ReleaseSegment(w, seg)

	if !s.HasFailed() {
		t.Fatalf("expected terminal failure after exhausting MaxRetries")
	}
}

func TestRebalanceSplitsSlowWorker(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(10_000_000, 2, true)
	fast := &fakeWorker{speed: 1000}
	slow := &fakeWorker{speed: 10}

	if _, ok := s.AcquireSegment(fast); !ok {
		t.Fatalf("expected acquire for fast worker")
	}
	if _, ok := s.AcquireSegment(slow); !ok {
		t.Fatalf("expected acquire for slow worker")
	}

	before := s.Snapshot()
	s.RebalanceSegments()
	after := s.Snapshot()

	if len(after) <= len(before) {
		t.Fatalf("expected rebalance to create a new segment from the slow worker's donor, before=%d after=%d", len(before), len(after))
	}
}

func TestPauseAllThenResumeAll(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(1000, 2, true)
	w := &fakeWorker{}
	seg, _ := s.AcquireSegment(w)

	s.PauseAll()
	if seg.State() != model.SegmentPaused {
		t.Fatalf("active segment state after PauseAll = %s, want paused", seg.State())
	}
	if _, ok := s.AcquireSegment(w); ok {
		t.Fatalf("expected no acquisitions while paused")
	}

	s.ResumeAll()
	got, ok := s.AcquireSegment(w)
	if !ok {
		t.Fatalf("expected acquisition after resume")
	}
	if got.State() != model.SegmentActive {
		t.Fatalf("resumed segment state = %s, want active", got.State())
	}
}

func TestCancelAllClearsQueues(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(1000, 4, true)
	s.CancelAll()

	if _, ok := s.AcquireSegment(&fakeWorker{}); ok {
		t.Fatalf("expected no work available after cancel")
	}
	if s.State() != model.SchedulerCancelled {
		t.Fatalf("state = %s, want cancelled", s.State())
	}
}

func TestWaitForWorkWakesOnRelease(t *testing.T) {
	s := newTestScheduler()
	s.InitializeSegments(1000, 1, true)
	w := &fakeWorker{}
	seg, _ := s.AcquireSegment(w)

	done := make(chan struct{})
	go func() {
		s.WaitForWork(2 * time.Second)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	seg.SetState(model.SegmentCompleted)
	s.ReleaseSegment(w, seg)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitForWork did not wake within 1s of ReleaseSegment")
	}
}

func TestRestoreSegmentsDemotesActiveAndStolen(t *testing.T) {
	s := newTestScheduler()
	snaps := []Snapshot{
		{Id: 0, Start: 0, End: 99, CurrentByte: 50, State: model.SegmentActive},
		{Id: 1, Start: 100, End: 199, CurrentByte: 199, State: model.SegmentCompleted},
		{Id: 2, Start: 200, End: 299, CurrentByte: 200, State: model.SegmentStolen},
	}
	s.RestoreSegments(snaps)

	if s.IsAllComplete() {
		t.Fatalf("expected not all complete: segment 0 and 2 still pending")
	}

	w := &fakeWorker{}
	first, ok := s.AcquireSegment(w)
	if !ok {
		t.Fatalf("expected a pending segment after restore")
	}
	if first.State() != model.SegmentActive {
		t.Fatalf("acquired segment state = %s, want active", first.State())
	}
}

func TestTempFilePathFormat(t *testing.T) {
	got := TempFilePath("/downloads", "movie.mp4", ids.SegmentId(3))
	want := "/downloads/.movie.mp4.part3"
	if got != want {
		t.Fatalf("TempFilePath = %q, want %q", got, want)
	}
}
