package scheduler

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/pkg/segment"
)

// Worker is the subset of a segment worker's identity the scheduler needs:
// enough to track assignment and sample throughput for rebalancing. It is
// satisfied by *worker.Worker without an import cycle.
type Worker interface {
	// CurrentSpeed returns the worker's current smoothed throughput in
	// bytes/sec, per spec §4.2.
	CurrentSpeed() float64
}

// Snapshot is the persisted representation of one segment, used by
// RestoreSegments and by the persistence layer.
type Snapshot struct {
	Id           ids.SegmentId
	Start        int64
	End          int64
	CurrentByte  int64
	State        model.SegmentState
	Checksum     uint32
	TempFilePath string
	RetryCount   int
	LastError    *model.DownloadError
}

// TempFilePath builds the per-segment temp file path, per spec §6:
// <dest_dir>/.<file_name>.part<segment_id>.
func TempFilePath(destDir, fileName string, id ids.SegmentId) string {
	return fmt.Sprintf("%s/.%s.part%d", destDir, fileName, id)
}

// Scheduler owns all segments for one download task, per spec §4.1.
type Scheduler struct {
	destDir, fileName string
	idCounter         *ids.SegmentIdCounter
	sink              *events.Sink
	taskId            ids.TaskId

	mu       sync.RWMutex
	notifyCh chan struct{}

	state atomic.Int32 // model.SchedulerState

	segments  map[ids.SegmentId]*segment.Segment
	pending   *list.List // of ids.SegmentId
	active    map[ids.SegmentId]Worker
	completed map[ids.SegmentId]struct{}
	failed    map[ids.SegmentId]struct{}

	totalSegmentsEver   int
	allCompleteEmitted  bool
}

// New constructs an empty Scheduler. Call InitializeSegments or
// RestoreSegments before acquiring work.
func New(taskId ids.TaskId, destDir, fileName string, idCounter *ids.SegmentIdCounter, sink *events.Sink) *Scheduler {
	s := &Scheduler{
		destDir:   destDir,
		fileName:  fileName,
		idCounter: idCounter,
		sink:      sink,
		taskId:    taskId,
		notifyCh:  make(chan struct{}),
		segments:  make(map[ids.SegmentId]*segment.Segment),
		pending:   list.New(),
		active:    make(map[ids.SegmentId]Worker),
		completed: make(map[ids.SegmentId]struct{}),
		failed:    make(map[ids.SegmentId]struct{}),
	}
	s.state.Store(int32(model.SchedulerRunning))
	return s
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() model.SchedulerState {
	return model.SchedulerState(s.state.Load())
}

// OptimalSegmentCount computes clamp(totalSize/MinSegmentSize,
// MinSegments, MaxSegments), per spec §4.1.
func OptimalSegmentCount(totalSize int64) int {
	if totalSize <= 0 {
		return model.MinSegments
	}
	n := totalSize / model.MinSegmentSize
	if n < 1 {
		n = 1
	}
	return model.ClampInt(int(n), model.MinSegments, model.MaxSegments)
}

// InitializeSegments partitions [0, totalSize) into count contiguous
// segments, any remainder appended to the last. totalSize == 0 completes
// immediately with a single empty, already-Completed marker segment.
// totalSize < 0 (unknown, e.g. chunked transfer encoding) emits a single
// real Pending segment with an open-ended (negative) upper bound instead,
// downloaded until EOF. Unsupported ranges with a known totalSize emits a
// single Pending segment bounded at totalSize-1. Per spec §4.1, §8
// boundary behaviours.
func (s *Scheduler) InitializeSegments(totalSize int64, count int, supportsRanges bool) []*segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if totalSize == 0 {
		seg := segment.New(s.idCounter.Next(), 0, -1, "")
		seg.SetState(model.SegmentCompleted)
		s.segments[seg.Id()] = seg
		s.completed[seg.Id()] = struct{}{}
		s.totalSegmentsEver = 1
		return []*segment.Segment{seg}
	}

	if totalSize < 0 {
		id := s.idCounter.Next()
		seg := segment.New(id, 0, -1, TempFilePath(s.destDir, s.fileName, id))
		s.segments[id] = seg
		s.pending.PushBack(id)
		s.totalSegmentsEver = 1
		return []*segment.Segment{seg}
	}

	if !supportsRanges {
		count = 1
	} else {
		count = model.ClampInt(count, model.MinSegments, model.MaxSegments)
	}

	base := totalSize / int64(count)
	segments := make([]*segment.Segment, 0, count)
	start := int64(0)
	for i := 0; i < count; i++ {
		end := start + base - 1
		if i == count-1 {
			end = totalSize - 1
		}
		id := s.idCounter.Next()
		seg := segment.New(id, start, end, TempFilePath(s.destDir, s.fileName, id))
		s.segments[id] = seg
		s.pending.PushBack(id)
		segments = append(segments, seg)
		start = end + 1
	}
	s.totalSegmentsEver = len(segments)
	return segments
}

// RestoreSegments rebuilds scheduler state from persisted snapshots. Any
// segment found Active or Stolen is demoted to Pending, per spec §4.1.
func (s *Scheduler) RestoreSegments(snapshots []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		seg := segment.Restore(snap.Id, snap.Start, snap.End, snap.CurrentByte, snap.State, snap.Checksum, snap.TempFilePath, snap.RetryCount, snap.LastError)
		s.segments[snap.Id] = seg
		s.idCounter.SetNext(snap.Id + 1)

		switch snap.State {
		case model.SegmentCompleted:
			s.completed[snap.Id] = struct{}{}
		case model.SegmentFailed:
			if snap.RetryCount >= model.MaxRetries {
				s.failed[snap.Id] = struct{}{}
			} else {
				seg.SetState(model.SegmentPending)
				s.pending.PushBack(snap.Id)
			}
		case model.SegmentActive, model.SegmentStolen:
			seg.SetState(model.SegmentPending)
			s.pending.PushBack(snap.Id)
		case model.SegmentPaused:
			s.pending.PushBack(snap.Id)
		default: // Pending
			s.pending.PushBack(snap.Id)
		}
	}
	s.totalSegmentsEver = len(s.segments)
}

// AcquireSegment atomically pops the head of the pending queue, marks it
// Active, assigns it to w, and returns it. If pending is empty it falls
// back to StealWork. Returns ok=false if the scheduler is not Running or
// no work is available, per spec §4.1.
func (s *Scheduler) AcquireSegment(w Worker) (*segment.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != model.SchedulerRunning {
		return nil, false
	}

	if s.pending.Len() == 0 {
		return s.stealWorkLocked(w)
	}

	front := s.pending.Remove(s.pending.Front()).(ids.SegmentId)
	seg := s.segments[front]
	if err := seg.SetState(model.SegmentActive); err != nil {
		// Only reachable if a segment slipped into the pending queue in a
		// state other than Pending/Paused-turned-Pending; treat as no work
		// rather than panicking a worker loop.
		return nil, false
	}
	s.active[front] = w
	return seg, true
}

// StealWork selects the Active segment with the greatest remaining bytes
// that is splittable, splits it at the midpoint of its remaining bytes,
// and gives the upper half to w as a new Active segment, per spec §4.1.
func (s *Scheduler) StealWork(w Worker) (*segment.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stealWorkLocked(w)
}

func (s *Scheduler) stealWorkLocked(w Worker) (*segment.Segment, bool) {
	var donor *segment.Segment
	for id := range s.active {
		seg := s.segments[id]
		if seg.State() != model.SegmentActive || !seg.Splittable() {
			continue
		}
		if donor == nil || seg.Remaining() > donor.Remaining() {
			donor = seg
		}
	}
	if donor == nil {
		return nil, false
	}

	newId := s.idCounter.Next()
	tempPath := TempFilePath(s.destDir, s.fileName, newId)
	newSeg, ok := donor.Split(newId, tempPath)
	if !ok {
		return nil, false
	}

	newSeg.SetState(model.SegmentActive)
	s.segments[newSeg.Id()] = newSeg
	s.active[newSeg.Id()] = w
	return newSeg, true
}

// ReleaseSegment routes seg based on its current SegmentState, per spec
// §4.1: Completed joins the completed set and may trigger the
// all-complete event; Failed with retries remaining and a recoverable (or
// absent) last error is demoted to Pending; any other Failed segment joins
// the failed set; Paused goes to the
// front of the pending queue; anything else is pushed to the back as
// Pending.
func (s *Scheduler) ReleaseSegment(w Worker, seg *segment.Segment) {
	s.mu.Lock()
	id := seg.Id()
	delete(s.active, id)

	switch seg.State() {
	case model.SegmentCompleted:
		s.completed[id] = struct{}{}
		s.emitLocked(events.Event{Kind: events.KindSegmentCompleted, TaskId: s.taskId, SegmentId: id})
		s.checkAllCompleteLocked()

	case model.SegmentFailed:
		lastErr := seg.LastError()
		recoverable := lastErr == nil || lastErr.Category.Recoverable()
		if recoverable && seg.RetryCount() < model.MaxRetries {
			seg.SetState(model.SegmentPending)
			s.pending.PushBack(id)
		} else {
			s.failed[id] = struct{}{}
			msg := ""
			if lastErr != nil {
				msg = lastErr.Message
			}
			s.emitLocked(events.Event{Kind: events.KindSegmentFailed, TaskId: s.taskId, SegmentId: id, Message: msg, Err: lastErr})
		}

	case model.SegmentPaused:
		s.pending.PushFront(id)

	default:
		seg.SetState(model.SegmentPending)
		s.pending.PushBack(id)
	}

	s.broadcastLocked()
	s.mu.Unlock()
}

// checkAllCompleteLocked must be called with mu held. is_all_complete <=>
// pending, active, and failed are all empty (spec §4.1); the event fires
// exactly once on that transition.
func (s *Scheduler) checkAllCompleteLocked() {
	if s.allCompleteEmitted {
		return
	}
	if s.pending.Len() == 0 && len(s.active) == 0 && len(s.failed) == 0 {
		s.allCompleteEmitted = true
		s.emitLocked(events.Event{Kind: events.KindAllSegmentsCompleted, TaskId: s.taskId})
	}
}

// IsAllComplete reports whether every segment has completed: pending,
// active, and failed sets are all empty.
func (s *Scheduler) IsAllComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.Len() == 0 && len(s.active) == 0 && len(s.failed) == 0
}

// HasFailed reports whether any segment has failed terminally.
func (s *Scheduler) HasFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failed) > 0
}

// FailedSegments returns the currently failed segments, for building a
// SchedulerFailedError.
func (s *Scheduler) FailedSegments() []model.FailedSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FailedSegment, 0, len(s.failed))
	for id := range s.failed {
		out = append(out, model.FailedSegment{Id: uint32(id), Error: s.segments[id].LastError()})
	}
	return out
}

// RebalanceSegments computes mean throughput across active workers and
// splits any Active, splittable segment running below half the mean,
// placing the upper half in the pending queue, per spec §4.1.
func (s *Scheduler) RebalanceSegments() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != model.SchedulerRunning || len(s.active) == 0 {
		return
	}

	speeds := make(map[ids.SegmentId]float64, len(s.active))
	var sum float64
	for id, w := range s.active {
		sp := w.CurrentSpeed()
		speeds[id] = sp
		sum += sp
	}
	mean := sum / float64(len(speeds))
	if mean <= 0 {
		return
	}

	splitCount := 0
	for id, sp := range speeds {
		if sp >= mean*0.5 {
			continue
		}
		donor := s.segments[id]
		if donor.State() != model.SegmentActive || !donor.Splittable() {
			continue
		}
		newId := s.idCounter.Next()
		tempPath := TempFilePath(s.destDir, s.fileName, newId)
		newSeg, ok := donor.Split(newId, tempPath)
		if !ok {
			continue
		}
		s.segments[newSeg.Id()] = newSeg
		s.pending.PushBack(newSeg.Id())
		splitCount++
	}

	if splitCount > 0 {
		s.emitLocked(events.Event{Kind: events.KindRebalanced, TaskId: s.taskId, Count: splitCount})
		s.broadcastLocked()
	}
}

// PauseAll demotes every Active segment to Paused and returns it to the
// front of the pending queue, then flips the scheduler to Paused, per spec
// §4.1.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(model.SchedulerPaused))
	for id := range s.active {
		seg := s.segments[id]
		seg.SetState(model.SegmentPaused)
		s.pending.PushFront(id)
	}
	s.active = make(map[ids.SegmentId]Worker)
	s.broadcastLocked()
}

// ResumeAll promotes queued Paused segments back to Pending and flips the
// scheduler back to Running, per spec §4.1.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(model.SchedulerRunning))
	for e := s.pending.Front(); e != nil; e = e.Next() {
		id := e.Value.(ids.SegmentId)
		if seg := s.segments[id]; seg.State() == model.SegmentPaused {
			seg.SetState(model.SegmentPending)
		}
	}
	s.broadcastLocked()
}

// CancelAll clears pending, active, and assignments, wakes all waiters,
// and sets the cancelled flag, per spec §4.1.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(model.SchedulerCancelled))
	s.pending.Init()
	s.active = make(map[ids.SegmentId]Worker)
	s.broadcastLocked()
}

// WaitForWork blocks until work may be available or d elapses, whichever
// comes first. It is woken by any release, rebalance, pause, resume, or
// cancel, per spec §4.2 step 2.
func (s *Scheduler) WaitForWork(d time.Duration) {
	s.mu.RLock()
	ch := s.notifyCh
	s.mu.RUnlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

// broadcastLocked wakes every current WaitForWork caller. Must be called
// with mu held for writing.
func (s *Scheduler) broadcastLocked() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

func (s *Scheduler) emitLocked(e events.Event) {
	s.sink.Emit(e)
}

// Snapshot returns a persistable view of every segment, for the
// persistence layer to write.
func (s *Scheduler) Snapshot() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.segments))
	for id, seg := range s.segments {
		out = append(out, Snapshot{
			Id:           id,
			Start:        seg.Start(),
			End:          seg.End(),
			CurrentByte:  seg.CurrentByte(),
			State:        seg.State(),
			Checksum:     seg.Checksum(),
			TempFilePath: seg.TempPath(),
			RetryCount:   seg.RetryCount(),
			LastError:    seg.LastError(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// SegmentsByStart returns every segment ordered by Start, the order the
// task merges them in.
func (s *Scheduler) SegmentsByStart() []*segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*segment.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start() < out[j].Start() })
	return out
}

// DownloadedBytes sums Downloaded() across every segment, per spec §8
// property 3.
func (s *Scheduler) DownloadedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, seg := range s.segments {
		total += seg.Downloaded()
	}
	return total
}
