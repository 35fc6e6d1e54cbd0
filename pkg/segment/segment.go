package segment

import (
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
)

// Segment is a contiguous, inclusive byte range [Start, End] downloaded as
// a unit, per spec §3. The zero value is not usable; construct with New.
type Segment struct {
	id    ids.SegmentId
	start int64 // immutable after construction

	end         atomic.Int64
	currentByte atomic.Int64
	state       atomic.Int32

	mu         sync.Mutex
	hash       uint32 // rolling CRC32, IEEE polynomial
	tempPath   string
	retryCount int
	lastError  *model.DownloadError
}

// New constructs a Segment covering [start, end] in SegmentPending state.
func New(id ids.SegmentId, start, end int64, tempPath string) *Segment {
	s := &Segment{
		id:       id,
		start:    start,
		tempPath: tempPath,
	}
	s.end.Store(end)
	s.currentByte.Store(start)
	s.state.Store(int32(model.SegmentPending))
	return s
}

// Restore reconstructs a Segment from a persisted snapshot, bypassing the
// normal Pending-start invariant — used only by the scheduler when
// reloading state after a restart.
func Restore(id ids.SegmentId, start, end, currentByte int64, state model.SegmentState, checksum uint32, tempPath string, retryCount int, lastErr *model.DownloadError) *Segment {
	s := &Segment{
		id:         id,
		start:      start,
		tempPath:   tempPath,
		hash:       checksum,
		retryCount: retryCount,
		lastError:  lastErr,
	}
	s.end.Store(end)
	s.currentByte.Store(currentByte)
	s.state.Store(int32(state))
	return s
}

// Id returns the segment's identifier, stable for its lifetime.
func (s *Segment) Id() ids.SegmentId { return s.id }

// Start returns the (immutable) inclusive start offset.
func (s *Segment) Start() int64 { return s.start }

// End returns the current inclusive end offset. It may only decrease, via
// Split, and only while the caller holds whatever exclusive lock guards
// the owning scheduler's active set.
func (s *Segment) End() int64 { return s.end.Load() }

// CurrentByte returns the next byte offset to be fetched. Readers observing
// state == Completed via State() are guaranteed (by Go's memory model for
// atomics) to observe the CurrentByte as of that completion.
func (s *Segment) CurrentByte() int64 { return s.currentByte.Load() }

// Downloaded returns CurrentByte - Start.
func (s *Segment) Downloaded() int64 { return s.CurrentByte() - s.start }

// Remaining returns End - CurrentByte + 1.
func (s *Segment) Remaining() int64 { return s.End() - s.CurrentByte() + 1 }

// TempPath returns the segment's temp part-file path.
func (s *Segment) TempPath() string { return s.tempPath }

// State returns the current SegmentState.
func (s *Segment) State() model.SegmentState {
	return model.SegmentState(s.state.Load())
}

// SetState validates and applies a SegmentState transition per the graph in
// spec §3. The Stolen label is not entered through SetState: a split
// mutates End directly without touching the donor's state.
func (s *Segment) SetState(to model.SegmentState) error {
	from := model.SegmentState(s.state.Swap(int32(to)))
	if from == to {
		return nil
	}
	if !model.CanTransitionSegment(from, to) {
		// Undo: the swap already happened, but callers treat this as a
		// hard error and abandon the segment, so leaving the new state in
		// place (rather than racing another Swap back) is safe.
		return &model.ErrInvalidSegmentTransition{From: from, To: to}
	}
	return nil
}

// RetryCount returns the number of times this segment has been retried.
func (s *Segment) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// IncrementRetry increments the retry counter and records err as the last
// error, returning the new count.
func (s *Segment) IncrementRetry(err *model.DownloadError) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	s.lastError = err
	return s.retryCount
}

// LastError returns the last recorded error, or nil.
func (s *Segment) LastError() *model.DownloadError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Checksum returns the current rolling CRC32 (IEEE) over bytes written so
// far via AdvanceWrite.
func (s *Segment) Checksum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// AdvanceWrite records that n bytes were written to the temp file starting
// at the segment's previous CurrentByte, folding them into the rolling CRC32
// in the same critical step, per spec §3 and §5. The caller (a segment's
// sole owning worker) must not call this concurrently with itself.
func (s *Segment) AdvanceWrite(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	s.hash = crc32.Update(s.hash, crc32.IEEETable, p)
	s.currentByte.Add(int64(len(p)))
	s.mu.Unlock()
}

// Splittable reports whether the segment currently has enough remaining
// bytes to be split: remaining >= 2 * MinStealSize, per spec §4.1.
func (s *Segment) Splittable() bool {
	return s.Remaining() >= 2*model.MinStealSize
}

// Split shrinks the donor's End to the midpoint of its remaining bytes and
// returns a new Segment covering the upper half, allocated newID. It
// returns ok=false without mutating state if the donor is not currently
// splittable. The caller (the scheduler) MUST serialize calls to Split
// against concurrent reads/writes of the donor's active-set membership
// with its own write lock; Split itself only guarantees the End mutation
// is a single atomic store.
func (s *Segment) Split(newID ids.SegmentId, tempPath string) (*Segment, bool) {
	current := s.CurrentByte()
	originalEnd := s.End()
	remaining := originalEnd - current + 1
	if remaining < 2*model.MinStealSize {
		return nil, false
	}

	midpoint := current + remaining/2
	s.end.Store(midpoint - 1)

	return New(newID, midpoint, originalEnd, tempPath), true
}

// Size returns the current inclusive byte-range length End() - Start + 1.
func (s *Segment) Size() int64 {
	return s.End() - s.start + 1
}

// CloseUnbounded fixes an open-ended segment's End (< 0, meaning "until
// EOF") to its current byte count once the transfer has actually reached
// EOF, so Size and Remaining reflect the real transferred length instead
// of the open-ended marker. It is a no-op on an already-bounded segment.
func (s *Segment) CloseUnbounded() {
	if s.End() < 0 {
		s.end.Store(s.CurrentByte() - 1)
	}
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment(id=%d, [%d,%d], current=%d, state=%s)",
		s.id, s.start, s.End(), s.CurrentByte(), s.State())
}
