// Package events defines the typed, channel-based event streams emitted by
// the scheduler, worker, task, and manager, per spec §9 (Observer
// callbacks / event streams) and §6 (collaborator-facing surface).
//
// Each component owns a Sink and emits tagged Event values to it; a bounded
// channel backs the sink so a slow or absent consumer cannot block the
// emitting component — events are dropped, oldest first, when the channel
// is full. A task's progress events are emitted from its own monitor
// goroutine, so downstream observers see a monotonic per-task progress
// sequence (spec §5 ordering guarantees); scheduler and worker events are
// emitted from the worker goroutines that trigger them.
package events

import (
	"github.com/ligustah/dlengine/internal/ids"
)

// Kind tags the variant of an Event.
type Kind int

const (
	// Scheduler events.
	KindSegmentCompleted Kind = iota
	KindSegmentFailed
	KindAllSegmentsCompleted
	KindRebalanced
	KindSegmentRangeIgnored

	// Task events.
	KindTaskStateChanged
	KindTaskProgress
	KindTaskSpeedChanged
	KindTaskFilenameChanged
	KindTaskCompleted
	KindTaskFailed

	// Manager events.
	KindManagerAdded
	KindManagerRemoved
	KindManagerStarted
	KindManagerPaused
	KindManagerResumed
	KindManagerCompleted
	KindManagerFailed
	KindManagerStats
)

func (k Kind) String() string {
	switch k {
	case KindSegmentCompleted:
		return "segment_completed"
	case KindSegmentFailed:
		return "segment_failed"
	case KindAllSegmentsCompleted:
		return "all_segments_completed"
	case KindRebalanced:
		return "rebalanced"
	case KindSegmentRangeIgnored:
		return "segment_range_ignored"
	case KindTaskStateChanged:
		return "task_state_changed"
	case KindTaskProgress:
		return "task_progress"
	case KindTaskSpeedChanged:
		return "task_speed_changed"
	case KindTaskFilenameChanged:
		return "task_filename_changed"
	case KindTaskCompleted:
		return "task_completed"
	case KindTaskFailed:
		return "task_failed"
	case KindManagerAdded:
		return "manager_added"
	case KindManagerRemoved:
		return "manager_removed"
	case KindManagerStarted:
		return "manager_started"
	case KindManagerPaused:
		return "manager_paused"
	case KindManagerResumed:
		return "manager_resumed"
	case KindManagerCompleted:
		return "manager_completed"
	case KindManagerFailed:
		return "manager_failed"
	case KindManagerStats:
		return "manager_stats"
	default:
		return "unknown"
	}
}

// Event is a tagged union of everything the core emits. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind      Kind
	TaskId    ids.TaskId
	SegmentId ids.SegmentId
	Message   string
	Err       error

	Downloaded int64
	Total      int64
	Speed      float64
	State      string
	Count      int // e.g. rebalance split count

	// Manager stats fields, populated only on KindManagerStats.
	Active    int
	Queued    int
	Completed int
}

// DefaultBufferSize is the channel capacity used by NewSink when the
// caller does not need a different depth.
const DefaultBufferSize = 256

// Sink is a bounded, non-blocking event channel. Emit never blocks: when
// the channel is full, the oldest buffered event is dropped to make room.
type Sink struct {
	ch chan Event
}

// NewSink creates a Sink with the given channel buffer size.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Emit sends e, dropping the oldest queued event if the sink is full.
func (s *Sink) Emit(e Event) {
	if s == nil {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// C returns the receive-only channel consumers poll or range over.
func (s *Sink) C() <-chan Event {
	return s.ch
}
