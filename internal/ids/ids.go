// Package ids defines the identifier types used across dlengine.
package ids

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskId is a 128-bit opaque identifier for a download task, stable across
// restarts and used as the primary key in persistence.
type TaskId uuid.UUID

// NewTaskId generates a fresh random TaskId.
func NewTaskId() TaskId {
	return TaskId(uuid.New())
}

// ParseTaskId parses the canonical string form of a TaskId.
func ParseTaskId(s string) (TaskId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TaskId{}, err
	}
	return TaskId(u), nil
}

func (id TaskId) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler so TaskId round-trips
// through YAML/JSON config and persistence layers as its canonical string.
func (id TaskId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TaskId) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = TaskId(u)
	return nil
}

// SegmentId is a 32-bit counter unique within one task. It is monotonically
// increasing: splits allocate new ids, never reuse them.
type SegmentId uint32

// SegmentIdCounter allocates monotonically increasing SegmentIds for a
// single task, safe for concurrent use by the scheduler and its workers.
type SegmentIdCounter struct {
	next atomic.Uint32
}

// Next returns the next unused SegmentId.
func (c *SegmentIdCounter) Next() SegmentId {
	return SegmentId(c.next.Add(1) - 1)
}

// SetNext ensures subsequent allocations start at least at n. Used when
// restoring a counter from persisted segment snapshots so splits after a
// restart never collide with ids issued before the crash.
func (c *SegmentIdCounter) SetNext(n SegmentId) {
	for {
		cur := c.next.Load()
		if uint32(n) <= cur {
			return
		}
		if c.next.CompareAndSwap(cur, uint32(n)) {
			return
		}
	}
}
