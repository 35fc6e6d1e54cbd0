package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/pkg/segment"
)

// mergeBufferSize is the unit of work merge's copy loop reads and writes at
// a time, matching the worker's transfer chunk size.
const mergeBufferSize = model.WriteChunkSize

// merge concatenates every segment's temp file, in offset order, into the
// task's final destination file, per spec §4.3 ("Merge"). A short read or
// short write aborts the merge and removes the partial final file so a
// retry starts clean.
func (t *Task) merge(ctx context.Context) error {
	segs := t.sched.SegmentsByStart()

	out, err := os.OpenFile(t.FilePath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("merge: open destination: %w", err)
	}

	buf := make([]byte, mergeBufferSize)
	for _, seg := range segs {
		if seg.TempPath() == "" {
			// The total_size = 0 fast path (spec §8): a marker segment with
			// no bytes and no temp file to copy.
			continue
		}
		if err := copySegmentInto(out, seg, buf); err != nil {
			out.Close()
			removeFile(t.FilePath())
			return fmt.Errorf("merge: segment %d: %w", seg.Id(), err)
		}
	}

	if err := out.Close(); err != nil {
		removeFile(t.FilePath())
		return fmt.Errorf("merge: close destination: %w", err)
	}
	return nil
}

func copySegmentInto(out *os.File, seg *segment.Segment, buf []byte) error {
	in, err := os.Open(seg.TempPath())
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	defer in.Close()

	want := seg.Size()
	n, err := io.CopyBuffer(out, io.LimitReader(in, want), buf)
	if err != nil {
		return fmt.Errorf("copy part file: %w", err)
	}
	if n != want {
		return fmt.Errorf("short copy: got %d bytes, want %d", n, want)
	}
	return nil
}

// verify stats the merged file and, when the probe reported a known
// content length, logs a size mismatch (a warning only, per spec §9: size
// mismatch never fails a task). It then folds every segment's rolling
// CRC32 into the task's whole-file checksum, in offset order, per spec §8
// property 8 and §9's CRC aggregation note. Checksum verification never
// gates the Completed/Failed transition either — it is informational.
func (t *Task) verify(log *slog.Logger) {
	info, err := os.Stat(t.FilePath())
	if err != nil {
		log.Warn("verify: stat failed", "error", err)
		return
	}

	expected := t.TotalSize()
	if expected > 0 && info.Size() != expected {
		log.Warn("verify: size mismatch", "got", info.Size(), "want", expected)
	}

	segs := t.sched.SegmentsByStart()
	var crc uint32
	for i, seg := range segs {
		if i == 0 {
			crc = seg.Checksum()
			continue
		}
		crc = segment.CombineCRC32(crc, seg.Checksum(), seg.Size())
	}
	t.checksumCRC32.Store(crc)
}

// removeFile removes path, treating "already gone" as success.
func removeFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
