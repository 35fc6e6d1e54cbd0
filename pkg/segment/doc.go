// Package segment defines Segment, the unit of work the scheduler hands to
// workers: a contiguous, inclusive byte range [Start, End] with atomic
// progress tracking, a rolling CRC32, and the split operation that backs
// work-stealing and rebalancing.
//
// # Invariants
//
// For every Segment: Start <= CurrentByte() <= End()+1, once End is
// non-negative. A negative End marks an open-ended segment (total length
// unknown), which the sole worker downloading it closes via
// CloseUnbounded once EOF fixes the real length. Otherwise End only ever
// decreases, and only via Split, which the caller (the scheduler) must
// serialize with its own write lock — Segment itself does not lock across
// the read-then-shrink of End, only the field access is atomic.
//
// # Checksums
//
// AdvanceWrite folds newly-written bytes into a running CRC32 in the same
// critical section that advances CurrentByte, so no reader holding the
// segment's lock sees one updated without the other. CombineCRC32 lets a caller fold per-segment CRCs,
// computed over disjoint byte ranges, into the CRC32 of their
// concatenation, without re-reading the bytes.
package segment
