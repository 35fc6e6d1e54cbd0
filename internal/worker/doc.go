// Package worker runs one segment worker's main loop, per spec §4.2: pull a
// segment from the scheduler, perform a ranged HTTP GET into a temp file,
// and release the segment back to the scheduler on completion, pause,
// abort, or retry. Exactly one segment is held at a time.
package worker
