// Package task implements the download task state machine, per spec §4.3:
// probe discovers server capabilities, the scheduler and a pool of workers
// transfer the byte range, and a successful transfer is merged into the
// final file and verified. A Task owns its scheduler and workers
// exclusively; the manager owns the Task.
package task
