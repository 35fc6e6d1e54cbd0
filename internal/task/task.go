package task

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/logctx"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/persistence"
	"github.com/ligustah/dlengine/internal/probe"
	"github.com/ligustah/dlengine/internal/scheduler"
	"github.com/ligustah/dlengine/internal/worker"
)

// Client is the HTTP surface a Task needs: capability probing and ranged
// transfers, satisfied by *httpx.Client.
type Client interface {
	probe.Client
	worker.Client
}

// Task drives one download end to end: probe -> segment -> download ->
// merge -> verify, per spec §4.3. It exclusively owns its scheduler and
// workers.
type Task struct {
	id       ids.TaskId
	url      string
	destDir  string
	priority int

	client Client
	sink   *events.Sink
	store  *persistence.Store
	cfg    Config

	mu           sync.Mutex
	fileName     string
	filePath     string
	caps         model.ServerCapabilities
	capsKnown    bool
	lastError    *model.DownloadError
	startTime    time.Time
	endTime      time.Time
	downgraded   bool

	state         atomic.Int32
	totalSize     atomic.Int64
	downloadedB   atomic.Int64
	checksumCRC32 atomic.Uint32
	lastPersisted atomic.Int64
	currentSpeed  atomic.Uint64 // math.Float64bits of bytes/sec

	idCounter    ids.SegmentIdCounter
	sched        *scheduler.Scheduler
	rangeIgnored atomic.Bool

	workersMu sync.Mutex
	workers   []*worker.Worker
	workerWG  sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Task in the Queued state. fileName, if empty, is
// resolved from the probe response or the URL at Start time.
func New(id ids.TaskId, url, destDir, fileName string, priority int, client Client, sink *events.Sink, store *persistence.Store, cfg Config) *Task {
	if cfg.MaxWorkers <= 0 {
		cfg = DefaultConfig()
	}
	t := &Task{
		id:       id,
		url:      url,
		destDir:  destDir,
		fileName: fileName,
		priority: priority,
		client:   client,
		sink:     sink,
		store:    store,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	t.state.Store(int32(model.StateQueued))
	return t
}

// Id returns the task's stable identifier.
func (t *Task) Id() ids.TaskId { return t.id }

// URL returns the task's source URL.
func (t *Task) URL() string { return t.url }

// Priority returns the task's scheduling priority, higher runs first.
func (t *Task) Priority() int { return t.priority }

// State returns the task's current DownloadState.
func (t *Task) State() model.DownloadState {
	return model.DownloadState(t.state.Load())
}

// TotalSize returns the probed content length, or -1 if unknown.
func (t *Task) TotalSize() int64 { return t.totalSize.Load() }

// DownloadedBytes returns bytes transferred so far, summed across segments.
func (t *Task) DownloadedBytes() int64 { return t.downloadedB.Load() }

// CurrentSpeed returns the task's last-measured aggregate throughput in
// bytes/sec, the sum of every worker's smoothed sample, per spec §4.3
// ("Progress aggregation"). Used by the manager to aggregate global speed
// without racing the task's own progress ticker.
func (t *Task) CurrentSpeed() float64 {
	return math.Float64frombits(t.currentSpeed.Load())
}

// Persist writes the task's and its segments' current state to the store
// immediately, bypassing the checkpoint-byte threshold. Used by the
// manager right after Add, when a task is still Queued and has no
// scheduler yet to checkpoint through the normal progress path.
func (t *Task) Persist() {
	t.persistTask()
	t.persistSegments()
}

// ChecksumCRC32 returns the whole-file CRC32 folded from per-segment
// checksums once verification has run, per spec §9's CRC aggregation note. It is
// 0 before verification.
func (t *Task) ChecksumCRC32() uint32 { return t.checksumCRC32.Load() }

// FileName returns the resolved destination file name, set after a
// successful probe.
func (t *Task) FileName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileName
}

// FilePath returns the resolved final destination path.
func (t *Task) FilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filePath
}

// LastError returns the task's last recorded error, or nil.
func (t *Task) LastError() *model.DownloadError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Done returns a channel closed when the task reaches a terminal state
// (Completed or Failed), for a manager to learn a concurrency slot freed.
func (t *Task) Done() <-chan struct{} { return t.done }

// setState validates and applies a DownloadState transition, persists it,
// and emits KindTaskStateChanged, per spec §4.3 ("every transition is
// persisted").
func (t *Task) setState(to model.DownloadState) error {
	from := model.DownloadState(t.state.Swap(int32(to)))
	if from == to {
		return nil
	}
	if !model.CanTransitionTask(from, to) {
		t.state.Store(int32(from))
		return &model.ErrInvalidTaskTransition{From: from, To: to}
	}
	t.persistTask()
	t.emit(events.Event{Kind: events.KindTaskStateChanged, TaskId: t.id, State: to.String()})
	return nil
}

func (t *Task) emit(e events.Event) {
	if t.sink != nil {
		t.sink.Emit(e)
	}
}

func (t *Task) setError(err *model.DownloadError) {
	t.mu.Lock()
	t.lastError = err
	t.mu.Unlock()
}

// Start transitions the task from Queued through Probing into Downloading,
// spawns its scheduler and worker pool, and returns once transfer has
// begun. The transfer itself continues asynchronously; callers observe
// progress via the event sink and completion via Done(), per spec §4.3.
func (t *Task) Start(ctx context.Context) error {
	log := logctx.From(ctx).With("task_id", t.id.String())

	if err := t.setState(model.StateProbing); err != nil {
		return err
	}

	if !t.capsKnown {
		result, err := probe.Probe(ctx, t.client, t.url)
		if err != nil {
			return t.fail(err.(*model.DownloadError))
		}
		t.mu.Lock()
		t.caps = result.Capabilities
		t.capsKnown = true
		if t.fileName == "" {
			t.fileName = result.FileName
			t.emit(events.Event{Kind: events.KindTaskFilenameChanged, TaskId: t.id, Message: t.fileName})
		}
		t.filePath = fmt.Sprintf("%s/%s", t.destDir, t.fileName)
		t.mu.Unlock()
		t.totalSize.Store(result.Capabilities.ContentLength)
	}

	if err := t.setState(model.StateDownloading); err != nil {
		return err
	}

	t.mu.Lock()
	t.startTime = time.Now()
	t.mu.Unlock()

	t.sched = scheduler.New(t.id, t.destDir, t.fileNameLocked(), &t.idCounter, t.sink)
	t.initializeAndSpawn(t.caps.ContentLength, t.caps.SupportsRanges)

	go t.monitor(ctx, log)
	return nil
}

func (t *Task) fileNameLocked() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileName
}

// initializeAndSpawn partitions the byte range and starts up to
// min(segmentCount, MaxSegments, MaxWorkers) workers, per spec §4.3
// ("Start").
func (t *Task) initializeAndSpawn(contentLength int64, supportsRanges bool) {
	count := t.cfg.RequestedSegments
	if count <= 0 {
		count = scheduler.OptimalSegmentCount(contentLength)
	}
	segs := t.sched.InitializeSegments(contentLength, count, supportsRanges)

	workerCount := len(segs)
	if workerCount > model.MaxSegments {
		workerCount = model.MaxSegments
	}
	if workerCount > t.cfg.MaxWorkers {
		workerCount = t.cfg.MaxWorkers
	}
	if workerCount < 1 {
		workerCount = 1
	}

	t.spawnWorkers(workerCount, supportsRanges)
}

// spawnWorkers starts n workers against the task's current scheduler.
// expectPartial is true only when the server advertised range support on
// probe; it tells each worker whether a 200 response to its ranged GET is a
// downgrade signal or the expected response for a singleton, no-range
// segment, per spec §6/§9.
func (t *Task) spawnWorkers(n int, expectPartial bool) {
	t.workersMu.Lock()
	defer t.workersMu.Unlock()

	for i := 0; i < n; i++ {
		w := worker.New(len(t.workers), t.id, t.url, t.client, t.sched, t.sink, &t.rangeIgnored, expectPartial, t.cfg.RetryPolicy)
		t.workers = append(t.workers, w)
		t.workerWG.Add(1)
		go func() {
			defer t.workerWG.Done()
			w.Run(context.Background())
		}()
	}
}

// monitor is the task's single dedicated goroutine: it owns progress
// aggregation, rebalance cadence, downgrade detection, and the
// Downloading -> {Merging, Failed} transitions (Pause and Cancel move the
// state from the caller's goroutine), per spec §4.3/§5
// (progress events are emitted from one task thread so observers see a
// monotonic sequence).
func (t *Task) monitor(ctx context.Context, log *slog.Logger) {
	progressTicker := time.NewTicker(t.cfg.ProgressUpdateInterval)
	rebalanceTicker := time.NewTicker(t.cfg.RebalanceInterval)
	defer progressTicker.Stop()
	defer rebalanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-progressTicker.C:
			t.updateProgress()
		case <-rebalanceTicker.C:
			t.sched.RebalanceSegments()
		}

		if t.State() != model.StateDownloading {
			continue
		}

		if t.rangeIgnored.Load() {
			t.downgrade(ctx, log)
			continue
		}
		if t.sched.HasFailed() {
			t.failFromScheduler(log)
			return
		}
		if t.sched.IsAllComplete() {
			t.finish(ctx, log)
			return
		}
	}
}

// downgrade implements spec §6/§9: the first worker to see a 200 response
// to a ranged GET signals the task, which cancels the multi-segment
// scheduler and restarts as a singleton segment covering the whole file.
func (t *Task) downgrade(ctx context.Context, log *slog.Logger) {
	t.mu.Lock()
	already := t.downgraded
	t.downgraded = true
	t.mu.Unlock()
	if already {
		return
	}

	log.Warn("server ignored range request, downgrading to single segment")
	t.stopWorkers()
	t.sched.CancelAll()

	t.rangeIgnored.Store(false)
	t.sched = scheduler.New(t.id, t.destDir, t.fileNameLocked(), &t.idCounter, t.sink)
	t.initializeAndSpawn(t.caps.ContentLength, false)
}

func (t *Task) updateProgress() {
	downloaded := t.sched.DownloadedBytes()
	t.downloadedB.Store(downloaded)

	var speed float64
	t.workersMu.Lock()
	for _, w := range t.workers {
		speed += w.CurrentSpeed()
	}
	t.workersMu.Unlock()
	t.currentSpeed.Store(math.Float64bits(speed))

	t.emit(events.Event{Kind: events.KindTaskProgress, TaskId: t.id, Downloaded: downloaded, Total: t.totalSize.Load(), Speed: speed})

	if downloaded-t.lastPersisted.Load() >= t.cfg.PersistenceCheckpointBytes {
		t.checkpoint(downloaded)
	}
}

func (t *Task) checkpoint(downloaded int64) {
	t.lastPersisted.Store(downloaded)
	t.persistTask()
	t.persistSegments()
}

func (t *Task) persistTask() {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	rec := persistence.TaskRecord{
		Id:             t.id,
		URL:            t.url,
		FilePath:       t.filePath,
		FileName:       t.fileName,
		TotalSize:      t.totalSize.Load(),
		DownloadedSize: t.downloadedB.Load(),
		State:          t.State().String(),
		SupportsRanges: t.caps.SupportsRanges,
		CreatedAt:      t.startTime,
		UpdatedAt:      time.Now(),
		ContentType:    t.caps.ContentType,
	}
	if t.lastError != nil {
		rec.ErrorMessage = t.lastError.Message
	}
	t.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	t.store.SaveTask(rec)
}

func (t *Task) persistSegments() {
	if t.store == nil || t.sched == nil {
		return
	}
	for _, snap := range t.sched.Snapshot() {
		rec := persistence.SegmentRecord{
			DownloadId:  t.id,
			Id:          snap.Id,
			StartByte:   snap.Start,
			EndByte:     snap.End,
			CurrentByte: snap.CurrentByte,
			State:       snap.State.String(),
			Checksum:    snap.Checksum,
			TempFile:    snap.TempFilePath,
			RetryCount:  snap.RetryCount,
		}
		if snap.LastError != nil {
			rec.LastError = snap.LastError.Message
		}
		t.store.SaveSegment(rec)
	}
}

func (t *Task) failFromScheduler(log *slog.Logger) {
	failed := t.sched.FailedSegments()
	schedErr := &model.SchedulerFailedError{FailedSegments: failed}
	log.Error("task failed: segments exhausted retries", "error", schedErr)

	// Workers for the other, still-healthy segments have no way to learn
	// the task as a whole is doomed (the scheduler never reports "all
	// complete" while a segment sits in its failed set), so this thread
	// must stop them explicitly before declaring the task Failed.
	t.stopWorkers()

	var cat model.ErrorCategory = model.CategoryUnknown
	var msg string
	if len(failed) > 0 && failed[0].Error != nil {
		cat = failed[0].Error.Category
		msg = failed[0].Error.Message
	}
	t.fail(model.NewDownloadError(cat, 0, msg, schedErr))
}

// fail records err, transitions to Failed, and emits KindTaskFailed.
func (t *Task) fail(err *model.DownloadError) error {
	t.setError(err)
	t.mu.Lock()
	t.endTime = time.Now()
	t.mu.Unlock()
	if setErr := t.setState(model.StateFailed); setErr != nil {
		return setErr
	}
	t.emit(events.Event{Kind: events.KindTaskFailed, TaskId: t.id, Err: err, Message: err.Error()})
	t.closeOnce.Do(func() { close(t.done) })
	return err
}

// finish runs Merge then Verify and transitions to Completed, per spec
// §4.3.
func (t *Task) finish(ctx context.Context, log *slog.Logger) {
	if err := t.setState(model.StateMerging); err != nil {
		log.Error("invalid transition to merging", "error", err)
		return
	}
	if err := t.merge(ctx); err != nil {
		t.fail(model.NewDownloadError(model.CategoryFileSystem, 0, "merge failed", err))
		return
	}

	if err := t.setState(model.StateVerifying); err != nil {
		log.Error("invalid transition to verifying", "error", err)
		return
	}
	t.verify(log)

	if err := t.setState(model.StateCompleted); err != nil {
		log.Error("invalid transition to completed", "error", err)
		return
	}
	t.mu.Lock()
	t.endTime = time.Now()
	t.mu.Unlock()
	t.cleanupTempFiles(log)
	t.emit(events.Event{Kind: events.KindTaskCompleted, TaskId: t.id})
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Task) cleanupTempFiles(log *slog.Logger) {
	for _, seg := range t.sched.SegmentsByStart() {
		if seg.TempPath() == "" {
			continue
		}
		if err := removeFile(seg.TempPath()); err != nil {
			log.Warn("failed to remove temp file", "path", seg.TempPath(), "error", err)
		}
	}
}

// Elapsed returns the task's running or final duration.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime.IsZero() {
		return 0
	}
	if t.endTime.IsZero() {
		return time.Since(t.startTime)
	}
	return t.endTime.Sub(t.startTime)
}

// Pause transitions Downloading -> Paused, pausing the scheduler and every
// worker, per spec §4.1/§4.2.
func (t *Task) Pause() error {
	if t.State() != model.StateDownloading {
		return fmt.Errorf("task: cannot pause from state %s", t.State())
	}
	t.sched.PauseAll()
	t.workersMu.Lock()
	for _, w := range t.workers {
		w.Pause()
	}
	t.workersMu.Unlock()
	return t.setState(model.StatePaused)
}

// Resume transitions Paused -> Downloading, resuming the scheduler and
// every worker.
func (t *Task) Resume() error {
	if t.State() != model.StatePaused {
		return fmt.Errorf("task: cannot resume from state %s", t.State())
	}
	t.sched.ResumeAll()
	t.workersMu.Lock()
	for _, w := range t.workers {
		w.Resume()
	}
	t.workersMu.Unlock()
	return t.setState(model.StateDownloading)
}

// Cancel stops the scheduler and every worker, bounding teardown to
// deadline, and transitions to Failed with a Cancelled category error,
// per spec §5 ("signal-then-join with a bounded deadline").
func (t *Task) Cancel(deadline time.Duration) error {
	if t.sched != nil {
		t.sched.CancelAll()
	}
	t.stopWorkersWithDeadline(deadline)
	return t.fail(model.NewDownloadError(model.CategoryCancelled, 0, "cancelled", nil))
}

// Retry resets the error and transitions Failed -> Queued, per spec §7
// ("A Failed task ... is explicitly retryable").
func (t *Task) Retry() error {
	if t.State() != model.StateFailed {
		return fmt.Errorf("task: cannot retry from state %s", t.State())
	}
	t.setError(nil)
	t.done = make(chan struct{})
	t.closeOnce = sync.Once{}
	return t.setState(model.StateQueued)
}

func (t *Task) stopWorkers() {
	t.workersMu.Lock()
	workers := append([]*worker.Worker(nil), t.workers...)
	t.workersMu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	t.workerWG.Wait()

	t.workersMu.Lock()
	t.workers = nil
	t.workersMu.Unlock()
}

// stopWorkersWithDeadline signals every worker to stop concurrently via an
// errgroup, then joins the whole worker pool with a bounded deadline, per
// spec §5 ("signal-then-join with a bounded deadline"). Workers that
// haven't exited by the deadline are abandoned; their goroutines still
// finish in the background and clean up their own state.
func (t *Task) stopWorkersWithDeadline(deadline time.Duration) {
	t.workersMu.Lock()
	workers := append([]*worker.Worker(nil), t.workers...)
	t.workersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	g.Go(func() error {
		t.workerWG.Wait()
		return nil
	})

	joined := make(chan struct{})
	go func() {
		g.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-ctx.Done():
	}
}

// RestoreFromSnapshot rebuilds scheduler state from persisted segment
// snapshots after a restart, demoting Active/Stolen segments to Pending
// per spec §4.1, and leaves the task in Paused so the caller can choose
// when to resume, per spec §7/§8 (crash-recovery scenario).
func (t *Task) RestoreFromSnapshot(caps model.ServerCapabilities, fileName string, segments []scheduler.Snapshot) {
	t.mu.Lock()
	t.caps = caps
	t.capsKnown = true
	t.fileName = fileName
	t.filePath = fmt.Sprintf("%s/%s", t.destDir, fileName)
	t.mu.Unlock()
	t.totalSize.Store(caps.ContentLength)

	t.sched = scheduler.New(t.id, t.destDir, fileName, &t.idCounter, t.sink)
	t.sched.RestoreSegments(segments)
	t.downloadedB.Store(t.sched.DownloadedBytes())
	t.state.Store(int32(model.StatePaused))
}

// MarkCompletedFromStore restores a task that had already finished before
// a restart: it sets capabilities, file name/path, and the Completed
// state directly, without constructing a scheduler or workers (a
// completed task holds none), per spec §7.
func (t *Task) MarkCompletedFromStore(caps model.ServerCapabilities, fileName string, downloadedSize int64) {
	t.mu.Lock()
	t.caps = caps
	t.capsKnown = true
	t.fileName = fileName
	t.filePath = fmt.Sprintf("%s/%s", t.destDir, fileName)
	t.mu.Unlock()
	t.totalSize.Store(caps.ContentLength)
	t.downloadedB.Store(downloadedSize)
	t.state.Store(int32(model.StateCompleted))
}

// MarkFailedFromStore restores a task that was Failed before a restart.
// It leaves capabilities unknown so a subsequent Retry re-probes from
// scratch, per spec §7 ("A Failed task ... is explicitly retryable").
func (t *Task) MarkFailedFromStore(errMsg string) {
	if errMsg != "" {
		t.setError(model.NewDownloadError(model.CategoryUnknown, 0, errMsg, nil))
	}
	t.state.Store(int32(model.StateFailed))
}

// Segments exposes the scheduler's snapshot for manager diagnostics and
// CLI listing.
func (t *Task) Segments() []scheduler.Snapshot {
	if t.sched == nil {
		return nil
	}
	return t.sched.Snapshot()
}
