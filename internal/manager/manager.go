// Package manager implements the download manager of spec §4.5: it owns
// every task, caps concurrent active downloads with a weighted semaphore,
// enforces the priority queue, and aggregates throughput/session
// statistics across the fleet. It is the top-level entry point a CLI or
// other shell constructs and drives; it never reaches into a task's
// scheduler or workers directly, only through the Task's own surface.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ligustah/dlengine/internal/events"
	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/logctx"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/persistence"
	"github.com/ligustah/dlengine/internal/scheduler"
	"github.com/ligustah/dlengine/internal/task"
)

// Config carries the manager-level knobs of spec §4.5.
type Config struct {
	// MaxConcurrent bounds simultaneously active downloads, clamped to
	// [MinMaxConcurrent, MaxMaxConcurrent].
	MaxConcurrent int

	// TaskConfig is passed to every Task the manager creates.
	TaskConfig task.Config

	// CancelDeadline bounds how long Remove/Cancel waits for a task's
	// workers to join before moving on, per spec §5.
	CancelDeadline time.Duration
}

// DefaultConfig returns the spec's default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  model.DefaultMaxConcurrent,
		TaskConfig:     task.DefaultConfig(),
		CancelDeadline: 5 * time.Second,
	}
}

// entry is the manager's private bookkeeping for one task: the task
// itself plus whether a completion watcher already holds a claim on its
// eventual semaphore release, so a Pause/Resume cycle never double-frees
// a concurrency slot.
type entry struct {
	task     *task.Task
	watching atomic.Bool
}

// Manager owns every DownloadTask for one process, per spec §4.5.
type Manager struct {
	cfg    Config
	client *httpx.Client
	store  *persistence.Store
	sink   *events.Sink

	sem *semaphore.Weighted

	mu    sync.Mutex
	tasks map[ids.TaskId]*entry
	order []ids.TaskId

	sessionBytes atomic.Int64

	stopStats chan struct{}
	statsDone chan struct{}
}

// New constructs a Manager. client performs every task's HTTP work; store
// may be nil to disable persistence (used by tests); sink receives every
// manager, task, scheduler, and worker event, per spec §6's shared
// collaborator-facing surface.
func New(client *httpx.Client, store *persistence.Store, sink *events.Sink, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg = DefaultConfig()
	}
	cfg.MaxConcurrent = model.ClampInt(cfg.MaxConcurrent, model.MinMaxConcurrent, model.MaxMaxConcurrent)
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = 5 * time.Second
	}
	if sink == nil {
		sink = events.NewSink(0)
	}
	m := &Manager{
		cfg:       cfg,
		client:    client,
		store:     store,
		sink:      sink,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tasks:     make(map[ids.TaskId]*entry),
		stopStats: make(chan struct{}),
		statsDone: make(chan struct{}),
	}
	go m.statsLoop()
	return m
}

// Events returns the manager's shared event sink.
func (m *Manager) Events() *events.Sink { return m.sink }

// Close stops the manager's background statistics loop. It does not stop
// any in-flight task; callers should PauseAll or cancel individually
// first if a clean shutdown is required.
func (m *Manager) Close() {
	close(m.stopStats)
	<-m.statsDone
}

// Add validates url, rejects an exact-URL duplicate, creates a Task in the
// Queued state, persists it, and — if startNow — starts it immediately
// when a concurrency slot is free, per spec §4.5.
func (m *Manager) Add(ctx context.Context, rawURL, destDir, fileName string, priority int, startNow bool) (ids.TaskId, error) {
	if err := validateURL(rawURL); err != nil {
		return ids.TaskId{}, err
	}

	m.mu.Lock()
	for _, id := range m.order {
		if e, ok := m.tasks[id]; ok && e.task.URL() == rawURL {
			m.mu.Unlock()
			return ids.TaskId{}, fmt.Errorf("manager: duplicate url %q (task %s)", rawURL, id)
		}
	}

	id := ids.NewTaskId()
	t := task.New(id, rawURL, destDir, fileName, priority, m.client, m.sink, m.store, m.cfg.TaskConfig)
	m.tasks[id] = &entry{task: t}
	m.order = append(m.order, id)
	m.mu.Unlock()

	t.Persist()
	m.emit(events.Event{Kind: events.KindManagerAdded, TaskId: id})

	if startNow {
		m.ProcessQueue(ctx)
	}
	return id, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("manager: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("manager: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("manager: url missing host")
	}
	return nil
}

// Get returns the task with id, if any.
func (m *Manager) Get(id ids.TaskId) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return e.task, true
}

func (m *Manager) getEntry(id ids.TaskId) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	return e, ok
}

// List returns every task in the order it was added.
func (m *Manager) List() []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].task)
	}
	return out
}

// ListByState returns every task currently in state s.
func (m *Manager) ListByState(s model.DownloadState) []*task.Task {
	var out []*task.Task
	for _, t := range m.List() {
		if t.State() == s {
			out = append(out, t)
		}
	}
	return out
}

// Remove cancels the task if active, drops it from the in-memory map and
// the store, and optionally deletes its destination file, per spec §4.5.
func (m *Manager) Remove(id ids.TaskId, deleteFile bool) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: unknown task %s", id)
	}
	delete(m.tasks, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	t := e.task
	if !t.State().Terminal() {
		t.Cancel(m.cfg.CancelDeadline)
		if e.watching.CompareAndSwap(true, false) {
			m.sem.Release(1)
		}
	}

	if m.store != nil {
		m.store.DeleteTask(id)
	}
	if deleteFile {
		if path := t.FilePath(); path != "" {
			os.Remove(path)
		}
	}
	m.emit(events.Event{Kind: events.KindManagerRemoved, TaskId: id})
	return nil
}

// Pause pauses one active task and frees its concurrency slot.
func (m *Manager) Pause(id ids.TaskId) error {
	e, ok := m.getEntry(id)
	if !ok {
		return fmt.Errorf("manager: unknown task %s", id)
	}
	if err := e.task.Pause(); err != nil {
		return err
	}
	m.sem.Release(1)
	m.emit(events.Event{Kind: events.KindManagerPaused, TaskId: id})
	m.ProcessQueue(context.Background())
	return nil
}

// Resume resumes a paused task if a concurrency slot is free; otherwise it
// returns an error at once and the task stays Paused. If the
// task's original completion watcher (from its initial Start) is still
// alive, this reuses it instead of spawning a second one, so a task's
// eventual terminal transition releases exactly one slot per outstanding
// acquire.
func (m *Manager) Resume(ctx context.Context, id ids.TaskId) error {
	e, ok := m.getEntry(id)
	if !ok {
		return fmt.Errorf("manager: unknown task %s", id)
	}
	if !m.sem.TryAcquire(1) {
		return fmt.Errorf("manager: no free concurrency slot")
	}
	if err := e.task.Resume(); err != nil {
		m.sem.Release(1)
		return err
	}
	m.emit(events.Event{Kind: events.KindManagerResumed, TaskId: id})
	m.watchCompletion(e)
	return nil
}

// Retry resets a Failed task to Queued and, if a slot is free, restarts it
// immediately, per spec §7.
func (m *Manager) Retry(ctx context.Context, id ids.TaskId) error {
	e, ok := m.getEntry(id)
	if !ok {
		return fmt.Errorf("manager: unknown task %s", id)
	}
	if err := e.task.Retry(); err != nil {
		return err
	}
	m.ProcessQueue(ctx)
	return nil
}

// PauseAll pauses every currently-downloading task.
func (m *Manager) PauseAll() {
	for _, t := range m.ListByState(model.StateDownloading) {
		m.Pause(t.Id())
	}
}

// ResumeAll resumes paused tasks, respecting the concurrency cap; it stops
// at the first task that cannot be resumed, and the tasks not yet reached
// stay Paused until resumed again.
func (m *Manager) ResumeAll(ctx context.Context) {
	for _, t := range m.ListByState(model.StatePaused) {
		if err := m.Resume(ctx, t.Id()); err != nil {
			return
		}
	}
}

// StartAll starts every Queued task, respecting the concurrency cap.
func (m *Manager) StartAll(ctx context.Context) {
	m.ProcessQueue(ctx)
}

// ProcessQueue starts Queued tasks by descending priority while a
// concurrency slot is available, per spec §4.5.
func (m *Manager) ProcessQueue(ctx context.Context) {
	queued := m.ListByState(model.StateQueued)
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].Priority() > queued[j].Priority() })

	for _, t := range queued {
		if !m.sem.TryAcquire(1) {
			return
		}
		e, ok := m.getEntry(t.Id())
		if !ok {
			m.sem.Release(1)
			continue
		}
		m.startTask(ctx, e)
	}
}

// startTask launches e's task under its own goroutine (Task.Start already
// returns once transfer has begun asynchronously) and arms the completion
// watcher that will free the concurrency slot at a terminal state.
func (m *Manager) startTask(ctx context.Context, e *entry) {
	t := e.task
	log := logctx.From(ctx).With("task_id", t.Id().String())
	if err := t.Start(logctx.With(context.Background(), log)); err != nil {
		log.Error("task start failed", "error", err)
		m.sem.Release(1)
		m.emit(events.Event{Kind: events.KindManagerFailed, TaskId: t.Id(), Message: err.Error()})
		return
	}
	m.emit(events.Event{Kind: events.KindManagerStarted, TaskId: t.Id()})
	m.watchCompletion(e)
}

// watchCompletion arms exactly one goroutine per outstanding Done()
// channel to release e's concurrency slot at the task's terminal state.
// It is a no-op if a watcher is already armed for the current channel
// (the case when Resume follows a Pause within the same run).
func (m *Manager) watchCompletion(e *entry) {
	if !e.watching.CompareAndSwap(false, true) {
		return
	}
	t := e.task
	go func() {
		<-t.Done()
		e.watching.Store(false)
		m.sem.Release(1)
		if t.State() == model.StateCompleted {
			m.emit(events.Event{Kind: events.KindManagerCompleted, TaskId: t.Id()})
		} else {
			m.emit(events.Event{Kind: events.KindManagerFailed, TaskId: t.Id(), Message: errMessage(t)})
		}
		m.ProcessQueue(context.Background())
	}()
}

func errMessage(t *task.Task) string {
	if err := t.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

func (m *Manager) emit(e events.Event) {
	if m.sink != nil {
		m.sink.Emit(e)
	}
}

// LoadFromStore reconstructs every task the persistence layer knows about,
// demoting non-terminal tasks to Paused and their segments to Pending per
// spec §7's crash-recovery contract ("Paused tasks survive restart ...
// Downloading -> demoted to Paused"). Completed and Failed tasks are
// restored verbatim since both are terminal, read-only history until a
// caller explicitly Retries a Failed one. LoadFromStore does not start
// anything; call ProcessQueue or ResumeAll afterward.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("manager: load tasks: %w", err)
	}

	for _, rec := range records {
		segs, err := m.store.LoadSegments(ctx, rec.Id)
		if err != nil {
			return fmt.Errorf("manager: load segments for %s: %w", rec.Id, err)
		}
		t := task.New(rec.Id, rec.URL, dirOf(rec.FilePath), rec.FileName, 0, m.client, m.sink, m.store, m.cfg.TaskConfig)

		caps := model.ServerCapabilities{
			SupportsRanges: rec.SupportsRanges,
			ContentLength:  rec.TotalSize,
			ContentType:    rec.ContentType,
			HTTPStatus:     200,
		}

		switch parseState(rec.State) {
		case model.StateCompleted:
			t.MarkCompletedFromStore(caps, rec.FileName, rec.DownloadedSize)
		case model.StateFailed:
			t.MarkFailedFromStore(rec.ErrorMessage)
		default:
			t.RestoreFromSnapshot(caps, rec.FileName, snapshotsOf(segs))
		}

		m.mu.Lock()
		m.tasks[rec.Id] = &entry{task: t}
		m.order = append(m.order, rec.Id)
		m.mu.Unlock()
	}
	return nil
}

// snapshotsOf adapts persisted segment rows into the scheduler's Snapshot
// shape.
func snapshotsOf(recs []persistence.SegmentRecord) []scheduler.Snapshot {
	out := make([]scheduler.Snapshot, 0, len(recs))
	for _, r := range recs {
		var lastErr *model.DownloadError
		if r.LastError != "" {
			lastErr = model.NewDownloadError(model.CategoryUnknown, 0, r.LastError, nil)
		}
		out = append(out, scheduler.Snapshot{
			Id:           r.Id,
			Start:        r.StartByte,
			End:          r.EndByte,
			CurrentByte:  r.CurrentByte,
			State:        stateOf(r.State),
			Checksum:     r.Checksum,
			TempFilePath: r.TempFile,
			RetryCount:   r.RetryCount,
			LastError:    lastErr,
		})
	}
	return out
}

func stateOf(s string) model.SegmentState {
	for _, st := range []model.SegmentState{
		model.SegmentPending, model.SegmentActive, model.SegmentPaused,
		model.SegmentCompleted, model.SegmentFailed, model.SegmentStolen,
	} {
		if st.String() == s {
			return st
		}
	}
	return model.SegmentPending
}

func dirOf(filePath string) string {
	for i := len(filePath) - 1; i >= 0; i-- {
		if filePath[i] == '/' {
			return filePath[:i]
		}
	}
	return "."
}

func parseState(s string) model.DownloadState {
	switch s {
	case model.StateCompleted.String():
		return model.StateCompleted
	case model.StateFailed.String():
		return model.StateFailed
	default:
		return model.StateDownloading
	}
}

// statsLoop recomputes fleet-wide counts and throughput every
// model.StatsInterval and publishes them as a KindManagerStats event, per
// spec §4.5. Session bytes (spec §9's open question) accumulate only from
// the positive deltas of each task's DownloadedBytes between ticks, so
// tasks loaded already-Completed from the store never contribute a
// one-time burst to the session total.
func (m *Manager) statsLoop() {
	defer close(m.statsDone)
	ticker := time.NewTicker(model.StatsInterval)
	defer ticker.Stop()

	last := make(map[ids.TaskId]int64)
	for {
		select {
		case <-m.stopStats:
			return
		case <-ticker.C:
			m.tick(last)
		}
	}
}

func (m *Manager) tick(last map[ids.TaskId]int64) {
	tasks := m.List()

	var active, queued, completed int
	var speed float64
	for _, t := range tasks {
		switch t.State() {
		case model.StateProbing, model.StateDownloading, model.StateMerging, model.StateVerifying:
			active++
			speed += t.CurrentSpeed()
		case model.StateQueued:
			queued++
		case model.StateCompleted:
			completed++
		}

		cur := t.DownloadedBytes()
		if prev, ok := last[t.Id()]; ok && cur > prev {
			m.sessionBytes.Add(cur - prev)
		}
		last[t.Id()] = cur
	}

	m.emit(events.Event{
		Kind:      events.KindManagerStats,
		Active:    active,
		Queued:    queued,
		Completed: completed,
		Speed:     speed,
	})
}

// SessionBytes returns the total bytes transferred by workers since this
// Manager was constructed, per spec §9's open question — never a sum of
// each task's persisted lifetime total.
func (m *Manager) SessionBytes() int64 {
	return m.sessionBytes.Load()
}

// Stats is a point-in-time snapshot of fleet counts, for callers that
// prefer polling over draining events.
type Stats struct {
	Active       int
	Queued       int
	Completed    int
	GlobalSpeed  float64
	SessionBytes int64
}

// Snapshot computes Stats synchronously from the current task set.
func (m *Manager) Snapshot() Stats {
	tasks := m.List()
	var s Stats
	for _, t := range tasks {
		switch t.State() {
		case model.StateProbing, model.StateDownloading, model.StateMerging, model.StateVerifying:
			s.Active++
			s.GlobalSpeed += t.CurrentSpeed()
		case model.StateQueued:
			s.Queued++
		case model.StateCompleted:
			s.Completed++
		}
	}
	s.SessionBytes = m.SessionBytes()
	return s
}
