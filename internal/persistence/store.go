package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ligustah/dlengine/internal/ids"
)

// TaskRecord is the persisted row shape of the downloads table, per spec
// §4.4.
type TaskRecord struct {
	Id              ids.TaskId
	URL             string
	FilePath        string
	FileName        string
	TotalSize       int64
	DownloadedSize  int64
	State           string
	SupportsRanges  bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ContentType     string
	ErrorMessage    string
}

// SegmentRecord is the persisted row shape of the segments table, per spec
// §4.4.
type SegmentRecord struct {
	DownloadId ids.TaskId
	Id         ids.SegmentId
	StartByte  int64
	EndByte    int64
	CurrentByte int64
	State      string
	Checksum   uint32
	TempFile   string
	RetryCount int
	LastError  string
}

type opKind int

const (
	opSaveTask opKind = iota
	opSaveSegment
	opDeleteTask
	opSaveSetting
)

// writeOp is an opaque mutation record; the writer goroutine translates it
// to a SQL UPSERT or DELETE, per spec §4.4.
type writeOp struct {
	kind    opKind
	task    TaskRecord
	segment SegmentRecord
	taskId  ids.TaskId
	key     string
	value   string
}

// Store is the WAL-backed persistence layer for one download manager's
// state, per spec §4.4. All writes are queued and applied in order by a
// single dedicated writer goroutine; reads are synchronous.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []writeOp
	closed bool

	writerDone chan struct{}
	checkpointStop chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path, applies
// WAL/synchronous/foreign_keys pragmas, ensures the schema exists, and
// starts the writer and checkpoint goroutines, per spec §4.4/§6.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	for _, stmt := range splitStatements(pragmaDDL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("persistence: apply pragma %q: %w", stmt, err)
		}
	}
	for _, stmt := range splitStatements(schemaDDL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("persistence: apply schema: %w", err)
		}
	}

	s := &Store{
		db:             db,
		log:            log,
		writerDone:     make(chan struct{}),
		checkpointStop: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	if err := s.ensureSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go s.runWriter()
	go s.runCheckpoints()

	return s, nil
}

func (s *Store) ensureSchemaVersion(ctx context.Context) error {
	_, ok, err := s.loadSettingSync(ctx, "schema_version")
	if err != nil {
		return fmt.Errorf("persistence: read schema_version: %w", err)
	}
	if ok {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES ('schema_version', ?)`, schemaVersion)
	if err != nil {
		return fmt.Errorf("persistence: write schema_version: %w", err)
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *Store) enqueue(op writeOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
}

// SaveTask queues an upsert of rec into downloads, per spec §4.4.
func (s *Store) SaveTask(rec TaskRecord) {
	s.enqueue(writeOp{kind: opSaveTask, task: rec})
}

// SaveSegment queues an upsert of rec into segments, per spec §4.4.
func (s *Store) SaveSegment(rec SegmentRecord) {
	s.enqueue(writeOp{kind: opSaveSegment, segment: rec})
}

// DeleteTask queues a delete of the downloads row for id; segments cascade
// via the foreign key, per spec §4.4.
func (s *Store) DeleteTask(id ids.TaskId) {
	s.enqueue(writeOp{kind: opDeleteTask, taskId: id})
}

// SaveSetting queues an upsert of a settings row, per spec §4.4.
func (s *Store) SaveSetting(key, value string) {
	s.enqueue(writeOp{kind: opSaveSetting, key: key, value: value})
}

func (s *Store) runWriter() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.apply(op); err != nil {
			s.log.Error("persistence: write failed", "kind", op.kind, "error", err)
		}
	}
}

func (s *Store) apply(op writeOp) error {
	ctx := context.Background()
	switch op.kind {
	case opSaveTask:
		return s.applySaveTask(ctx, op.task)
	case opSaveSegment:
		return s.applySaveSegment(ctx, op.segment)
	case opDeleteTask:
		_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, op.taskId.String())
		return err
	case opSaveSetting:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings(key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.key, op.value)
		return err
	default:
		return fmt.Errorf("persistence: unknown write op %d", op.kind)
	}
}

func (s *Store) applySaveTask(ctx context.Context, t TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads(id, url, file_path, file_name, total_size, downloaded_size, state, supports_ranges, created_at, updated_at, content_type, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			file_path = excluded.file_path,
			file_name = excluded.file_name,
			total_size = excluded.total_size,
			downloaded_size = excluded.downloaded_size,
			state = excluded.state,
			supports_ranges = excluded.supports_ranges,
			updated_at = excluded.updated_at,
			content_type = excluded.content_type,
			error_message = excluded.error_message`,
		t.Id.String(), t.URL, t.FilePath, t.FileName, t.TotalSize, t.DownloadedSize, t.State,
		boolToInt(t.SupportsRanges), t.CreatedAt.Unix(), t.UpdatedAt.Unix(), t.ContentType, t.ErrorMessage)
	return err
}

func (s *Store) applySaveSegment(ctx context.Context, seg SegmentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments(download_id, id, start_byte, end_byte, current_byte, state, checksum, temp_file, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id, id) DO UPDATE SET
			end_byte = excluded.end_byte,
			current_byte = excluded.current_byte,
			state = excluded.state,
			checksum = excluded.checksum,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error`,
		seg.DownloadId.String(), uint32(seg.Id), seg.StartByte, seg.EndByte, seg.CurrentByte,
		seg.State, seg.Checksum, seg.TempFile, seg.RetryCount, seg.LastError)
	return err
}

// runCheckpoints periodically truncates the WAL, per spec §4.4.
func (s *Store) runCheckpoints() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.checkpointStop:
			return
		case <-ticker.C:
			if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
				s.log.Warn("persistence: checkpoint failed", "error", err)
			}
		}
	}
}

// Close drains the write queue, stops the checkpoint goroutine, and closes
// the database, per spec §4.4 ("shutdown drains the queue before
// closing").
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()

	<-s.writerDone
	close(s.checkpointStop)

	return s.db.Close()
}

// LoadAll returns every persisted task, per spec §4.4.
func (s *Store) LoadAll(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, file_path, file_name, total_size, downloaded_size, state, supports_ranges, created_at, updated_at, content_type, error_message
		FROM downloads`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load all: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadTask returns the persisted task with id, per spec §4.4.
func (s *Store) LoadTask(ctx context.Context, id ids.TaskId) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, file_path, file_name, total_size, downloaded_size, state, supports_ranges, created_at, updated_at, content_type, error_message
		FROM downloads WHERE id = ?`, id.String())
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("persistence: load task: %w", err)
	}
	return rec, true, nil
}

// LoadSegments returns every persisted segment for taskId, per spec §4.4.
func (s *Store) LoadSegments(ctx context.Context, taskId ids.TaskId) ([]SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id, id, start_byte, end_byte, current_byte, state, checksum, temp_file, retry_count, last_error
		FROM segments WHERE download_id = ? ORDER BY start_byte`, taskId.String())
	if err != nil {
		return nil, fmt.Errorf("persistence: load segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		var downloadIDStr string
		var id uint32
		if err := rows.Scan(&downloadIDStr, &id, &rec.StartByte, &rec.EndByte, &rec.CurrentByte, &rec.State, &rec.Checksum, &rec.TempFile, &rec.RetryCount, &rec.LastError); err != nil {
			return nil, fmt.Errorf("persistence: scan segment: %w", err)
		}
		parsed, err := ids.ParseTaskId(downloadIDStr)
		if err != nil {
			return nil, fmt.Errorf("persistence: parse download_id: %w", err)
		}
		rec.DownloadId = parsed
		rec.Id = ids.SegmentId(id)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadSetting returns the value stored under key, per spec §4.4.
func (s *Store) LoadSetting(ctx context.Context, key string) (string, bool, error) {
	return s.loadSettingSync(ctx, key)
}

func (s *Store) loadSettingSync(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var idStr string
	var supportsRanges int
	var createdAt, updatedAt int64
	if err := row.Scan(&idStr, &rec.URL, &rec.FilePath, &rec.FileName, &rec.TotalSize, &rec.DownloadedSize,
		&rec.State, &supportsRanges, &createdAt, &updatedAt, &rec.ContentType, &rec.ErrorMessage); err != nil {
		return TaskRecord{}, err
	}
	id, err := ids.ParseTaskId(idStr)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("persistence: parse id: %w", err)
	}
	rec.Id = id
	rec.SupportsRanges = supportsRanges != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
