package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnknownPartition   = errors.New("unknown partition")
)

// StorageError wraps a failed local storage operation. It matches
// ErrStorageUnavailable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

type Partition string

const (
	ShoppingItems  Partition = "shopping_items"
	CalendarEvents Partition = "calendar_events"
)

func (p Partition) valid() bool {
	return p == ShoppingItems || p == CalendarEvents
}

// Record is one persisted entity of a partition. Data holds the domain
// payload; Synced and LastModified are kept outside of it.
type Record struct {
	ID           ID
	Data         json.RawMessage
	Synced       bool
	LastModified time.Time
}

type Store struct {
	db    *sql.DB
	path  string
	now   func() time.Time
	queue *Queue
}

// Open opens (or creates) the database at path and provisions every
// partition. Reopening an existing database is a no-op beyond the version
// check.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, storageErr("open", errors.New("database path is required"))
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, storageErr("open", fmt.Errorf("create db directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, storageErr("open", fmt.Errorf("exec pragma %q: %w", p, err))
		}
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, storageErr("migrate", err)
	}
	s.queue = &Queue{db: db, now: s.clock}
	return s, nil
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path is the database location on disk.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Queue() *Queue {
	return s.queue
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS shopping_items (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		data          TEXT NOT NULL,
		synced        INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shopping_items_synced  ON shopping_items(synced);
	CREATE INDEX IF NOT EXISTS idx_shopping_items_name    ON shopping_items(json_extract(data, '$.name'));
	CREATE INDEX IF NOT EXISTS idx_shopping_items_checked ON shopping_items(json_extract(data, '$.checked'));

	CREATE TABLE IF NOT EXISTS calendar_events (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		data          TEXT NOT NULL,
		synced        INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calendar_events_synced ON calendar_events(synced);
	CREATE INDEX IF NOT EXISTS idx_calendar_events_start  ON calendar_events(json_extract(data, '$.start_time'));

	CREATE TABLE IF NOT EXISTS sync_queue (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		type        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		temp_id     TEXT,
		record_id   TEXT,
		enqueued_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_type        ON sync_queue(type);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_enqueued_at ON sync_queue(enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_record_id   ON sync_queue(record_id);

	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) GetAll(ctx context.Context, p Partition) ([]Record, error) {
	if !p.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, data, synced, last_modified FROM %s ORDER BY seq ASC", p))
	if err != nil {
		return nil, storageErr("get all", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("get all", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get all", err)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, p Partition, id ID) (Record, bool, error) {
	if !p.valid() {
		return Record{}, false, fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, data, synced, last_modified FROM %s WHERE id = ?", p), id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storageErr("get", err)
	}
	return rec, true, nil
}

// Put upserts rec. An existing record keeps its position in the partition.
func (s *Store) Put(ctx context.Context, p Partition, rec Record) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return storageErr("put", s.putRecord(ctx, s.db, p, rec))
}

// PutAll upserts every record in one transaction.
func (s *Store) PutAll(ctx context.Context, p Partition, recs []Record) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return storageErr("put all", s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := s.putRecord(ctx, tx, p, rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *Store) Delete(ctx context.Context, p Partition, id ID) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", p), id.String())
	return storageErr("delete", err)
}

func (s *Store) Clear(ctx context.Context, p Partition) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", p))
	return storageErr("clear", err)
}

// ReplaceAll swaps the whole partition content for recs atomically.
func (s *Store) ReplaceAll(ctx context.Context, p Partition, recs []Record) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return storageErr("replace all", s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", p)); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := s.putRecord(ctx, tx, p, rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Substitute replaces the record stored under tempID with rec, which must
// carry an authoritative id. In the same transaction the confirmed queue
// entry is removed and later entries that refer to tempID are retargeted.
func (s *Store) Substitute(ctx context.Context, p Partition, tempID ID, rec Record, entryID int64) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	if !tempID.IsTemp() {
		return fmt.Errorf("%w: %q is not temporary", ErrInvalidID, tempID.String())
	}
	if _, ok := rec.ID.Authoritative(); !ok {
		return fmt.Errorf("%w: substitute requires an authoritative id", ErrInvalidID)
	}
	return storageErr("substitute", s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", p), tempID.String()); err != nil {
			return err
		}
		if err := s.putRecord(ctx, tx, p, rec); err != nil {
			return err
		}
		if entryID > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", entryID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sync_queue SET record_id = ? WHERE record_id = ?", rec.ID.String(), tempID.String())
		return err
	}))
}

func (s *Store) putRecord(ctx context.Context, ex execer, p Partition, rec Record) error {
	if rec.ID.IsZero() {
		return fmt.Errorf("%w: record without id", ErrInvalidID)
	}
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	modified := rec.LastModified
	if modified.IsZero() {
		modified = s.clock()
	}
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, synced, last_modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			synced = excluded.synced,
			last_modified = excluded.last_modified`, p),
		rec.ID.String(), string(data), boolToInt(rec.Synced), modified.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rawID    string
		data     string
		synced   int
		modified string
	)
	if err := row.Scan(&rawID, &data, &synced, &modified); err != nil {
		return Record{}, err
	}
	id, err := ParseID(rawID)
	if err != nil {
		return Record{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, modified)
	return Record{
		ID:           id,
		Data:         json.RawMessage(data),
		Synced:       synced != 0,
		LastModified: ts,
	}, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
