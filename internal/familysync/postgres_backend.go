package familysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTable        = "familysync_collections"
	postgresDeliveryTable     = "familysync_push_deliveries"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 25 * time.Millisecond
	defaultPostgresQueueDepth = 1024
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// stateCollection binds one row of the collections table to the fields of
// a snapshot: the id sequence it advances and the records it holds.
type stateCollection struct {
	name    string
	seq     *int64
	records any
}

func stateCollections(state *persistedState) []stateCollection {
	return []stateCollection{
		{name: "users", seq: &state.UserSeq, records: &state.Users},
		{name: "lists", seq: &state.ListSeq, records: &state.Lists},
		{name: "items", seq: &state.ItemSeq, records: &state.Items},
		{name: "events", seq: &state.EventSeq, records: &state.Events},
		{name: "subscriptions", seq: &state.SubSeq, records: &state.Subscriptions},
		{name: "categories", records: &state.Categories},
	}
}

func (c stateCollection) nextSeq() int64 {
	if c.seq == nil {
		return 0
	}
	return *c.seq
}

func (c stateCollection) size() int {
	switch records := c.records.(type) {
	case *map[int64]*userRecord:
		return len(*records)
	case *map[int64]ShoppingList:
		return len(*records)
	case *map[int64]ShoppingItem:
		return len(*records)
	case *map[int64]CalendarEvent:
		return len(*records)
	case *map[int64]PushSubscription:
		return len(*records)
	case *[]Category:
		return len(*records)
	}
	return 0
}

type collectionWrite struct {
	name    string
	nextSeq int64
	size    int
	records string
}

// PostgresStateBackend keeps each collection (users, lists, items, events,
// subscriptions, categories) in its own row, so ticking an item off only
// rewrites the items row.
type PostgresStateBackend struct {
	dsn    string
	table  string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	written map[string]collectionWrite
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:     dsn,
		table:   postgresStateTable,
		openDB:  sql.Open,
		written: map[string]collectionWrite{},
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT name, next_seq, records FROM %s", postgresQuoteIdentifier(b.table))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var state persistedState
	collections := map[string]stateCollection{}
	for _, c := range stateCollections(&state) {
		collections[c.name] = c
	}
	loaded := map[string]collectionWrite{}
	for rows.Next() {
		var w collectionWrite
		if err := rows.Scan(&w.name, &w.nextSeq, &w.records); err != nil {
			return nil, err
		}
		c, ok := collections[w.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(w.records), c.records); err != nil {
			return nil, fmt.Errorf("decode %s: %w", w.name, err)
		}
		if c.seq != nil {
			*c.seq = w.nextSeq
		}
		w.size = c.size()
		loaded[w.name] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	b.written = loaded
	b.mu.Unlock()
	return &state, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	writes, err := b.pendingWritesLocked(state)
	if err != nil || len(writes) == 0 {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (name, next_seq, record_count, records, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			next_seq = EXCLUDED.next_seq,
			record_count = EXCLUDED.record_count,
			records = EXCLUDED.records,
			updated_at = NOW()`, postgresQuoteIdentifier(b.table))
	for _, w := range writes {
		if _, err := tx.ExecContext(ctx, query, w.name, w.nextSeq, w.size, w.records); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, w := range writes {
		b.written[w.name] = w
	}
	return nil
}

// pendingWritesLocked returns the collections whose sequence or records
// differ from what was last written.
func (b *PostgresStateBackend) pendingWritesLocked(state *persistedState) ([]collectionWrite, error) {
	var writes []collectionWrite
	for _, c := range stateCollections(state) {
		encoded, err := json.Marshal(c.records)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.name, err)
		}
		w := collectionWrite{name: c.name, nextSeq: c.nextSeq(), size: c.size(), records: string(encoded)}
		if prev, ok := b.written[c.name]; ok && prev.nextSeq == w.nextSeq && prev.records == w.records {
			continue
		}
		writes = append(writes, w)
	}
	return writes, nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		b.db, b.initErr = openPostgres(b.openDB, b.dsn, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				next_seq BIGINT NOT NULL DEFAULT 0,
				record_count INTEGER NOT NULL DEFAULT 0,
				records JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.table)))
	})
	return b.initErr
}

// PostgresDeliveryQueue lets several server instances share one push
// queue. Each row is one delivery; redelivering the same delivery id is a
// no-op, and dequeue uses SKIP LOCKED so each row goes to one worker.
type PostgresDeliveryQueue struct {
	dsn          string
	table        string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDeliveryQueue(dsn string, capacity int) (DeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultPostgresQueueDepth
	}
	return &PostgresDeliveryQueue{
		dsn:          dsn,
		table:        postgresDeliveryTable,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresDeliveryQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		q.db, q.initErr = openPostgres(q.openDB, q.dsn, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				delivery_id TEXT NOT NULL UNIQUE,
				user_id BIGINT NOT NULL,
				payload JSONB NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(q.table)))
	})
	return q.initErr
}

func (q *PostgresDeliveryQueue) TryEnqueue(delivery Delivery) bool {
	if q == nil || !delivery.valid() {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	if delivery.EnqueuedAt.IsZero() {
		delivery.EnqueuedAt = time.Now().UTC()
	}
	payload := []byte(delivery.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize the capacity check across server instances.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresTableLockKey(q.table)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.table))).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, user_id, payload, enqueued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (delivery_id) DO NOTHING`, postgresQuoteIdentifier(q.table))
	if _, err := tx.ExecContext(ctx, insert, delivery.ID, delivery.UserID, string(payload), delivery.EnqueuedAt); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (q *PostgresDeliveryQueue) Enqueue(ctx context.Context, delivery Delivery) bool {
	if q == nil || !delivery.valid() {
		return false
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if q.TryEnqueue(delivery) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (q *PostgresDeliveryQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	if q == nil {
		return Delivery{}, false
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		delivery, err := q.takeOldest(ctx)
		if err == nil {
			return delivery, true
		}
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-ticker.C:
		}
	}
}

// takeOldest removes and returns the oldest delivery in one statement.
func (q *PostgresDeliveryQueue) takeOldest(ctx context.Context) (Delivery, error) {
	if err := q.ensureReady(); err != nil {
		return Delivery{}, err
	}
	table := postgresQuoteIdentifier(q.table)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE seq = (SELECT seq FROM %s ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING delivery_id, user_id, payload, enqueued_at`, table, table)
	var delivery Delivery
	var payload []byte
	err := q.db.QueryRowContext(ctx, query).Scan(&delivery.ID, &delivery.UserID, &payload, &delivery.EnqueuedAt)
	if err != nil {
		return Delivery{}, err
	}
	if string(payload) != "null" {
		delivery.Payload = json.RawMessage(payload)
	}
	delivery.EnqueuedAt = delivery.EnqueuedAt.UTC()
	return delivery, nil
}

func (q *PostgresDeliveryQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.table))).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresDeliveryQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func openPostgres(open sqlOpenFunc, dsn string, schema ...string) (*sql.DB, error) {
	db, err := open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare postgres schema: %w", err)
		}
	}
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

func postgresTableLockKey(table string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	return int64(hasher.Sum64())
}
