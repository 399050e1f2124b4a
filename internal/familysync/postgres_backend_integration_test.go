package familysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.table = postgresIntegrationTableName("familysync_collections_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.table)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		UserSeq: 2,
		ListSeq: 1,
		ItemSeq: 11,
		Lists:   map[int64]ShoppingList{1: {ID: 1, Name: "Family list"}},
		Items:   map[int64]ShoppingItem{11: {ID: 11, ListID: 1, Name: "Milk"}},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.ItemSeq != 11 || loaded.Items[11].Name != "Milk" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	if loaded.Lists[1].Name != "Family list" || loaded.ListSeq != 1 {
		t.Fatalf("unexpected loaded lists: %+v", loaded)
	}

	loaded.ItemSeq = 12
	loaded.Items[12] = ShoppingItem{ID: 12, ListID: 1, Name: "Bread"}
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	reopenedRaw, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("reopen postgres state backend: %v", err)
	}
	reopened := reopenedRaw.(*PostgresStateBackend)
	reopened.table = pg.table
	t.Cleanup(func() { _ = reopened.Close() })
	reloaded, err := reopened.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.ItemSeq != 12 || len(reloaded.Items) != 2 {
		t.Fatalf("expected itemSeq 12 with 2 items after update, got %+v", reloaded)
	}

	var counted int
	query := fmt.Sprintf("SELECT record_count FROM %s WHERE name = 'items'", postgresQuoteIdentifier(pg.table))
	if err := reopened.db.QueryRow(query).Scan(&counted); err != nil {
		t.Fatalf("read record count failed: %v", err)
	}
	if counted != 2 {
		t.Fatalf("expected items record_count 2, got %d", counted)
	}
}

func TestPostgresIntegrationDeliveryQueueFIFOAndRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("familysync_push_it")

	queue, err := NewPostgresDeliveryQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres delivery queue: %v", err)
	}
	queue.(*PostgresDeliveryQueue).table = tableName
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, tableName)
	})

	enqueuedAt := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	first := Delivery{ID: "a", UserID: 1, Payload: json.RawMessage(`{"title":"Milk added"}`), EnqueuedAt: enqueuedAt}
	if !queue.TryEnqueue(first) || !queue.TryEnqueue(first) {
		t.Fatalf("expected enqueue of a to succeed")
	}
	if got := queue.Depth(); got != 1 {
		t.Fatalf("expected a repeated delivery id to be absorbed, depth %d", got)
	}
	if !queue.TryEnqueue(Delivery{ID: "b", UserID: 2}) {
		t.Fatalf("expected enqueue of b to succeed")
	}
	if queue.TryEnqueue(Delivery{ID: "c", UserID: 3}) {
		t.Fatalf("expected enqueue to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopenedRaw, err := NewPostgresDeliveryQueue(dsn, 2)
	if err != nil {
		t.Fatalf("reopen postgres delivery queue: %v", err)
	}
	reopened := reopenedRaw.(*PostgresDeliveryQueue)
	reopened.table = tableName
	t.Cleanup(func() { _ = reopened.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, ok := reopened.Dequeue(ctx)
	if !ok || got.ID != "a" || got.UserID != 1 {
		t.Fatalf("expected first dequeue a for user 1, got ok=%v item=%+v", ok, got)
	}
	if !got.EnqueuedAt.Equal(enqueuedAt) || string(got.Payload) != `{"title": "Milk added"}` {
		t.Fatalf("expected stored timestamp and payload, got %+v (%s)", got, got.Payload)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.ID != "b" {
		t.Fatalf("expected second dequeue b, got ok=%v item=%+v", ok, second)
	}
	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := reopened.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationDeliveryQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresDeliveryQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres delivery queue: %v", err)
	}
	pg := queue.(*PostgresDeliveryQueue)
	pg.table = postgresIntegrationTableName("familysync_push_race_it")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.table)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(Delivery{ID: fmt.Sprintf("d_%d", n), UserID: 1}) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FAMILYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FAMILYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
