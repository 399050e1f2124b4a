package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "familysync.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "familysync.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	ctx := context.Background()
	if _, err := first.SaveShoppingItem(ctx, ShoppingItem{ID: AuthID(1), Name: "Milk"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	items, err := second.ShoppingItems(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Milk" {
		t.Fatalf("expected persisted item after reopen, got %+v", items)
	}
}

func TestOpenFailureIsStorageUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker failed: %v", err)
	}
	_, err := Open(filepath.Join(blocker, "familysync.db"))
	if err == nil {
		t.Fatalf("expected open under a regular file to fail")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestGetAllKeepsInsertionOrderAcrossUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 2} {
		if err := s.Put(ctx, ShoppingItems, Record{ID: AuthID(id), Data: json.RawMessage(`{"name":"x"}`)}); err != nil {
			t.Fatalf("put %d failed: %v", id, err)
		}
	}
	if err := s.Put(ctx, ShoppingItems, Record{ID: AuthID(3), Data: json.RawMessage(`{"name":"y"}`), Synced: true}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	records, err := s.GetAll(ctx, ShoppingItems)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	got := []string{records[0].ID.String(), records[1].ID.String(), records[2].ID.String()}
	want := []string{"3", "1", "2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if string(records[0].Data) != `{"name":"y"}` || !records[0].Synced {
		t.Fatalf("expected upsert to overwrite record, got %+v", records[0])
	}
}

func TestGetMissingRecord(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), CalendarEvents, AuthID(99))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record")
	}
}

func TestUnknownPartitionRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAll(context.Background(), Partition("sqlite_master"))
	if !errors.Is(err, ErrUnknownPartition) {
		t.Fatalf("expected ErrUnknownPartition, got %v", err)
	}
}

func TestPutAllIsAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.PutAll(ctx, ShoppingItems, []Record{
		{ID: AuthID(1), Data: json.RawMessage(`{}`)},
		{Data: json.RawMessage(`{}`)},
	})
	if err == nil {
		t.Fatalf("expected bulk put with an id-less record to fail")
	}
	records, err := s.GetAll(ctx, ShoppingItems)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected rollback to leave partition empty, got %d records", len(records))
	}
}

func TestSaveShoppingItemsReplacesPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	temp := NewTempID()
	if _, err := s.SaveShoppingItem(ctx, ShoppingItem{ID: temp, Name: "Local only"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	saved, err := s.SaveShoppingItems(ctx, []ShoppingItem{
		{ID: AuthID(10), Name: "Bread"},
		{ID: AuthID(11), Name: "Eggs", Checked: true},
	})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if len(saved) != 2 || !saved[0].Synced || !saved[1].Synced {
		t.Fatalf("expected stamped synced items, got %+v", saved)
	}

	items, err := s.ShoppingItems(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after replace, got %d", len(items))
	}
	for _, item := range items {
		if item.ID == temp {
			t.Fatalf("expected temp record to be dropped by full refresh")
		}
		if !item.Synced {
			t.Fatalf("expected synced item, got %+v", item)
		}
	}
}

func TestSaveShoppingItemStampsUnsynced(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	saved, err := s.SaveShoppingItem(ctx, ShoppingItem{ID: AuthID(4), Name: "Milk", Synced: true})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Synced {
		t.Fatalf("expected optimistic save to be unsynced")
	}
	got, ok, err := s.ShoppingItem(ctx, AuthID(4))
	if err != nil || !ok {
		t.Fatalf("expected stored item, ok=%v err=%v", ok, err)
	}
	if got.Synced || !got.LastModified.Equal(fixed) {
		t.Fatalf("expected unsynced item stamped %s, got %+v", fixed, got)
	}
}

func TestSubstituteSwapsTempRecordAndRetargetsQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	temp := NewTempID()
	if _, err := s.SaveShoppingItem(ctx, ShoppingItem{ID: temp, Name: "Milk"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	add, err := s.Queue().Enqueue(ctx, PendingAction{Type: ActionShoppingAdd, Payload: map[string]any{"name": "Milk"}, TempID: temp})
	if err != nil {
		t.Fatalf("enqueue add failed: %v", err)
	}
	if _, err := s.Queue().Enqueue(ctx, PendingAction{Type: ActionShoppingUpdate, Payload: map[string]any{"checked": true}, RecordID: temp}); err != nil {
		t.Fatalf("enqueue update failed: %v", err)
	}

	if _, err := s.SubstituteShoppingItem(ctx, temp, ShoppingItem{ID: AuthID(42), Name: "Milk"}, add.ID); err != nil {
		t.Fatalf("substitute failed: %v", err)
	}

	if _, ok, _ := s.ShoppingItem(ctx, temp); ok {
		t.Fatalf("expected temp record %s to be gone", temp)
	}
	item, ok, err := s.ShoppingItem(ctx, AuthID(42))
	if err != nil || !ok {
		t.Fatalf("expected authoritative record, ok=%v err=%v", ok, err)
	}
	if item.Name != "Milk" || !item.Synced {
		t.Fatalf("unexpected substituted item: %+v", item)
	}

	entries, err := s.Queue().Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the update entry to remain, got %d", len(entries))
	}
	if id, ok := entries[0].RecordID.Authoritative(); !ok || id != 42 {
		t.Fatalf("expected update to be retargeted to 42, got %q", entries[0].RecordID.String())
	}
}

func TestSubstituteRequiresTempAndAuthoritativeIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Substitute(ctx, ShoppingItems, AuthID(1), Record{ID: AuthID(2)}, 0); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID for authoritative source id, got %v", err)
	}
	if err := s.Substitute(ctx, ShoppingItems, NewTempID(), Record{ID: NewTempID()}, 0); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID for temporary target id, got %v", err)
	}
}

func TestDeleteCheckedShoppingItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, checked := range []bool{true, false, true} {
		if _, err := s.SaveShoppingItem(ctx, ShoppingItem{ID: AuthID(int64(i + 1)), Name: "x", Checked: checked}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	n, err := s.DeleteCheckedShoppingItems(ctx)
	if err != nil {
		t.Fatalf("delete checked failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	items, _ := s.ShoppingItems(ctx)
	if len(items) != 1 || items[0].Checked {
		t.Fatalf("expected one unchecked item left, got %+v", items)
	}
}

func TestCalendarEventsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveCalendarEvents(ctx, []CalendarEvent{
		{ID: AuthID(7), Summary: "Dentist", StartTime: "2024-05-02T09:00:00Z"},
	}); err != nil {
		t.Fatalf("save events failed: %v", err)
	}
	events, err := s.CalendarEvents(ctx)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 1 || events[0].Summary != "Dentist" || !events[0].Synced {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LastSync(ctx, CategoryShopping); err != nil || ok {
		t.Fatalf("expected no last sync yet, ok=%v err=%v", ok, err)
	}
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	if err := s.SetLastSync(ctx, CategoryShopping, at); err != nil {
		t.Fatalf("set last sync failed: %v", err)
	}
	got, ok, err := s.LastSync(ctx, CategoryShopping)
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("expected last sync %s, got %s ok=%v err=%v", at, got, ok, err)
	}
	if _, ok, _ := s.LastSync(ctx, CategoryCalendar); ok {
		t.Fatalf("expected calendar last sync to be independent")
	}

	if err := s.SetCurrentListID(ctx, 5); err != nil {
		t.Fatalf("set list id failed: %v", err)
	}
	if id, ok, err := s.CurrentListID(ctx); err != nil || !ok || id != 5 {
		t.Fatalf("expected current list 5, got %d ok=%v err=%v", id, ok, err)
	}
}
