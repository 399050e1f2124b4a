package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ShoppingItem struct {
	ID            ID        `json:"id"`
	ListID        int64     `json:"list_id,omitempty"`
	Name          string    `json:"name"`
	Quantity      string    `json:"quantity"`
	Checked       bool      `json:"checked"`
	AddedBy       int64     `json:"added_by,omitempty"`
	AddedByName   string    `json:"added_by_name,omitempty"`
	CheckedBy     int64     `json:"checked_by,omitempty"`
	CheckedByName string    `json:"checked_by_name,omitempty"`
	CreatedAt     string    `json:"created_at,omitempty"`
	UpdatedAt     string    `json:"updated_at,omitempty"`
	Synced        bool      `json:"synced"`
	LastModified  time.Time `json:"lastModified"`
}

type CalendarEvent struct {
	ID            ID        `json:"id"`
	GoogleEventID string    `json:"google_event_id,omitempty"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description,omitempty"`
	StartTime     string    `json:"start_time"`
	EndTime       string    `json:"end_time,omitempty"`
	Location      string    `json:"location,omitempty"`
	CalendarID    string    `json:"calendar_id,omitempty"`
	Synced        bool      `json:"synced"`
	LastModified  time.Time `json:"lastModified"`
}

// SaveShoppingItem stores an optimistic local write: the item is marked
// unsynced and stamped with the current time.
func (s *Store) SaveShoppingItem(ctx context.Context, item ShoppingItem) (ShoppingItem, error) {
	item.Synced = false
	item.LastModified = s.clock()
	return item, s.putShoppingItem(ctx, item)
}

// ConfirmShoppingItem stores an item as the remote returned it.
func (s *Store) ConfirmShoppingItem(ctx context.Context, item ShoppingItem) (ShoppingItem, error) {
	item.Synced = true
	item.LastModified = s.clock()
	return item, s.putShoppingItem(ctx, item)
}

// SaveShoppingItems replaces the whole partition with the authoritative set.
// Local records missing from items are dropped.
func (s *Store) SaveShoppingItems(ctx context.Context, items []ShoppingItem) ([]ShoppingItem, error) {
	now := s.clock()
	records := make([]Record, 0, len(items))
	saved := make([]ShoppingItem, 0, len(items))
	for _, item := range items {
		item.Synced = true
		item.LastModified = now
		rec, err := itemRecord(item.ID, item, item.Synced, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		saved = append(saved, item)
	}
	if err := s.ReplaceAll(ctx, ShoppingItems, records); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) ShoppingItems(ctx context.Context) ([]ShoppingItem, error) {
	records, err := s.GetAll(ctx, ShoppingItems)
	if err != nil {
		return nil, err
	}
	items := make([]ShoppingItem, 0, len(records))
	for _, rec := range records {
		item, err := decodeShoppingItem(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) ShoppingItem(ctx context.Context, id ID) (ShoppingItem, bool, error) {
	rec, ok, err := s.Get(ctx, ShoppingItems, id)
	if err != nil || !ok {
		return ShoppingItem{}, ok, err
	}
	item, err := decodeShoppingItem(rec)
	if err != nil {
		return ShoppingItem{}, false, err
	}
	return item, true, nil
}

func (s *Store) DeleteShoppingItem(ctx context.Context, id ID) error {
	return s.Delete(ctx, ShoppingItems, id)
}

// DeleteCheckedShoppingItems drops every checked item and reports how many
// were removed.
func (s *Store) DeleteCheckedShoppingItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM shopping_items WHERE json_extract(data, '$.checked') = 1")
	if err != nil {
		return 0, storageErr("delete checked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete checked", err)
	}
	return n, nil
}

// SubstituteShoppingItem swaps the optimistic record tempID for the
// confirmed item and retires the queue entry that created it.
func (s *Store) SubstituteShoppingItem(ctx context.Context, tempID ID, item ShoppingItem, entryID int64) (ShoppingItem, error) {
	item.Synced = true
	item.LastModified = s.clock()
	rec, err := itemRecord(item.ID, item, true, item.LastModified)
	if err != nil {
		return ShoppingItem{}, err
	}
	if err := s.Substitute(ctx, ShoppingItems, tempID, rec, entryID); err != nil {
		return ShoppingItem{}, err
	}
	return item, nil
}

func (s *Store) SaveCalendarEvents(ctx context.Context, events []CalendarEvent) ([]CalendarEvent, error) {
	now := s.clock()
	records := make([]Record, 0, len(events))
	saved := make([]CalendarEvent, 0, len(events))
	for _, event := range events {
		event.Synced = true
		event.LastModified = now
		rec, err := itemRecord(event.ID, event, true, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		saved = append(saved, event)
	}
	if err := s.ReplaceAll(ctx, CalendarEvents, records); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) CalendarEvents(ctx context.Context) ([]CalendarEvent, error) {
	records, err := s.GetAll(ctx, CalendarEvents)
	if err != nil {
		return nil, err
	}
	events := make([]CalendarEvent, 0, len(records))
	for _, rec := range records {
		var event CalendarEvent
		if err := json.Unmarshal(rec.Data, &event); err != nil {
			return nil, fmt.Errorf("decode calendar event %s: %w", rec.ID, err)
		}
		event.ID = rec.ID
		event.Synced = rec.Synced
		event.LastModified = rec.LastModified
		events = append(events, event)
	}
	return events, nil
}

func (s *Store) putShoppingItem(ctx context.Context, item ShoppingItem) error {
	rec, err := itemRecord(item.ID, item, item.Synced, item.LastModified)
	if err != nil {
		return err
	}
	return s.Put(ctx, ShoppingItems, rec)
}

func itemRecord(id ID, v any, synced bool, modified time.Time) (Record, error) {
	if id.IsZero() {
		return Record{}, fmt.Errorf("%w: record without id", ErrInvalidID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data, Synced: synced, LastModified: modified}, nil
}

func decodeShoppingItem(rec Record) (ShoppingItem, error) {
	var item ShoppingItem
	if err := json.Unmarshal(rec.Data, &item); err != nil {
		return ShoppingItem{}, fmt.Errorf("decode shopping item %s: %w", rec.ID, err)
	}
	item.ID = rec.ID
	item.Synced = rec.Synced
	item.LastModified = rec.LastModified
	return item, nil
}

const (
	metaCurrentListID = "currentListId"
	metaLastSyncFmt   = "lastSync_%s"
)

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("metadata key is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return storageErr("set metadata", err)
}

func (s *Store) Metadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", strings.TrimSpace(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get metadata", err)
	}
	return value, true, nil
}

func (s *Store) SetLastSync(ctx context.Context, category Category, at time.Time) error {
	return s.SetMetadata(ctx, fmt.Sprintf(metaLastSyncFmt, category), at.UTC().Format(time.RFC3339Nano))
}

// LastSync reports when category last completed a full reconciliation.
func (s *Store) LastSync(ctx context.Context, category Category) (time.Time, bool, error) {
	raw, ok, err := s.Metadata(ctx, fmt.Sprintf(metaLastSyncFmt, category))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (s *Store) SetCurrentListID(ctx context.Context, listID int64) error {
	return s.SetMetadata(ctx, metaCurrentListID, strconv.FormatInt(listID, 10))
}

func (s *Store) CurrentListID(ctx context.Context) (int64, bool, error) {
	raw, ok, err := s.Metadata(ctx, metaCurrentListID)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, nil
	}
	return id, true, nil
}
