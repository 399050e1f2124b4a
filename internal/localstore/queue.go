package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryShopping Category = "shopping"
	CategoryCalendar Category = "calendar"
)

// ActionType names a queued mutation. The part before the first dot is the
// category the mutation belongs to.
type ActionType string

const (
	ActionShoppingAdd            ActionType = "shopping.add"
	ActionShoppingUpdate         ActionType = "shopping.update"
	ActionShoppingDelete         ActionType = "shopping.delete"
	ActionShoppingClearCompleted ActionType = "shopping.clear_completed"
)

var ErrUnknownAction = errors.New("unknown action type")

func (t ActionType) Category() Category {
	category, _, _ := strings.Cut(string(t), ".")
	return Category(category)
}

func (t ActionType) valid() bool {
	switch t {
	case ActionShoppingAdd, ActionShoppingUpdate, ActionShoppingDelete, ActionShoppingClearCompleted:
		return true
	}
	return false
}

// PendingAction is a mutation waiting to be queued. TempID is set for
// additions only; RecordID names the record an update or delete acts on.
type PendingAction struct {
	Type     ActionType
	Payload  any
	TempID   ID
	RecordID ID
}

type QueueEntry struct {
	ID         int64           `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	TempID     ID              `json:"tempId,omitzero"`
	RecordID   ID              `json:"recordId,omitzero"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is the durable FIFO of mutations the remote has not confirmed yet.
// Entries leave it only through Remove, Clear or Store.Substitute.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func (q *Queue) Enqueue(ctx context.Context, action PendingAction) (QueueEntry, error) {
	if !action.Type.valid() {
		return QueueEntry{}, fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
	payload, err := encodePayload(action.Payload)
	if err != nil {
		return QueueEntry{}, err
	}
	enqueuedAt := q.now()
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO sync_queue (type, payload, temp_id, record_id, enqueued_at) VALUES (?, ?, ?, ?, ?)",
		string(action.Type), string(payload), nullableID(action.TempID), nullableID(action.RecordID),
		enqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueueEntry{}, storageErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return QueueEntry{}, storageErr("enqueue", err)
	}
	return QueueEntry{
		ID:         id,
		Type:       action.Type,
		Payload:    payload,
		TempID:     action.TempID,
		RecordID:   action.RecordID,
		EnqueuedAt: enqueuedAt,
	}, nil
}

// Drain returns every entry, oldest first. It does not remove anything.
func (q *Queue) Drain(ctx context.Context) ([]QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, type, payload, temp_id, record_id, enqueued_at FROM sync_queue ORDER BY id ASC")
	if err != nil {
		return nil, storageErr("drain", err)
	}
	defer rows.Close()

	entries := make([]QueueEntry, 0)
	for rows.Next() {
		var (
			entry      QueueEntry
			typ        string
			payload    string
			tempID     sql.NullString
			recordID   sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&entry.ID, &typ, &payload, &tempID, &recordID, &enqueuedAt); err != nil {
			return nil, storageErr("drain", err)
		}
		entry.Type = ActionType(typ)
		entry.Payload = json.RawMessage(payload)
		if tempID.Valid {
			entry.TempID, _ = ParseID(tempID.String)
		}
		if recordID.Valid {
			entry.RecordID, _ = ParseID(recordID.String)
		}
		entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("drain", err)
	}
	return entries, nil
}

// Remove deletes one entry. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	return storageErr("remove", err)
}

func (q *Queue) Clear(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue")
	return storageErr("clear queue", err)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, storageErr("count queue", err)
	}
	return n, nil
}

// LastID returns the id of the newest entry, or 0 when the queue is empty.
// Ids are never reused, so a larger value means something was enqueued.
func (q *Queue) LastID(ctx context.Context) (int64, error) {
	var id int64
	if err := q.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM sync_queue").Scan(&id); err != nil {
		return 0, storageErr("last queue id", err)
	}
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	return data, nil
}

func nullableID(id ID) any {
	if id.IsZero() {
		return nil
	}
	return id.String()
}
