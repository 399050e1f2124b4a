package offlinesync

import (
	"encoding/json"

	"github.com/familysync/familysync/internal/localstore"
)

type EventType string

const (
	SyncStart   EventType = "SYNC_START"
	SyncSuccess EventType = "SYNC_SUCCESS"
	SyncError   EventType = "SYNC_ERROR"
)

// Event is a sync lifecycle notification. Err is set for SyncError only.
type Event struct {
	Type     EventType
	Category localstore.Category
	Err      error
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type     EventType           `json:"type"`
		Category localstore.Category `json:"category"`
		Error    string              `json:"error,omitempty"`
	}{Type: e.Type, Category: e.Category}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
