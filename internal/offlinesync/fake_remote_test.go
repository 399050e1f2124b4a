package offlinesync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/familysync/familysync/internal/localstore"
)

// fakeRemote is an in-memory stand-in for the REST server.
type fakeRemote struct {
	mu        sync.Mutex
	nextID    int64
	lists     []ShoppingList
	items     map[int64]localstore.ShoppingItem
	events    []localstore.CalendarEvent
	calls     []string
	down      bool
	failAdd   map[string]bool
	goneLists map[int64]bool
	failList  bool
	failEvent bool
	block     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextID:    100,
		items:     map[int64]localstore.ShoppingItem{},
		failAdd:   map[string]bool{},
		goneLists: map[int64]bool{},
	}
}

func (f *fakeRemote) record(call string) error {
	f.calls = append(f.calls, call)
	if f.down {
		return fmt.Errorf("%w: connection refused", ErrRemoteUnavailable)
	}
	return nil
}

func (f *fakeRemote) ListLists(ctx context.Context) ([]ShoppingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListLists"); err != nil {
		return nil, err
	}
	return append([]ShoppingList(nil), f.lists...), nil
}

func (f *fakeRemote) CreateList(ctx context.Context, name string) (ShoppingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateList"); err != nil {
		return ShoppingList{}, err
	}
	f.nextID++
	list := ShoppingList{ID: f.nextID, Name: name}
	f.lists = append(f.lists, list)
	return list, nil
}

func (f *fakeRemote) ListItems(ctx context.Context, listID int64) ([]localstore.ShoppingItem, error) {
	f.mu.Lock()
	block := f.block
	if err := f.record("ListItems"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.failList {
		f.mu.Unlock()
		return nil, &HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.items))
	for id, item := range f.items {
		if item.ListID == listID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]localstore.ShoppingItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.items[id])
	}
	return out, nil
}

func (f *fakeRemote) AddItem(ctx context.Context, listID int64, item NewItem) (localstore.ShoppingItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddItem:" + item.Name); err != nil {
		return localstore.ShoppingItem{}, err
	}
	if f.goneLists[listID] {
		return localstore.ShoppingItem{}, &HTTPError{StatusCode: http.StatusNotFound, Message: "list not found"}
	}
	if f.failAdd[item.Name] {
		return localstore.ShoppingItem{}, &HTTPError{StatusCode: http.StatusBadGateway, Message: "upstream"}
	}
	f.nextID++
	created := localstore.ShoppingItem{
		ID:       localstore.AuthID(f.nextID),
		ListID:   listID,
		Name:     item.Name,
		Quantity: item.Quantity,
	}
	f.items[f.nextID] = created
	return created, nil
}

func (f *fakeRemote) UpdateItem(ctx context.Context, itemID int64, patch ItemPatch) (localstore.ShoppingItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("UpdateItem:%d", itemID)); err != nil {
		return localstore.ShoppingItem{}, err
	}
	item, ok := f.items[itemID]
	if !ok {
		return localstore.ShoppingItem{}, &HTTPError{StatusCode: http.StatusNotFound, Message: "item not found"}
	}
	if patch.Name != nil {
		item.Name = *patch.Name
	}
	if patch.Quantity != nil {
		item.Quantity = *patch.Quantity
	}
	if patch.Checked != nil {
		item.Checked = *patch.Checked
	}
	f.items[itemID] = item
	return item, nil
}

func (f *fakeRemote) DeleteItem(ctx context.Context, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("DeleteItem:%d", itemID)); err != nil {
		return err
	}
	if _, ok := f.items[itemID]; !ok {
		return &HTTPError{StatusCode: http.StatusNotFound, Message: "item not found"}
	}
	delete(f.items, itemID)
	return nil
}

func (f *fakeRemote) ClearChecked(ctx context.Context, listID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("ClearChecked:%d", listID)); err != nil {
		return err
	}
	for id, item := range f.items {
		if item.ListID == listID && item.Checked {
			delete(f.items, id)
		}
	}
	return nil
}

func (f *fakeRemote) ListEvents(ctx context.Context, from, to time.Time) ([]localstore.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListEvents"); err != nil {
		return nil, err
	}
	if f.failEvent {
		return nil, &HTTPError{StatusCode: http.StatusUnauthorized, Message: "needs auth"}
	}
	return append([]localstore.CalendarEvent(nil), f.events...), nil
}

// dropList removes a list as another household member would.
func (f *fakeRemote) dropList(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.lists[:0]
	for _, list := range f.lists {
		if list.ID != id {
			kept = append(kept, list)
		}
	}
	f.lists = kept
	f.goneLists[id] = true
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) item(id int64) (localstore.ShoppingItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	return item, ok
}

func (f *fakeRemote) itemsNamed(name string) []localstore.ShoppingItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []localstore.ShoppingItem
	for _, item := range f.items {
		if item.Name == name {
			out = append(out, item)
		}
	}
	return out
}

func (f *fakeRemote) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
