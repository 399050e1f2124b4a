package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/familysync/familysync/internal/connectivity"
	"github.com/familysync/familysync/internal/fanout"
	"github.com/familysync/familysync/internal/localstore"
	"github.com/familysync/familysync/internal/metrics"
)

var (
	ErrOffline     = errors.New("offline")
	ErrInvalidItem = errors.New("invalid item")
	ErrUnknownItem = errors.New("item not in local store")

	errUnresolvedTemp = errors.New("target still has a temporary id")
)

// ReplayError reports one queue entry that could not be applied remotely.
// The entry stays queued.
type ReplayError struct {
	EntryID int64
	Type    localstore.ActionType
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s #%d failed: %v", e.Type, e.EntryID, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

type Logger interface {
	Printf(format string, args ...any)
}

type EngineOptions struct {
	Store   *localstore.Store
	Remote  Remote
	Oracle  connectivity.Oracle
	Trigger BackgroundTrigger
	Logger  Logger
	// DefaultListName is used when the account has no shopping list yet.
	DefaultListName string
	Now             func() time.Time
}

// Engine keeps the local store and the server converging. Mutations are
// written through when online and queued otherwise; queued mutations are
// replayed in order by SyncShopping.
type Engine struct {
	store       *localstore.Store
	queue       *localstore.Queue
	remote      Remote
	oracle      connectivity.Oracle
	trigger     BackgroundTrigger
	logger      Logger
	defaultList string
	now         func() time.Time

	events fanout.Set[Event]

	guardMu sync.Mutex
	syncing map[localstore.Category]bool

	lifecycleMu sync.Mutex
	stopOracle  func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// SyncResult summarizes one drain pass.
type SyncResult struct {
	Category localstore.Category `json:"category"`
	Ran      bool                `json:"ran"`
	Replayed int                 `json:"replayed"`
	Failed   int                 `json:"failed"`
	Skipped  int                 `json:"skipped"`
}

type Status struct {
	PendingActions   int        `json:"pendingActions"`
	LastSyncShopping *time.Time `json:"lastSyncShopping"`
	LastSyncCalendar *time.Time `json:"lastSyncCalendar"`
	IsOnline         bool       `json:"isOnline"`
}

type addPayload struct {
	ListID   int64  `json:"list_id,omitempty"`
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
}

type clearPayload struct {
	ListID int64 `json:"list_id,omitempty"`
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote client is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("connectivity oracle is required")
	}
	defaultList := strings.TrimSpace(opts.DefaultListName)
	if defaultList == "" {
		defaultList = "Family list"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:       opts.Store,
		queue:       opts.Store.Queue(),
		remote:      opts.Remote,
		oracle:      opts.Oracle,
		trigger:     opts.Trigger,
		logger:      opts.Logger,
		defaultList: defaultList,
		now:         now,
		syncing:     map[localstore.Category]bool{},
	}, nil
}

// Subscribe registers fn for lifecycle events. Callbacks run synchronously
// on the syncing goroutine in registration order.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.events.Subscribe(fn)
}

// Start hooks the engine to connectivity edges: every offline->online edge
// drains and re-syncs all categories in the background.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.stopOracle != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.stopOracle = e.oracle.Subscribe(func(online bool) {
		if !online {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.ForceSyncAll(runCtx); err != nil && !errors.Is(err, ErrOffline) {
				e.logf("reconnect sync failed: %v", err)
			}
		}()
	})
}

// Stop detaches from the oracle and waits for reconnect syncs to finish.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	stop, cancel := e.stopOracle, e.cancel
	e.stopOracle, e.cancel = nil, nil
	e.lifecycleMu.Unlock()
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// AddItem adds an item to the current list. Remote failures are absorbed:
// the item is then stored under a temporary id and queued.
func (e *Engine) AddItem(ctx context.Context, name, quantity string) (localstore.ShoppingItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return localstore.ShoppingItem{}, fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	quantity = strings.TrimSpace(quantity)

	listID, err := e.currentListID(ctx)
	if err != nil {
		return localstore.ShoppingItem{}, err
	}
	if e.oracle.IsOnline() {
		if listID == 0 {
			listID, err = e.resolveList(ctx)
		}
		if err == nil {
			var created localstore.ShoppingItem
			var remoteErr error
			created, listID, remoteErr = e.addToList(ctx, listID, NewItem{Name: name, Quantity: quantity})
			if remoteErr == nil {
				return e.store.ConfirmShoppingItem(ctx, created)
			}
			err = remoteErr
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return localstore.ShoppingItem{}, err
		}
		e.logf("add item %q: falling back to offline path: %v", name, err)
	}

	item := localstore.ShoppingItem{
		ID:       localstore.NewTempID(),
		ListID:   listID,
		Name:     name,
		Quantity: quantity,
	}
	saved, err := e.store.SaveShoppingItem(ctx, item)
	if err != nil {
		return localstore.ShoppingItem{}, err
	}
	if _, err := e.queue.Enqueue(ctx, localstore.PendingAction{
		Type:    localstore.ActionShoppingAdd,
		Payload: addPayload{ListID: listID, Name: name, Quantity: quantity},
		TempID:  saved.ID,
	}); err != nil {
		return localstore.ShoppingItem{}, err
	}
	e.requestBackgroundSync(localstore.CategoryShopping)
	return saved, nil
}

// ToggleItem sets the checked state of an item.
func (e *Engine) ToggleItem(ctx context.Context, id localstore.ID, checked bool) (localstore.ShoppingItem, error) {
	if id.IsZero() {
		return localstore.ShoppingItem{}, fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	item, found, err := e.store.ShoppingItem(ctx, id)
	if err != nil {
		return localstore.ShoppingItem{}, err
	}
	if !found {
		return localstore.ShoppingItem{}, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	item.Checked = checked
	patch := ItemPatch{Checked: &checked}

	if remoteID, ok := id.Authoritative(); ok && e.oracle.IsOnline() {
		updated, err := e.remote.UpdateItem(ctx, remoteID, patch)
		switch {
		case err == nil:
			return e.store.ConfirmShoppingItem(ctx, updated)
		case IsNotFound(err):
			// Already gone on the server; nothing left to toggle.
			return item, e.store.DeleteShoppingItem(ctx, id)
		case !errors.Is(err, ErrRemoteUnavailable):
			return localstore.ShoppingItem{}, err
		}
		e.logf("toggle item %s: falling back to offline path: %v", id, err)
	}

	if item, err = e.store.SaveShoppingItem(ctx, item); err != nil {
		return localstore.ShoppingItem{}, err
	}
	if _, err := e.queue.Enqueue(ctx, localstore.PendingAction{
		Type:     localstore.ActionShoppingUpdate,
		Payload:  patch,
		RecordID: id,
	}); err != nil {
		return localstore.ShoppingItem{}, err
	}
	e.requestBackgroundSync(localstore.CategoryShopping)
	return item, nil
}

func (e *Engine) DeleteItem(ctx context.Context, id localstore.ID) error {
	if id.IsZero() {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if remoteID, ok := id.Authoritative(); ok && e.oracle.IsOnline() {
		err := e.remote.DeleteItem(ctx, remoteID)
		if err == nil || IsNotFound(err) {
			return e.store.DeleteShoppingItem(ctx, id)
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return err
		}
		e.logf("delete item %s: falling back to offline path: %v", id, err)
	}

	if err := e.store.DeleteShoppingItem(ctx, id); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ctx, localstore.PendingAction{
		Type:     localstore.ActionShoppingDelete,
		RecordID: id,
	}); err != nil {
		return err
	}
	e.requestBackgroundSync(localstore.CategoryShopping)
	return nil
}

// ClearCompleted removes every checked item of the current list.
func (e *Engine) ClearCompleted(ctx context.Context) error {
	listID, err := e.currentListID(ctx)
	if err != nil {
		return err
	}
	if listID > 0 && e.oracle.IsOnline() {
		err := e.remote.ClearChecked(ctx, listID)
		if err == nil {
			_, err = e.store.DeleteCheckedShoppingItems(ctx)
			return err
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return err
		}
		e.logf("clear completed: falling back to offline path: %v", err)
	}

	if _, err := e.store.DeleteCheckedShoppingItems(ctx); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ctx, localstore.PendingAction{
		Type:    localstore.ActionShoppingClearCompleted,
		Payload: clearPayload{ListID: listID},
	}); err != nil {
		return err
	}
	e.requestBackgroundSync(localstore.CategoryShopping)
	return nil
}

// LoadItems returns the authoritative item list when the server answers
// and the cached list otherwise.
func (e *Engine) LoadItems(ctx context.Context) ([]localstore.ShoppingItem, error) {
	if e.oracle.IsOnline() {
		items, err := e.refreshShopping(ctx)
		if err == nil {
			return items, nil
		}
		if errors.Is(err, localstore.ErrStorageUnavailable) {
			return nil, err
		}
		e.logf("load items: serving cache: %v", err)
	}
	return e.store.ShoppingItems(ctx)
}

func (e *Engine) LoadEvents(ctx context.Context) ([]localstore.CalendarEvent, error) {
	if e.oracle.IsOnline() {
		events, err := e.refreshCalendar(ctx)
		if err == nil {
			return events, nil
		}
		if errors.Is(err, localstore.ErrStorageUnavailable) {
			return nil, err
		}
		e.logf("load events: serving cache: %v", err)
	}
	return e.store.CalendarEvents(ctx)
}

// SyncShopping replays queued shopping mutations in enqueue order and then
// refreshes the local list. It is a no-op while offline or while another
// shopping sync is running.
func (e *Engine) SyncShopping(ctx context.Context) (SyncResult, error) {
	return e.runSync(ctx, localstore.CategoryShopping, e.refreshShoppingOnly)
}

// SyncCalendar refreshes cached calendar events. Calendar data has no local
// mutations, so there is nothing to replay.
func (e *Engine) SyncCalendar(ctx context.Context) (SyncResult, error) {
	return e.runSync(ctx, localstore.CategoryCalendar, e.refreshCalendarOnly)
}

func (e *Engine) ForceSyncAll(ctx context.Context) error {
	if !e.oracle.IsOnline() {
		return ErrOffline
	}
	_, shoppingErr := e.SyncShopping(ctx)
	_, calendarErr := e.SyncCalendar(ctx)
	return errors.Join(shoppingErr, calendarErr)
}

// HandleTrigger runs the sync registered under a background tag.
func (e *Engine) HandleTrigger(ctx context.Context, tag string) error {
	category, ok := categoryForTag(tag)
	if !ok {
		return fmt.Errorf("unknown sync tag %q", tag)
	}
	var err error
	switch category {
	case localstore.CategoryShopping:
		_, err = e.SyncShopping(ctx)
	case localstore.CategoryCalendar:
		_, err = e.SyncCalendar(ctx)
	}
	return err
}

func (e *Engine) GetSyncStatus(ctx context.Context) (Status, error) {
	pending, err := e.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{PendingActions: pending, IsOnline: e.oracle.IsOnline()}
	if ts, ok, err := e.store.LastSync(ctx, localstore.CategoryShopping); err != nil {
		return Status{}, err
	} else if ok {
		status.LastSyncShopping = &ts
	}
	if ts, ok, err := e.store.LastSync(ctx, localstore.CategoryCalendar); err != nil {
		return Status{}, err
	} else if ok {
		status.LastSyncCalendar = &ts
	}
	return status, nil
}

// Syncing reports whether a pass for category is in flight.
func (e *Engine) Syncing(category localstore.Category) bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	return e.syncing[category]
}

func (e *Engine) tryBegin(category localstore.Category) bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.syncing[category] {
		return false
	}
	e.syncing[category] = true
	return true
}

func (e *Engine) end(category localstore.Category) {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	delete(e.syncing, category)
}

func (e *Engine) runSync(ctx context.Context, category localstore.Category, refresh func(context.Context) error) (SyncResult, error) {
	result := SyncResult{Category: category}
	if !e.oracle.IsOnline() {
		return result, nil
	}
	if !e.tryBegin(category) {
		return result, nil
	}
	defer e.end(category)

	start := time.Now()
	result.Ran = true
	e.events.Emit(Event{Type: SyncStart, Category: category})

	err := e.drain(ctx, category, &result)
	if err == nil {
		err = refresh(ctx)
	}
	if err != nil {
		metrics.ObserveSync(string(category), "error", start)
		e.logf("%s sync failed: %v", category, err)
		e.events.Emit(Event{Type: SyncError, Category: category, Err: err})
		return result, err
	}
	metrics.ObserveSync(string(category), "success", start)
	e.events.Emit(Event{Type: SyncSuccess, Category: category})
	return result, nil
}

func (e *Engine) drain(ctx context.Context, category localstore.Category, result *SyncResult) error {
	entries, err := e.queue.Drain(ctx)
	if err != nil {
		return err
	}
	resolved := map[string]localstore.ID{}
	for _, entry := range entries {
		if entry.Type.Category() != category {
			continue
		}
		err := e.replay(ctx, entry, resolved)
		switch {
		case err == nil:
			result.Replayed++
			metrics.ObserveReplay(string(entry.Type), "ok")
		case errors.Is(err, errUnresolvedTemp):
			result.Skipped++
			metrics.ObserveReplay(string(entry.Type), "skipped")
			e.logf("replay %s #%d deferred: %v", entry.Type, entry.ID, err)
		default:
			result.Failed++
			metrics.ObserveReplay(string(entry.Type), "failed")
			e.logf("%v", &ReplayError{EntryID: entry.ID, Type: entry.Type, Err: err})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, entry localstore.QueueEntry, resolved map[string]localstore.ID) error {
	switch entry.Type {
	case localstore.ActionShoppingAdd:
		var payload addPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		listID := payload.ListID
		if listID == 0 {
			var err error
			if listID, err = e.resolveList(ctx); err != nil {
				return err
			}
		}
		created, _, err := e.addToList(ctx, listID, NewItem{Name: payload.Name, Quantity: payload.Quantity})
		if err != nil {
			return err
		}
		if entry.TempID.IsTemp() {
			if _, err := e.store.SubstituteShoppingItem(ctx, entry.TempID, created, entry.ID); err != nil {
				return err
			}
			resolved[entry.TempID.String()] = created.ID
			return nil
		}
		if _, err := e.store.ConfirmShoppingItem(ctx, created); err != nil {
			return err
		}
		return e.queue.Remove(ctx, entry.ID)

	case localstore.ActionShoppingUpdate:
		remoteID, err := replayTarget(entry, resolved)
		if err != nil {
			return err
		}
		var patch ItemPatch
		if err := json.Unmarshal(entry.Payload, &patch); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if _, err := e.remote.UpdateItem(ctx, remoteID, patch); err != nil && !IsNotFound(err) {
			return err
		}
		return e.queue.Remove(ctx, entry.ID)

	case localstore.ActionShoppingDelete:
		remoteID, err := replayTarget(entry, resolved)
		if err != nil {
			return err
		}
		if err := e.remote.DeleteItem(ctx, remoteID); err != nil && !IsNotFound(err) {
			return err
		}
		if err := e.store.DeleteShoppingItem(ctx, localstore.AuthID(remoteID)); err != nil {
			return err
		}
		return e.queue.Remove(ctx, entry.ID)

	case localstore.ActionShoppingClearCompleted:
		var payload clearPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		listID := payload.ListID
		if listID == 0 {
			var err error
			if listID, err = e.resolveList(ctx); err != nil {
				return err
			}
		}
		if err := e.remote.ClearChecked(ctx, listID); err != nil && !IsNotFound(err) {
			return err
		}
		return e.queue.Remove(ctx, entry.ID)
	}
	return fmt.Errorf("%w: %q", localstore.ErrUnknownAction, entry.Type)
}

// replayTarget maps the entry's record id to a server id, following
// substitutions made earlier in the same pass.
func replayTarget(entry localstore.QueueEntry, resolved map[string]localstore.ID) (int64, error) {
	id := entry.RecordID
	if id.IsTemp() {
		if substitute, ok := resolved[id.String()]; ok {
			id = substitute
		}
	}
	if remoteID, ok := id.Authoritative(); ok {
		return remoteID, nil
	}
	if id.IsTemp() {
		return 0, fmt.Errorf("%w: %s", errUnresolvedTemp, id)
	}
	return 0, fmt.Errorf("%w: entry has no target", ErrInvalidItem)
}

func (e *Engine) refreshShoppingOnly(ctx context.Context) error {
	_, err := e.refreshShopping(ctx)
	return err
}

func (e *Engine) refreshCalendarOnly(ctx context.Context) error {
	_, err := e.refreshCalendar(ctx)
	return err
}

func (e *Engine) refreshShopping(ctx context.Context) ([]localstore.ShoppingItem, error) {
	listID, err := e.resolveList(ctx)
	if err != nil {
		return nil, err
	}
	items, err := e.remote.ListItems(ctx, listID)
	if err != nil {
		return nil, err
	}
	saved, err := e.store.SaveShoppingItems(ctx, items)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetLastSync(ctx, localstore.CategoryShopping, e.now()); err != nil {
		return nil, err
	}
	return saved, nil
}

func (e *Engine) refreshCalendar(ctx context.Context) ([]localstore.CalendarEvent, error) {
	events, err := e.remote.ListEvents(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	saved, err := e.store.SaveCalendarEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetLastSync(ctx, localstore.CategoryCalendar, e.now()); err != nil {
		return nil, err
	}
	return saved, nil
}

func (e *Engine) currentListID(ctx context.Context) (int64, error) {
	id, _, err := e.store.CurrentListID(ctx)
	return id, err
}

// addToList adds item to listID. When the server no longer has that list,
// the current list is resolved again and the add is retried once there.
func (e *Engine) addToList(ctx context.Context, listID int64, item NewItem) (localstore.ShoppingItem, int64, error) {
	created, err := e.remote.AddItem(ctx, listID, item)
	if err == nil || !IsNotFound(err) {
		return created, listID, err
	}
	resolved, resolveErr := e.resolveList(ctx)
	if resolveErr != nil {
		return localstore.ShoppingItem{}, listID, resolveErr
	}
	if resolved == listID {
		return localstore.ShoppingItem{}, listID, err
	}
	e.logf("list %d is gone, adding %q to list %d", listID, item.Name, resolved)
	created, err = e.remote.AddItem(ctx, resolved, item)
	return created, resolved, err
}

// resolveList asks the server which list to work on, creating the default
// list for accounts that have none, and remembers the answer.
func (e *Engine) resolveList(ctx context.Context) (int64, error) {
	lists, err := e.remote.ListLists(ctx)
	if err != nil {
		return 0, err
	}
	current, _, err := e.store.CurrentListID(ctx)
	if err != nil {
		return 0, err
	}
	for _, list := range lists {
		if list.ID == current {
			return current, nil
		}
	}
	var listID int64
	if len(lists) > 0 {
		listID = lists[0].ID
	} else {
		created, err := e.remote.CreateList(ctx, e.defaultList)
		if err != nil {
			return 0, err
		}
		listID = created.ID
	}
	if err := e.store.SetCurrentListID(ctx, listID); err != nil {
		return 0, err
	}
	return listID, nil
}

func (e *Engine) requestBackgroundSync(category localstore.Category) {
	if e.trigger == nil {
		return
	}
	if err := e.trigger.Register(tagFor(category)); err != nil {
		e.logf("background sync registration failed: %v", err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
