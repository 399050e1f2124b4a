package offlinesync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/familysync/familysync/internal/connectivity"
	"github.com/familysync/familysync/internal/localstore"
)

type testHarness struct {
	store  *localstore.Store
	remote *fakeRemote
	oracle *connectivity.Manual
	wake   *WakeQueue
	engine *Engine
}

func newHarness(t *testing.T, online bool) *testHarness {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	remote := newFakeRemote()
	remote.lists = []ShoppingList{{ID: 1, Name: "Family list"}}
	oracle := connectivity.NewManual(online)
	wake := NewWakeQueue()
	engine, err := NewEngine(EngineOptions{Store: store, Remote: remote, Oracle: oracle, Trigger: wake})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(engine.Stop)
	return &testHarness{store: store, remote: remote, oracle: oracle, wake: wake, engine: engine}
}

func (h *testHarness) pending(t *testing.T) int {
	t.Helper()
	status, err := h.engine.GetSyncStatus(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	return status.PendingActions
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(EngineOptions{}); err == nil {
		t.Fatalf("expected missing store to fail")
	}
}

func TestOfflineAddIsDurableAndQueued(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	before := h.pending(t)

	item, err := h.engine.AddItem(ctx, "Bread", "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !item.ID.IsTemp() {
		t.Fatalf("expected temp id, got %s", item.ID)
	}
	if item.Synced {
		t.Fatalf("expected unsynced optimistic item")
	}
	if got := h.pending(t); got != before+1 {
		t.Fatalf("expected pending actions to grow by 1, got %d -> %d", before, got)
	}
	if h.remote.countCalls("AddItem") != 0 {
		t.Fatalf("expected no remote call while offline")
	}
	if tags := h.wake.Pending(); len(tags) != 1 || tags[0] != TagSyncShopping {
		t.Fatalf("expected background sync registration, got %v", tags)
	}
	cached, err := h.engine.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cached) != 1 || cached[0].Name != "Bread" {
		t.Fatalf("expected cached optimistic item, got %+v", cached)
	}
}

func TestOnlineAddWritesThrough(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	item, err := h.engine.AddItem(ctx, "Milk", "2")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if item.ID.IsTemp() || !item.Synced {
		t.Fatalf("expected confirmed item, got %+v", item)
	}
	if item.ListID != 1 {
		t.Fatalf("expected item on list 1, got %d", item.ListID)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestOnlineAddFailureFallsBackToQueue(t *testing.T) {
	h := newHarness(t, true)
	h.remote.failAdd["Milk"] = true
	ctx := context.Background()

	item, err := h.engine.AddItem(ctx, "Milk", "")
	if err != nil {
		t.Fatalf("expected remote failure to be absorbed, got %v", err)
	}
	if !item.ID.IsTemp() {
		t.Fatalf("expected temp id after fallback, got %s", item.ID)
	}
	if h.pending(t) != 1 {
		t.Fatalf("expected queued add")
	}
}

func TestAddRequiresName(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.engine.AddItem(context.Background(), "  ", ""); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
}

func TestDrainPreservesOrderAndSubstitutesTempID(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	added, err := h.engine.AddItem(ctx, "Milk", "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := h.engine.ToggleItem(ctx, added.ID, true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	h.oracle.SetOnline(true)
	result, err := h.engine.SyncShopping(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Ran || result.Replayed != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	remoteItems := h.remote.itemsNamed("Milk")
	if len(remoteItems) != 1 || !remoteItems[0].Checked {
		t.Fatalf("expected one checked Milk on the server, got %+v", remoteItems)
	}
	if _, ok, _ := h.store.ShoppingItem(ctx, added.ID); ok {
		t.Fatalf("expected temp record %s to be gone", added.ID)
	}
	local, err := h.store.ShoppingItems(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(local) != 1 || local[0].ID != remoteItems[0].ID || !local[0].Checked || !local[0].Synced {
		t.Fatalf("expected local state to mirror server, got %+v", local)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected empty queue after drain")
	}
}

func TestDrainIsolatesFailedEntry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for _, name := range []string{"One", "Two", "Three"} {
		if _, err := h.engine.AddItem(ctx, name, ""); err != nil {
			t.Fatalf("add %s failed: %v", name, err)
		}
	}
	h.remote.failAdd["Two"] = true
	h.oracle.SetOnline(true)

	result, err := h.engine.SyncShopping(ctx)
	if err != nil {
		t.Fatalf("expected per-entry failure not to fail the pass, got %v", err)
	}
	if result.Replayed != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 replayed and 1 failed, got %+v", result)
	}
	entries, err := h.store.Queue().Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the failed entry to remain, got %d", len(entries))
	}
	if string(entries[0].Payload) != `{"name":"Two"}` {
		t.Fatalf("expected the Two entry to remain, got %s", entries[0].Payload)
	}
}

func TestDrainDefersMutationsOfUnconfirmedItems(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	added, _ := h.engine.AddItem(ctx, "Cheese", "")
	if _, err := h.engine.ToggleItem(ctx, added.ID, true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	h.remote.failAdd["Cheese"] = true
	h.oracle.SetOnline(true)

	result, err := h.engine.SyncShopping(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("expected failed add and deferred toggle, got %+v", result)
	}
	if h.remote.countCalls("UpdateItem") != 0 {
		t.Fatalf("expected no update to be sent for a temporary id")
	}
	if h.pending(t) != 2 {
		t.Fatalf("expected both entries to stay queued")
	}

	h.remote.failAdd["Cheese"] = false
	if _, err := h.engine.SyncShopping(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	remoteItems := h.remote.itemsNamed("Cheese")
	if len(remoteItems) != 1 || !remoteItems[0].Checked {
		t.Fatalf("expected checked Cheese after retry, got %+v", remoteItems)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestReplayOfUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	item, err := h.engine.AddItem(ctx, "Eggs", "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	h.oracle.SetOnline(false)
	for i := 0; i < 2; i++ {
		if _, err := h.engine.ToggleItem(ctx, item.ID, true); err != nil {
			t.Fatalf("toggle failed: %v", err)
		}
	}
	h.oracle.SetOnline(true)
	if _, err := h.engine.SyncShopping(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	remoteID, _ := item.ID.Authoritative()
	got, ok := h.remote.item(remoteID)
	if !ok || !got.Checked {
		t.Fatalf("expected checked item, got %+v ok=%v", got, ok)
	}
	if h.remote.countCalls("UpdateItem") != 2 {
		t.Fatalf("expected both updates to be replayed")
	}
}

func TestReplayTreatsNotFoundAsSuccess(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if err := h.engine.DeleteItem(ctx, localstore.AuthID(999)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := h.store.SaveShoppingItem(ctx, localstore.ShoppingItem{ID: localstore.AuthID(998), Name: "Jam"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := h.engine.ToggleItem(ctx, localstore.AuthID(998), true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	h.oracle.SetOnline(true)
	result, err := h.engine.SyncShopping(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Replayed != 2 || result.Failed != 0 {
		t.Fatalf("expected 404s to count as replayed, got %+v", result)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestOnlineDeleteOfMissingItemSucceeds(t *testing.T) {
	h := newHarness(t, true)
	if err := h.engine.DeleteItem(context.Background(), localstore.AuthID(404)); err != nil {
		t.Fatalf("expected delete of a missing item to succeed, got %v", err)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestClearCompletedOfflineIsReplayed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	item, err := h.engine.AddItem(ctx, "Butter", "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := h.engine.ToggleItem(ctx, item.ID, true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	h.oracle.SetOnline(false)
	if err := h.engine.ClearCompleted(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	local, _ := h.store.ShoppingItems(ctx)
	if len(local) != 0 {
		t.Fatalf("expected checked item to be cleared locally, got %+v", local)
	}
	h.oracle.SetOnline(true)
	if _, err := h.engine.SyncShopping(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if h.remote.countCalls("ClearChecked:1") != 1 {
		t.Fatalf("expected clear to be replayed against list 1")
	}
	if len(h.remote.itemsNamed("Butter")) != 0 {
		t.Fatalf("expected Butter cleared on the server")
	}
}

func TestSyncIsNoOpWhenOffline(t *testing.T) {
	h := newHarness(t, false)
	var events []Event
	h.engine.Subscribe(func(ev Event) { events = append(events, ev) })
	result, err := h.engine.SyncShopping(context.Background())
	if err != nil || result.Ran {
		t.Fatalf("expected offline sync to be a no-op, got %+v %v", result, err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestSyncEmitsStartThenSuccess(t *testing.T) {
	h := newHarness(t, true)
	var events []Event
	h.engine.Subscribe(func(ev Event) { events = append(events, ev) })
	if _, err := h.engine.SyncCalendar(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(events) != 2 || events[0].Type != SyncStart || events[1].Type != SyncSuccess {
		t.Fatalf("expected START then SUCCESS, got %+v", events)
	}
	if events[1].Category != localstore.CategoryCalendar {
		t.Fatalf("expected calendar category, got %s", events[1].Category)
	}
}

func TestRefetchFailureEmitsSyncError(t *testing.T) {
	h := newHarness(t, true)
	h.remote.failList = true
	var events []Event
	h.engine.Subscribe(func(ev Event) { events = append(events, ev) })

	_, err := h.engine.SyncShopping(context.Background())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if len(events) != 2 || events[1].Type != SyncError || events[1].Err == nil {
		t.Fatalf("expected START then ERROR with cause, got %+v", events)
	}
	if h.engine.Syncing(localstore.CategoryShopping) {
		t.Fatalf("expected guard to be released after failure")
	}
}

func TestConcurrentSyncIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.remote.block = make(chan struct{})
	ctx := context.Background()

	started := make(chan struct{})
	h.engine.Subscribe(func(ev Event) {
		if ev.Type == SyncStart {
			close(started)
		}
	})
	done := make(chan SyncResult, 1)
	go func() {
		result, _ := h.engine.SyncShopping(ctx)
		done <- result
	}()
	<-started

	second, err := h.engine.SyncShopping(ctx)
	if err != nil || second.Ran {
		t.Fatalf("expected reentrant sync to be ignored, got %+v %v", second, err)
	}
	close(h.remote.block)
	if first := <-done; !first.Ran {
		t.Fatalf("expected first sync to run")
	}
}

func TestLoadItemsFallsBackToCache(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.engine.AddItem(ctx, "Milk", ""); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := h.engine.LoadItems(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	h.remote.setDown(true)
	items, err := h.engine.LoadItems(ctx)
	if err != nil {
		t.Fatalf("expected cached read, got %v", err)
	}
	if len(items) != 1 || items[0].Name != "Milk" {
		t.Fatalf("expected cached Milk, got %+v", items)
	}
}

func TestLoadItemsStampsLastSync(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.engine.LoadItems(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	status, err := h.engine.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.LastSyncShopping == nil || !status.IsOnline {
		t.Fatalf("expected last sync to be stamped, got %+v", status)
	}
	if status.LastSyncCalendar != nil {
		t.Fatalf("expected calendar untouched, got %v", status.LastSyncCalendar)
	}
}

func TestLoadItemsCreatesDefaultList(t *testing.T) {
	h := newHarness(t, true)
	h.remote.lists = nil
	ctx := context.Background()
	if _, err := h.engine.LoadItems(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if h.remote.countCalls("CreateList") != 1 {
		t.Fatalf("expected default list to be created")
	}
	id, ok, err := h.store.CurrentListID(ctx)
	if err != nil || !ok || id == 0 {
		t.Fatalf("expected current list to be remembered, got %d ok=%v err=%v", id, ok, err)
	}
}

func TestLoadEventsFallsBackToCache(t *testing.T) {
	h := newHarness(t, true)
	h.remote.events = []localstore.CalendarEvent{{ID: localstore.AuthID(5), Summary: "School play", StartTime: "2024-06-01T18:00:00Z"}}
	ctx := context.Background()
	if _, err := h.engine.LoadEvents(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	h.remote.failEvent = true
	events, err := h.engine.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("expected cached events, got %v", err)
	}
	if len(events) != 1 || events[0].Summary != "School play" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestForceSyncAllOffline(t *testing.T) {
	h := newHarness(t, false)
	if err := h.engine.ForceSyncAll(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestReconnectTriggersDrain(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if _, err := h.engine.AddItem(ctx, "Apples", ""); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	var mu sync.Mutex
	succeeded := map[localstore.Category]bool{}
	done := make(chan struct{})
	h.engine.Subscribe(func(ev Event) {
		if ev.Type != SyncSuccess {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		succeeded[ev.Category] = true
		if succeeded[localstore.CategoryShopping] && succeeded[localstore.CategoryCalendar] {
			close(done)
		}
	})
	h.engine.Start(ctx)
	h.oracle.SetOnline(true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reconnect sync")
	}
	h.engine.Stop()
	if h.pending(t) != 0 {
		t.Fatalf("expected empty queue after reconnect")
	}
	if len(h.remote.itemsNamed("Apples")) != 1 {
		t.Fatalf("expected Apples on the server")
	}
}

func TestStopDetachesFromOracle(t *testing.T) {
	h := newHarness(t, false)
	h.engine.Start(context.Background())
	h.engine.Stop()
	h.oracle.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	if h.remote.countCalls("ListLists") != 0 {
		t.Fatalf("expected no sync after Stop")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	h := newHarness(t, true)
	calls := 0
	unsubscribe := h.engine.Subscribe(func(Event) { calls++ })
	unsubscribe()
	if _, err := h.engine.SyncCalendar(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", calls)
	}
}

func TestWakeQueueDeliversOnReconnect(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := h.engine.AddItem(ctx, "Pears", ""); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	handled := make(chan string, 4)
	go h.wake.Run(ctx, h.oracle, func(ctx context.Context, tag string) error {
		err := h.engine.HandleTrigger(ctx, tag)
		handled <- tag
		return err
	})

	h.oracle.SetOnline(true)
	select {
	case tag := <-handled:
		if tag != TagSyncShopping {
			t.Fatalf("expected %s, got %s", TagSyncShopping, tag)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for wake queue")
	}
	if len(h.remote.itemsNamed("Pears")) != 1 {
		t.Fatalf("expected Pears replayed")
	}
}

func TestHandleTriggerRejectsUnknownTag(t *testing.T) {
	h := newHarness(t, true)
	if err := h.engine.HandleTrigger(context.Background(), "sync-everything"); err == nil {
		t.Fatalf("expected unknown tag to fail")
	}
}

func TestReplayErrorUnwrapsRemoteFailure(t *testing.T) {
	err := error(&ReplayError{EntryID: 3, Type: localstore.ActionShoppingUpdate, Err: &HTTPError{StatusCode: 502}})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected replay error to match ErrRemoteUnavailable")
	}
	if IsNotFound(err) {
		t.Fatalf("expected 502 not to count as not found")
	}
	if got := err.Error(); got != "replay shopping.update #3 failed: http 502" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestOnlineAddMovesToCurrentListWhenListIsGone(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.store.SetCurrentListID(ctx, 1); err != nil {
		t.Fatalf("set list failed: %v", err)
	}
	h.remote.lists = append(h.remote.lists, ShoppingList{ID: 2, Name: "Weekend"})
	h.remote.dropList(1)

	item, err := h.engine.AddItem(ctx, "Milk", "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if item.ID.IsTemp() || item.ListID != 2 {
		t.Fatalf("expected confirmed item on list 2, got %+v", item)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected nothing queued")
	}
	if id, _, _ := h.store.CurrentListID(ctx); id != 2 {
		t.Fatalf("expected current list to move to 2, got %d", id)
	}
}

func TestReplayedAddMovesToCurrentListWhenListIsGone(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if err := h.store.SetCurrentListID(ctx, 1); err != nil {
		t.Fatalf("set list failed: %v", err)
	}
	if _, err := h.engine.AddItem(ctx, "Bread", ""); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	h.remote.lists = append(h.remote.lists, ShoppingList{ID: 2, Name: "Weekend"})
	h.remote.dropList(1)
	h.oracle.SetOnline(true)

	result, err := h.engine.SyncShopping(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Replayed != 1 || result.Failed != 0 {
		t.Fatalf("expected the add to replay, got %+v", result)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected the queue to drain")
	}
	created := h.remote.itemsNamed("Bread")
	if len(created) != 1 || created[0].ListID != 2 {
		t.Fatalf("expected Bread on list 2, got %+v", created)
	}
}

func TestToggleOfUnknownItemIsNotQueued(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.ToggleItem(context.Background(), localstore.AuthID(77), true)
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected nothing queued for an unknown item")
	}
	if h.remote.countCalls("UpdateItem") != 0 {
		t.Fatalf("expected no remote call for an unknown item")
	}
}
