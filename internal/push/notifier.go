// Package push batches shopping-list activity into Web Push notifications
// and delivers them to every subscribed device of a user.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familysync/familysync/internal/familysync"
)

type Kind string

const (
	KindItemAdded   Kind = "ITEM_ADDED"
	KindItemChecked Kind = "ITEM_CHECKED"
	KindItemDeleted Kind = "ITEM_DELETED"
)

const (
	DefaultBatchDelay = 5 * time.Second

	notificationTitle = "Family Sync"
	notificationIcon  = "/img/icons/icon-192x192.png"
	notificationBadge = "/img/icons/icon-96x96.png"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Badge string         `json:"badge,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type Notice struct {
	ListID   int64
	ItemName string
	UserName string
}

type AudienceSource interface {
	ListAudience(listID, exclude int64) []int64
}

type NotifierOptions struct {
	Audience   AudienceSource
	Queue      familysync.DeliveryQueue
	BatchDelay time.Duration
	Logger     Logger
	Now        func() time.Time
}

type batchEntry struct {
	kind   Kind
	notice Notice
}

// Notifier collects activity per recipient and emits one aggregated
// notification per recipient when the batch window closes.
type Notifier struct {
	audience AudienceSource
	queue    familysync.DeliveryQueue
	delay    time.Duration
	logger   Logger
	now      func() time.Time

	mu      sync.Mutex
	batches map[int64][]batchEntry
	timers  map[int64]*time.Timer
}

func NewNotifier(opts NotifierOptions) *Notifier {
	delay := opts.BatchDelay
	if delay <= 0 {
		delay = DefaultBatchDelay
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		audience: opts.Audience,
		queue:    opts.Queue,
		delay:    delay,
		logger:   opts.Logger,
		now:      now,
		batches:  map[int64][]batchEntry{},
		timers:   map[int64]*time.Timer{},
	}
}

func (n *Notifier) NotifyItemAdded(listID int64, itemName, userName string, actor int64) {
	n.fanOut(KindItemAdded, Notice{ListID: listID, ItemName: itemName, UserName: userName}, actor)
}

func (n *Notifier) NotifyItemChecked(listID int64, itemName, userName string, actor int64) {
	n.fanOut(KindItemChecked, Notice{ListID: listID, ItemName: itemName, UserName: userName}, actor)
}

func (n *Notifier) NotifyItemDeleted(listID int64, itemName string, actor int64) {
	n.fanOut(KindItemDeleted, Notice{ListID: listID, ItemName: itemName}, actor)
}

func (n *Notifier) fanOut(kind Kind, notice Notice, actor int64) {
	if n == nil || n.audience == nil {
		return
	}
	for _, userID := range n.audience.ListAudience(notice.ListID, actor) {
		n.Queue(userID, kind, notice)
	}
}

// Queue adds activity to the recipient's open batch, opening one if needed.
func (n *Notifier) Queue(userID int64, kind Kind, notice Notice) {
	if n == nil || userID == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, open := n.batches[userID]; !open {
		n.timers[userID] = time.AfterFunc(n.delay, func() { n.flush(userID) })
	}
	n.batches[userID] = append(n.batches[userID], batchEntry{kind: kind, notice: notice})
}

// Pending reports how many recipients have an open batch.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batches)
}

// Stop cancels open batches without sending them.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for userID, timer := range n.timers {
		timer.Stop()
		delete(n.timers, userID)
		delete(n.batches, userID)
	}
}

func (n *Notifier) flush(userID int64) {
	n.mu.Lock()
	entries := n.batches[userID]
	delete(n.batches, userID)
	delete(n.timers, userID)
	n.mu.Unlock()

	body := batchBody(entries)
	if body == "" {
		return
	}
	payload := Payload{
		Title: notificationTitle,
		Body:  body,
		Icon:  notificationIcon,
		Badge: notificationBadge,
		Tag:   "shopping-update",
		Data: map[string]any{
			"url":       "/shopping",
			"timestamp": n.now().UnixMilli(),
		},
	}
	if err := n.enqueue(userID, payload); err != nil {
		n.logf("push: queue batch for user %d failed: %v", userID, err)
	}
}

func (n *Notifier) enqueue(userID int64, payload Payload) error {
	if n.queue == nil {
		return fmt.Errorf("no delivery queue configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	delivery := familysync.Delivery{
		ID:         uuid.NewString(),
		UserID:     userID,
		Payload:    data,
		EnqueuedAt: n.now().UTC(),
	}
	if !n.queue.TryEnqueue(delivery) {
		return familysync.ErrQueueFull
	}
	return nil
}

func batchBody(entries []batchEntry) string {
	var added, checked, deleted []Notice
	for _, entry := range entries {
		switch entry.kind {
		case KindItemAdded:
			added = append(added, entry.notice)
		case KindItemChecked:
			checked = append(checked, entry.notice)
		case KindItemDeleted:
			deleted = append(deleted, entry.notice)
		}
	}
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("%s added %s", actorName(added[0]), pluralItems(len(added))))
	}
	if len(checked) > 0 {
		parts = append(parts, fmt.Sprintf("%s checked %s", actorName(checked[0]), pluralItems(len(checked))))
	}
	if len(deleted) > 0 {
		verb := "was"
		if len(deleted) > 1 {
			verb = "were"
		}
		parts = append(parts, fmt.Sprintf("%s %s deleted", pluralItems(len(deleted)), verb))
	}
	return strings.Join(parts, " • ")
}

func actorName(notice Notice) string {
	if name := strings.TrimSpace(notice.UserName); name != "" {
		return name
	}
	return "Someone"
}

func pluralItems(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

// testPayload is what SendTest delivers.
func testPayload() Payload {
	return Payload{
		Title: "Notifications enabled",
		Body:  "Push notifications are working!",
		Icon:  notificationIcon,
		Badge: notificationBadge,
		Tag:   "test-notification",
		Data:  map[string]any{"url": "/", "test": true},
	}
}
