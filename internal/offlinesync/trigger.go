package offlinesync

import (
	"context"
	"strings"
	"sync"

	"github.com/familysync/familysync/internal/connectivity"
	"github.com/familysync/familysync/internal/localstore"
)

const (
	TagSyncShopping = "sync-shopping-items"
	TagSyncCalendar = "sync-calendar-events"
)

// BackgroundTrigger asks the platform to wake the client once connectivity
// returns. Registration is best effort.
type BackgroundTrigger interface {
	Register(tag string) error
}

func tagFor(category localstore.Category) string {
	switch category {
	case localstore.CategoryShopping:
		return TagSyncShopping
	case localstore.CategoryCalendar:
		return TagSyncCalendar
	}
	return ""
}

func categoryForTag(tag string) (localstore.Category, bool) {
	switch strings.TrimSpace(tag) {
	case TagSyncShopping:
		return localstore.CategoryShopping, true
	case TagSyncCalendar:
		return localstore.CategoryCalendar, true
	}
	return "", false
}

// WakeQueue collects registered tags and hands them to a handler whenever
// the oracle reports online. Registering a tag that is already pending is a
// no-op.
type WakeQueue struct {
	mu      sync.Mutex
	pending []string
	wake    chan struct{}
}

func NewWakeQueue() *WakeQueue {
	return &WakeQueue{wake: make(chan struct{}, 1)}
}

func (q *WakeQueue) Register(tag string) error {
	if q.add(tag) {
		q.signal()
	}
	return nil
}

func (q *WakeQueue) add(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.pending {
		if existing == tag {
			return false
		}
	}
	q.pending = append(q.pending, tag)
	return true
}

func (q *WakeQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

func (q *WakeQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	tags := q.pending
	q.pending = nil
	return tags
}

func (q *WakeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers pending tags to handle until ctx is done.
func (q *WakeQueue) Run(ctx context.Context, oracle connectivity.Oracle, handle func(ctx context.Context, tag string) error) error {
	unsubscribe := oracle.Subscribe(func(online bool) {
		if online {
			q.signal()
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
		if !oracle.IsOnline() {
			continue
		}
		for _, tag := range q.take() {
			if err := handle(ctx, tag); err != nil {
				// Retried on the next online edge or registration.
				q.add(tag)
			}
		}
	}
}
