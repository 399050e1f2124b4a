package familysync

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Delivery is one push notification waiting to be sent to every
// subscription of a user.
type Delivery struct {
	ID         string          `json:"id"`
	UserID     int64           `json:"userId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func (d Delivery) valid() bool {
	return strings.TrimSpace(d.ID) != "" && d.UserID != 0
}

type DeliveryQueue interface {
	TryEnqueue(delivery Delivery) bool
	Enqueue(ctx context.Context, delivery Delivery) bool
	Dequeue(ctx context.Context) (Delivery, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryDeliveryQueue struct {
	ch chan Delivery
}

func NewInMemoryDeliveryQueue(capacity int) DeliveryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryDeliveryQueue{ch: make(chan Delivery, capacity)}
}

func (q *inMemoryDeliveryQueue) TryEnqueue(delivery Delivery) bool {
	if q == nil || !delivery.valid() {
		return false
	}
	select {
	case q.ch <- delivery:
		return true
	default:
		return false
	}
}

func (q *inMemoryDeliveryQueue) Enqueue(ctx context.Context, delivery Delivery) bool {
	if q == nil || !delivery.valid() {
		return false
	}
	select {
	case q.ch <- delivery:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDeliveryQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	if q == nil {
		return Delivery{}, false
	}
	select {
	case delivery := <-q.ch:
		return delivery, true
	case <-ctx.Done():
		return Delivery{}, false
	}
}

func (q *inMemoryDeliveryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDeliveryQueue) Close() error {
	return nil
}
