package familysync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileDeliveryQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Delivery
}

type fileDeliveryQueueState struct {
	Items []Delivery `json:"items"`
}

// NewFileDeliveryQueue keeps the queue in a JSON file so pending
// notifications survive a restart.
func NewFileDeliveryQueue(path string, capacity int) (DeliveryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileDeliveryQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Delivery{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileDeliveryQueue) TryEnqueue(delivery Delivery) bool {
	if !delivery.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, delivery)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileDeliveryQueue) Enqueue(ctx context.Context, delivery Delivery) bool {
	for {
		if q.TryEnqueue(delivery) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Delivery{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Delivery{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileDeliveryQueue) Capacity() int {
	return q.capacity
}

func (q *fileDeliveryQueue) Close() error {
	return nil
}

func (q *fileDeliveryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDeliveryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Over capacity after a config change: keep the newest entries.
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Delivery(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Delivery(nil), snapshot.Items...)
	return nil
}

func (q *fileDeliveryQueue) saveLocked() error {
	snapshot := fileDeliveryQueueState{
		Items: append([]Delivery(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
