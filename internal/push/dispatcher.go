package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/familysync/familysync/internal/familysync"
	"github.com/familysync/familysync/internal/metrics"
)

var ErrNoSubscriptions = errors.New("no push subscriptions")

type SubscriptionStore interface {
	ListSubscriptions(userID int64) []familysync.PushSubscription
	DeleteSubscription(subscriptionID int64) error
	TouchSubscription(subscriptionID int64) error
}

type DispatcherOptions struct {
	Queue         familysync.DeliveryQueue
	Subscriptions SubscriptionStore
	Sender        Sender
	Workers       int
	Logger        Logger
}

// Dispatcher drains the delivery queue and sends each delivery to every
// subscription of its user.
type Dispatcher struct {
	queue   familysync.DeliveryQueue
	subs    SubscriptionStore
	sender  Sender
	workers int
	logger  Logger
	wg      sync.WaitGroup
}

type DeliveryResult struct {
	Sent   int
	Failed int
	Purged int
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:   opts.Queue,
		subs:    opts.Subscriptions,
		sender:  opts.Sender,
		workers: workers,
		logger:  opts.Logger,
	}
}

// Start launches the workers; they exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.queue == nil {
		return
	}
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		delivery, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		res := d.Deliver(ctx, delivery.UserID, delivery.Payload)
		if res.Failed > 0 || res.Purged > 0 {
			d.logf("push: delivery %s to user %d: sent=%d failed=%d purged=%d", delivery.ID, delivery.UserID, res.Sent, res.Failed, res.Purged)
		}
	}
}

// Deliver sends payload to every subscription of userID. Subscriptions the
// push service reports as gone are deleted.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, payload []byte) DeliveryResult {
	var res DeliveryResult
	if d.subs == nil {
		return res
	}
	for _, sub := range d.subs.ListSubscriptions(userID) {
		if d.sender == nil {
			metrics.ObservePushDelivery("disabled")
			res.Failed++
			continue
		}
		err := d.sender.Send(ctx, sub, payload)
		if err == nil {
			metrics.ObservePushDelivery("sent")
			res.Sent++
			_ = d.subs.TouchSubscription(sub.ID)
			continue
		}
		var sendErr *SendError
		if errors.As(err, &sendErr) && sendErr.Gone() {
			metrics.ObservePushDelivery("purged")
			res.Purged++
			if delErr := d.subs.DeleteSubscription(sub.ID); delErr != nil && !errors.Is(delErr, familysync.ErrNotFound) {
				d.logf("push: delete expired subscription %d failed: %v", sub.ID, delErr)
			}
			continue
		}
		metrics.ObservePushDelivery("failed")
		res.Failed++
		d.logf("push: send to subscription %d failed: %v", sub.ID, err)
	}
	return res
}

// SendTest delivers the test notification right away.
func (d *Dispatcher) SendTest(ctx context.Context, userID int64) (DeliveryResult, error) {
	if d.subs == nil || len(d.subs.ListSubscriptions(userID)) == 0 {
		return DeliveryResult{}, ErrNoSubscriptions
	}
	if d.sender == nil {
		return DeliveryResult{}, ErrNotConfigured
	}
	payload, err := json.Marshal(testPayload())
	if err != nil {
		return DeliveryResult{}, err
	}
	return d.Deliver(ctx, userID, payload), nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
