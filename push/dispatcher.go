// Package push queues offline notifications. NotifyOffline never blocks the caller: filtered
// notifications go into a bounded queue that a fixed pool of workers hands to a Sender.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/filter"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/types"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
	sendTimeout      = 5 * time.Second
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, recipientId string, payload types.PushPayload) error
}

type job struct {
	recipientId string
	payload     types.PushPayload
}

type Dispatcher struct {
	sender  Sender
	filter  *filter.Filter
	workers int
	queue   chan job
	logger  hclog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher; flt may be nil. Start must be called before notifications
// are processed.
func NewDispatcher(sender Sender, flt *filter.Filter, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		sender:  sender,
		filter:  flt,
		workers: workers,
		queue:   make(chan job, queueSize),
		logger:  globals.AppLogger.Named("push"),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := d.sender.Send(ctx, j.recipientId, j.payload)
		cancel()
		if err != nil {
			metrics.PushNotificationsTotal.WithLabelValues(j.payload.Type, "failed").Inc()
			d.logger.Error("could not send notification", "recipient", j.recipientId, "type", j.payload.Type, "error", err)
			continue
		}
		metrics.PushNotificationsTotal.WithLabelValues(j.payload.Type, "sent").Inc()
	}
}

// NotifyOffline queues payload for recipientId unless the filter rejects it or the queue is
// full.
func (d *Dispatcher) NotifyOffline(recipientId string, payload types.PushPayload) {
	if !d.filter.Match(filter.NewEnv(recipientId, payload, time.Now())) {
		metrics.PushNotificationsTotal.WithLabelValues(payload.Type, "filtered").Inc()
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job{recipientId: recipientId, payload: payload}:
	default:
		metrics.PushNotificationsTotal.WithLabelValues(payload.Type, "dropped").Inc()
		d.logger.Warn("notification queue full, dropping", "recipient", recipientId, "type", payload.Type)
	}
}

// Close stops accepting notifications and waits until the queued ones are sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
