package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/safego"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
	shipTimeout      = 30 * time.Second
)

// Dispatcher queues created events and ships them on a fixed pool of workers.
// EventCreated never blocks: when the queue is full, or the dispatcher is closed,
// the event is dropped and counted.
type Dispatcher struct {
	shipper Shipper
	workers int

	mu     sync.RWMutex
	queue  chan *models.AuditEvent
	closed bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher in front of shipper. Call Start before use.
func NewDispatcher(shipper Shipper, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		shipper: shipper,
		workers: workers,
		queue:   make(chan *models.AuditEvent, queueSize),
	}
}

// Start launches the workers. Calling it again is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			safego.Go(fmt.Sprintf("notify-worker-%d", i), func() {
				defer d.wg.Done()
				d.work()
			})
		}
		slog.Info("notification dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
	})
}

func (d *Dispatcher) work() {
	for event := range d.queue {
		d.ship(event)
	}
}

// ship delivers one event; a panicking shipper costs only that event
func (d *Dispatcher) ship(event *models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.NotifierFailuresTotal.WithLabelValues("panic").Inc()
			slog.Error("notification shipper panicked", "event_id", event.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()

	if err := d.shipper.Ship(ctx, event); err != nil {
		slog.Debug("notification delivery failed", "event_id", event.ID, "error", err)
	}
}

// EventCreated enqueues event for delivery without blocking
func (d *Dispatcher) EventCreated(event *models.AuditEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(event, "closed")
		return
	}

	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

func (d *Dispatcher) drop(event *models.AuditEvent, reason string) {
	telemetry.NotifierDroppedTotal.Inc()
	slog.Warn("notification dropped", "event_id", event.ID, "org_id", event.OrgID, "reason", reason)
}

// Pending returns the number of queued, not yet shipped events
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events, waits for the workers to drain the queue and closes
// the shipper. If ctx expires first the remaining events are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	// Workers that were never started would leave the queue undrained forever
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("notification dispatcher shutdown timed out", "pending", len(d.queue))
		return ctx.Err()
	}

	return d.shipper.Close()
}
