// Package notify fans newly recorded audit events out to external destinations.
//
// Delivery is strictly best effort: the Dispatcher queues events in memory and hands
// them to Shippers on background workers, so a slow or failing destination can never
// delay or fail the insert that produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/safego"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// EventCreatedType is the notification type sent for every new event
const EventCreatedType = "audit_event.created"

// Notification is the payload shippers deliver
type Notification struct {
	Type  string             `json:"type"`
	Event *models.AuditEvent `json:"event"`
}

func newNotification(e *models.AuditEvent) *Notification {
	return &Notification{Type: EventCreatedType, Event: e}
}

// Shipper delivers notifications to one destination
type Shipper interface {
	// Ship sends the notification for one event
	Ship(ctx context.Context, event *models.AuditEvent) error
	// Close flushes anything buffered and releases resources
	Close() error
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []Shipper
	types    []string
	mu       sync.RWMutex
}

// NewMultiShipper creates a shipper for every enabled entry of configs
func NewMultiShipper(configs []config.ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
		ms.types = append(ms.types, cfg.Type)
	}

	return ms, nil
}

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends the event to every shipper. A failing shipper does not stop the others;
// all failures are joined into the returned error.
func (ms *MultiShipper) Ship(ctx context.Context, event *models.AuditEvent) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for i, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, event); err != nil {
			telemetry.NotifierFailuresTotal.WithLabelValues(ms.types[i]).Inc()
			slog.Warn("notification shipper failed", "shipper", ms.types[i], "event_id", event.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookShipper POSTs notifications as JSON, one at a time or in batches
type WebhookShipper struct {
	cfg           *config.WebhookConfig
	client        *http.Client
	timeout       time.Duration
	flushInterval time.Duration

	batchCh   chan *Notification
	batch     []*Notification
	batchMu   sync.Mutex
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper. With BatchSize > 0 notifications are
// collected and sent as a JSON array when the batch fills or the flush interval passes.
func NewWebhookShipper(cfg *config.WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		cfg:           cfg,
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
		flushInterval: flushInterval,
		batchCh:       make(chan *Notification, 1000),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		safego.Go("webhook-batcher", ws.processBatches)
	} else {
		close(ws.doneCh)
	}

	return ws, nil
}

// processBatches handles batched sending
func (ws *WebhookShipper) processBatches() {
	defer close(ws.doneCh)

	ticker := time.NewTicker(ws.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case n := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, n)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			ws.flushBatch()
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
		drain:
			for {
				select {
				case n := <-ws.batchCh:
					ws.batch = append(ws.batch, n)
				default:
					break drain
				}
			}
			ws.flushBatch()
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. Caller holds batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	ws.batch = ws.batch[:0]
	if err != nil {
		slog.Error("failed to marshal notification batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		telemetry.NotifierFailuresTotal.WithLabelValues("webhook").Inc()
		slog.Warn("failed to send notification batch", "url", ws.cfg.URL, "error", err)
	}
}

// Ship sends or queues the notification for event
func (ws *WebhookShipper) Ship(ctx context.Context, event *models.AuditEvent) error {
	n := newNotification(event)

	if ws.cfg.BatchSize > 0 {
		select {
		case ws.batchCh <- n:
			return nil
		default:
			// Channel full, send directly
		}
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return ws.sendRequest(ctx, data)
}

// sendRequest sends the HTTP request
func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes pending batched notifications and stops the batcher
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.doneCh
	return nil
}

// FileShipper appends notifications to a JSON lines file with size-based rotation
type FileShipper struct {
	cfg  *config.FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *config.FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes one line for event
func (fs *FileShipper) Ship(_ context.Context, event *models.AuditEvent) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Warn("failed to rotate notification file", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(newNotification(event))
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens path
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
