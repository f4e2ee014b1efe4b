// Package jobs holds the ledger's background jobs.
//
// export_archiver.go implements the ExportArchiver, which turns pending export_archives rows
// into objects in the configured storage backend. Each archive is streamed to a temporary file
// under the requester's identity, so the archive holds exactly what a synchronous export by the
// same caller would, then uploaded with its SHA-256. Several server replicas may run archivers
// against the same table; MarkRunning decides which one builds a given archive. A claim is a
// lease: once it is older than the job timeout plus claimGrace, the archive is offered again,
// so a replica that dies mid-build does not leave it running forever.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/safego"
	"github.com/audit-ledger/audit-ledger/internal/storage"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// ArchiveStore is the slice of the export archive repository the archiver needs
type ArchiveStore interface {
	ListPending(ctx context.Context, staleBefore time.Time, limit int) ([]*models.ExportArchive, error)
	MarkRunning(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id, storagePath string, rowCount, sizeBytes int64, checksum string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// claimGrace covers recording the outcome after the job context has expired
const claimGrace = time.Minute

// Exporter streams a scoped export, as services.EventService does
type Exporter interface {
	Export(ctx context.Context, id auth.Identity, format string, filter query.FilterSpec, w io.Writer) (int64, error)
}

// ExportArchiver periodically builds pending export archives
type ExportArchiver struct {
	store    ArchiveStore
	exporter Exporter
	backend  storage.Storage

	workers    int
	tempDir    string
	jobTimeout time.Duration
	interval   time.Duration

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExportArchiver creates the archiver. Zero config values fall back to 2 workers, the OS
// temp dir, a 30 minute job timeout and a 5 second poll interval.
func NewExportArchiver(store ArchiveStore, exporter Exporter, backend storage.Storage, cfg config.ArchivesConfig) *ExportArchiver {
	a := &ExportArchiver{
		store:      store,
		exporter:   exporter,
		backend:    backend,
		workers:    cfg.Workers,
		tempDir:    cfg.TempDir,
		jobTimeout: cfg.JobTimeout,
		interval:   cfg.PollInterval,
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	if a.workers <= 0 {
		a.workers = 2
	}
	if a.jobTimeout <= 0 {
		a.jobTimeout = 30 * time.Minute
	}
	if a.interval <= 0 {
		a.interval = 5 * time.Second
	}
	return a
}

// Start runs the polling loop until ctx is cancelled or Stop is called. It checks for
// pending archives immediately, then on every tick and whenever Wake is called.
func (a *ExportArchiver) Start(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	slog.Info("export archiver started", "workers", a.workers, "poll_interval", a.interval)

	a.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			a.runOnce(ctx)
		case <-a.wake:
			a.runOnce(ctx)
		case <-a.stopChan:
			slog.Info("export archiver stopped")
			return
		case <-ctx.Done():
			slog.Info("export archiver context cancelled")
			return
		}
	}
}

// Wake asks the loop to look for pending archives now instead of at the next tick
func (a *ExportArchiver) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Stop signals the loop to exit and waits for the batch in progress, or for ctx
func (a *ExportArchiver) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopChan) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// staleBefore is the start time before which a running claim has lapsed
func (a *ExportArchiver) staleBefore() time.Time {
	return time.Now().UTC().Add(-(a.jobTimeout + claimGrace))
}

// runOnce claims up to workers pending or lapsed archives and builds them concurrently
func (a *ExportArchiver) runOnce(ctx context.Context) {
	pending, err := a.store.ListPending(ctx, a.staleBefore(), a.workers)
	if err != nil {
		slog.Error("export archiver: failed to list pending archives", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, arc := range pending {
		wg.Add(1)
		safego.Go("export-archive-"+arc.ID, func() {
			defer wg.Done()
			a.Process(ctx, arc)
		})
	}
	wg.Wait()
}

// Process builds one archive if this worker wins the claim on it
func (a *ExportArchiver) Process(ctx context.Context, arc *models.ExportArchive) {
	claimed, err := a.store.MarkRunning(ctx, arc.ID, a.staleBefore())
	if err != nil {
		slog.Error("export archiver: failed to claim archive", "archive_id", arc.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, a.jobTimeout)
	defer cancel()

	start := time.Now()
	result, rows, err := a.build(jobCtx, arc)
	if err != nil {
		slog.Error("export archive failed", "archive_id", arc.ID, "org_id", arc.OrgID, "format", arc.Format, "error", err)
		telemetry.ArchiveJobsTotal.WithLabelValues(models.ArchiveStatusFailed).Inc()
		if markErr := a.store.MarkFailed(context.WithoutCancel(ctx), arc.ID, failureReason(err)); markErr != nil {
			slog.Error("export archiver: failed to record failure", "archive_id", arc.ID, "error", markErr)
		}
		return
	}

	if err := a.store.MarkCompleted(context.WithoutCancel(ctx), arc.ID, result.Path, rows, result.Size, result.Checksum); err != nil {
		// the row stays running until its claim lapses, then the archive is rebuilt over the same path
		slog.Error("export archiver: failed to record completion", "archive_id", arc.ID, "path", result.Path, "error", err)
		telemetry.ArchiveJobsTotal.WithLabelValues(models.ArchiveStatusFailed).Inc()
		return
	}

	telemetry.ArchiveJobsTotal.WithLabelValues(models.ArchiveStatusCompleted).Inc()
	slog.Info("export archive completed",
		"archive_id", arc.ID, "org_id", arc.OrgID, "format", arc.Format,
		"rows", rows, "bytes", result.Size, "duration", time.Since(start))
}

// build streams the export into a temp file and uploads it
func (a *ExportArchiver) build(ctx context.Context, arc *models.ExportArchive) (*storage.UploadResult, int64, error) {
	var id auth.Identity
	if err := json.Unmarshal(arc.Requester, &id); err != nil {
		return nil, 0, fmt.Errorf("invalid requester: %w", err)
	}
	var filter query.FilterSpec
	if len(arc.Filter) > 0 {
		if err := json.Unmarshal(arc.Filter, &filter); err != nil {
			return nil, 0, &query.ValidationError{Field: "filter", Message: "not a valid filter"}
		}
	}

	tmp, err := os.CreateTemp(a.tempDir, "archive-*."+arc.Format)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	rows, err := a.exporter.Export(ctx, id, arc.Format, filter, tmp)
	if err != nil {
		return nil, 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	result, err := a.backend.Upload(ctx, ArchivePath(arc), tmp, storage.UploadOptions{ContentType: arc.ContentType()})
	if err != nil {
		return nil, 0, err
	}
	return result, rows, nil
}

// ArchivePath is the object path an archive is stored under
func ArchivePath(arc *models.ExportArchive) string {
	return arc.OrgID + "/" + arc.ID + "." + arc.Format
}

// failureReason is what the archive record tells the requester. Caller errors are passed
// through; anything else stays in the server log.
func failureReason(err error) string {
	var verr *query.ValidationError
	var aerr *query.AuthorizationError
	switch {
	case errors.As(err, &verr), errors.As(err, &aerr):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "archive timed out"
	default:
		return "archive could not be built"
	}
}
