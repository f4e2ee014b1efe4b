package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

const archiveColumns = `id, org_id, requested_by, requester, format, filter, status, storage_path, row_count, size_bytes, checksum, error, created_at, started_at, completed_at`

// ExportArchiveRepository tracks asynchronous export archive jobs
type ExportArchiveRepository struct {
	db *sqlx.DB
}

// NewExportArchiveRepository creates a new ExportArchiveRepository
func NewExportArchiveRepository(db *sqlx.DB) *ExportArchiveRepository {
	return &ExportArchiveRepository{db: db}
}

// Create inserts a pending archive record
func (r *ExportArchiveRepository) Create(ctx context.Context, a *models.ExportArchive) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate archive id: %w", err)
	}
	a.ID = id.String()
	a.Status = models.ArchiveStatusPending
	a.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if len(a.Filter) == 0 {
		a.Filter = []byte("{}")
	}
	if len(a.Requester) == 0 {
		a.Requester = []byte("{}")
	}

	q := `
		INSERT INTO export_archives (id, org_id, requested_by, requester, format, filter, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, q, a.ID, a.OrgID, a.RequestedBy, a.Requester, a.Format, a.Filter, a.Status, a.CreatedAt)
	return err
}

// MarkRunning claims an archive for this worker and stamps started_at. A pending archive can
// be claimed, and so can a running one whose claim started before staleBefore, which is how
// the work of a worker that died mid-build is picked up again. It reports false when another
// worker holds the claim.
func (r *ExportArchiveRepository) MarkRunning(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	q := `
		UPDATE export_archives
		SET status = $2, started_at = $3
		WHERE id = $1 AND (status = $4 OR (status = $2 AND (started_at IS NULL OR started_at < $5)))
	`
	res, err := r.db.ExecContext(ctx, q, id, models.ArchiveStatusRunning, time.Now().UTC().Truncate(time.Microsecond),
		models.ArchiveStatusPending, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted records the uploaded object and its digest
func (r *ExportArchiveRepository) MarkCompleted(ctx context.Context, id, storagePath string, rowCount, sizeBytes int64, checksum string) error {
	q := `
		UPDATE export_archives
		SET status = $2, storage_path = $3, row_count = $4, size_bytes = $5, checksum = $6, completed_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, q, id, models.ArchiveStatusCompleted, storagePath, rowCount, sizeBytes, checksum,
		time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// MarkFailed records why an archive could not be produced
func (r *ExportArchiveRepository) MarkFailed(ctx context.Context, id, reason string) error {
	q := `
		UPDATE export_archives
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, q, id, models.ArchiveStatusFailed, reason, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// Get returns the archive with the given id inside orgID, or nil if there is none
func (r *ExportArchiveRepository) Get(ctx context.Context, orgID, id string) (*models.ExportArchive, error) {
	q := `SELECT ` + archiveColumns + ` FROM export_archives WHERE id = $1 AND org_id = $2`

	var a models.ExportArchive
	err := r.db.GetContext(ctx, &a, q, id, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPending returns archives waiting for a worker, oldest first: pending ones and running
// ones whose claim started before staleBefore
func (r *ExportArchiveRepository) ListPending(ctx context.Context, staleBefore time.Time, limit int) ([]*models.ExportArchive, error) {
	q := `SELECT ` + archiveColumns + ` FROM export_archives
		WHERE status = $1 OR (status = $2 AND (started_at IS NULL OR started_at < $3))
		ORDER BY created_at ASC LIMIT $4`

	archives := make([]*models.ExportArchive, 0)
	err := r.db.SelectContext(ctx, &archives, q, models.ArchiveStatusPending, models.ArchiveStatusRunning, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	return archives, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("export archive %s not found", id)
	}
	return nil
}
