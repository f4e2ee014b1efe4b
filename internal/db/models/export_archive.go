// Package models - export_archive.go defines ExportArchive, the record tracking an asynchronous
// export written to object storage.
package models

import (
	"encoding/json"
	"time"
)

// Archive statuses
const (
	ArchiveStatusPending   = "pending"
	ArchiveStatusRunning   = "running"
	ArchiveStatusCompleted = "completed"
	ArchiveStatusFailed    = "failed"
)

// Export formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ExportArchive tracks one archive job
type ExportArchive struct {
	ID          string          `db:"id" json:"id"`
	OrgID       string          `db:"org_id" json:"orgId"`
	RequestedBy string          `db:"requested_by" json:"requestedBy"`
	Requester   json.RawMessage `db:"requester" json:"-"` // auth.Identity the job runs as
	Format      string          `db:"format" json:"format"`
	Filter      json.RawMessage `db:"filter" json:"filter"`
	Status      string          `db:"status" json:"status"`
	StoragePath *string         `db:"storage_path" json:"-"`
	RowCount    int64           `db:"row_count" json:"rowCount"`
	SizeBytes   int64           `db:"size_bytes" json:"sizeBytes"`
	Checksum    *string         `db:"checksum" json:"checksum,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	StartedAt   *time.Time      `db:"started_at" json:"startedAt,omitempty"` // set on each claim
	CompletedAt *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// ContentType returns the MIME type of the archive body
func (a *ExportArchive) ContentType() string {
	if a.Format == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}
