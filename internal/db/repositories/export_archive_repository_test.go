package repositories

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

var archiveCols = []string{
	"id", "org_id", "requested_by", "requester", "format", "filter", "status", "storage_path",
	"row_count", "size_bytes", "checksum", "error", "created_at", "started_at", "completed_at",
}

func newArchiveRepo(t *testing.T) (*ExportArchiveRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewExportArchiveRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestArchiveCreate(t *testing.T) {
	repo, mock := newArchiveRepo(t)
	mock.ExpectExec("INSERT INTO export_archives").
		WithArgs(sqlmock.AnyArg(), "org-1", "u1", sqlmock.AnyArg(), "csv", sqlmock.AnyArg(), "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := &models.ExportArchive{OrgID: "org-1", RequestedBy: "u1", Format: models.FormatCSV}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == "" || a.Status != models.ArchiveStatusPending {
		t.Errorf("archive = %+v, want id and pending status", a)
	}
	if string(a.Filter) != "{}" {
		t.Errorf("Filter = %s, want {}", a.Filter)
	}
}

func TestArchiveMarkCompleted(t *testing.T) {
	repo, mock := newArchiveRepo(t)
	mock.ExpectExec("UPDATE export_archives").
		WithArgs("a-1", "completed", "org-1/a-1.csv", int64(10), int64(2048), "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkCompleted(context.Background(), "a-1", "org-1/a-1.csv", 10, 2048, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestArchiveMarkFailed_NotFound(t *testing.T) {
	repo, mock := newArchiveRepo(t)
	mock.ExpectExec("UPDATE export_archives").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.MarkFailed(context.Background(), "missing", "boom"); err == nil {
		t.Error("expected error for unknown archive")
	}
}

func TestArchiveMarkRunning(t *testing.T) {
	q := regexp.QuoteMeta("SET status = $2, started_at = $3") +
		".*" + regexp.QuoteMeta("WHERE id = $1 AND (status = $4 OR (status = $2 AND (started_at IS NULL OR started_at < $5)))")
	staleBefore := time.Date(2026, 3, 1, 11, 29, 0, 0, time.UTC)

	t.Run("claimed", func(t *testing.T) {
		repo, mock := newArchiveRepo(t)
		mock.ExpectExec(q).
			WithArgs("a-1", "running", sqlmock.AnyArg(), "pending", staleBefore).
			WillReturnResult(sqlmock.NewResult(0, 1))

		claimed, err := repo.MarkRunning(context.Background(), "a-1", staleBefore)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !claimed {
			t.Error("claimed = false, want true")
		}
	})

	t.Run("already taken", func(t *testing.T) {
		repo, mock := newArchiveRepo(t)
		mock.ExpectExec(q).
			WithArgs("a-1", "running", sqlmock.AnyArg(), "pending", staleBefore).
			WillReturnResult(sqlmock.NewResult(0, 0))

		claimed, err := repo.MarkRunning(context.Background(), "a-1", staleBefore)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claimed {
			t.Error("claimed = true, want false")
		}
	})
}

func TestArchiveGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		repo, mock := newArchiveRepo(t)
		mock.ExpectQuery("SELECT .* FROM export_archives WHERE id = \\$1 AND org_id = \\$2").
			WithArgs("a-1", "org-1").
			WillReturnRows(sqlmock.NewRows(archiveCols).
				AddRow("a-1", "org-1", "u1", []byte(`{"orgId":"org-1","userId":"u1","role":"admin"}`), "json", []byte(`{"action":["login"]}`), "completed",
					"org-1/a-1.json", 3, 512, "deadbeef", nil, now, now, now))

		a, err := repo.Get(context.Background(), "org-1", "a-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a == nil {
			t.Fatal("expected archive, got nil")
		}
		if a.StoragePath == nil || *a.StoragePath != "org-1/a-1.json" || a.RowCount != 3 {
			t.Errorf("archive = %+v", a)
		}
		if !json.Valid(a.Filter) {
			t.Errorf("Filter = %s, want valid JSON", a.Filter)
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newArchiveRepo(t)
		mock.ExpectQuery("SELECT .* FROM export_archives").
			WillReturnRows(sqlmock.NewRows(archiveCols))

		a, err := repo.Get(context.Background(), "org-1", "nope")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != nil {
			t.Errorf("expected nil, got %+v", a)
		}
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newArchiveRepo(t)
		mock.ExpectQuery("SELECT .* FROM export_archives").WillReturnError(errDB)

		if _, err := repo.Get(context.Background(), "org-1", "a-1"); err == nil {
			t.Error("expected error, got nil")
		}
	})
}

func TestArchiveListPending(t *testing.T) {
	repo, mock := newArchiveRepo(t)
	now := time.Now().UTC()
	staleBefore := now.Add(-31 * time.Minute)
	stale := now.Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT .* FROM export_archives\\s+WHERE status = \\$1 OR \\(status = \\$2 AND \\(started_at IS NULL OR started_at < \\$3\\)\\)").
		WithArgs("pending", "running", staleBefore, 5).
		WillReturnRows(sqlmock.NewRows(archiveCols).
			AddRow("a-1", "org-1", "u1", []byte(`{"orgId":"org-1","userId":"u1","role":"user"}`), "csv", []byte(`{}`), "running", nil, 0, 0, nil, nil, stale, stale, nil).
			AddRow("a-2", "org-1", "u1", []byte(`{"orgId":"org-1","userId":"u1","role":"user"}`), "csv", []byte(`{}`), "pending", nil, 0, 0, nil, nil, now, nil, nil))

	archives, err := repo.ListPending(context.Background(), staleBefore, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(archives) != 2 || archives[0].StoragePath != nil || archives[0].CompletedAt != nil {
		t.Fatalf("archives = %+v", archives)
	}
	if archives[0].StartedAt == nil || !archives[0].StartedAt.Equal(stale) {
		t.Errorf("StartedAt = %v, want %v", archives[0].StartedAt, stale)
	}
	if archives[1].StartedAt != nil {
		t.Errorf("pending archive StartedAt = %v, want nil", archives[1].StartedAt)
	}
}
