package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/storage"
)

// ArchiveStore persists export archive requests
type ArchiveStore interface {
	Create(ctx context.Context, a *models.ExportArchive) error
	Get(ctx context.Context, orgID, id string) (*models.ExportArchive, error)
}

// Waker nudges the archiver to pick up new work without waiting for its next poll
type Waker interface {
	Wake()
}

// ArchiveHandlers serves the asynchronous export archive endpoints
type ArchiveHandlers struct {
	store           ArchiveStore
	backend         storage.Storage
	archiver        Waker
	urlTTL          time.Duration
	maxFilterValues int
}

// NewArchiveHandlers creates the archive handlers. archiver may be nil when archives are
// built by another replica.
func NewArchiveHandlers(store ArchiveStore, backend storage.Storage, archiver Waker, urlTTL time.Duration, maxFilterValues int) *ArchiveHandlers {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &ArchiveHandlers{
		store:           store,
		backend:         backend,
		archiver:        archiver,
		urlTTL:          urlTTL,
		maxFilterValues: maxFilterValues,
	}
}

// CreateArchiveRequest is the body of POST /api/v1/events/archives
type CreateArchiveRequest struct {
	Format string           `json:"format" binding:"required,oneof=csv json"`
	Filter query.FilterSpec `json:"filter"`
}

// ArchiveResponse is an archive record plus, once it is complete, where to fetch it
type ArchiveResponse struct {
	*models.ExportArchive
	DownloadURL string     `json:"downloadUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// CreateArchiveHandler queues an export archive built under the caller's identity
// POST /api/v1/events/archives
func (h *ArchiveHandlers) CreateArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireIdentity(c)
		if !ok {
			return
		}

		var req CreateArchiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		// Fail now rather than in the background job
		if _, err := query.Scope(id); err != nil {
			respondError(c, err)
			return
		}
		if err := req.Filter.Validate(h.maxFilterValues); err != nil {
			respondError(c, err)
			return
		}

		filter, err := json.Marshal(req.Filter)
		if err != nil {
			respondError(c, fmt.Errorf("encode filter: %w", err))
			return
		}
		requester, err := json.Marshal(id)
		if err != nil {
			respondError(c, fmt.Errorf("encode requester: %w", err))
			return
		}

		archive := &models.ExportArchive{
			OrgID:       id.OrgID,
			RequestedBy: id.UserID,
			Requester:   requester,
			Format:      req.Format,
			Filter:      filter,
		}
		if err := h.store.Create(c.Request.Context(), archive); err != nil {
			respondError(c, fmt.Errorf("create archive: %w", err))
			return
		}

		if h.archiver != nil {
			h.archiver.Wake()
		}

		c.Header("Location", "/api/v1/events/archives/"+archive.ID)
		c.JSON(http.StatusAccepted, ArchiveResponse{ExportArchive: archive})
	}
}

// GetArchiveHandler returns an archive's status and, when completed, a download URL
// GET /api/v1/events/archives/:id
func (h *ArchiveHandlers) GetArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		archive, ok := h.lookup(c)
		if !ok {
			return
		}

		resp := ArchiveResponse{ExportArchive: archive}
		if archive.Status == models.ArchiveStatusCompleted && archive.StoragePath != nil {
			url, err := h.backend.SignedURL(c.Request.Context(), *archive.StoragePath, h.urlTTL)
			switch {
			case err == nil:
				expires := time.Now().UTC().Add(h.urlTTL)
				resp.DownloadURL = url
				resp.ExpiresAt = &expires
			case errors.Is(err, storage.ErrSigningUnsupported):
				resp.DownloadURL = "/api/v1/events/archives/" + archive.ID + "/download"
			default:
				// the record is still useful without a link
				slog.Warn("failed to sign archive URL", "archive_id", archive.ID, "error", err)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// DownloadArchiveHandler streams a completed archive through the API
// GET /api/v1/events/archives/:id/download
func (h *ArchiveHandlers) DownloadArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		archive, ok := h.lookup(c)
		if !ok {
			return
		}
		if archive.Status != models.ArchiveStatusCompleted || archive.StoragePath == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Archive is not ready", "status": archive.Status})
			return
		}

		body, err := h.backend.Download(c.Request.Context(), *archive.StoragePath)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Archive file not found"})
				return
			}
			respondError(c, fmt.Errorf("download archive: %w", err))
			return
		}
		defer body.Close()

		headers := map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", "audit-events-"+archive.ID+"."+archive.Format),
		}
		if archive.Checksum != nil {
			headers["X-Checksum-SHA256"] = *archive.Checksum
		}
		c.DataFromReader(http.StatusOK, archive.SizeBytes, archive.ContentType(), body, headers)
	}
}

// lookup loads the archive named in the path. Restricted users only see their own
// archives, which carry their own scope; anything else is reported as missing.
func (h *ArchiveHandlers) lookup(c *gin.Context) (*models.ExportArchive, bool) {
	id, ok := requireIdentity(c)
	if !ok {
		return nil, false
	}

	archiveID := c.Param("id")
	if _, err := uuid.Parse(archiveID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Archive not found"})
		return nil, false
	}

	archive, err := h.store.Get(c.Request.Context(), id.OrgID, archiveID)
	if err != nil {
		respondError(c, fmt.Errorf("get archive: %w", err))
		return nil, false
	}
	if archive == nil || (!id.IsAdmin() && archive.RequestedBy != id.UserID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Archive not found"})
		return nil, false
	}
	return archive, true
}
