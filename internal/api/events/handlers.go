// Package events implements the /api/v1/events handlers: ingest, paged queries, counts,
// streaming exports and asynchronous export archives. Every handler runs behind the identity
// middleware and reads the caller from the gin context.
package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/middleware"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/services"
)

// Ledger is the event service as the handlers use it
type Ledger interface {
	Record(ctx context.Context, id auth.Identity, in services.NewEvent) (*models.AuditEvent, error)
	List(ctx context.Context, id auth.Identity, req services.PageRequest) (*services.Page, error)
	Count(ctx context.Context, id auth.Identity, filter query.FilterSpec, excludeDemo bool) (int64, error)
	ExportCSV(ctx context.Context, id auth.Identity, filter query.FilterSpec, w io.Writer) (int64, error)
	ExportJSON(ctx context.Context, id auth.Identity, filter query.FilterSpec, w io.Writer) (int64, error)
}

// EventHandlers serves the synchronous event endpoints
type EventHandlers struct {
	ledger Ledger
}

// NewEventHandlers creates the event handlers
func NewEventHandlers(ledger Ledger) *EventHandlers {
	return &EventHandlers{ledger: ledger}
}

// IngestHandler appends one event
// POST /api/v1/events
func (h *EventHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireIdentity(c)
		if !ok {
			return
		}

		var in services.NewEvent
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		event, err := h.ledger.Record(c.Request.Context(), id, in)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

// ListHandler returns one page of events
// GET /api/v1/events?cursor=&limit=&excludeDemoData=&<filters>
func (h *EventHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireIdentity(c)
		if !ok {
			return
		}

		q := c.Request.URL.Query()
		filter, err := parseFilter(q)
		if err != nil {
			respondError(c, err)
			return
		}
		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			respondError(c, err)
			return
		}
		excludeDemo, err := parseBool(q.Get("excludeDemoData"), "excludeDemoData")
		if err != nil {
			respondError(c, err)
			return
		}

		page, err := h.ledger.List(c.Request.Context(), id, services.PageRequest{
			Filter:          filter,
			Cursor:          q.Get("cursor"),
			Limit:           limit,
			ExcludeDemoData: excludeDemo,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// CountHandler returns how many events match the filters
// GET /api/v1/events/count
func (h *EventHandlers) CountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireIdentity(c)
		if !ok {
			return
		}

		q := c.Request.URL.Query()
		filter, err := parseFilter(q)
		if err != nil {
			respondError(c, err)
			return
		}
		excludeDemo, err := parseBool(q.Get("excludeDemoData"), "excludeDemoData")
		if err != nil {
			respondError(c, err)
			return
		}

		n, err := h.ledger.Count(c.Request.Context(), id, filter, excludeDemo)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

// ExportCSVHandler streams every matching event as CSV
// GET /api/v1/events/export.csv
func (h *EventHandlers) ExportCSVHandler() gin.HandlerFunc {
	return h.exportHandler(models.FormatCSV, "text/csv; charset=utf-8", h.ledger.ExportCSV)
}

// ExportJSONHandler streams every matching event as a JSON array
// GET /api/v1/events/export.json
func (h *EventHandlers) ExportJSONHandler() gin.HandlerFunc {
	return h.exportHandler(models.FormatJSON, "application/json", h.ledger.ExportJSON)
}

type exportFunc func(ctx context.Context, id auth.Identity, filter query.FilterSpec, w io.Writer) (int64, error)

// exportHandler holds back the status line until the export writes its first byte, so scope
// and filter errors still get a normal JSON error. A failure after that aborts the connection:
// the client sees a broken transfer rather than a short file with a 200.
func (h *EventHandlers) exportHandler(format, contentType string, export exportFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireIdentity(c)
		if !ok {
			return
		}

		filter, err := parseFilter(c.Request.URL.Query())
		if err != nil {
			respondError(c, err)
			return
		}

		filename := fmt.Sprintf("audit-events-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
		w := &attachmentWriter{c: c, contentType: contentType, filename: filename}

		rows, err := export(c.Request.Context(), id, filter, w)
		if err == nil {
			return
		}
		if !w.started {
			respondError(c, err)
			return
		}

		slog.Error("export aborted mid-stream",
			"request_id", middleware.GetRequestID(c),
			"format", format,
			"rows_written", rows,
			"error", err)
		panic(http.ErrAbortHandler)
	}
}

// attachmentWriter sends the download headers on the first write
type attachmentWriter struct {
	c           *gin.Context
	contentType string
	filename    string
	started     bool
}

func (w *attachmentWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		h := w.c.Writer.Header()
		h.Set("Content-Type", w.contentType)
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", w.filename))
		w.c.Status(http.StatusOK)
	}
	return w.c.Writer.Write(p)
}

// Flush pushes each finished batch to the client
func (w *attachmentWriter) Flush() {
	if w.started {
		w.c.Writer.Flush()
	}
}
