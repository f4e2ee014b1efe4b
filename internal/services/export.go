package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// flusher is implemented by http.ResponseWriter (and gin's wrapper)
type flusher interface {
	Flush()
}

// batchWriter buffers one batch worth of output and pushes it through to the
// client after each batch.
type batchWriter struct {
	*bufio.Writer
	dst io.Writer
}

func newBatchWriter(w io.Writer) *batchWriter {
	return &batchWriter{Writer: bufio.NewWriterSize(w, 64<<10), dst: w}
}

func (b *batchWriter) flush() error {
	if err := b.Writer.Flush(); err != nil {
		return err
	}
	if f, ok := b.dst.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Export writes every event the caller can see under filter to w in the given format.
// Demo data is always excluded (the demo admin excepted).
func (s *EventService) Export(ctx context.Context, id auth.Identity, format string, filter query.FilterSpec, w io.Writer) (int64, error) {
	switch format {
	case models.FormatCSV:
		return s.ExportCSV(ctx, id, filter, w)
	case models.FormatJSON:
		return s.ExportJSON(ctx, id, filter, w)
	default:
		return 0, &query.ValidationError{Field: "format", Message: "must be csv or json"}
	}
}

// ExportCSV streams the header row and then one line per event.
//
// Scope and filter errors are returned before anything is written. An error after that
// means w holds a truncated file; callers must not present it as complete.
func (s *EventService) ExportCSV(ctx context.Context, id auth.Identity, filter query.FilterSpec, w io.Writer) (int64, error) {
	pred, err := s.scopedPredicate(id, filter, true)
	if err != nil {
		return 0, err
	}
	telemetry.ExportsTotal.WithLabelValues(models.FormatCSV).Inc()

	bw := newBatchWriter(w)
	if err := writeCSVHeader(bw); err != nil {
		return 0, s.exportFailed(models.FormatCSV, err)
	}

	n, err := s.eachBatch(ctx, pred, func(batch []*models.AuditEvent) error {
		for _, e := range batch {
			if err := writeCSVRow(bw, e); err != nil {
				return err
			}
		}
		return bw.flush()
	})
	telemetry.ExportRowsTotal.WithLabelValues(models.FormatCSV).Add(float64(n))
	if err != nil {
		return n, s.exportFailed(models.FormatCSV, err)
	}
	if err := bw.flush(); err != nil {
		return n, s.exportFailed(models.FormatCSV, err)
	}
	return n, nil
}

// ExportJSON streams a JSON array of events, one batch at a time. The closing bracket
// is only written when every batch succeeded, so a failed export is never valid JSON.
func (s *EventService) ExportJSON(ctx context.Context, id auth.Identity, filter query.FilterSpec, w io.Writer) (int64, error) {
	pred, err := s.scopedPredicate(id, filter, true)
	if err != nil {
		return 0, err
	}
	telemetry.ExportsTotal.WithLabelValues(models.FormatJSON).Inc()

	bw := newBatchWriter(w)
	if err := bw.WriteByte('['); err != nil {
		return 0, s.exportFailed(models.FormatJSON, err)
	}

	enc := json.NewEncoder(bw)
	first := true
	n, err := s.eachBatch(ctx, pred, func(batch []*models.AuditEvent) error {
		for _, e := range batch {
			if !first {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			first = false
			// Encode appends a newline, which is valid whitespace between elements.
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return bw.flush()
	})
	telemetry.ExportRowsTotal.WithLabelValues(models.FormatJSON).Add(float64(n))
	if err != nil {
		return n, s.exportFailed(models.FormatJSON, err)
	}

	if err := bw.WriteByte(']'); err != nil {
		return n, s.exportFailed(models.FormatJSON, err)
	}
	if err := bw.flush(); err != nil {
		return n, s.exportFailed(models.FormatJSON, err)
	}
	return n, nil
}

func (s *EventService) exportFailed(format string, err error) error {
	telemetry.ExportFailuresTotal.WithLabelValues(format).Inc()
	return err
}

// eachBatch walks every row matching pred in ledger order, ExportBatchSize rows at a
// time, handing each batch to fn before fetching the next. Only the current batch is
// held in memory. The walk stops when a fetch comes back without the extra row.
func (s *EventService) eachBatch(ctx context.Context, pred query.Predicate, fn func([]*models.AuditEvent) error) (int64, error) {
	size := s.opts.ExportBatchSize
	var total int64
	var last *models.AuditEvent

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		p := pred
		if last != nil {
			p = query.And(pred, query.Before(last.CreatedAt, last.ID))
		}

		start := time.Now()
		rows, err := s.store.Query(ctx, p, size+1)
		telemetry.ObserveQuery("export_batch", start)
		if err != nil {
			return total, &StoreError{Op: fmt.Sprintf("export batch after %d rows", total), Err: err}
		}

		more := len(rows) > size
		if more {
			rows = rows[:size]
		}
		if len(rows) > 0 {
			if err := fn(rows); err != nil {
				return total, err
			}
			total += int64(len(rows))
			last = rows[len(rows)-1]
		}
		if !more {
			return total, nil
		}
	}
}
