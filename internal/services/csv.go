package services

import (
	"io"
	"strings"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// CSVColumns is the fixed export column order
var CSVColumns = []string{
	"id", "orgId", "actorType", "actorId", "action", "resourceType",
	"resourceId", "metadata", "ipAddress", "userAgent", "createdAt",
}

// EscapeCSV quotes s when it contains a comma, double quote, CR or LF, doubling inner
// quotes. Anything else is returned as is, leading and trailing spaces included.
func EscapeCSV(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func writeCSVHeader(w io.StringWriter) error {
	_, err := w.WriteString(strings.Join(CSVColumns, ",") + "\n")
	return err
}

func writeCSVRow(w io.StringWriter, e *models.AuditEvent) error {
	fields := [...]string{
		e.ID,
		e.OrgID,
		e.ActorType,
		optional(e.ActorID),
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.Metadata.JSON(),
		optional(e.IPAddress),
		optional(e.UserAgent),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(EscapeCSV(f))
	}
	sb.WriteByte('\n')

	_, err := w.WriteString(sb.String())
	return err
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
