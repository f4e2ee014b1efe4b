// event_repository.go implements EventRepository, the append-only PostgreSQL store behind the
// ledger: single-row inserts plus keyset-ordered selects and counts driven by predicate trees.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
)

const eventColumns = `id, org_id, actor_type, actor_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at`

// EventRepository handles audit event database operations
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert appends an event. It assigns the id (UUIDv7) and the server timestamp,
// truncated to the microsecond precision PostgreSQL stores.
func (r *EventRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate event id: %w", err)
	}
	event.ID = id.String()
	event.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if event.Metadata == nil {
		event.Metadata = models.Metadata{}
	}

	q := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, q,
		event.ID,
		event.OrgID,
		event.ActorType,
		event.ActorID,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		event.Metadata,
		event.IPAddress,
		event.UserAgent,
		event.CreatedAt,
	)
	return err
}

// Query returns at most limit events matching p, newest first
func (r *EventRepository) Query(ctx context.Context, p query.Predicate, limit int) ([]*models.AuditEvent, error) {
	where, args := query.SQL(p, 1)
	q := fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s ORDER BY %s LIMIT $%d`,
		eventColumns, where, query.OrderBy, len(args)+1)
	args = append(args, limit)

	events := make([]*models.AuditEvent, 0, limit)
	if err := r.db.SelectContext(ctx, &events, q, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of events matching p
func (r *EventRepository) Count(ctx context.Context, p query.Predicate) (int64, error) {
	where, args := query.SQL(p, 1)
	q := `SELECT COUNT(*) FROM audit_events WHERE ` + where

	var total int64
	if err := r.db.GetContext(ctx, &total, q, args...); err != nil {
		return 0, err
	}
	return total, nil
}
