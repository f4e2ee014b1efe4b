// Package services implements the ledger's business logic on top of the event store:
// appending events, reading them back a page at a time and streaming full exports.
// Every read is scoped by the caller's org and role before any user filter is applied.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/cursor"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 100
	defaultBatchSize = 1000
)

// EventStore is the append-only event table
type EventStore interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
	// Query returns at most limit rows matching p in (created_at DESC, id DESC) order
	Query(ctx context.Context, p query.Predicate, limit int) ([]*models.AuditEvent, error)
	Count(ctx context.Context, p query.Predicate) (int64, error)
}

// Notifier is told about every event after it has been stored. It must not block.
type Notifier interface {
	EventCreated(event *models.AuditEvent)
}

// StoreError wraps a failure of the underlying event store
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Options are the tunables of EventService, normally taken from config.LedgerConfig
type Options struct {
	DemoAdminEmail  string
	DefaultPageSize int
	MaxPageSize     int
	ExportBatchSize int
	MaxFilterValues int
}

// OptionsFromConfig copies the ledger section of the configuration
func OptionsFromConfig(cfg *config.LedgerConfig) Options {
	return Options{
		DemoAdminEmail:  cfg.DemoAdminEmail,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
		ExportBatchSize: cfg.ExportBatchSize,
		MaxFilterValues: cfg.MaxFilterValues,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = maxPageSize
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = min(defaultPageSize, o.MaxPageSize)
	}
	if o.ExportBatchSize <= 0 {
		o.ExportBatchSize = defaultBatchSize
	}
	return o
}

// EventService appends and reads audit events
type EventService struct {
	store    EventStore
	notifier Notifier
	opts     Options
}

// NewEventService creates a new EventService. notifier may be nil.
func NewEventService(store EventStore, notifier Notifier, opts Options) *EventService {
	return &EventService{
		store:    store,
		notifier: notifier,
		opts:     opts.withDefaults(),
	}
}

// NewEvent is the client-supplied part of an audit event. The org comes from the caller's
// identity; id and createdAt are assigned by the store.
type NewEvent struct {
	ActorType    string          `json:"actorType" binding:"required,oneof=user api_key system"`
	ActorID      *string         `json:"actorId" binding:"omitempty,max=255"`
	Action       string          `json:"action" binding:"required,max=255"`
	ResourceType string          `json:"resourceType" binding:"required,max=255"`
	ResourceID   string          `json:"resourceId" binding:"required,max=255"`
	Metadata     models.Metadata `json:"metadata"`
	IPAddress    *string         `json:"ipAddress" binding:"omitempty,max=64"`
	UserAgent    *string         `json:"userAgent" binding:"omitempty,max=512"`
}

// Record appends one event and hands it to the notifier. A notifier problem never fails
// the call.
func (s *EventService) Record(ctx context.Context, id auth.Identity, in NewEvent) (*models.AuditEvent, error) {
	if id.OrgID == "" {
		return nil, &query.AuthorizationError{Reason: "identity has no organization"}
	}
	if !models.ValidActorType(in.ActorType) {
		return nil, &query.ValidationError{Field: "actorType", Message: "must be one of user, api_key, system"}
	}
	if strings.TrimSpace(in.Action) == "" {
		return nil, &query.ValidationError{Field: "action", Message: "is required"}
	}

	event := &models.AuditEvent{
		OrgID:        id.OrgID,
		ActorType:    in.ActorType,
		ActorID:      in.ActorID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Metadata:     in.Metadata,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
	}
	if err := s.store.Insert(ctx, event); err != nil {
		return nil, &StoreError{Op: "insert", Err: err}
	}
	telemetry.EventsIngestedTotal.WithLabelValues(event.ActorType).Inc()

	if s.notifier != nil {
		s.notify(event)
	}
	return event, nil
}

func (s *EventService) notify(event *models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notifier panicked", "event_id", event.ID, "panic", r)
		}
	}()
	s.notifier.EventCreated(event)
}

// scopedPredicate ANDs the caller's RBAC scope, which no filter can widen, with the
// compiled filter.
func (s *EventService) scopedPredicate(id auth.Identity, filter query.FilterSpec, excludeDemo bool) (query.Predicate, error) {
	scope, err := query.Scope(id)
	if err != nil {
		return nil, err
	}
	if err := filter.Validate(s.opts.MaxFilterValues); err != nil {
		return nil, err
	}
	compiled := query.Compile(filter, query.CompileOptions{
		ExcludeDemoData: excludeDemo,
		CallerEmail:     id.Email,
		DemoAdminEmail:  s.opts.DemoAdminEmail,
	})
	return query.And(scope, compiled), nil
}

// ClampLimit maps a requested page size into [1, MaxPageSize]. Zero means absent and
// yields the default.
func (s *EventService) ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return s.opts.DefaultPageSize
	case limit < 1:
		return 1
	case limit > s.opts.MaxPageSize:
		return s.opts.MaxPageSize
	default:
		return limit
	}
}

// PageRequest selects one page of events
type PageRequest struct {
	Filter          query.FilterSpec
	Cursor          string
	Limit           int
	ExcludeDemoData bool
}

// PageInfo tells the client how to continue
type PageInfo struct {
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

// Page is one bounded slice of the ledger
type Page struct {
	Data     []*models.AuditEvent `json:"data"`
	PageInfo PageInfo             `json:"pageInfo"`
}

// List returns one page. It fetches limit+1 rows so that the presence of a next page is
// known without counting; an unreadable cursor restarts from the newest event.
func (s *EventService) List(ctx context.Context, id auth.Identity, req PageRequest) (*Page, error) {
	pred, err := s.scopedPredicate(id, req.Filter, req.ExcludeDemoData)
	if err != nil {
		return nil, err
	}
	if c, ok := cursor.Decode(req.Cursor); ok {
		pred = query.And(pred, c.Predicate())
	}
	limit := s.ClampLimit(req.Limit)

	start := time.Now()
	rows, err := s.store.Query(ctx, pred, limit+1)
	telemetry.ObserveQuery("page", start)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}

	page := &Page{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		last := page.Data[limit-1]
		next := cursor.Encode(last.CreatedAt, last.ID)
		page.PageInfo = PageInfo{NextCursor: &next, HasMore: true}
	}
	if page.Data == nil {
		page.Data = []*models.AuditEvent{}
	}
	return page, nil
}

// Count returns how many events the caller can see under filter
func (s *EventService) Count(ctx context.Context, id auth.Identity, filter query.FilterSpec, excludeDemo bool) (int64, error) {
	pred, err := s.scopedPredicate(id, filter, excludeDemo)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := s.store.Count(ctx, pred)
	telemetry.ObserveQuery("count", start)
	if err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return n, nil
}
