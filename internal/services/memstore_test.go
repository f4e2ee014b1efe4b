package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
)

// memStore is an EventStore that evaluates predicates with Match, so the same trees the
// SQL renderer sees drive the in-memory results.
type memStore struct {
	mu      sync.Mutex
	events  []*models.AuditEvent
	seq     int
	clock   time.Time
	queries int

	// failOnQuery makes the n-th Query call (1-based) return errStore
	failOnQuery int
	// afterQuery runs after every successful Query
	afterQuery func(n int)
	insertErr  error
}

var errStore = errors.New("connection reset by peer")

// eventID is the id memStore assigns to its n-th event. The sequence is zero padded so
// string order matches insertion order.
func eventID(n int) string {
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", n)
}

func newMemStore() *memStore {
	return &memStore{clock: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

// add appends an event with the next id at the given offset from the store clock
func (m *memStore) add(e *models.AuditEvent, at time.Duration) *models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.ID = eventID(m.seq)
	e.CreatedAt = m.clock.Add(at)
	if e.OrgID == "" {
		e.OrgID = "org-1"
	}
	if e.ActorType == "" {
		e.ActorType = models.ActorTypeUser
	}
	if e.Metadata == nil {
		e.Metadata = models.Metadata{}
	}
	m.events = append(m.events, e)
	return e
}

func (m *memStore) Insert(_ context.Context, e *models.AuditEvent) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.add(e, time.Duration(m.seq)*time.Second)
	return nil
}

func (m *memStore) Query(ctx context.Context, p query.Predicate, limit int) ([]*models.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queries++
	n := m.queries
	if m.failOnQuery == n {
		m.mu.Unlock()
		return nil, errStore
	}
	var out []*models.AuditEvent
	for _, e := range m.events {
		if p.Match(e) {
			out = append(out, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return query.Precedes(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	if m.afterQuery != nil {
		m.afterQuery(n)
	}
	return out, nil
}

func (m *memStore) Count(_ context.Context, p query.Predicate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if p.Match(e) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// recordingNotifier captures EventCreated calls
type recordingNotifier struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	panics bool
}

func (r *recordingNotifier) EventCreated(e *models.AuditEvent) {
	if r.panics {
		panic("webhook exploded")
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}
