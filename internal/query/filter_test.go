package query

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

func timePtr(t time.Time) *time.Time { return &t }

// ---------------------------------------------------------------------------
// Compile -> SQL
// ---------------------------------------------------------------------------

func TestCompileSQL(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name     string
		spec     FilterSpec
		opts     CompileOptions
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "empty spec matches everything",
			wantSQL:  "TRUE",
			wantArgs: []interface{}{},
		},
		{
			name:     "single action is equality",
			spec:     FilterSpec{Actions: []string{"login"}},
			wantSQL:  "action = $1",
			wantArgs: []interface{}{"login"},
		},
		{
			name:     "several actions become IN, duplicates dropped",
			spec:     FilterSpec{Actions: []string{"login", "logout", "login"}},
			wantSQL:  "action IN ($1, $2)",
			wantArgs: []interface{}{"login", "logout"},
		},
		{
			name:     "date range is inclusive",
			spec:     FilterSpec{StartDate: &start, EndDate: &end},
			wantSQL:  "created_at >= $1 AND created_at <= $2",
			wantArgs: []interface{}{start, end},
		},
		{
			name: "exact and substring filters",
			spec: FilterSpec{
				ActorType:    "user",
				ActorID:      "alice",
				ResourceType: "document",
				ResourceID:   "doc-1",
				IPAddress:    "192.168",
				MetadataText: "quarterly",
			},
			wantSQL: "actor_type = $1 AND actor_id ILIKE $2 AND resource_type = $3 AND resource_id = $4 AND ip_address ILIKE $5 AND metadata::text ILIKE $6",
			wantArgs: []interface{}{
				"user", "%alice%", "document", "doc-1", "%192.168%", "%quarterly%",
			},
		},
		{
			name:     "success only includes missing status",
			spec:     FilterSpec{Statuses: []string{"success"}},
			wantSQL:  "metadata->>'status' = $1 OR metadata->>'status' IS NULL",
			wantArgs: []interface{}{"success"},
		},
		{
			name:     "failure only",
			spec:     FilterSpec{Statuses: []string{"failure"}},
			wantSQL:  "metadata->>'status' = $1",
			wantArgs: []interface{}{"failure"},
		},
		{
			name:     "both statuses is a no-op",
			spec:     FilterSpec{Statuses: []string{"failure", "success"}},
			wantSQL:  "TRUE",
			wantArgs: []interface{}{},
		},
		{
			name:     "exclude demo data",
			spec:     FilterSpec{Actions: []string{"login"}},
			opts:     CompileOptions{ExcludeDemoData: true, CallerEmail: "someone@example.com", DemoAdminEmail: "demo@example.com"},
			wantSQL:  "action = $1 AND (metadata->>'demo' IS NULL OR metadata->>'demo' <> $2)",
			wantArgs: []interface{}{"login", "true"},
		},
		{
			name:     "demo admin is exempt",
			spec:     FilterSpec{Actions: []string{"login"}},
			opts:     CompileOptions{ExcludeDemoData: true, CallerEmail: "Demo@Example.com", DemoAdminEmail: "demo@example.com"},
			wantSQL:  "action = $1",
			wantArgs: []interface{}{"login"},
		},
		{
			name:     "empty demo admin email exempts nobody",
			opts:     CompileOptions{ExcludeDemoData: true},
			wantSQL:  "metadata->>'demo' IS NULL OR metadata->>'demo' <> $1",
			wantArgs: []interface{}{"true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSQL, gotArgs := SQL(Compile(tt.spec, tt.opts), 1)
			if gotSQL != tt.wantSQL {
				t.Errorf("SQL = %q, want %q", gotSQL, tt.wantSQL)
			}
			if !reflect.DeepEqual(gotArgs, tt.wantArgs) {
				t.Errorf("args = %#v, want %#v", gotArgs, tt.wantArgs)
			}
		})
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	spec := FilterSpec{
		StartDate:    timePtr(t0.Add(-time.Hour)),
		Actions:      []string{"a", "b"},
		ActorID:      "x",
		Statuses:     []string{"success"},
		MetadataText: "m",
	}
	opts := CompileOptions{ExcludeDemoData: true}

	first := Compile(spec, opts)
	second := Compile(spec, opts)
	assert.True(t, reflect.DeepEqual(first, second), "Compile produced different trees for the same input")
}

// ---------------------------------------------------------------------------
// Compile -> Match
// ---------------------------------------------------------------------------

func TestStatusFilterTreatsMissingAsSuccess(t *testing.T) {
	noStatus := sampleEvent()
	noStatus.Metadata = models.Metadata{"reason": "none"}

	success := Compile(FilterSpec{Statuses: []string{"success"}}, CompileOptions{})
	failure := Compile(FilterSpec{Statuses: []string{"failure"}}, CompileOptions{})

	assert.True(t, success.Match(noStatus), "status=success must include events without a status")
	assert.False(t, failure.Match(noStatus), "status=failure must exclude events without a status")
}

func TestDemoExclusionMatch(t *testing.T) {
	opts := CompileOptions{ExcludeDemoData: true, DemoAdminEmail: "demo@example.com"}
	p := Compile(FilterSpec{}, opts)

	cases := map[string]struct {
		metadata models.Metadata
		want     bool
	}{
		"no metadata":       {nil, true},
		"no demo key":       {models.Metadata{"k": "v"}, true},
		"demo false":        {models.Metadata{"demo": false}, true},
		"demo true":         {models.Metadata{"demo": true}, false},
		"demo string true":  {models.Metadata{"demo": "true"}, false},
		"demo string other": {models.Metadata{"demo": "yes"}, true},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			e := sampleEvent()
			e.Metadata = c.metadata
			assert.Equal(t, c.want, p.Match(e))
		})
	}

	t.Run("demo admin sees demo rows", func(t *testing.T) {
		e := sampleEvent()
		e.Metadata = models.Metadata{"demo": true}
		exempt := opts
		exempt.CallerEmail = "demo@example.com"
		assert.True(t, Compile(FilterSpec{}, exempt).Match(e))
	})
}

func TestAddingFiltersOnlyNarrows(t *testing.T) {
	events := []*models.AuditEvent{sampleEvent(), sampleEvent(), sampleEvent()}
	events[1].Action = "logout"
	events[2].ActorID = nil

	base := FilterSpec{Actions: []string{"login", "logout"}}
	narrowed := base
	narrowed.ActorID = "user"

	wide := Compile(base, CompileOptions{})
	narrow := Compile(narrowed, CompileOptions{})
	for i, e := range events {
		if narrow.Match(e) && !wide.Match(e) {
			t.Errorf("event %d matched the narrower filter but not the wider one", i)
		}
	}
	assert.False(t, narrow.Match(events[2]), "actorId filter must exclude events without an actor")
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name      string
		spec      FilterSpec
		wantField string
	}{
		{"valid empty", FilterSpec{}, ""},
		{"valid full", FilterSpec{ActorType: "api_key", Statuses: []string{"success", "failure"}, Actions: []string{"a"}}, ""},
		{"start after end", FilterSpec{StartDate: timePtr(t0), EndDate: timePtr(t0.Add(-time.Second))}, "startDate"},
		{"too many actions", FilterSpec{Actions: []string{"a", "b", "c"}}, "action"},
		{"blank action", FilterSpec{Actions: []string{" "}}, "action"},
		{"unknown actor type", FilterSpec{ActorType: "robot"}, "actorType"},
		{"unknown status", FilterSpec{Statuses: []string{"pending"}}, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(2)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want *ValidationError, got %v", err)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}
