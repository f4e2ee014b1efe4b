// filter.go compiles a FilterSpec into a predicate tree.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// FilterSpec is the set of optional user filters. Every populated field narrows the result
// and fields combine with AND only.
type FilterSpec struct {
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	Actions      []string   `json:"action,omitempty"`
	ActorType    string     `json:"actorType,omitempty"`
	ActorID      string     `json:"actorId,omitempty"`
	ResourceType string     `json:"resourceType,omitempty"`
	ResourceID   string     `json:"resourceId,omitempty"`
	IPAddress    string     `json:"ipAddress,omitempty"`
	MetadataText string     `json:"metadataText,omitempty"`
	Statuses     []string   `json:"status,omitempty"`
}

// CompileOptions carries the caller-dependent knobs of compilation
type CompileOptions struct {
	ExcludeDemoData bool
	CallerEmail     string
	// DemoAdminEmail is the single account exempt from demo-data exclusion
	DemoAdminEmail string
}

// demoExempt reports whether the caller is the demo admin
func (o CompileOptions) demoExempt() bool {
	return o.DemoAdminEmail != "" && strings.EqualFold(strings.TrimSpace(o.CallerEmail), o.DemoAdminEmail)
}

// Validate rejects filter input the compiler must never see. maxValues caps the repeated
// action and status parameters; zero disables the cap.
func (f FilterSpec) Validate(maxValues int) error {
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return &ValidationError{Field: "startDate", Message: "must not be after endDate"}
	}
	if maxValues > 0 && len(f.Actions) > maxValues {
		return &ValidationError{Field: "action", Message: fmt.Sprintf("at most %d values allowed", maxValues)}
	}
	for _, a := range f.Actions {
		if strings.TrimSpace(a) == "" {
			return &ValidationError{Field: "action", Message: "must not be empty"}
		}
	}
	if f.ActorType != "" && !models.ValidActorType(f.ActorType) {
		return &ValidationError{Field: "actorType", Message: "must be one of user, api_key, system"}
	}
	for _, s := range f.Statuses {
		if s != models.StatusSuccess && s != models.StatusFailure {
			return &ValidationError{Field: "status", Message: "must be success or failure"}
		}
	}
	return nil
}

// Compile turns the filter into a predicate. It is pure: the same input always yields an
// equal tree. The input is assumed valid (see Validate).
func Compile(f FilterSpec, opts CompileOptions) Predicate {
	terms := make([]Predicate, 0, 12)

	if f.StartDate != nil {
		terms = append(terms, Gte(FieldCreatedAt, *f.StartDate))
	}
	if f.EndDate != nil {
		terms = append(terms, Lte(FieldCreatedAt, *f.EndDate))
	}
	if actions := dedupe(f.Actions); len(actions) > 0 {
		terms = append(terms, In(FieldAction, actions...))
	}
	if f.ActorType != "" {
		terms = append(terms, Eq(FieldActorType, f.ActorType))
	}
	if f.ActorID != "" {
		terms = append(terms, Contains(FieldActorID, f.ActorID))
	}
	if f.ResourceType != "" {
		terms = append(terms, Eq(FieldResourceType, f.ResourceType))
	}
	if f.ResourceID != "" {
		terms = append(terms, Eq(FieldResourceID, f.ResourceID))
	}
	if f.IPAddress != "" {
		terms = append(terms, Contains(FieldIPAddress, f.IPAddress))
	}
	if f.MetadataText != "" {
		terms = append(terms, Contains(FieldMetadata, f.MetadataText))
	}
	terms = append(terms, statusPredicate(f.Statuses))
	if opts.ExcludeDemoData && !opts.demoExempt() {
		terms = append(terms, Or(IsNull(FieldMetadataDemo), Ne(FieldMetadataDemo, "true")))
	}

	return And(terms...)
}

// statusPredicate applies the convention that an absent status means success
func statusPredicate(statuses []string) Predicate {
	var success, failure bool
	for _, s := range statuses {
		switch s {
		case models.StatusSuccess:
			success = true
		case models.StatusFailure:
			failure = true
		}
	}
	switch {
	case success && failure, !success && !failure:
		return True()
	case success:
		return Or(Eq(FieldMetadataStatus, models.StatusSuccess), IsNull(FieldMetadataStatus))
	default:
		return Eq(FieldMetadataStatus, models.StatusFailure)
	}
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
