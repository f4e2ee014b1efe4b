// Package query compiles ledger read requests into immutable predicate trees.
//
// A Predicate is built once and never mutated: every combinator returns a new value.
// The same tree renders to a PostgreSQL WHERE fragment (SQL) and evaluates directly
// against an event (Match), so the SQL store and in-memory evaluation agree on which
// rows a request selects.
package query

import (
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// Field identifies an event attribute a predicate can constrain
type Field int

const (
	FieldID Field = iota
	FieldOrgID
	FieldActorType
	FieldActorID
	FieldAction
	FieldResourceType
	FieldResourceID
	FieldIPAddress
	FieldCreatedAt
	// FieldMetadata is the whole metadata object rendered as JSON text
	FieldMetadata
	FieldMetadataStatus
	FieldMetadataDemo
)

// Op is a comparison operator
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
)

// Predicate is a node of an immutable boolean expression over audit events
type Predicate interface {
	// Match evaluates the predicate against a single event with SQL NULL semantics:
	// a comparison against an absent value is false.
	Match(e *models.AuditEvent) bool

	render(r *renderer)
}

type constant bool

type comparison struct {
	field Field
	op    Op
	value interface{}
}

type inSet struct {
	field  Field
	values []string
}

type contains struct {
	field  Field
	needle string
}

type isNull struct {
	field Field
}

type conjunction struct {
	terms []Predicate
}

type disjunction struct {
	terms []Predicate
}

// True matches every event
func True() Predicate { return constant(true) }

// False matches no event
func False() Predicate { return constant(false) }

// Compare builds "field op value". value must be a string, or a time.Time for FieldCreatedAt.
func Compare(f Field, op Op, value interface{}) Predicate {
	if t, ok := value.(time.Time); ok {
		value = t.UTC()
	}
	return comparison{field: f, op: op, value: value}
}

// Eq builds "field = value"
func Eq(f Field, value interface{}) Predicate { return Compare(f, OpEq, value) }

// Ne builds "field <> value"
func Ne(f Field, value interface{}) Predicate { return Compare(f, OpNe, value) }

// Lt builds "field < value"
func Lt(f Field, value interface{}) Predicate { return Compare(f, OpLt, value) }

// Lte builds "field <= value"
func Lte(f Field, value interface{}) Predicate { return Compare(f, OpLte, value) }

// Gte builds "field >= value"
func Gte(f Field, value interface{}) Predicate { return Compare(f, OpGte, value) }

// In builds "field IN (values...)". A single value compiles to equality, none to False.
func In(f Field, values ...string) Predicate {
	switch len(values) {
	case 0:
		return False()
	case 1:
		return Eq(f, values[0])
	}
	cp := make([]string, len(values))
	copy(cp, values)
	return inSet{field: f, values: cp}
}

// Contains builds a case-insensitive substring match. The needle is matched literally.
func Contains(f Field, needle string) Predicate {
	return contains{field: f, needle: needle}
}

// IsNull builds "field IS NULL"
func IsNull(f Field) Predicate { return isNull{field: f} }

// And conjoins predicates. Nested conjunctions are flattened, True terms dropped,
// and any False term collapses the result to False.
func And(ps ...Predicate) Predicate {
	terms := make([]Predicate, 0, len(ps))
	for _, p := range ps {
		switch v := p.(type) {
		case nil:
			continue
		case constant:
			if !v {
				return False()
			}
			continue
		case conjunction:
			terms = append(terms, v.terms...)
		default:
			terms = append(terms, p)
		}
	}
	switch len(terms) {
	case 0:
		return True()
	case 1:
		return terms[0]
	}
	return conjunction{terms: terms}
}

// Or disjoins predicates. Nested disjunctions are flattened, False terms dropped,
// and any True term collapses the result to True.
func Or(ps ...Predicate) Predicate {
	terms := make([]Predicate, 0, len(ps))
	for _, p := range ps {
		switch v := p.(type) {
		case nil:
			continue
		case constant:
			if v {
				return True()
			}
			continue
		case disjunction:
			terms = append(terms, v.terms...)
		default:
			terms = append(terms, p)
		}
	}
	switch len(terms) {
	case 0:
		return False()
	case 1:
		return terms[0]
	}
	return disjunction{terms: terms}
}

// Before selects events strictly after (older than) the keyset position (createdAt, id)
// under the ledger order created_at DESC, id DESC.
func Before(createdAt time.Time, id string) Predicate {
	return Or(
		Lt(FieldCreatedAt, createdAt),
		And(Eq(FieldCreatedAt, createdAt), Lt(FieldID, id)),
	)
}

// OrderBy is the total order every read uses
const OrderBy = "created_at DESC, id DESC"

// Precedes reports whether a sorts before b under OrderBy
func Precedes(a, b *models.AuditEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
