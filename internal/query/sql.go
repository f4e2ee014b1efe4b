// sql.go renders predicate trees as PostgreSQL WHERE fragments with $n placeholders.
package query

import (
	"fmt"
	"strings"
)

// columns maps fields to their SQL expressions
var columns = map[Field]string{
	FieldID:             "id",
	FieldOrgID:          "org_id",
	FieldActorType:      "actor_type",
	FieldActorID:        "actor_id",
	FieldAction:         "action",
	FieldResourceType:   "resource_type",
	FieldResourceID:     "resource_id",
	FieldIPAddress:      "ip_address",
	FieldCreatedAt:      "created_at",
	FieldMetadata:       "metadata::text",
	FieldMetadataStatus: "metadata->>'status'",
	FieldMetadataDemo:   "metadata->>'demo'",
}

var operators = map[Op]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

func (f Field) column() string {
	col, ok := columns[f]
	if !ok {
		panic(fmt.Sprintf("query: unknown field %d", int(f)))
	}
	return col
}

type renderer struct {
	sb   strings.Builder
	args []interface{}
	next int
}

func (r *renderer) placeholder(v interface{}) string {
	r.args = append(r.args, v)
	p := fmt.Sprintf("$%d", r.next)
	r.next++
	return p
}

// SQL renders p with placeholders numbered from first. It returns the fragment and
// the arguments in placeholder order.
func SQL(p Predicate, first int) (string, []interface{}) {
	if p == nil {
		p = True()
	}
	r := &renderer{next: first, args: make([]interface{}, 0)}
	p.render(r)
	return r.sb.String(), r.args
}

func (c constant) render(r *renderer) {
	if c {
		r.sb.WriteString("TRUE")
	} else {
		r.sb.WriteString("FALSE")
	}
}

func (c comparison) render(r *renderer) {
	r.sb.WriteString(c.field.column())
	r.sb.WriteString(" ")
	r.sb.WriteString(operators[c.op])
	r.sb.WriteString(" ")
	r.sb.WriteString(r.placeholder(c.value))
}

func (in inSet) render(r *renderer) {
	r.sb.WriteString(in.field.column())
	r.sb.WriteString(" IN (")
	for i, v := range in.values {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.sb.WriteString(r.placeholder(v))
	}
	r.sb.WriteString(")")
}

func (c contains) render(r *renderer) {
	r.sb.WriteString(c.field.column())
	r.sb.WriteString(" ILIKE ")
	r.sb.WriteString(r.placeholder("%" + escapeLike(c.needle) + "%"))
}

func (n isNull) render(r *renderer) {
	r.sb.WriteString(n.field.column())
	r.sb.WriteString(" IS NULL")
}

func (c conjunction) render(r *renderer) { renderJoined(r, c.terms, " AND ") }

func (d disjunction) render(r *renderer) { renderJoined(r, d.terms, " OR ") }

func renderJoined(r *renderer, terms []Predicate, sep string) {
	for i, t := range terms {
		if i > 0 {
			r.sb.WriteString(sep)
		}
		switch t.(type) {
		case conjunction, disjunction:
			r.sb.WriteString("(")
			t.render(r)
			r.sb.WriteString(")")
		default:
			t.render(r)
		}
	}
}

// escapeLike escapes the LIKE wildcards so user text matches literally.
// PostgreSQL's default LIKE escape character is the backslash.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
