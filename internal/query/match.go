// match.go evaluates predicate trees in memory with the same semantics the SQL rendering has
// in PostgreSQL.
package query

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// value extracts the field from e. The second return is false for SQL NULL.
func (f Field) value(e *models.AuditEvent) (interface{}, bool) {
	switch f {
	case FieldID:
		return e.ID, true
	case FieldOrgID:
		return e.OrgID, true
	case FieldActorType:
		return e.ActorType, true
	case FieldActorID:
		return deref(e.ActorID)
	case FieldAction:
		return e.Action, true
	case FieldResourceType:
		return e.ResourceType, true
	case FieldResourceID:
		return e.ResourceID, true
	case FieldIPAddress:
		return deref(e.IPAddress)
	case FieldCreatedAt:
		return e.CreatedAt, true
	case FieldMetadata:
		if e.Metadata == nil {
			return "{}", true
		}
		return jsonbText(map[string]interface{}(e.Metadata)), true
	case FieldMetadataStatus:
		return e.Metadata.Text(models.MetadataKeyStatus)
	case FieldMetadataDemo:
		return e.Metadata.Text(models.MetadataKeyDemo)
	}
	return nil, false
}

func deref(s *string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	return *s, true
}

func (c constant) Match(*models.AuditEvent) bool { return bool(c) }

func (c comparison) Match(e *models.AuditEvent) bool {
	v, ok := c.field.value(e)
	if !ok {
		return false
	}
	cmp, ok := compareValues(v, c.value)
	if !ok {
		return false
	}
	switch c.op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// compareValues orders a against b. The second return is false when the types differ.
func compareValues(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func (in inSet) Match(e *models.AuditEvent) bool {
	v, ok := in.field.value(e)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, candidate := range in.values {
		if s == candidate {
			return true
		}
	}
	return false
}

func (c contains) Match(e *models.AuditEvent) bool {
	v, ok := c.field.value(e)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(c.needle))
}

func (n isNull) Match(e *models.AuditEvent) bool {
	_, ok := n.field.value(e)
	return !ok
}

func (c conjunction) Match(e *models.AuditEvent) bool {
	for _, t := range c.terms {
		if !t.Match(e) {
			return false
		}
	}
	return true
}

func (d disjunction) Match(e *models.AuditEvent) bool {
	for _, t := range d.terms {
		if t.Match(e) {
			return true
		}
	}
	return false
}

// jsonbText renders v the way PostgreSQL prints a jsonb value: ", " and ": " separators
// and object keys ordered by length, then bytewise.
func jsonbText(v interface{}) string {
	var sb strings.Builder
	writeJSONB(&sb, v)
	return sb.String()
}

func writeJSONB(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		sb.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeJSONB(sb, k)
			sb.WriteString(": ")
			writeJSONB(sb, t[k])
		}
		sb.WriteString("}")
	case models.Metadata:
		writeJSONB(sb, map[string]interface{}(t))
	case []interface{}:
		sb.WriteString("[")
		for i, item := range t {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeJSONB(sb, item)
		}
		sb.WriteString("]")
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			sb.WriteString("null")
			return
		}
		sb.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	}
}
