// Package models - audit_event.go defines the AuditEvent model, the immutable record appended to
// the ledger for every actor action, plus the JSONB metadata type it carries.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Actor types
const (
	ActorTypeUser   = "user"
	ActorTypeAPIKey = "api_key"
	ActorTypeSystem = "system"
)

// Conventional metadata keys
const (
	MetadataKeyStatus = "status"
	MetadataKeyDemo   = "demo"
)

// Conventional metadata.status values. An absent status means success.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditEvent is a single append-only ledger entry. It is never updated or deleted.
type AuditEvent struct {
	ID           string    `db:"id" json:"id"`
	OrgID        string    `db:"org_id" json:"orgId"`
	ActorType    string    `db:"actor_type" json:"actorType"`
	ActorID      *string   `db:"actor_id" json:"actorId"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resourceType"`
	ResourceID   string    `db:"resource_id" json:"resourceId"`
	Metadata     Metadata  `db:"metadata" json:"metadata"`
	IPAddress    *string   `db:"ip_address" json:"ipAddress"`
	UserAgent    *string   `db:"user_agent" json:"userAgent"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// ValidActorType reports whether s is one of the known actor types
func ValidActorType(s string) bool {
	switch s {
	case ActorTypeUser, ActorTypeAPIKey, ActorTypeSystem:
		return true
	}
	return false
}

// Metadata is the free-form JSON object attached to an event, stored as JSONB
type Metadata map[string]interface{}

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Text returns the value at key the way PostgreSQL's ->> operator renders it.
// The second return is false when the key is absent or JSON null.
func (m Metadata) Text(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// JSON returns the compact JSON encoding, "{}" when empty
func (m Metadata) JSON() string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
