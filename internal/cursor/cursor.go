// Package cursor encodes and decodes the opaque keyset pagination token handed to clients.
//
// A token is the base64url encoding of {"createdAt": RFC 3339, "id": ...} naming the last
// row of a page. Decoding never fails loudly: anything unreadable is treated as "no cursor"
// and the read restarts from the newest event.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audit-ledger/audit-ledger/internal/query"
)

// Cursor is the keyset position (createdAt, id) of the last row returned
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type envelope struct {
	CreatedAt string `json:"createdAt"`
	ID        string `json:"id"`
}

// Encode serializes the position into an opaque token
func Encode(createdAt time.Time, id string) string {
	b, _ := json.Marshal(envelope{
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		ID:        id,
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token. ok is false for an empty or malformed token, including one
// whose id is not a UUID.
func Decode(token string) (c *Cursor, ok bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.ID == "" || env.CreatedAt == "" {
		return nil, false
	}

	createdAt, err := time.Parse(time.RFC3339Nano, env.CreatedAt)
	if err != nil {
		return nil, false
	}

	// ids are uuid columns; the canonical lowercase form also keeps string order
	// aligned with PostgreSQL's uuid order
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return nil, false
	}

	return &Cursor{CreatedAt: createdAt.UTC(), ID: id.String()}, true
}

// String returns the encoded token
func (c Cursor) String() string {
	return Encode(c.CreatedAt, c.ID)
}

// Predicate selects the rows strictly after this position in the ledger order
func (c Cursor) Predicate() query.Predicate {
	return query.Before(c.CreatedAt, c.ID)
}
