// Package auth - identity.go defines the caller identity every ledger operation runs under.
package auth

import "strings"

// Roles understood by the ledger. Any role other than RoleAdmin is restricted.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is the authenticated caller as established by the identity middleware
type Identity struct {
	OrgID    string `json:"orgId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	Email    string `json:"email"`
	APIKeyID string `json:"apiKeyId,omitempty"`
}

// IsAdmin reports whether the identity has unrestricted access within its org
func (i Identity) IsAdmin() bool {
	return strings.EqualFold(i.Role, RoleAdmin)
}
