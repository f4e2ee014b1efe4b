// rbac.go narrows every read to the rows the caller may see.
package query

import (
	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// Scope returns the predicate every read for id must be ANDed with, ahead of any user
// filter. Admins see their whole org; everyone else sees only events they performed
// as a user actor.
func Scope(id auth.Identity) (Predicate, error) {
	if id.OrgID == "" {
		return nil, &AuthorizationError{Reason: "identity has no organization"}
	}
	if id.Role == "" {
		return nil, &AuthorizationError{Reason: "identity has no role"}
	}

	org := Eq(FieldOrgID, id.OrgID)
	if id.IsAdmin() {
		return org, nil
	}

	if id.UserID == "" {
		return nil, &AuthorizationError{Reason: "non-admin identity has no user id"}
	}
	return And(
		org,
		Eq(FieldActorType, models.ActorTypeUser),
		Eq(FieldActorID, id.UserID),
	), nil
}
