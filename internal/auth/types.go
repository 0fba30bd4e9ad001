package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read lock state but not command locks.
	RoleViewer Role = "viewer"

	// RoleOperator can command locks. Service accounts for fleet
	// back-ends normally use this role.
	RoleOperator Role = "operator"

	// RoleAdmin can also read the audit trail and system metrics.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Auth domain errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")
)
