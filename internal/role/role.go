// Package role provides the process-wide role registry with inheritance.
//
// Roles are registered once at startup and immutable afterwards. Inheritance
// is an OR of alternative permission sets: a role inherits the abilities of
// its parents, checked parent-before-grandparent by the authorization engine.
package role

import (
	"github.com/allisson/gatekeeper/internal/errors"
)

// GuestRoleName is the fallback role used for unknown names and
// unauthenticated callers.
const GuestRoleName = "guest"

// Role is a named permission tier with optional parent roles.
type Role struct {
	Name                     string   // Unique key within the registry
	IsAdminRole              bool     // Grants the fixed admin batch allowance and the trust bonus
	CanMock                  bool     // Whether callers with this role may use mockRole
	NoTokenRefresh           bool     // Whether token refresh is suppressed for this role
	Inherits                 []string // Ordered parent role names
	AllowedTrafficMultiplier float64  // Scales the user traffic threshold (default 1)
}

// Domain-specific errors for role operations.
var (
	// ErrDuplicateRole indicates a role with the same name was already registered.
	ErrDuplicateRole = errors.Wrap(errors.ErrConflict, "duplicate role")

	// ErrInheritanceCycle indicates the registered roles form an inheritance cycle.
	ErrInheritanceCycle = errors.Wrap(errors.ErrInvalidInput, "role inheritance cycle")

	// ErrUnknownParent indicates a role inherits from a name that was never registered.
	ErrUnknownParent = errors.Wrap(errors.ErrInvalidInput, "unknown parent role")
)
