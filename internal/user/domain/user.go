// Package domain defines the core user domain entities and types.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/errors"
)

// User is the subset of the account record the admission pipeline reads and
// mutates. Callers never write these fields directly; they change only as a
// side effect of traffic and authorization processing, and counter writes
// are persisted asynchronously.
type User struct {
	ID                uuid.UUID
	Email             string
	EmailVerified     bool
	Role              string // FK into the role registry
	Trust             int
	LastComputedTrust time.Time
	IncidentCount     int64
	ErrorCount        int64
	HighTrafficCount  int64
	CaptchaRequested  bool
	DidCaptcha        bool
	Timeout           *time.Time       // account lockout expiry, nil if none
	TimeoutCount      int64            // escalation factor for repeated lockouts
	TokenVersion      int64            // revocation counter embedded in tokens
	ItemCounts        map[string]int64 // per-resource created item counts
	CommandUses       map[string]int64 // per-command usage counts
	LastCommandCall   map[string]time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ItemCount returns the created-item count for a resource.
func (u *User) ItemCount(resource string) int64 {
	if u.ItemCounts == nil {
		return 0
	}
	return u.ItemCounts[resource]
}

// CommandUseCount returns the usage count for a command.
func (u *User) CommandUseCount(command string) int64 {
	if u.CommandUses == nil {
		return 0
	}
	return u.CommandUses[command]
}

// TimedOutAt reports whether the user is locked out at the given instant.
func (u *User) TimedOutAt(now time.Time) bool {
	return u.Timeout != nil && u.Timeout.After(now)
}

// Domain-specific errors for user operations.
var (
	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.Wrap(errors.ErrNotFound, "user not found")
)
