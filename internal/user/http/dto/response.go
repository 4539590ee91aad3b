// Package dto provides data transfer objects for the user HTTP layer.
package dto

import (
	"time"

	"github.com/google/uuid"
)

// UserResponse represents the API response for a user. It exposes the
// account standing fields the admission pipeline maintains; internal
// counters stay private.
type UserResponse struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	EmailVerified    bool       `json:"email_verified"`
	Role             string     `json:"role"`
	Trust            int        `json:"trust"`
	CaptchaRequested bool       `json:"captcha_requested"`
	TimeoutUntil     *time.Time `json:"timeout_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
