// Package dto provides data transfer objects for the user HTTP layer.
package dto

import (
	validation "github.com/jellydator/validation"

	appValidation "github.com/allisson/gatekeeper/internal/validation"
)

// RegisterUserRequest represents the API request for user registration
type RegisterUserRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Validate validates the RegisterUserRequest using the jellydator/validation library
func (r *RegisterUserRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Email,
			validation.Required.Error("email is required"),
			appValidation.NotBlank,
			appValidation.Email,
			validation.Length(5, 255).Error("email must be between 5 and 255 characters"),
		),
		validation.Field(&r.Role,
			validation.Required.Error("role is required"),
			appValidation.NotBlank,
		),
	)
	return appValidation.WrapValidationError(err)
}

// ReportCounterRequest represents the API request for incident and error reports
type ReportCounterRequest struct {
	Delta int64 `json:"delta"`
}

// Validate validates the ReportCounterRequest
func (r *ReportCounterRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Delta,
			validation.Required.Error("delta is required"),
			validation.Min(int64(1)).Error("delta must be >= 1"),
		),
	)
	return appValidation.WrapValidationError(err)
}
