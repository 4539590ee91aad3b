// Package dto provides data transfer objects for the user HTTP layer.
package dto

import (
	"github.com/allisson/gatekeeper/internal/user/domain"
	"github.com/allisson/gatekeeper/internal/user/usecase"
)

// ToRegisterUserInput converts a RegisterUserRequest DTO to a RegisterUserInput use case input
func ToRegisterUserInput(req RegisterUserRequest) usecase.RegisterUserInput {
	return usecase.RegisterUserInput{
		Email: req.Email,
		Role:  req.Role,
	}
}

// ToUserResponse converts a domain User model to a UserResponse DTO
// This enforces the boundary between internal domain models and external API contracts
func ToUserResponse(user *domain.User) UserResponse {
	return UserResponse{
		ID:               user.ID,
		Email:            user.Email,
		EmailVerified:    user.EmailVerified,
		Role:             user.Role,
		Trust:            user.Trust,
		CaptchaRequested: user.CaptchaRequested,
		TimeoutUntil:     user.Timeout,
		CreatedAt:        user.CreatedAt,
		UpdatedAt:        user.UpdatedAt,
	}
}
