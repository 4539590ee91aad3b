// Package usecase implements the user business logic and orchestrates user domain operations.
package usecase

import (
	"context"
	"strings"

	validation "github.com/jellydator/validation"

	"github.com/google/uuid"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/role"
	"github.com/allisson/gatekeeper/internal/user/domain"
	appValidation "github.com/allisson/gatekeeper/internal/validation"
)

// RegisterUserInput contains the input data for user registration
type RegisterUserInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UseCase defines the interface for user business logic operations
type UseCase interface {
	RegisterUser(ctx context.Context, input RegisterUserInput) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// ResolveCaptcha records a passed captcha, clears the pending flag and
	// drops the cached identity so the account resumes immediately.
	ResolveCaptcha(ctx context.Context, id uuid.UUID) error

	// RevokeTokens advances the revocation counter; every token minted
	// before the call stops verifying.
	RevokeTokens(ctx context.Context, id uuid.UUID) error

	// ReportIncident adds to the lifetime incident counter feeding the
	// trust score.
	ReportIncident(ctx context.Context, id uuid.UUID, delta int64) error

	// ReportError adds to the lifetime request-error counter feeding the
	// trust score.
	ReportError(ctx context.Context, id uuid.UUID, delta int64) error
}

// UserRepository interface defines user repository operations
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	SetDidCaptcha(ctx context.Context, id uuid.UUID) error
	BumpTokenVersion(ctx context.Context, id uuid.UUID) error
	AddIncidentCount(ctx context.Context, id uuid.UUID, delta int64) error
	AddErrorCount(ctx context.Context, id uuid.UUID, delta int64) error
}

// CacheInvalidator drops a cached identity after out-of-band account
// changes. Implemented by the access gate.
type CacheInvalidator interface {
	Invalidate(userID uuid.UUID)
}

// UserUseCase handles user-related business logic
type UserUseCase struct {
	userRepo UserRepository
	registry *role.Registry
	cache    CacheInvalidator
}

// NewUserUseCase creates a new UserUseCase
func NewUserUseCase(
	userRepo UserRepository,
	registry *role.Registry,
	cache CacheInvalidator,
) UseCase {
	return &UserUseCase{
		userRepo: userRepo,
		registry: registry,
		cache:    cache,
	}
}

// validateRegisterUserInput validates the registration input using jellydator/validation
func (uc *UserUseCase) validateRegisterUserInput(input RegisterUserInput) error {
	err := validation.ValidateStruct(&input,
		validation.Field(&input.Email,
			validation.Required.Error("email is required"),
			appValidation.NotBlank,
			appValidation.Email,
			validation.Length(5, 255).Error("email must be between 5 and 255 characters"),
		),
		validation.Field(&input.Role,
			validation.Required.Error("role is required"),
		),
	)
	if err != nil {
		return appValidation.WrapValidationError(err)
	}

	// Resolve falls back to guest for unknown names, which would silently
	// demote the account.
	if uc.registry.Resolve(input.Role).Name != input.Role {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown role %q", input.Role)
	}
	return nil
}

// RegisterUser registers a new user
func (uc *UserUseCase) RegisterUser(ctx context.Context, input RegisterUserInput) (*domain.User, error) {
	if err := uc.validateRegisterUserInput(input); err != nil {
		return nil, err
	}

	user := &domain.User{
		ID:    uuid.Must(uuid.NewV7()),
		Email: strings.TrimSpace(strings.ToLower(input.Email)),
		Role:  input.Role,
	}

	if err := uc.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (uc *UserUseCase) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return uc.userRepo.GetByEmail(ctx, email)
}

// GetUserByID retrieves a user by ID
func (uc *UserUseCase) GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return uc.userRepo.GetByID(ctx, id)
}

// ResolveCaptcha records a passed captcha and unblocks the account.
func (uc *UserUseCase) ResolveCaptcha(ctx context.Context, id uuid.UUID) error {
	if err := uc.userRepo.SetDidCaptcha(ctx, id); err != nil {
		return err
	}
	uc.cache.Invalidate(id)
	return nil
}

// RevokeTokens invalidates every outstanding token for the user.
func (uc *UserUseCase) RevokeTokens(ctx context.Context, id uuid.UUID) error {
	if err := uc.userRepo.BumpTokenVersion(ctx, id); err != nil {
		return err
	}
	uc.cache.Invalidate(id)
	return nil
}

// ReportIncident adds to the lifetime incident counter.
func (uc *UserUseCase) ReportIncident(ctx context.Context, id uuid.UUID, delta int64) error {
	if delta < 1 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "delta must be >= 1")
	}
	return uc.userRepo.AddIncidentCount(ctx, id, delta)
}

// ReportError adds to the lifetime request-error counter.
func (uc *UserUseCase) ReportError(ctx context.Context, id uuid.UUID, delta int64) error {
	if delta < 1 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "delta must be >= 1")
	}
	return uc.userRepo.AddErrorCount(ctx, id, delta)
}
