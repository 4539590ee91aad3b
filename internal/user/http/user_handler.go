// Package http provides HTTP handlers for user-related operations.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/httputil"
	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/user/http/dto"
	"github.com/allisson/gatekeeper/internal/user/usecase"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	userUseCase usecase.UseCase
	logger      *slog.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(userUseCase usecase.UseCase, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		userUseCase: userUseCase,
		logger:      logger,
	}
}

// RegisterHandler handles user registration.
// POST /v1/users
func (h *UserHandler) RegisterHandler(c *gin.Context) {
	var req dto.RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	user, err := h.userUseCase.RegisterUser(c.Request.Context(), dto.ToRegisterUserInput(req))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, dto.ToUserResponse(user))
}

// GetHandler retrieves a user by ID.
// GET /v1/users/:id
func (h *UserHandler) GetHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c, fmt.Errorf("invalid user id"), h.logger)
		return
	}

	user, err := h.userUseCase.GetUserByID(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.ToUserResponse(user))
}

// ResolveCaptchaHandler records a passed captcha for the calling user. The
// gate keeps this endpoint reachable while a captcha is pending, so a
// blocked account can unblock itself here.
// POST /captcha
func (h *UserHandler) ResolveCaptchaHandler(c *gin.Context) {
	reqCtx, ok := request.FromContext(c.Request.Context())
	if !ok || reqCtx.Guest() {
		httputil.HandleErrorGin(c,
			apperrors.Unauthorized(apperrors.CodeInvalidCredentials, "authentication required", nil),
			h.logger)
		return
	}

	if err := h.userUseCase.ResolveCaptcha(c.Request.Context(), reqCtx.UserID); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// RevokeTokensHandler invalidates every outstanding token for a user.
// POST /v1/users/:id/revoke
func (h *UserHandler) RevokeTokensHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c, fmt.Errorf("invalid user id"), h.logger)
		return
	}

	if err := h.userUseCase.RevokeTokens(c.Request.Context(), id); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ReportIncidentHandler adds to a user's lifetime incident counter.
// POST /v1/users/:id/incidents
func (h *UserHandler) ReportIncidentHandler(c *gin.Context) {
	h.report(c, h.userUseCase.ReportIncident)
}

// ReportErrorHandler adds to a user's lifetime request-error counter.
// POST /v1/users/:id/errors
func (h *UserHandler) ReportErrorHandler(c *gin.Context) {
	h.report(c, h.userUseCase.ReportError)
}

func (h *UserHandler) report(c *gin.Context, fn func(ctx context.Context, id uuid.UUID, delta int64) error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c, fmt.Errorf("invalid user id"), h.logger)
		return
	}

	var req dto.ReportCounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	if err := fn(c.Request.Context(), id, req.Delta); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
