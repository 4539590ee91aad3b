package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	authService "github.com/allisson/gatekeeper/internal/auth/service"
	userUsecase "github.com/allisson/gatekeeper/internal/user/usecase"
)

// RunIssueToken mints a signed bearer token for an existing user, intended
// for local development and smoke testing. Real deployments mint tokens in
// the identity service.
func RunIssueToken(
	ctx context.Context,
	userUseCase userUsecase.UseCase,
	tokens authService.TokenService,
	logger *slog.Logger,
	email string,
	ttl time.Duration,
	format string,
	io IOTuple,
) error {
	user, err := userUseCase.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	token, err := tokens.Issue(user.ID, user.TokenVersion, ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	if format == "json" {
		outputJSON(map[string]any{
			"userId":    user.ID.String(),
			"token":     token,
			"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		}, io.Writer)
	} else {
		_, _ = fmt.Fprintf(io.Writer, "Token for %s (valid %s):\n%s\n", user.Email, ttl, token)
	}

	logger.Info("token issued",
		slog.String("user_id", user.ID.String()),
		slog.Duration("ttl", ttl),
	)
	return nil
}
