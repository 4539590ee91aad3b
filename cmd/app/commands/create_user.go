package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	userUsecase "github.com/allisson/gatekeeper/internal/user/usecase"
)

// RunCreateUser registers a new user account from the command line. Outputs
// the created user ID in either text or JSON format.
//
// Requirements: Database must be migrated and accessible.
func RunCreateUser(
	ctx context.Context,
	userUseCase userUsecase.UseCase,
	logger *slog.Logger,
	email string,
	roleName string,
	format string,
	io IOTuple,
) error {
	logger.Info("creating new user",
		slog.String("email", email),
		slog.String("role", roleName),
	)

	user, err := userUseCase.RegisterUser(ctx, userUsecase.RegisterUserInput{
		Email: email,
		Role:  roleName,
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	if format == "json" {
		outputJSON(map[string]any{
			"id":    user.ID.String(),
			"email": user.Email,
			"role":  user.Role,
		}, io.Writer)
	} else {
		_, _ = fmt.Fprintf(io.Writer, "User created\n")
		_, _ = fmt.Fprintf(io.Writer, "  ID:    %s\n", user.ID)
		_, _ = fmt.Fprintf(io.Writer, "  Email: %s\n", user.Email)
		_, _ = fmt.Fprintf(io.Writer, "  Role:  %s\n", user.Role)
	}

	logger.Info("user created successfully",
		slog.String("user_id", user.ID.String()),
	)
	return nil
}

// outputJSON writes the value as indented JSON.
func outputJSON(value any, w io.Writer) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(value)
}
