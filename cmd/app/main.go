// Package main provides the entry point for the application with CLI commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/allisson/gatekeeper/cmd/app/commands"
	"github.com/allisson/gatekeeper/internal/app"
	"github.com/allisson/gatekeeper/internal/config"
)

const version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "gatekeeper",
		Usage:   "Request admission and authorization service",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the HTTP server",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunServer(ctx, version)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.Load()
					container := app.NewContainer(cfg)
					return commands.RunMigrations(container.Logger(), cfg.DBDriver, cfg.DBConnectionString)
				},
			},
			{
				Name:  "create-user",
				Usage: "Register a new user account",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "email",
						Aliases:  []string{"e"},
						Required: true,
						Usage:    "User email address",
					},
					&cli.StringFlag{
						Name:    "role",
						Aliases: []string{"r"},
						Value:   "member",
						Usage:   "Role name (member, editor, admin, service)",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Value:   "text",
						Usage:   "Output format: 'text' or 'json'",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.Load()
					container := app.NewContainer(cfg)
					defer shutdownContainer(ctx, container)

					userUseCase, err := container.UserUseCase()
					if err != nil {
						return fmt.Errorf("failed to initialize user use case: %w", err)
					}
					return commands.RunCreateUser(
						ctx,
						userUseCase,
						container.Logger(),
						cmd.String("email"),
						cmd.String("role"),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				},
			},
			{
				Name:  "issue-token",
				Usage: "Mint a bearer token for a user (local development only)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "email",
						Aliases:  []string{"e"},
						Required: true,
						Usage:    "User email address",
					},
					&cli.DurationFlag{
						Name:    "ttl",
						Aliases: []string{"t"},
						Value:   time.Hour,
						Usage:   "Token lifetime",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Value:   "text",
						Usage:   "Output format: 'text' or 'json'",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.Load()
					container := app.NewContainer(cfg)
					defer shutdownContainer(ctx, container)

					userUseCase, err := container.UserUseCase()
					if err != nil {
						return fmt.Errorf("failed to initialize user use case: %w", err)
					}
					return commands.RunIssueToken(
						ctx,
						userUseCase,
						container.TokenService(),
						container.Logger(),
						cmd.String("email"),
						cmd.Duration("ttl"),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}

func shutdownContainer(ctx context.Context, container *app.Container) {
	if err := container.Shutdown(ctx); err != nil {
		container.Logger().Error("failed to shutdown container", slog.Any("error", err))
	}
}
