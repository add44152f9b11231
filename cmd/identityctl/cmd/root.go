// Package cmd implements identityctl, the operator CLI for the identity directory.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/app"
	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/handlers"
	"github.com/upb/assistant-auth-gateway/internal/observability"
)

// connectFunc opens the directory the commands operate on. The returned
// func releases it.
type connectFunc func(ctx context.Context) (handlers.MappingAdmin, func() error, error)

var (
	outputJSON bool
	connect    connectFunc = connectGateway
	admin      handlers.MappingAdmin
	release    func() error
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "identityctl",
		Short: "Manage chat-platform identity mappings",
		Long: `identityctl provisions and edits the directory that maps chat-platform user ids
to local identities, roles and permissions. It reads the same environment as the
gateway: Postgres when DATABASE_URL or DB_HOST is set, Redis otherwise.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			admin, release = a, closeFn
			return nil
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newAddRoleCmd())
	root.AddCommand(newRemoveRoleCmd())
	root.AddCommand(newAddPermissionCmd())
	root.AddCommand(newRemovePermissionCmd())
	root.AddCommand(newDeactivateCmd())
	root.AddCommand(newDeleteCmd())
	return root
}

// Execute runs the root command
func Execute() {
	if err := run(context.Background(), rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes root and releases the directory connection even when the command fails
func run(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if release != nil {
		if closeErr := release(); closeErr != nil && err == nil {
			err = closeErr
		}
		admin, release = nil, nil
	}
	return err
}

// connectGateway builds the full dependency graph so edits revoke sessions and
// land in the audit trail exactly as they would through the HTTP surface.
func connectGateway(ctx context.Context) (handlers.MappingAdmin, func() error, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.Named("identityctl")

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	logger.Debug("identityctl connected", zap.Bool("postgres_directory", deps.DB != nil))

	return deps.Gateway, func() error { return deps.Close(context.Background()) }, nil
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
