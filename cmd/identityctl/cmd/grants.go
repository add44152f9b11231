package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services/authz"
)

func newAddRoleCmd() *cobra.Command {
	return editCmd("add-role [external_id] [role]", "Grant a role", func(ctx context.Context, externalID, name string) (*models.IdentityMapping, error) {
		role, err := authz.ParseRole(name)
		if err != nil {
			return nil, err
		}
		return admin.GrantRole(ctx, externalID, role)
	})
}

func newRemoveRoleCmd() *cobra.Command {
	return editCmd("remove-role [external_id] [role]", "Revoke a role and the identity's sessions", func(ctx context.Context, externalID, name string) (*models.IdentityMapping, error) {
		role, err := authz.ParseRole(name)
		if err != nil {
			return nil, err
		}
		return admin.RevokeRole(ctx, externalID, role)
	})
}

func newAddPermissionCmd() *cobra.Command {
	return editCmd("add-permission [external_id] [permission]", "Grant an extra permission", func(ctx context.Context, externalID, name string) (*models.IdentityMapping, error) {
		perm, err := authz.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		return admin.GrantPermission(ctx, externalID, perm)
	})
}

func newRemovePermissionCmd() *cobra.Command {
	return editCmd("remove-permission [external_id] [permission]", "Revoke an extra permission and the identity's sessions", func(ctx context.Context, externalID, name string) (*models.IdentityMapping, error) {
		perm, err := authz.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		return admin.RevokePermission(ctx, externalID, perm)
	})
}

func editCmd(use, short string, edit func(ctx context.Context, externalID, name string) (*models.IdentityMapping, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := edit(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", args[0], err)
			}
			return printMapping(cmd, mapping)
		},
	}
}
