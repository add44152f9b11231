package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services/authz"
	"github.com/upb/assistant-auth-gateway/services/gateway"
)

func newCreateCmd() *cobra.Command {
	var (
		localID     string
		email       string
		fullName    string
		directoryID string
		roles       []string
		extras      []string
	)

	cmd := &cobra.Command{
		Use:   "create [external_id]",
		Short: "Create or replace a mapping",
		Long: `Create maps a chat-platform user id to a local identity. Running it again for
the same external id replaces the stored roles and permissions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := gateway.ProvisionRequest{
				ExternalID:  args[0],
				LocalID:     localID,
				Email:       email,
				FullName:    fullName,
				DirectoryID: directoryID,
			}
			for _, r := range roles {
				role, err := authz.ParseRole(r)
				if err != nil {
					return err
				}
				req.Roles = append(req.Roles, role)
			}
			for _, p := range extras {
				perm, err := authz.ParsePermission(p)
				if err != nil {
					return err
				}
				req.ExtraPermissions = append(req.ExtraPermissions, perm)
			}

			mapping, err := admin.Provision(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to create mapping: %w", err)
			}
			return printMapping(cmd, mapping)
		},
	}

	cmd.Flags().StringVar(&localID, "local-id", "", "Local identity id (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&fullName, "name", "", "Full name")
	cmd.Flags().StringVar(&directoryID, "directory-id", "", "Enterprise directory (LDAP) id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{string(models.RoleViewer)}, "Role to grant (repeatable)")
	cmd.Flags().StringSliceVar(&extras, "permission", nil, "Extra permission to grant (repeatable)")
	_ = cmd.MarkFlagRequired("local-id")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [external_id]",
		Short: "Show one mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := admin.GetMapping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printMapping(cmd, mapping)
		},
	}
}

func newListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mappings ordered by external id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mappings, err := admin.ListMappings(cmd.Context(), activeOnly)
			if err != nil {
				return fmt.Errorf("failed to list mappings: %w", err)
			}
			if outputJSON {
				if mappings == nil {
					mappings = []*models.IdentityMapping{}
				}
				return writeJSON(cmd, mappings)
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXTERNAL ID\tLOCAL ID\tROLES\tACTIVE")
			for _, m := range mappings {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ExternalID, m.LocalID, joinRoles(m.Roles), m.Active)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active mappings")
	return cmd
}

func newDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [external_id]",
		Short: "Deactivate a mapping and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revoked, err := admin.Deactivate(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to deactivate mapping: %w", err)
			}
			if outputJSON {
				return writeJSON(cmd, map[string]interface{}{"external_id": args[0], "sessions_revoked": revoked})
			}
			fmt.Fprintf(out(cmd), "Deactivated %s (%d sessions revoked)\n", args[0], revoked)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [external_id]",
		Short: "Delete a mapping and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := admin.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete mapping: %w", err)
			}
			fmt.Fprintf(out(cmd), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func printMapping(cmd *cobra.Command, m *models.IdentityMapping) error {
	if outputJSON {
		return writeJSON(cmd, m)
	}

	w := out(cmd)
	fmt.Fprintf(w, "External ID: %s\n", m.ExternalID)
	fmt.Fprintf(w, "Local ID:    %s\n", m.LocalID)
	if m.Email != "" {
		fmt.Fprintf(w, "Email:       %s\n", m.Email)
	}
	if m.FullName != "" {
		fmt.Fprintf(w, "Name:        %s\n", m.FullName)
	}
	fmt.Fprintf(w, "Active:      %t\n", m.Active)
	fmt.Fprintf(w, "Roles:       %s\n", joinRoles(m.Roles))
	fmt.Fprintln(w, "Permissions:")
	for _, p := range m.Permissions {
		fmt.Fprintf(w, "  - %s\n", p)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(out(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinRoles(roles []models.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}
