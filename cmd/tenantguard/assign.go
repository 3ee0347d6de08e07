package main

import (
	"context"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/ids"
)

// assignCmd represents the assign command
var assignCmd = &cobra.Command{
	Use:   "assign ROLE_ID",
	Short: "Grant a role to a user within an organization",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		org, _ := cmd.Flags().GetString("org")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := a.svc.AssignRole(ctx, user, args[0], org, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"assignment_id": id})
		})
	},
}

// revokeCmd represents the revoke command
var revokeCmd = &cobra.Command{
	Use:   "revoke ASSIGNMENT_ID",
	Short: "Revoke a role assignment",
	Long: `Revoke a role assignment.

Revoking the last active admin assignment of an organization is refused.`,
	Args: cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixAssignment)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.svc.RevokeRole(ctx, args[0], actor)
		})
	},
}

var effectiveRolesCmd = &cobra.Command{
	Use:   "effective-roles",
	Short: "List the roles a user currently holds in an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		org, _ := cmd.Flags().GetString("org")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			roles, err := a.svc.ListEffectiveRoles(ctx, user, org)
			if err != nil {
				return err
			}
			return printJSON(cmd, roles)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{assignCmd, effectiveRolesCmd} {
		c.Flags().String("user", "", "user id")
		c.Flags().String("org", "", "organization id")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("org")
	}
	rootCmd.AddCommand(assignCmd, revokeCmd, effectiveRolesCmd)
}
