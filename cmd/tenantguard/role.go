package main

import (
	"context"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/ids"
	"tenantguard.org/internal/rbac"
)

// roleCmd represents the role command
var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage roles",
	Long: `Manage roles.

A role belongs to one organization, or is global when --org is omitted. Roles
inherit every permission of their ancestors.`,
}

var roleCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := rbac.CreateRoleInput{Name: args[0]}
		in.OrganizationID, _ = cmd.Flags().GetString("org")
		in.ParentRoleID, _ = cmd.Flags().GetString("parent")
		in.Description, _ = cmd.Flags().GetString("description")
		in.IsSystemAdmin, _ = cmd.Flags().GetBool("admin")
		in.Permissions, _ = cmd.Flags().GetStringSlice("perm")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			role, err := a.svc.CreateRole(ctx, actor, in)
			if err != nil {
				return err
			}
			return printJSON(cmd, role)
		})
	},
}

var roleGetCmd = &cobra.Command{
	Use:   "get ROLE_ID",
	Short: "Show a role",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			role, err := a.svc.GetRole(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, role)
		})
	},
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the roles of an organization, or global roles without --org",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			roles, err := a.svc.ListRoles(ctx, org)
			if err != nil {
				return err
			}
			return printJSON(cmd, roles)
		})
	},
}

var roleSetPermsCmd = &cobra.Command{
	Use:   "set-perms ROLE_ID",
	Short: "Replace the direct permissions of a role",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		perms, _ := cmd.Flags().GetStringSlice("perm")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			role, err := a.svc.UpdateRolePermissions(ctx, actor, args[0], perms)
			if err != nil {
				return err
			}
			return printJSON(cmd, role)
		})
	},
}

var roleSetParentCmd = &cobra.Command{
	Use:   "set-parent ROLE_ID [PARENT_ID]",
	Short: "Move a role under a new parent, or make it a root when PARENT_ID is omitted",
	Args:  cobra.MatchAll(cobra.RangeArgs(1, 2), idArgs(ids.PrefixRole, ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		var parent string
		if len(args) == 2 {
			parent = args[1]
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			role, err := a.svc.SetRoleParent(ctx, actor, args[0], parent)
			if err != nil {
				return err
			}
			return printJSON(cmd, role)
		})
	},
}

var roleDeleteCmd = &cobra.Command{
	Use:   "delete ROLE_ID",
	Short: "Soft-delete a role",
	Long: `Soft-delete a role.

A role with active children is refused unless --cascade is given, in which case
the whole subtree is deleted and its assignments revoked.`,
	Args: cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.svc.SoftDeleteRole(ctx, actor, args[0], cascade)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var roleRestoreCmd = &cobra.Command{
	Use:   "restore ROLE_ID",
	Short: "Restore a soft-deleted role",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixRole)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			role, err := a.svc.RestoreRole(ctx, actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, role)
		})
	},
}

func init() {
	roleCreateCmd.Flags().String("org", "", "owning organization id; omit for a global role")
	roleCreateCmd.Flags().String("parent", "", "parent role id")
	roleCreateCmd.Flags().String("description", "", "free-form description")
	roleCreateCmd.Flags().Bool("admin", false, "mark the role as an organization admin role")
	roleCreateCmd.Flags().StringSlice("perm", nil, "permission code, e.g. read:invoice (repeatable)")

	roleListCmd.Flags().String("org", "", "organization id; omit to list global roles")
	roleSetPermsCmd.Flags().StringSlice("perm", nil, "permission code (repeatable)")
	roleDeleteCmd.Flags().Bool("cascade", false, "delete the subtree and revoke its assignments")

	roleCmd.AddCommand(roleCreateCmd, roleGetCmd, roleListCmd, roleSetPermsCmd, roleSetParentCmd, roleDeleteCmd, roleRestoreCmd)
	rootCmd.AddCommand(roleCmd)
}
