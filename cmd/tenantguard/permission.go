package main

import (
	"context"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/rbac"
)

var permissionCmd = &cobra.Command{
	Use:     "permission",
	Aliases: []string{"perm"},
	Short:   "Manage the permission catalog",
}

var permissionRegisterCmd = &cobra.Command{
	Use:   "register CODE",
	Short: "Add a permission code such as read:invoice to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := rbac.ParsePermissionCode(args[0])
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.svc.RegisterPermissions(ctx, rbac.Permission{Code: code, Description: desc})
		})
	},
}

var permissionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return printJSON(cmd, a.svc.Catalog().List())
		})
	},
}

func init() {
	permissionRegisterCmd.Flags().String("description", "", "free-form description")
	permissionCmd.AddCommand(permissionRegisterCmd, permissionListCmd)
	rootCmd.AddCommand(permissionCmd)
}
