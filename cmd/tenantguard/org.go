package main

import (
	"context"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/ids"
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			org, err := a.svc.CreateOrganization(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, org)
		})
	},
}

var orgDeleteCmd = &cobra.Command{
	Use:   "delete ORG_ID",
	Short: "Soft-delete an organization; checks inside it are denied until it is restored",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixOrganization)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			org, err := a.svc.SoftDeleteOrganization(ctx, actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, org)
		})
	},
}

var orgRestoreCmd = &cobra.Command{
	Use:   "restore ORG_ID",
	Short: "Restore a soft-deleted organization",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), idArgs(ids.PrefixOrganization)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			org, err := a.svc.RestoreOrganization(ctx, actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, org)
		})
	},
}

func init() {
	orgCmd.AddCommand(orgCreateCmd, orgDeleteCmd, orgRestoreCmd)
	rootCmd.AddCommand(orgCmd)
}
