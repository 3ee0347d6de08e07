package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/identity"
)

var errDenied = errors.New("permission denied")

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check PERMISSION",
	Short: "Decide whether a user holds a permission in an organization",
	Long: `Decide whether a user holds a permission in an organization.

The decision is printed as JSON. The command exits non-zero when the
permission is denied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject := identity.Subject{}
		subject.UserID, _ = cmd.Flags().GetString("user")
		subject.OrganizationID, _ = cmd.Flags().GetString("org")
		if err := subject.Validate(); err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			dec, err := a.svc.Check(identity.ContextWithSubject(ctx, subject), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, dec); err != nil {
				return err
			}
			if !dec.Allowed {
				return errDenied
			}
			return nil
		})
	},
}

func init() {
	checkCmd.Flags().String("user", "", "user id")
	checkCmd.Flags().String("org", "", "organization id")
	rootCmd.AddCommand(checkCmd)
}
