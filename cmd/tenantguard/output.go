package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/ids"
	"tenantguard.org/internal/rbac"
)

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// idArgs checks that positional argument i is an identifier with prefixes[i].
func idArgs(prefixes ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		for i, arg := range args {
			if i >= len(prefixes) {
				break
			}
			if err := checkID(prefixes[i], arg); err != nil {
				return err
			}
		}
		return nil
	}
}

func checkID(want, id string) error {
	prefix, _, err := ids.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", rbac.ErrInvalidInput, err)
	}
	if prefix != want {
		return fmt.Errorf("%w: identifier %q has prefix %q, want %q", rbac.ErrInvalidInput, id, prefix, want)
	}
	return nil
}
