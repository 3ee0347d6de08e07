package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/config"
	"tenantguard.org/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	actor      string
	cfg        config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenantguard",
	Short: "Hierarchical multi-tenant role-based access control",
	Long: `tenantguard manages organizations, role hierarchies and role assignments,
and answers permission checks against them.

Settings come from the YAML file named by --config (or TENANTGUARD_CONFIG)
and TENANTGUARD_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return obs.Configure(cfg.Log.Level, cfg.Log.Format)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded on mutations and audit events")
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
