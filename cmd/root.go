// Package cmd defines and implements the CLI commands for the webhooks executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pricing-webhooks/internal/config"
)

type configKeyType struct{}

var configKey configKeyType

// loadConfig is a variable so tests can inject a config without touching disk.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Pricing webhook fan-out / fan-in service.",
		Long: `webhooks accepts pricing notifications, fans each one out into
per-resource jobs on a bounded worker pool, and finalizes the event exactly
once when every job has reported.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees a validated config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env WEBHOOKS_* overrides any key)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPurgeCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
