package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/config"
)

var validateFlags struct {
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file with defaults and TOKENGATE_* environment
overrides applied, and report every invalid field.

Examples:
  tokengate validate --config config.yaml
  tokengate validate --config config.yaml --format json`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json, csv")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", err)
	}

	table := cli.Table{Headers: []string{"setting", "value"}}
	table.Append("server.listen_address", cfg.Server.ListenAddress)
	table.Append("database.driver", cfg.Database.Driver)
	table.Append("bucket.strategy", cfg.Bucket.Strategy)
	table.Append("bucket.store", cfg.Bucket.Store)
	table.Append("bucket.capacity", fmt.Sprint(cfg.Bucket.Capacity))
	table.Append("bucket.providers", fmt.Sprint(len(cfg.Bucket.Providers)))
	table.Append("tiers.default", cfg.Tiers.Default)
	table.Append("tiers.levels", fmt.Sprint(len(cfg.Tiers.Levels)))
	table.Append("bus.type", cfg.Bus.Type)
	table.Append("features.quota_enforcement", fmt.Sprint(config.Bool(cfg.Features.QuotaEnforcement, config.DefaultQuotaEnforcement)))
	table.Append("features.saga_purchases", fmt.Sprint(config.Bool(cfg.Features.SagaPurchases, config.DefaultSagaPurchases)))

	if format == cli.FormatText {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid\n\n", cfgFile)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), table)
}
