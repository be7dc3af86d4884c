package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/saga"
)

var recoverFlags struct {
	format string
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finalize stale purchase sagas once",
	Long: `Run a single recovery sweep. Sagas left in a non-terminal status for
longer than saga.recovery.stale_after are completed when their tokens were
allocated and failed otherwise.

The same sweep runs on a schedule inside "tokengate run".`,
	RunE: runRecovery,
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().StringVar(&recoverFlags.format, "format", "text", "output format: text, json, csv")
}

func runRecovery(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(recoverFlags.format)
	if err != nil {
		return err
	}

	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(store.Current())
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), store, logger)
	if err != nil {
		return cli.NewCommandError("recover", err)
	}
	defer a.Close()

	report, err := a.recovery.RecoverStale(cmd.Context())
	if err != nil {
		return cli.NewCommandError("recover", err)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), reportTable(report))
}

func reportTable(report saga.Report) cli.Table {
	table := cli.Table{Headers: []string{"outcome", "count"}}
	table.Append(saga.RecoveryCompleted, fmt.Sprint(report.Completed))
	table.Append(saga.RecoveryFailed, fmt.Sprint(report.Failed))
	table.Append(saga.RecoverySkipped, fmt.Sprint(report.Skipped))
	table.Append(saga.RecoveryError, fmt.Sprint(report.Errors))
	return table
}
