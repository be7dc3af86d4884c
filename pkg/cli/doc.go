/*
Package cli provides helpers shared by the tokengate commands.

Output Formatting:

Command results are rendered as text, JSON or CSV. Tabular results use
Table, which every formatter understands:

	table := cli.Table{Headers: []string{"outcome", "count"}}
	table.Append("completed", "3")
	if err := cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, table); err != nil {
		return err
	}

Progress Reporting:

Long-running maintenance commands such as draining the outbox report
progress on the terminal:

	progress := cli.NewProgressReporter(os.Stdout, "events")
	progress.Start(pending)
	progress.Update(done)
	progress.Finish()

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

The context is cancelled on SIGINT or SIGTERM.
*/
package cli
