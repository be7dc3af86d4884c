package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/outbox"
	"mercator-hq/tokengate/pkg/outbox/bus"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drain the transactional outbox",
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the number of unpublished outbox entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore(cmd)
		if err != nil {
			return err
		}

		db, err := openDatabase(cmd.Context(), store.Current().Database)
		if err != nil {
			return cli.NewCommandError("outbox status", err)
		}
		defer db.Close()

		pending, err := outbox.NewSQLStore(db).PendingCount(cmd.Context())
		if err != nil {
			return cli.NewCommandError("outbox status", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\n", pending)
		return nil
	},
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Publish every pending outbox entry, then exit",
	Long: `Publish pending outbox entries to the configured bus in creation order
until none remain. Publishing stops at the first failed send so that order
is preserved; rerun the command once the bus recovers.`,
	RunE: drainOutbox,
}

func init() {
	outboxCmd.AddCommand(outboxStatusCmd)
	outboxCmd.AddCommand(outboxDrainCmd)
	rootCmd.AddCommand(outboxCmd)
}

func drainOutbox(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	cfg := store.Current()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, store, logger)
	if err != nil {
		return cli.NewCommandError("outbox drain", err)
	}
	defer a.Close()

	messageBus, err := bus.New(ctx, cfg.Bus, a.redis, logger)
	if err != nil {
		return cli.NewCommandError("outbox drain", err)
	}
	defer messageBus.Close()

	publisher := outbox.NewPublisher(a.outbox, messageBus, outbox.PublisherConfig{
		BatchSize:      cfg.Outbox.BatchSize,
		Topic:          cfg.Outbox.Topic,
		MaxPublishRate: cfg.Outbox.MaxPublishRate,
		Logger:         logger,
		Metrics:        a.metrics,
	})

	pending, err := a.outbox.PendingCount(ctx)
	if err != nil {
		return cli.NewCommandError("outbox drain", err)
	}

	progress := cli.NewProgressReporter(cmd.OutOrStdout(), "events")
	progress.Start(pending)

	var published int64
	for {
		n, err := publisher.PublishBatch(ctx)
		published += int64(n)
		progress.Update(published)
		if err != nil {
			progress.Error(err)
			return cli.NewCommandError("outbox drain", err)
		}
		if n == 0 {
			break
		}
	}
	progress.Finish()

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %d events to %s\n", published, messageBus.Name())
	return nil
}
