package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/tier"
)

var quotaFlags struct {
	user     string
	org      string
	provider string
	tokens   int64
	tier     string
	format   string
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and adjust token quota pools",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a quota pool",
	Long: `Show the pool owned by a user or an organization for one provider.

Examples:
  tokengate quota show --user 3d9f5a1c-7b2e-4f60-9c18-4e5a6b7c8d90 --provider openai
  tokengate quota show --org a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d --provider anthropic --format json`,
	RunE: showQuota,
}

var quotaAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Credit tokens to a quota pool",
	Long: `Credit tokens to a pool without a purchase saga, creating the pool if
needed. Intended for operator corrections; purchases should go through
POST /api/v1/tokens/purchase so that they are audited on the outbox.`,
	RunE: addQuota,
}

func init() {
	for _, c := range []*cobra.Command{quotaShowCmd, quotaAddCmd} {
		c.Flags().StringVar(&quotaFlags.user, "user", "", "owning user id")
		c.Flags().StringVar(&quotaFlags.org, "org", "", "owning organization id")
		c.Flags().StringVar(&quotaFlags.provider, "provider", "", "provider name")
		c.Flags().StringVar(&quotaFlags.tier, "tier", "", "tier whose quota cap applies (default tier when empty)")
		c.Flags().StringVar(&quotaFlags.format, "format", "text", "output format: text, json, csv")
		c.MarkFlagsMutuallyExclusive("user", "org")
		c.MarkFlagsOneRequired("user", "org")
		_ = c.MarkFlagRequired("provider")
		quotaCmd.AddCommand(c)
	}
	quotaAddCmd.Flags().Int64Var(&quotaFlags.tokens, "tokens", 0, "tokens to credit")
	_ = quotaAddCmd.MarkFlagRequired("tokens")

	rootCmd.AddCommand(quotaCmd)
}

func quotaOwner() quota.Owner {
	if quotaFlags.org != "" {
		return quota.OrgOwner(quotaFlags.org)
	}
	return quota.UserOwner(quotaFlags.user)
}

func quotaTier(resolver *tier.Resolver) (tier.Tier, error) {
	if quotaFlags.tier == "" {
		return resolver.Default(), nil
	}
	t, ok := resolver.Lookup(quotaFlags.tier)
	if !ok {
		return tier.Tier{}, fmt.Errorf("unknown tier %q", quotaFlags.tier)
	}
	return t, nil
}

func showQuota(cmd *cobra.Command, args []string) error {
	return withQuotaApp(cmd, "quota show", func(a *app, owner quota.Owner, t tier.Tier) (*quota.Pool, error) {
		pool, err := a.quotas.GetQuota(cmd.Context(), owner, quotaFlags.provider, t)
		if errors.Is(err, quota.ErrNotFound) {
			return nil, fmt.Errorf("no %s pool for %s", quotaFlags.provider, owner)
		}
		return pool, err
	})
}

func addQuota(cmd *cobra.Command, args []string) error {
	return withQuotaApp(cmd, "quota add", func(a *app, owner quota.Owner, t tier.Tier) (*quota.Pool, error) {
		return a.quotas.AddTokens(cmd.Context(), owner, quotaFlags.provider, quotaFlags.tokens, t)
	})
}

func withQuotaApp(cmd *cobra.Command, name string, fn func(*app, quota.Owner, tier.Tier) (*quota.Pool, error)) error {
	format, err := cli.ParseFormat(quotaFlags.format)
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
		return cli.NewCommandError(name, err)
	}
	defer a.Close()

	t, err := quotaTier(a.tiers)
	if err != nil {
		return err
	}

	pool, err := fn(a, quotaOwner(), t)
	if err != nil {
		return cli.NewCommandError(name, err)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), poolTable(pool))
}

func poolTable(pool *quota.Pool) cli.Table {
	reset := "-"
	if pool.ResetTime != nil {
		reset = pool.ResetTime.UTC().Format(time.RFC3339)
	}

	table := cli.Table{Headers: []string{"owner", "provider", "total", "remaining", "reset", "updated"}}
	table.Append(
		pool.Owner.String(),
		pool.Provider,
		fmt.Sprint(pool.TotalTokens),
		fmt.Sprint(pool.RemainingTokens),
		reset,
		pool.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return table
}
