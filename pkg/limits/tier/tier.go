// Package tier maps caller roles to service tiers.
//
// A tier scales the caller's rate limit bucket and may cap their quota pool.
// Roles are matched case-insensitively with any "ROLE_" prefix removed; when
// several roles match, the tier with the highest priority wins.
package tier

import (
	"strings"
	"sync/atomic"

	"mercator-hq/tokengate/pkg/config"
)

// Tier is the resolved per-caller service level.
type Tier struct {
	// Name is the upper-case tier name. Empty for the identity tier.
	Name string

	// Priority orders tiers when a caller holds several roles.
	Priority int

	// CapacityMultiplier scales bucket capacity. Values <= 0 leave it unchanged.
	CapacityMultiplier float64

	// RateMultiplier scales the bucket leak/refill rate. Values <= 0 leave
	// it unchanged.
	RateMultiplier float64

	// QuotaMaxTokens caps remaining pool tokens. Nil means uncapped.
	QuotaMaxTokens *int64
}

// Identity is the tier used when no tiers are configured.
var Identity = Tier{CapacityMultiplier: 1, RateMultiplier: 1}

// QuotaCap returns the quota ceiling and whether one applies. A configured
// cap of zero or less is treated as no cap.
func (t Tier) QuotaCap() (int64, bool) {
	if t.QuotaMaxTokens == nil || *t.QuotaMaxTokens <= 0 {
		return 0, false
	}
	return *t.QuotaMaxTokens, true
}

// Resolver resolves roles to tiers. It is safe for concurrent use and can
// be updated in place when configuration reloads.
type Resolver struct {
	table atomic.Pointer[table]
}

type table struct {
	levels      map[string]Tier
	defaultTier Tier
}

// NewResolver builds a resolver from configuration.
func NewResolver(cfg config.TiersConfig) *Resolver {
	r := &Resolver{}
	r.Update(cfg)
	return r
}

// Update replaces the tier table.
func (r *Resolver) Update(cfg config.TiersConfig) {
	t := &table{levels: make(map[string]Tier, len(cfg.Levels)), defaultTier: Identity}
	for name, level := range cfg.Levels {
		key := strings.ToUpper(strings.TrimSpace(name))
		t.levels[key] = Tier{
			Name:               key,
			Priority:           level.Priority,
			CapacityMultiplier: level.CapacityMultiplier,
			RateMultiplier:     level.RateMultiplier,
			QuotaMaxTokens:     level.QuotaMaxTokens,
		}
	}
	if def, ok := t.levels[strings.ToUpper(strings.TrimSpace(cfg.Default))]; ok {
		t.defaultTier = def
	}
	r.table.Store(t)
}

// Resolve returns the highest-priority tier among roles, or the default
// tier when none match.
func (r *Resolver) Resolve(roles []string) Tier {
	t := r.table.Load()

	var (
		best  Tier
		found bool
	)
	for _, role := range roles {
		level, ok := t.levels[normalizeRole(role)]
		if !ok {
			continue
		}
		if !found || level.Priority > best.Priority {
			best = level
			found = true
		}
	}

	if !found {
		return t.defaultTier
	}
	return best
}

// Lookup returns the named tier.
func (r *Resolver) Lookup(name string) (Tier, bool) {
	level, ok := r.table.Load().levels[normalizeRole(name)]
	return level, ok
}

// Default returns the default tier.
func (r *Resolver) Default() Tier {
	return r.table.Load().defaultTier
}

func normalizeRole(role string) string {
	normalized := strings.ToUpper(strings.TrimSpace(role))
	return strings.TrimPrefix(normalized, "ROLE_")
}
