// Package ratelimit implements the token rate-limiting engine.
//
// # Overview
//
// The engine is a pure function over a State value. It performs no I/O and
// holds no locks; the caller loads the state, calls TryConsume, and saves
// the returned state inside its own per-key critical section.
//
// Three strategies are available:
//
//   - LEAKY_BUCKET: the level drains at Rate tokens/second; a request fits
//     if there is room above the current level.
//   - TOKEN_BUCKET: available tokens refill at Rate tokens/second up to
//     Capacity; a fresh bucket starts full.
//   - FIXED_WINDOW: a counter accumulates within WindowSeconds and resets
//     when the window ends.
//
// # Usage
//
//	cfg := ratelimit.Config{Strategy: ratelimit.StrategyLeakyBucket, Capacity: 1000, Rate: 10}
//	next, result, err := ratelimit.TryConsume(state, cfg, 50, time.Now())
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    // retry after result.WaitSeconds
//	}
//
// # Accrual
//
// Drain and refill are floored to whole tokens. LastUpdated only moves once
// at least one whole token has accrued, so sub-token progress accumulates
// across calls. A clock that moves backwards accrues nothing and pins
// LastUpdated to now.
package ratelimit
