package ratelimit

import (
	"math"
	"time"
)

// TryConsume attempts to consume amount from the bucket described by state
// and cfg at time now. It returns the next state, which the caller must
// persist, and the decision.
//
// A state recorded under a different strategy is discarded and treated as
// untouched.
func TryConsume(state State, cfg Config, amount int64, now time.Time) (State, Result, error) {
	if amount <= 0 {
		return state, Result{}, ErrInvalidAmount
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyLeakyBucket
	}
	if state.Strategy != "" && state.Strategy != strategy {
		state = State{}
	}
	state.Strategy = strategy

	switch strategy {
	case StrategyFixedWindow:
		return tryFixedWindow(state, cfg.Capacity, cfg.WindowSeconds, amount, now)
	case StrategyTokenBucket:
		return tryTokenBucket(state, cfg.Capacity, cfg.Rate, amount, now)
	default:
		return tryLeakyBucket(state, cfg.Capacity, cfg.Rate, amount, now)
	}
}

// Peek reports the bucket as it would look at now without consuming.
// Allowed is true when at least one token could be consumed.
func Peek(state State, cfg Config, now time.Time) Result {
	r := peek(state, cfg, now)
	r.Allowed = r.Remaining > 0
	return r
}

func peek(state State, cfg Config, now time.Time) Result {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyLeakyBucket
	}
	if state.Strategy != "" && state.Strategy != strategy {
		state = State{}
	}

	switch strategy {
	case StrategyFixedWindow:
		window := max(1, cfg.WindowSeconds)
		if state.WindowStart.IsZero() || !now.Before(state.WindowStart.Add(time.Duration(window)*time.Second)) {
			return allowed(cfg.Capacity, 0, now)
		}
		return allowed(cfg.Capacity, state.WindowCount, now)
	case StrategyTokenBucket:
		state = refill(state, cfg.Capacity, cfg.Rate, now)
		return allowed(cfg.Capacity, cfg.Capacity-state.Level, now)
	default:
		state = leak(state, cfg.Rate, now)
		return allowed(cfg.Capacity, state.Level, now)
	}
}

// estimateWaitSeconds returns ceil(deficit/rate), or UnboundedWait when the
// rate cannot make progress.
func estimateWaitSeconds(deficit int64, rate float64) int64 {
	if rate <= 0 {
		return UnboundedWait
	}
	return int64(math.Ceil(float64(deficit) / rate))
}

// accrued returns the whole number of tokens accrued between last and now,
// and whether the caller should move LastUpdated to now.
func accrued(last time.Time, rate float64, now time.Time) (tokens int64, advance bool) {
	if now.Before(last) {
		return 0, true
	}
	amount := now.Sub(last).Seconds() * rate
	if amount <= 0 {
		return 0, false
	}
	tokens = int64(math.Floor(amount))
	return tokens, tokens > 0
}
