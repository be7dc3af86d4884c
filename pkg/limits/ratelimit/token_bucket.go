package ratelimit

import "time"

// tryTokenBucket treats Level as available tokens. A fresh bucket starts
// full and refills at rate tokens per second up to capacity.
func tryTokenBucket(state State, capacity int64, rate float64, amount int64, now time.Time) (State, Result, error) {
	state = refill(state, capacity, rate, now)

	available := state.Level
	if amount <= available {
		state.Level = available - amount
		return state, allowed(capacity, capacity-state.Level, now), nil
	}

	deficit := amount - available
	return state, denied(capacity, capacity-available, estimateWaitSeconds(deficit, rate), now), nil
}

// refill adds whole tokens accrued since LastUpdated, capped at capacity.
func refill(state State, capacity int64, rate float64, now time.Time) State {
	if state.LastUpdated.IsZero() {
		state.Level = capacity
		state.LastUpdated = now
		return state
	}

	tokens, advance := accrued(state.LastUpdated, rate, now)
	if !advance {
		return state
	}
	state.Level = min(capacity, state.Level+tokens)
	state.LastUpdated = now
	return state
}
