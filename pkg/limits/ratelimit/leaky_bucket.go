package ratelimit

import "time"

// tryLeakyBucket treats Level as occupied space. The level drains at rate
// tokens per second; a request fits if amount <= capacity - level.
func tryLeakyBucket(state State, capacity int64, rate float64, amount int64, now time.Time) (State, Result, error) {
	state = leak(state, rate, now)

	available := capacity - state.Level
	if amount <= available {
		state.Level += amount
		return state, allowed(capacity, state.Level, now), nil
	}

	overflow := amount - available
	return state, denied(capacity, state.Level, estimateWaitSeconds(overflow, rate), now), nil
}

// leak drains whole tokens accrued since LastUpdated.
func leak(state State, rate float64, now time.Time) State {
	if state.LastUpdated.IsZero() {
		state.LastUpdated = now
		return state
	}

	tokens, advance := accrued(state.LastUpdated, rate, now)
	if !advance {
		return state
	}
	state.Level = max(0, state.Level-tokens)
	state.LastUpdated = now
	return state
}
