package ratelimit

import (
	"math"
	"time"
)

// tryFixedWindow counts consumption inside [WindowStart, WindowStart+window).
// The window restarts at now once it has elapsed.
func tryFixedWindow(state State, capacity, windowSeconds, amount int64, now time.Time) (State, Result, error) {
	window := time.Duration(max(1, windowSeconds)) * time.Second

	if state.WindowStart.IsZero() || !now.Before(state.WindowStart.Add(window)) {
		state.WindowStart = now
		state.WindowCount = 0
	}
	state.LastUpdated = now

	used := state.WindowCount
	if used+amount <= capacity {
		state.WindowCount = used + amount
		return state, allowed(capacity, state.WindowCount, now), nil
	}

	windowEnd := state.WindowStart.Add(window)
	wait := int64(math.Ceil(windowEnd.Sub(now).Seconds()))
	return state, denied(capacity, used, max(0, wait), now), nil
}
