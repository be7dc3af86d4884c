package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy selects the rate-limiting algorithm.
type Strategy string

const (
	// StrategyLeakyBucket drains the level at a constant rate.
	StrategyLeakyBucket Strategy = "LEAKY_BUCKET"

	// StrategyTokenBucket refills available tokens at a constant rate.
	StrategyTokenBucket Strategy = "TOKEN_BUCKET"

	// StrategyFixedWindow counts consumption within fixed windows.
	StrategyFixedWindow Strategy = "FIXED_WINDOW"
)

// UnboundedWait is the WaitSeconds reported when the rate is zero or
// negative and the bucket can never make room.
const UnboundedWait int64 = math.MaxInt64

// ErrInvalidAmount is returned when a non-positive amount is requested.
var ErrInvalidAmount = errors.New("amount must be positive")

// ParseStrategy parses a strategy name case-insensitively.
// An empty string selects the leaky bucket.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(StrategyLeakyBucket):
		return StrategyLeakyBucket, nil
	case string(StrategyTokenBucket):
		return StrategyTokenBucket, nil
	case string(StrategyFixedWindow):
		return StrategyFixedWindow, nil
	default:
		return "", fmt.Errorf("unknown rate limit strategy: %q", s)
	}
}

// Config is the effective configuration for one bucket.
type Config struct {
	// Strategy selects the algorithm.
	Strategy Strategy

	// Capacity is the bucket size or the per-window allowance.
	Capacity int64

	// Rate is the leak rate (leaky bucket) or refill rate (token bucket)
	// in tokens per second. Ignored by the fixed window.
	Rate float64

	// WindowSeconds is the fixed window length. Values <= 0 act as 1.
	WindowSeconds int64
}

// Scale applies tier multipliers to capacity and rate. A multiplier <= 0
// leaves the base value unchanged. Scaled capacity is at least 1 and scaled
// rate is at least 0.0001.
func (c Config) Scale(capacityMultiplier, rateMultiplier float64) Config {
	scaled := c
	if capacityMultiplier > 0 {
		scaled.Capacity = int64(math.Round(float64(c.Capacity) * capacityMultiplier))
		if scaled.Capacity < 1 {
			scaled.Capacity = 1
		}
	}
	if rateMultiplier > 0 {
		scaled.Rate = math.Max(0.0001, c.Rate*rateMultiplier)
	}
	return scaled
}

// State is the persisted per-(subject, provider) bucket record.
// The zero value is a bucket that has never been touched.
type State struct {
	// Strategy records which algorithm produced Level so a strategy change
	// can reset the record instead of misreading it.
	Strategy Strategy `json:"strategy,omitempty"`

	// Level is the occupied amount (leaky bucket) or available tokens
	// (token bucket).
	Level int64 `json:"level"`

	// WindowStart is the start of the current fixed window.
	WindowStart time.Time `json:"window_start,omitempty"`

	// WindowCount is the amount consumed in the current fixed window.
	WindowCount int64 `json:"window_count"`

	// LastUpdated is the last time accrual advanced the record.
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// LastTouched returns the most recent timestamp on the record, used for
// idle-entry eviction. It is zero for an untouched state.
func (s State) LastTouched() time.Time {
	if s.LastUpdated.After(s.WindowStart) {
		return s.LastUpdated
	}
	return s.WindowStart
}

// Result is the outcome of one TryConsume call.
type Result struct {
	// Allowed reports whether the amount was consumed.
	Allowed bool `json:"allowed"`

	// Capacity is the effective capacity used for the decision.
	Capacity int64 `json:"capacity"`

	// Used is the occupied amount after the call.
	Used int64 `json:"used"`

	// Remaining is Capacity - Used.
	Remaining int64 `json:"remaining"`

	// WaitSeconds suggests how long to wait before retrying. Zero when allowed.
	WaitSeconds int64 `json:"waitSeconds"`

	// Timestamp is the decision time.
	Timestamp time.Time `json:"timestamp"`
}

func allowed(capacity, used int64, now time.Time) Result {
	return Result{
		Allowed:   true,
		Capacity:  capacity,
		Used:      used,
		Remaining: max(0, capacity-used),
		Timestamp: now,
	}
}

func denied(capacity, used, wait int64, now time.Time) Result {
	return Result{
		Allowed:     false,
		Capacity:    capacity,
		Used:        used,
		Remaining:   max(0, capacity-used),
		WaitSeconds: wait,
		Timestamp:   now,
	}
}
