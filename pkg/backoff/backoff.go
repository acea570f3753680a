// Package backoff provides backoff curves for retry loops.
package backoff

import (
	"math"
	"time"
)

// Func returns how long to wait after the given 0-indexed failed attempt.
type Func func(attempt int) time.Duration

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates capped exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// OffsetExponential returns base + unit*2^attempt, uncapped.
// With base and unit of one second, attempts 0,1,2,3 wait 2s, 3s, 5s, 9s.
func OffsetExponential(base, unit time.Duration) Func {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return base + time.Duration(float64(unit)*math.Pow(2.0, float64(attempt)))
	}
}

// SubmitDefault is the submission backoff: 1s + 2^attempt seconds.
var SubmitDefault = OffsetExponential(time.Second, time.Second)
