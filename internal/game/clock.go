package game

import (
	"time"

	nchess "github.com/corentings/chess/v2"

	"github.com/karwin/bookline-bot/internal/config"
)

// bookClockFloor gates opening-book lookups: a network round-trip is only
// worth it with more than this much time left, or with a real increment.
const (
	bookClockFloor     = 10 * time.Second
	bookIncrementFloor = time.Second
)

// BudgetPolicy derives a search time budget from a clock snapshot.
type BudgetPolicy func(clock ClockState, color nchess.Color) time.Duration

// BudgetFromClock returns the default budget policy: a fraction of the
// remaining time plus half the increment, clamped below the clock by a
// safety margin so the session never flags on its own search.
func BudgetFromClock(cfg config.ClockConfig) BudgetPolicy {
	divisor := cfg.BudgetDivisor
	if divisor <= 0 {
		divisor = 40
	}
	minBudget := time.Duration(cfg.MinBudgetMS) * time.Millisecond
	if minBudget <= 0 {
		minBudget = 100 * time.Millisecond
	}
	margin := time.Duration(cfg.SafetyMarginMS) * time.Millisecond
	if margin <= 0 {
		margin = 500 * time.Millisecond
	}

	return func(clock ClockState, color nchess.Color) time.Duration {
		remaining := clock.Remaining(color)
		budget := remaining/time.Duration(divisor) + clock.Increment(color)/2
		if budget < minBudget {
			budget = minBudget
		}
		if ceiling := remaining - margin; budget > ceiling {
			budget = ceiling
		}
		// Clock nearly exhausted: move as fast as the engine allows.
		if budget < 50*time.Millisecond {
			budget = 50 * time.Millisecond
		}
		return budget
	}
}

// BookAllowed reports whether the clock is comfortable enough to spend a
// network round-trip on the opening book before searching locally.
func BookAllowed(clock ClockState, color nchess.Color) bool {
	return clock.Remaining(color) > bookClockFloor || clock.Increment(color) >= bookIncrementFloor
}
