package reconcile

import "time"

// Policy holds the retry and acceptance constants.
type Policy struct {
	MaxAttempts     int             `toml:"max_attempts"`
	AcceptThreshold float64         `toml:"accept_threshold"`
	WaitSchedule    []time.Duration `toml:"wait_schedule"`
	InitialDelay    time.Duration   `toml:"initial_delay"`
}

// DefaultPolicy waits a minute for the catalog writer, then retries five
// times with 10s..50s waits (150s of backoff at most).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		AcceptThreshold: 0.85,
		WaitSchedule: []time.Duration{
			10 * time.Second,
			20 * time.Second,
			30 * time.Second,
			40 * time.Second,
			50 * time.Second,
		},
		InitialDelay: 60 * time.Second,
	}
}

// Accepts reports whether score clears the threshold (inclusive).
func (p Policy) Accepts(score float64) bool {
	return score >= p.AcceptThreshold
}

// Wait returns the backoff before retry attempt (1-based). Attempts past the
// end of the schedule reuse its last entry.
func (p Policy) Wait(attempt int) time.Duration {
	if len(p.WaitSchedule) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.WaitSchedule) {
		return p.WaitSchedule[len(p.WaitSchedule)-1]
	}
	return p.WaitSchedule[attempt-1]
}

// MaxBackoff is the total wait if every retry is consumed.
func (p Policy) MaxBackoff() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxAttempts; i++ {
		total += p.Wait(i)
	}
	return total
}
