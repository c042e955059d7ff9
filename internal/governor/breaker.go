package governor

import (
	"time"
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Outcome is what a pass reports back to the breaker on release
type Outcome int

const (
	// OutcomeNeutral leaves the failure count untouched and frees a
	// half-open trial slot without deciding the breaker's state.
	OutcomeNeutral Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "neutral"
	}
}

// ticket binds an outcome to the breaker generation that admitted it.
// Outcomes from an older generation are ignored.
type ticket struct {
	generation uint64
	trial      bool
}

// breaker counts consecutive failures inside a rolling window. It is not
// safe for concurrent use; the owning source state serializes access.
type breaker struct {
	threshold int
	window    time.Duration
	coolDown  time.Duration

	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trialOut     bool
	generation   uint64
}

func newBreaker(threshold int, window, coolDown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &breaker{
		threshold: threshold,
		window:    window,
		coolDown:  coolDown,
	}
}

// rejecting reports, without side effects, whether allow would fail at now
func (b *breaker) rejecting(now time.Time) bool {
	switch b.state {
	case StateOpen:
		return now.Sub(b.openedAt) < b.coolDown
	case StateHalfOpen:
		return b.trialOut
	default:
		return false
	}
}

// allow admits a request or rejects it when open. After the cool-down the
// breaker moves to half-open and admits exactly one trial.
func (b *breaker) allow(now time.Time) (ticket, bool) {
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.coolDown {
			return ticket{}, false
		}
		b.state = StateHalfOpen
		b.trialOut = false
		b.generation++
		fallthrough
	case StateHalfOpen:
		if b.trialOut {
			return ticket{}, false
		}
		b.trialOut = true
		return ticket{generation: b.generation, trial: true}, true
	default:
		return ticket{generation: b.generation}, true
	}
}

// record applies the outcome of an admitted request
func (b *breaker) record(t ticket, outcome Outcome, now time.Time) {
	if t.generation != b.generation {
		return
	}

	if t.trial {
		if b.state != StateHalfOpen {
			return
		}
		switch outcome {
		case OutcomeSuccess:
			b.close()
		case OutcomeFailure:
			b.open(now)
		default:
			b.trialOut = false
		}
		return
	}

	switch outcome {
	case OutcomeSuccess:
		b.failures = 0
	case OutcomeFailure:
		if b.failures > 0 && b.window > 0 && now.Sub(b.firstFailure) > b.window {
			b.failures = 0
		}
		if b.failures == 0 {
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.threshold {
			b.open(now)
		}
	}
}

func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.trialOut = false
	b.generation++
}

func (b *breaker) close() {
	b.state = StateClosed
	b.failures = 0
	b.firstFailure = time.Time{}
	b.trialOut = false
	b.generation++
}
