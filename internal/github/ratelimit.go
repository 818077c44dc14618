package github

import (
	"sync"
	"time"
)

// DefaultRateLimitReserve is the number of requests kept in reserve per
// credential. A credential at or below it is treated as exhausted until its
// window resets.
const DefaultRateLimitReserve = 1250

// RateLimit is one observation of a credential's request budget.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// IsZero reports whether no observation has been recorded.
func (r RateLimit) IsZero() bool {
	return r.Limit == 0 && r.Remaining == 0 && r.ResetAt.IsZero()
}

// IsExhausted reports whether the budget is at or under floor and the window
// has not reset yet.
func (r RateLimit) IsExhausted(floor int, now time.Time) bool {
	if r.IsZero() {
		return false
	}
	return r.Remaining <= floor && now.Before(r.ResetAt)
}

// MergeRateLimits combines two observations. The later window wins; within the
// same window the smaller limit and remaining count are kept.
func MergeRateLimits(a, b RateLimit) RateLimit {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.ResetAt.After(b.ResetAt):
		return a
	case b.ResetAt.After(a.ResetAt):
		return b
	}
	return RateLimit{
		Limit:     min(a.Limit, b.Limit),
		Remaining: min(a.Remaining, b.Remaining),
		ResetAt:   a.ResetAt,
	}
}

// RateLimitTracker holds the merged budget for a single credential. It is
// shared by every request made with that credential.
type RateLimitTracker struct {
	mu      sync.Mutex
	current RateLimit
}

// NewRateLimitTracker seeds a tracker, typically from a persisted observation.
func NewRateLimitTracker(seed RateLimit) *RateLimitTracker {
	return &RateLimitTracker{current: seed}
}

// Observe merges an observation and returns the merged value.
func (t *RateLimitTracker) Observe(observed RateLimit) RateLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = MergeRateLimits(t.current, observed)
	return t.current
}

// Snapshot returns the current merged value.
func (t *RateLimitTracker) Snapshot() RateLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
