// Package ratelimit tracks per-identity request budgets over fixed windows.
// It throttles inbound API clients; provider-side throttling lives in the
// provider client and is a separate concern.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type window struct {
	start time.Time
	count int
}

// Tracker counts requests per (identity, scope) over fixed windows.
// The increment-and-compare is a single atomic step under one mutex:
// no lost updates, no double-admission past the limit.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window
	log     zerolog.Logger
}

// New creates an empty tracker.
func New(log zerolog.Logger) *Tracker {
	return &Tracker{
		windows: make(map[string]*window),
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

func budgetKey(identity, scope string) string {
	return fmt.Sprintf("%s|%s", scope, identity)
}

// Budget names one fixed-window allowance checked during admission.
// Non-positive limits or windows mean the budget is unbounded.
type Budget struct {
	Identity string
	Scope    string
	Limit    int
	Window   time.Duration
}

// TryConsume attempts to consume one unit of budget for (identity, scope).
// When denied, retryAfter is the time until the window resets. Distinct
// scopes are tracked independently; the window rolls over atomically.
func (t *Tracker) TryConsume(identity, scope string, limit int, windowDur time.Duration) (allowed bool, retryAfter time.Duration) {
	return t.TryConsumeAll([]Budget{{Identity: identity, Scope: scope, Limit: limit, Window: windowDur}})
}

// TryConsumeAll consumes one unit from every budget, or from none of them.
// Every budget is checked before any is incremented, so a request denied by
// one budget leaves all the others untouched. When denied, retryAfter
// belongs to the budget that refused.
func (t *Tracker) TryConsumeAll(budgets []Budget) (allowed bool, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	wins := make([]*window, len(budgets))
	for i, b := range budgets {
		if b.Limit <= 0 || b.Window <= 0 {
			continue
		}
		key := budgetKey(b.Identity, b.Scope)

		// Rolling an expired window over is not consumption; it happens
		// even when a later budget ends up denying the request.
		w := t.windows[key]
		if w == nil || now.Sub(w.start) >= b.Window {
			w = &window{start: now}
			t.windows[key] = w
		}

		if w.count >= b.Limit {
			retryAfter = w.start.Add(b.Window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			t.log.Debug().
				Str("identity", b.Identity).
				Str("scope", b.Scope).
				Int("limit", b.Limit).
				Dur("retry_after", retryAfter).
				Msg("Rate budget exhausted")
			return false, retryAfter
		}
		wins[i] = w
	}

	for _, w := range wins {
		if w != nil {
			w.count++
		}
	}
	return true, 0
}

// Remaining reports the unused budget in the current window without
// consuming any. Used by monitoring endpoints.
func (t *Tracker) Remaining(identity, scope string, limit int, windowDur time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[budgetKey(identity, scope)]
	if w == nil || time.Since(w.start) >= windowDur {
		return limit
	}
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears the budget for (identity, scope). Administrative hook.
func (t *Tracker) Reset(identity, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, budgetKey(identity, scope))
	t.log.Info().Str("identity", identity).Str("scope", scope).Msg("Rate budget reset")
}

// Sweep removes windows idle for longer than maxIdle and returns the count
// removed. Called by the periodic maintenance job; windows are otherwise
// never explicitly destroyed.
func (t *Tracker) Sweep(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range t.windows {
		if now.Sub(w.start) >= maxIdle {
			delete(t.windows, key)
			removed++
		}
	}
	return removed
}
