// Package ratelimit implements tiered fixed-window request admission.
// Counts are tracked per (identifier, tier) pair; a window's count is reset
// when the boundary is crossed, never decremented.
package ratelimit

import (
	"sync"
	"time"
)

type Tier string

const (
	TierPublic  Tier = "public"
	TierAPIKey  Tier = "api_key"
	TierPartner Tier = "partner"
)

// ParseTier maps a wire name to a Tier, defaulting to public.
func ParseTier(s string) Tier {
	switch s {
	case string(TierAPIKey):
		return TierAPIKey
	case string(TierPartner):
		return TierPartner
	default:
		return TierPublic
	}
}

// Result carries everything a gated response needs: the ceiling, the count
// left in the window, when the window resets, and on denial how long the
// caller should wait.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter admits requests against per-tier ceilings. Mutation is scoped to
// one (identifier, tier) window at a time; no lock is held across any
// external call.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	ceilings  map[Tier]int
	windowLen time.Duration
}

// New creates a Limiter with per-tier requests-per-window ceilings.
// windowLen is typically one minute.
func New(ceilings map[Tier]int, windowLen time.Duration) *Limiter {
	if windowLen <= 0 {
		windowLen = time.Minute
	}
	return &Limiter{
		windows:   make(map[string]*window),
		ceilings:  ceilings,
		windowLen: windowLen,
	}
}

// Allow admits or denies one request for the identifier under the tier.
func (l *Limiter) Allow(identifier string, tier Tier) Result {
	limit, ok := l.ceilings[tier]
	if !ok {
		limit = l.ceilings[TierPublic]
	}

	now := time.Now()
	key := identifier + "|" + string(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.windowLen {
		w = &window{start: now}
		l.windows[key] = w
	}
	resetAt := w.start.Add(l.windowLen)

	if w.count >= limit {
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
		ResetAt:   resetAt,
	}
}

// Purge drops windows whose reset time has passed, bounding memory for
// inactive identifiers. In-flight windows are never removed.
func (l *Limiter) Purge() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.windowLen {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
