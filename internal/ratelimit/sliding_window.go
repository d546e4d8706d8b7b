package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Class groups operations that share an admission budget.
type Class string

const (
	ClassDefault Class = "default"
	ClassAuth    Class = "auth"
	ClassAPI     Class = "api"
)

// Rule is the admission budget for one operation class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the stock per-class budgets.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassDefault: {Limit: 100, Window: time.Minute},
		ClassAuth:    {Limit: 5, Window: time.Minute},
		ClassAPI:     {Limit: 1000, Window: time.Hour},
	}
}

// SlidingWindowLimiter admits calls per (caller key, operation class) within a
// sliding time window. State is process-local and not persisted: it throttles
// but never authorizes, so losing it on restart is acceptable. In a deployment
// of N processes the effective limit is N times the nominal one.
type SlidingWindowLimiter struct {
	mu    sync.Mutex
	rules map[Class]Rule
	hits  map[string][]time.Time
	now   func() time.Time
}

// NewSlidingWindowLimiter builds a limiter from per-class rules. Classes
// missing from rules fall back to the defaults.
func NewSlidingWindowLimiter(rules map[Class]Rule) (*SlidingWindowLimiter, error) {
	merged := DefaultRules()
	for class, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, errors.New("rate limiter requires positive limit and window")
		}
		merged[class] = rule
	}
	return &SlidingWindowLimiter{
		rules: merged,
		hits:  make(map[string][]time.Time),
		now:   time.Now,
	}, nil
}

// Allow admits or rejects one call for key under class. When rejected it
// returns the duration after which a retry could succeed. Timestamps older
// than the window are swept lazily on each call; occupancy is bounded by the
// limit itself, so the sweep stays cheap.
func (l *SlidingWindowLimiter) Allow(key string, class Class) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	rule, ok := l.rules[class]
	if !ok {
		rule = l.rules[ClassDefault]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rule.Window)
	bucket := string(class) + "|" + key

	kept := l.hits[bucket][:0]
	for _, ts := range l.hits[bucket] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.hits[bucket] = kept

	if len(kept) >= rule.Limit {
		// Oldest admitted call leaving the window frees one slot.
		retryAfter := kept[0].Add(rule.Window).Sub(now)
		return false, retryAfter
	}
	l.hits[bucket] = append(kept, now)
	return true, 0
}

// SetClock overrides the time source. Test hook.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
