package quota

import (
	"sync"
	"time"
)

// DefaultDailyTokens is the per-owner daily allowance when none is
// configured.
const DefaultDailyTokens = 200_000

// TokenBudget tracks estimated prompt and reply tokens per owner per UTC
// day. Safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	now    func() time.Time
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time
}

// NewTokenBudget allows dailyBudget tokens per owner per UTC day.
// A non-positive value falls back to DefaultDailyTokens.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultDailyTokens
	}
	return &TokenBudget{
		budget: dailyBudget,
		now:    time.Now,
		usage:  make(map[string]*dailyUsage),
	}
}

// Budget returns the configured daily limit.
func (tb *TokenBudget) Budget() int { return tb.budget }

// Allow reports whether ownerID still has allowance today. It consumes
// nothing.
func (tb *TokenBudget) Allow(ownerID string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	u := tb.current(ownerID)
	return u == nil || u.tokens < tb.budget
}

// RecordUsage adds tokens to ownerID's total for today.
func (tb *TokenBudget) RecordUsage(ownerID string, tokens int) {
	if tokens <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	u := tb.current(ownerID)
	if u == nil {
		u = &dailyUsage{resetAt: nextMidnightUTC(tb.now())}
		tb.usage[ownerID] = u
	}
	u.tokens += tokens
}

// Used returns ownerID's total for today.
func (tb *TokenBudget) Used(ownerID string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if u := tb.current(ownerID); u != nil {
		return u.tokens
	}
	return 0
}

// current returns today's counter, dropping it when the day rolled over.
// Must be called with tb.mu held.
func (tb *TokenBudget) current(ownerID string) *dailyUsage {
	u := tb.usage[ownerID]
	if u != nil && !tb.now().UTC().Before(u.resetAt) {
		delete(tb.usage, ownerID)
		return nil
	}
	return u
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
