package quota

import (
	"errors"
	"time"
)

var (
	// ErrRateLimited is returned when an owner sent too many requests in
	// the current window.
	ErrRateLimited = errors.New("quota: too many requests")
	// ErrDailyTokensExhausted is returned when an owner used today's token
	// allowance.
	ErrDailyTokensExhausted = errors.New("quota: daily token allowance exhausted")
)

// Config sets the limits. Zero values take the package defaults.
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
	DailyTokens       int
}

// Guard combines the request limiter and the daily token allowance.
type Guard struct {
	requests *RateLimiter
	tokens   *TokenBudget
}

// New returns a Guard for cfg.
func New(cfg Config) *Guard {
	return &Guard{
		requests: NewRateLimiter(cfg.RequestsPerWindow, cfg.Window),
		tokens:   NewTokenBudget(cfg.DailyTokens),
	}
}

// WithClock replaces the time source of both limits.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.requests.now = now
	g.tokens.now = now
	return g
}

// Admit checks the token allowance first, so an exhausted owner does not
// also burn request slots, then records the request.
func (g *Guard) Admit(ownerID string) error {
	if !g.tokens.Allow(ownerID) {
		return ErrDailyTokensExhausted
	}
	if !g.requests.Allow(ownerID) {
		return ErrRateLimited
	}
	return nil
}

// RecordTokens charges ownerID for a finished turn.
func (g *Guard) RecordTokens(ownerID string, tokens int) {
	g.tokens.RecordUsage(ownerID, tokens)
}

// Usage reports what ownerID has left.
func (g *Guard) Usage(ownerID string) (remainingRequests, usedTokens int) {
	return g.requests.Remaining(ownerID), g.tokens.Used(ownerID)
}
