package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(2, time.Minute)
	rl.now = clock.Now

	assert.True(t, rl.Allow("alice"))
	clock.Advance(10 * time.Second)
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.Equal(t, 0, rl.Remaining("alice"))

	// Other owners are independent.
	assert.True(t, rl.Allow("bob"))

	// The first request leaves the window after a minute.
	clock.Advance(51 * time.Second)
	assert.Equal(t, 1, rl.Remaining("alice"))
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, DefaultRateLimit, rl.limit)
	assert.Equal(t, time.Minute, rl.window)
}

func TestTokenBudget_ResetsAtMidnightUTC(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 23, 50, 0, 0, time.UTC)}
	tb := NewTokenBudget(100)
	tb.now = clock.Now

	assert.True(t, tb.Allow("alice"))
	tb.RecordUsage("alice", 60)
	assert.True(t, tb.Allow("alice"))
	tb.RecordUsage("alice", 40)
	assert.False(t, tb.Allow("alice"))
	assert.Equal(t, 100, tb.Used("alice"))

	clock.Advance(10 * time.Minute)
	assert.True(t, tb.Allow("alice"))
	assert.Equal(t, 0, tb.Used("alice"))
}

func TestTokenBudget_IgnoresNonPositive(t *testing.T) {
	tb := NewTokenBudget(10)
	tb.RecordUsage("alice", -5)
	tb.RecordUsage("alice", 0)
	assert.Equal(t, 0, tb.Used("alice"))
	assert.Equal(t, DefaultDailyTokens, NewTokenBudget(0).Budget())
}

func TestGuard_Admit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	g := New(Config{RequestsPerWindow: 1, Window: time.Minute, DailyTokens: 50}).WithClock(clock.Now)

	assert.NoError(t, g.Admit("alice"))
	assert.ErrorIs(t, g.Admit("alice"), ErrRateLimited)

	g.RecordTokens("alice", 50)
	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, g.Admit("alice"), ErrDailyTokensExhausted)

	remaining, used := g.Usage("alice")
	assert.Equal(t, 1, remaining, "an exhausted owner does not consume request slots")
	assert.Equal(t, 50, used)
}
