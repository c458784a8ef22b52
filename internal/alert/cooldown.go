package alert

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCooldown is how long a fired alert suppresses re-emission of the
// same (budget, type, marker) combination.
const DefaultCooldown = 15 * time.Minute

// Cooldowns is the ledger of recently fired alerts. Keys combine budget
// id, alert type and the threshold or action that fired, so a 95% warning
// and a limit action on the same budget gate independently.
type Cooldowns struct {
	mu      sync.Mutex
	ttl     time.Duration
	fired   map[string]time.Time
	nowFunc func() time.Time
}

// CooldownOption configures a Cooldowns ledger.
type CooldownOption func(*Cooldowns)

// WithCooldownNow overrides the clock.
func WithCooldownNow(now func() time.Time) CooldownOption {
	return func(c *Cooldowns) { c.nowFunc = now }
}

// NewCooldowns builds a ledger with the given TTL. Non-positive TTLs fall
// back to DefaultCooldown.
func NewCooldowns(ttl time.Duration, opts ...CooldownOption) *Cooldowns {
	if ttl <= 0 {
		ttl = DefaultCooldown
	}
	c := &Cooldowns{
		ttl:     ttl,
		fired:   make(map[string]time.Time),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAcquire records a firing and reports whether the caller may emit. It
// returns false while the key is still cooling down.
func (c *Cooldowns) TryAcquire(key string) bool {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.fired[key]; ok && now.Sub(last) < c.ttl {
		return false
	}
	c.fired[key] = now
	return true
}

// Purge drops entries whose cooldown has lapsed and returns how many were
// removed. Maintenance sweeps call it so the ledger does not grow with
// every budget a team has ever alerted on.
func (c *Cooldowns) Purge() int {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, last := range c.fired {
		if now.Sub(last) >= c.ttl {
			delete(c.fired, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys are currently tracked.
func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fired)
}

func cooldownKey(budgetID, alertType, marker string) string {
	return fmt.Sprintf("%s|%s|%s", budgetID, alertType, marker)
}
