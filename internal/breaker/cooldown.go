package breaker

import (
	"sync"
	"time"
)

// Cooldown is the process-wide "all instances degraded" gate. It is armed
// when a fallback response is synthesized and consulted before any breaker:
// while active, calls are rejected without touching the network. It is
// shared across all service clients and independent of any single breaker.
type Cooldown struct {
	mu    sync.Mutex
	until time.Time

	now func() time.Time
}

// NewCooldown creates an unarmed Cooldown.
func NewCooldown() *Cooldown {
	return &Cooldown{now: time.Now}
}

// Arm sets the cooldown to expire after d. A later expiry always wins so
// concurrent arming never shortens the window.
func (c *Cooldown) Arm(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	if until.After(c.until) {
		c.until = until
	}
}

// Active reports whether the cooldown is in effect, and until when.
func (c *Cooldown) Active() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.until) {
		return c.until, true
	}
	return time.Time{}, false
}
