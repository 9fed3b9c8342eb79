package notify

import (
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// Category classifies an alert for throttling and routing.
type Category string

const (
	CategoryIdle        Category = "agent.idle"        // Agent waiting for input
	CategoryUnsubmitted Category = "agent.unsubmitted" // Typed message never sent
	CategoryCrashed     Category = "agent.crashed"     // Assistant process exited
	CategoryError       Category = "agent.error"       // Assistant error banner

	CategoryRecoveryAttempted Category = "recovery.attempted" // Recovery ran and failed
	CategoryRecoverySucceeded Category = "recovery.succeeded" // Recovery ran and succeeded
	CategoryEscalated         Category = "recovery.escalated" // Automatic recovery exhausted

	CategoryRateLimitStart  Category = "ratelimit.start"  // Daemon-wide pause began
	CategoryRateLimitResume Category = "ratelimit.resume" // Daemon-wide pause ended
)

// AllCategories lists every category in display order.
var AllCategories = []Category{
	CategoryIdle, CategoryUnsubmitted, CategoryCrashed, CategoryError,
	CategoryRecoveryAttempted, CategoryRecoverySucceeded, CategoryEscalated,
	CategoryRateLimitStart, CategoryRateLimitResume,
}

// OneShot reports whether the category fires once per event instead of
// being throttled by a cooldown.
func (c Category) OneShot() bool {
	switch c {
	case CategoryRateLimitStart, CategoryRateLimitResume, CategoryEscalated:
		return true
	}
	return false
}

// DefaultCooldowns returns the stock per-category cooldowns.
func DefaultCooldowns() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryIdle:              10 * time.Minute,
		CategoryUnsubmitted:       5 * time.Minute,
		CategoryCrashed:           5 * time.Minute,
		CategoryError:             5 * time.Minute,
		CategoryRecoveryAttempted: 30 * time.Second,
		CategoryRecoverySucceeded: 5 * time.Minute,
	}
}

// DefaultCooldown applies to sustained categories missing from the map.
const DefaultCooldown = 5 * time.Minute

type gateKey struct {
	target   tmux.Target
	category Category
}

// Gate decides whether an alert about a target may be sent now. Callers
// ask ShouldNotify, send, and call Record only when the send succeeded.
// A Gate is owned by the daemon loop and is not safe for concurrent use.
type Gate struct {
	cooldowns map[Category]time.Duration
	last      map[gateKey]time.Time

	// IsSupervisor reports whether a target is a notification recipient.
	// Alerts about a supervisor are never sent to it.
	IsSupervisor func(tmux.Target) bool
}

// NewGate creates a gate. A nil map uses DefaultCooldowns.
func NewGate(cooldowns map[Category]time.Duration) *Gate {
	g := &Gate{last: make(map[gateKey]time.Time)}
	g.SetCooldowns(cooldowns)
	return g
}

// SetCooldowns replaces the cooldown table. Existing last-sent times are kept.
func (g *Gate) SetCooldowns(cooldowns map[Category]time.Duration) {
	if cooldowns == nil {
		cooldowns = DefaultCooldowns()
	}
	g.cooldowns = make(map[Category]time.Duration, len(cooldowns))
	for k, v := range cooldowns {
		g.cooldowns[k] = v
	}
}

// Cooldown returns the window for a category.
func (g *Gate) Cooldown(c Category) time.Duration {
	if d, ok := g.cooldowns[c]; ok {
		return d
	}
	return DefaultCooldown
}

// ShouldNotify reports whether an alert of category c about target may
// fire at now.
func (g *Gate) ShouldNotify(target tmux.Target, c Category, now time.Time) bool {
	if g.IsSupervisor != nil && g.IsSupervisor(target) {
		return false
	}
	if c.OneShot() {
		return true
	}
	last, ok := g.last[gateKey{target, c}]
	if !ok {
		return true
	}
	return now.Sub(last) >= g.Cooldown(c)
}

// Record marks a successful send. One-shot categories are cleared
// instead of stored.
func (g *Gate) Record(target tmux.Target, c Category, now time.Time) {
	k := gateKey{target, c}
	if c.OneShot() {
		delete(g.last, k)
		return
	}
	g.last[k] = now
}

// LastSent returns when an alert was last recorded.
func (g *Gate) LastSent(target tmux.Target, c Category) (time.Time, bool) {
	t, ok := g.last[gateKey{target, c}]
	return t, ok
}
