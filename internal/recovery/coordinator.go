// Package recovery decides when a stalled or crashed assistant should be
// recovered and runs the recovery actions against its tmux window.
package recovery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// Phase is where a target sits in the recovery state machine.
type Phase string

const (
	PhaseObserving Phase = "observing"
	PhasePending   Phase = "pending"
	PhaseInFlight  Phase = "in_flight"
	PhaseEscalated Phase = "escalated"
)

// ActionKind names a recovery action.
type ActionKind string

const (
	ActionRestart ActionKind = "restart" // interrupt, relaunch, brief
	ActionSubmit  ActionKind = "submit"  // press Enter on a typed message
)

// ActionFor returns the recovery action for a state, if it has one.
func ActionFor(k agent.StateKind) (ActionKind, bool) {
	switch k {
	case agent.StateCrashed, agent.StateError:
		return ActionRestart, true
	case agent.StateUnsubmitted:
		return ActionSubmit, true
	}
	return "", false
}

var (
	ErrNotPending  = errors.New("recovery is not pending")
	ErrNotInFlight = errors.New("no recovery in flight")
)

// Policy holds the coordinator's limits.
type Policy struct {
	DebounceCycles int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		DebounceCycles: 3,
		MaxAttempts:    3,
		BackoffBase:    30 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	var errs []error
	if p.DebounceCycles < 1 {
		errs = append(errs, fmt.Errorf("debounce_cycles must be at least 1, got %d", p.DebounceCycles))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.BackoffBase <= 0 {
		errs = append(errs, errors.New("backoff base must be positive"))
	}
	if p.BackoffMax < p.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff max %v is below base %v", p.BackoffMax, p.BackoffBase))
	}
	return errors.Join(errs...)
}

// Backoff is the wait after the given attempt: base doubled per attempt,
// capped at max.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Record is the recovery state of one target.
type Record struct {
	Target          tmux.Target `json:"target"`
	Phase           Phase       `json:"phase"`
	Action          ActionKind  `json:"action,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	LastAttemptAt   time.Time   `json:"last_attempt_at,omitzero"`
	CooldownUntil   time.Time   `json:"cooldown_until,omitzero"`
	UnhealthyCycles int         `json:"unhealthy_cycles"`
	Escalated       bool        `json:"escalated"`
	LastError       string      `json:"last_error,omitempty"`
}

// Decision is what Observe asks the caller to do.
type Decision struct {
	Target tmux.Target
	// Action is set when a recovery attempt is due.
	Action ActionKind
	// Attempt is the number the attempt will carry once begun.
	Attempt int
	// Escalated is set on the one observation that exhausted recovery.
	Escalated bool
}

// Trigger reports whether an attempt is due.
func (d Decision) Trigger() bool { return d.Action != "" }

// Outcome is the result of Complete.
type Outcome struct {
	Target    tmux.Target
	Action    ActionKind
	Attempt   int
	Err       error
	Escalated bool
	// RetryAt is when the next attempt may run; zero once escalated.
	RetryAt time.Time
}

// Succeeded reports whether the action ran without error.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Coordinator runs one recovery state machine per target. Records are
// created on first observation and kept for the life of the coordinator.
type Coordinator struct {
	mu      sync.Mutex
	policy  Policy
	records map[tmux.Target]*Record
}

// NewCoordinator creates a coordinator.
func NewCoordinator(p Policy) *Coordinator {
	return &Coordinator{
		policy:  p,
		records: make(map[tmux.Target]*Record),
	}
}

// Policy returns the active policy.
func (c *Coordinator) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetPolicy replaces the policy. Existing records keep their counters.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

func (c *Coordinator) record(t tmux.Target) *Record {
	r, ok := c.records[t]
	if !ok {
		r = &Record{Target: t, Phase: PhaseObserving}
		c.records[t] = r
	}
	return r
}

// Observe feeds one classified state and reports whether an attempt is due.
func (c *Coordinator) Observe(t tmux.Target, st agent.State, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.record(t)
	d := Decision{Target: t}

	if r.Phase == PhaseInFlight {
		return d
	}

	action, eligible := ActionFor(st.Kind)
	switch {
	case eligible:
		r.UnhealthyCycles++
		r.Action = action
	case st.Kind == agent.StateUnknown:
		// Can't tell; the streak neither grows nor breaks.
		return d
	case st.Kind == agent.StateHealthy:
		r.UnhealthyCycles = 0
		r.AttemptCount = 0
		r.CooldownUntil = time.Time{}
		r.LastError = ""
		if r.Phase != PhaseEscalated {
			r.Phase = PhaseObserving
			r.Action = ""
		}
		return d
	default:
		r.UnhealthyCycles = 0
		if r.Phase == PhasePending {
			r.Phase = PhaseObserving
		}
		return d
	}

	if r.Phase == PhaseEscalated {
		return d
	}
	if r.Phase == PhaseObserving && r.UnhealthyCycles >= c.policy.DebounceCycles {
		r.Phase = PhasePending
	}
	if r.Phase != PhasePending || now.Before(r.CooldownUntil) {
		return d
	}

	if r.AttemptCount >= c.policy.MaxAttempts {
		r.Phase = PhaseEscalated
		r.Escalated = true
		d.Escalated = true
		return d
	}
	d.Action = r.Action
	d.Attempt = r.AttemptCount + 1
	return d
}

// Begin marks an attempt as running and returns its number.
func (c *Coordinator) Begin(t tmux.Target, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[t]
	if !ok || r.Phase != PhasePending {
		return 0, fmt.Errorf("begin %s: %w", t, ErrNotPending)
	}
	r.Phase = PhaseInFlight
	r.AttemptCount++
	r.LastAttemptAt = now
	return r.AttemptCount, nil
}

// Complete records the result of the running attempt. A failure at the
// attempt limit escalates.
func (c *Coordinator) Complete(t tmux.Target, actionErr error, now time.Time) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[t]
	if !ok || r.Phase != PhaseInFlight {
		return Outcome{}, fmt.Errorf("complete %s: %w", t, ErrNotInFlight)
	}

	out := Outcome{Target: t, Action: r.Action, Attempt: r.AttemptCount, Err: actionErr}
	r.UnhealthyCycles = 0
	if actionErr == nil {
		r.Phase = PhaseObserving
		r.LastError = ""
		r.CooldownUntil = now.Add(c.policy.Backoff(r.AttemptCount))
		out.RetryAt = r.CooldownUntil
		return out, nil
	}

	r.LastError = actionErr.Error()
	if r.AttemptCount >= c.policy.MaxAttempts {
		r.Phase = PhaseEscalated
		r.Escalated = true
		r.CooldownUntil = time.Time{}
		out.Escalated = true
		return out, nil
	}
	r.Phase = PhasePending
	r.CooldownUntil = now.Add(c.policy.Backoff(r.AttemptCount))
	out.RetryAt = r.CooldownUntil
	return out, nil
}

// Reset clears escalation and counters for a target. It reports whether
// the target was escalated.
func (c *Coordinator) Reset(t tmux.Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[t]
	if !ok {
		return false
	}
	was := r.Escalated
	if r.Phase == PhaseInFlight {
		r.Escalated = false
		return was
	}
	*r = Record{Target: t, Phase: PhaseObserving}
	return was
}

// Record returns a copy of a target's record.
func (c *Coordinator) Record(t tmux.Target) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[t]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Records returns copies of every record, ordered by target.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target.Session != out[j].Target.Session {
			return out[i].Target.Session < out[j].Target.Session
		}
		return out[i].Target.Window < out[j].Target.Window
	})
	return out
}

// Clear drops every record.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[tmux.Target]*Record)
}
