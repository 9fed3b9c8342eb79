package agent

import (
	"fmt"
	"time"
)

// StateKind names one health state of a monitored assistant session.
type StateKind string

const (
	StateStarting    StateKind = "starting"
	StateHealthy     StateKind = "healthy"
	StateIdle        StateKind = "idle"
	StateUnsubmitted StateKind = "unsubmitted"
	StateCompacting  StateKind = "compacting"
	StateRateLimited StateKind = "rate_limited"
	StateCrashed     StateKind = "crashed"
	StateError       StateKind = "error"
	StateUnknown     StateKind = "unknown"
)

// State is the classified health of one target for one cycle. Only the
// fields relevant to Kind are set: Since for idle and unsubmitted,
// ResetAt for rate_limited, Reason for crashed, error and unknown. A
// rate_limited state with a zero ResetAt carries the parse failure in
// Reason; one derived from a relative wait also sets Wait.
type State struct {
	Kind    StateKind     `json:"kind" yaml:"kind"`
	Since   time.Time     `json:"since,omitempty" yaml:"since,omitempty"`
	ResetAt time.Time     `json:"reset_at,omitempty" yaml:"reset_at,omitempty"`
	Reason  string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Wait    time.Duration `json:"wait,omitempty" yaml:"wait,omitempty"`
	// Banner is the limit text that produced a rate_limited state.
	Banner string `json:"banner,omitempty" yaml:"banner,omitempty"`
}

// Constructors for each state kind.
func Starting() State             { return State{Kind: StateStarting} }
func Healthy() State              { return State{Kind: StateHealthy} }
func Compacting() State           { return State{Kind: StateCompacting} }
func Idle(since time.Time) State  { return State{Kind: StateIdle, Since: since} }
func Crashed(reason string) State { return State{Kind: StateCrashed, Reason: reason} }
func Errored(reason string) State { return State{Kind: StateError, Reason: reason} }
func Unknown(reason string) State { return State{Kind: StateUnknown, Reason: reason} }

func RateLimited(resetAt time.Time) State {
	return State{Kind: StateRateLimited, ResetAt: resetAt}
}

func Unsubmitted(since time.Time) State {
	return State{Kind: StateUnsubmitted, Since: since}
}

// Is reports whether the state has kind k.
func (s State) Is(k StateKind) bool { return s.Kind == k }

// Degraded reports whether the state warrants a supervisor alert.
func (s State) Degraded() bool {
	switch s.Kind {
	case StateIdle, StateUnsubmitted, StateCrashed, StateError:
		return true
	}
	return false
}

// String renders a short human description.
func (s State) String() string {
	switch s.Kind {
	case StateIdle, StateUnsubmitted:
		if !s.Since.IsZero() {
			return fmt.Sprintf("%s since %s", s.Kind, s.Since.Format("15:04:05"))
		}
	case StateRateLimited:
		if !s.ResetAt.IsZero() {
			return fmt.Sprintf("%s until %s", s.Kind, s.ResetAt.Format("Jan 2 15:04"))
		}
	case StateCrashed, StateError, StateUnknown:
		if s.Reason != "" {
			return fmt.Sprintf("%s: %s", s.Kind, s.Reason)
		}
	}
	return string(s.Kind)
}
