package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// CategoryFor maps a degraded state to its alert category.
func CategoryFor(k agent.StateKind) (Category, bool) {
	switch k {
	case agent.StateIdle:
		return CategoryIdle, true
	case agent.StateUnsubmitted:
		return CategoryUnsubmitted, true
	case agent.StateCrashed:
		return CategoryCrashed, true
	case agent.StateError:
		return CategoryError, true
	}
	return "", false
}

// NewDegradedEvent describes a target in a degraded state.
func NewDegradedEvent(subject tmux.Target, name string, st agent.State, now time.Time) (Event, bool) {
	cat, ok := CategoryFor(st.Kind)
	if !ok {
		return Event{}, false
	}

	var msg string
	switch st.Kind {
	case agent.StateIdle:
		msg = fmt.Sprintf("idle for %s, check whether it needs new work", roundDur(now.Sub(st.Since)))
	case agent.StateUnsubmitted:
		msg = fmt.Sprintf("message typed but not submitted for %s", roundDur(now.Sub(st.Since)))
	case agent.StateCrashed:
		msg = "assistant is not running: " + st.Reason
	case agent.StateError:
		msg = "assistant reported an error: " + st.Reason
	}
	return Event{
		Category: cat,
		Subject:  subject,
		Name:     name,
		Message:  msg,
		Details:  map[string]string{"state": string(st.Kind)},
	}, true
}

// NewRecoveryEvent reports the outcome of one recovery attempt.
func NewRecoveryEvent(subject tmux.Target, name, action string, attempt, maxAttempts int, err error) Event {
	ev := Event{
		Subject: subject,
		Name:    name,
		Details: map[string]string{
			"action":       action,
			"attempt":      strconv.Itoa(attempt),
			"max_attempts": strconv.Itoa(maxAttempts),
		},
	}
	if err != nil {
		ev.Category = CategoryRecoveryAttempted
		ev.Message = fmt.Sprintf("recovery attempt %d/%d (%s) failed: %v", attempt, maxAttempts, action, err)
		ev.Details["error"] = err.Error()
	} else {
		ev.Category = CategoryRecoverySucceeded
		ev.Message = fmt.Sprintf("recovery attempt %d/%d (%s) succeeded", attempt, maxAttempts, action)
	}
	return ev
}

// NewEscalatedEvent reports that automatic recovery gave up on a target.
func NewEscalatedEvent(subject tmux.Target, name string, attempts int) Event {
	return Event{
		Category: CategoryEscalated,
		Subject:  subject,
		Name:     name,
		Message: fmt.Sprintf("automatic recovery gave up after %d attempts; needs a human (clear with: tmux-orc monitor reset %s)",
			attempts, subject),
		Details: map[string]string{"attempts": strconv.Itoa(attempts)},
	}
}

// NewRateLimitStartEvent announces a daemon-wide pause. The event has no
// subject; the window that showed the banner is named in Details.
func NewRateLimitStartEvent(w ratelimit.Window) Event {
	reset := "unknown (default pause)"
	if !w.ResetAt.IsZero() {
		reset = w.ResetAt.Format("Jan 2 15:04 MST")
	}
	return Event{
		Category: CategoryRateLimitStart,
		Message: fmt.Sprintf("rate limit hit (seen in %s), resets %s; monitoring paused for %s",
			w.Target, reset, roundDur(w.SleepFor)),
		Details: map[string]string{
			"seen_in":   w.Target,
			"reset_at":  reset,
			"sleep_for": w.SleepFor.String(),
		},
	}
}

// NewRateLimitResumeEvent announces the end of a pause.
func NewRateLimitResumeEvent(w ratelimit.Window) Event {
	return Event{
		Category: CategoryRateLimitResume,
		Message:  fmt.Sprintf("rate limit window over after %s; monitoring resumed", roundDur(w.EndedAt.Sub(w.DetectedAt))),
		Details:  map[string]string{"seen_in": w.Target},
	}
}

func roundDur(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}
