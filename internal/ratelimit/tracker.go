package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// maxHistory bounds the number of completed windows kept in memory.
const maxHistory = 100

// ErrWindowActive is returned by Begin while another window is open.
var ErrWindowActive = errors.New("rate limit window already active")

// Window is one daemon-wide rate-limit pause.
type Window struct {
	DetectedAt time.Time     `json:"detected_at"`
	ResetAt    time.Time     `json:"reset_at"`
	SleepFor   time.Duration `json:"sleep_for"`
	Target     string        `json:"target,omitempty"`
	// Defaulted is true when the reset time could not be parsed and the
	// default sleep was used instead.
	Defaulted bool `json:"defaulted,omitempty"`
	// Wait is set when the banner gave a relative wait instead of a time.
	Wait    time.Duration `json:"wait,omitempty"`
	EndedAt time.Time     `json:"ended_at,omitempty"`
	// Interrupted is set when the pause ended early (shutdown).
	Interrupted bool `json:"interrupted,omitempty"`
}

// WakeAt is when the pause is scheduled to end.
func (w Window) WakeAt() time.Time {
	return w.DetectedAt.Add(w.SleepFor)
}

// Tracker records the active window and a bounded history of past ones.
// It is safe for concurrent use; the daemon loop writes, status readers read.
type Tracker struct {
	mu      sync.RWMutex
	active  *Window
	history []Window
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin opens a window.
func (t *Tracker) Begin(w Window) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return ErrWindowActive
	}
	t.active = &w
	return nil
}

// End closes the active window at now and moves it to history.
func (t *Tracker) End(now time.Time, interrupted bool) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Window{}, false
	}
	w := *t.active
	w.EndedAt = now
	w.Interrupted = interrupted
	t.active = nil

	t.history = append(t.history, w)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	return w, true
}

// Active returns the open window, if any.
func (t *Tracker) Active() (Window, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.active == nil {
		return Window{}, false
	}
	return *t.active, true
}

// Last returns the most recently completed window.
func (t *Tracker) Last() (Window, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.history) == 0 {
		return Window{}, false
	}
	return t.history[len(t.history)-1], true
}

// History returns up to limit completed windows, newest last. A limit
// of zero or less returns all of them.
func (t *Tracker) History(limit int) []Window {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if limit > 0 && len(t.history) > limit {
		start = len(t.history) - limit
	}
	out := make([]Window, len(t.history)-start)
	copy(out, t.history[start:])
	return out
}

// IsStale reports whether a limit with resetAt, seen at now, is most
// likely the banner of the window that just ended still sitting in the
// pane. That is the case within grace of the last window's end when
// resetAt lands exactly one day after the last reset (the rollover of an
// already passed time), when a relative banner still reads the same wait,
// or when both banners were unparsable.
func (t *Tracker) IsStale(resetAt, now time.Time, grace time.Duration) bool {
	last, ok := t.Last()
	if !ok || last.Interrupted {
		return false
	}
	if now.Sub(last.EndedAt) > grace {
		return false
	}
	if resetAt.IsZero() {
		return last.Defaulted
	}
	if last.Wait > 0 {
		return resetAt.Sub(now) == last.Wait
	}
	if last.ResetAt.IsZero() {
		return false
	}
	return resetAt.Equal(last.ResetAt.AddDate(0, 0, 1)) || resetAt.Equal(last.ResetAt)
}
