package tmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Target identifies one monitored session window.
type Target struct {
	Session string `json:"session" yaml:"session"`
	Window  int    `json:"window" yaml:"window"`
}

// String renders the target in tmux "session:window" form.
func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Session, t.Window)
}

// IsZero reports whether t is the zero target.
func (t Target) IsZero() bool {
	return t.Session == "" && t.Window == 0
}

// MarshalText implements encoding.TextMarshaler so targets can key JSON maps.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(b []byte) error {
	parsed, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ValidationError reports a malformed target string.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Input, e.Reason)
}

// ParseTarget parses "session:window". A pane suffix ("session:1.0") is
// accepted and dropped since monitoring works per window.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, &ValidationError{Input: s, Reason: "empty"}
	}
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		return Target{}, &ValidationError{Input: s, Reason: "expected session:window"}
	}
	session, win := s[:idx], s[idx+1:]
	if err := ValidateSessionName(session); err != nil {
		return Target{}, &ValidationError{Input: s, Reason: err.Error()}
	}
	if dot := strings.Index(win, "."); dot >= 0 {
		win = win[:dot]
	}
	n, err := strconv.Atoi(win)
	if err != nil || n < 0 {
		return Target{}, &ValidationError{Input: s, Reason: "window must be a non-negative integer"}
	}
	return Target{Session: session, Window: n}, nil
}

// MustParseTarget is ParseTarget for literals in tests and defaults.
func MustParseTarget(s string) Target {
	t, err := ParseTarget(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ValidateSessionName checks if a session name is usable in a target.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.ContainsAny(name, ":.") {
		return fmt.Errorf("session name cannot contain ':' or '.'")
	}
	return nil
}
