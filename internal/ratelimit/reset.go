// Package ratelimit parses reset times out of assistant rate-limit banners,
// computes how long the daemon should pause, and tracks limit windows.
package ratelimit

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSafetyBuffer is added on top of the remaining time so the
	// daemon never wakes exactly at the boundary.
	DefaultSafetyBuffer = 120 * time.Second

	// DefaultSleep is used when a reset clause cannot be parsed.
	DefaultSleep = time.Hour
)

// ErrNoResetTime means the text carries no reset clause at all.
var ErrNoResetTime = errors.New("no reset time in text")

// ParseError reports a reset clause whose time expression is unrecognized.
type ParseError struct {
	Clause string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized reset time %q: %s", e.Clause, e.Reason)
}

// TimeOfDay is a wall-clock time with an optional location. A nil
// Location means "the caller's local zone".
type TimeOfDay struct {
	Hour     int
	Minute   int
	Location *time.Location
}

func (t TimeOfDay) String() string {
	s := fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
	if t.Location != nil {
		s += " " + t.Location.String()
	}
	return s
}

var (
	resetClausePattern = regexp.MustCompile(`(?i)\b(?:resets?|available\s+again|try\s+again)\s+(?:at\s+|after\s+)?([^\n]*)`)
	clockPattern       = regexp.MustCompile(`(?i)^(\d{1,2})(?:[:.](\d{2}))?(?:\s*([ap])\.?\s*m\b\.?)?`)
	zonePattern        = regexp.MustCompile(`\(([A-Za-z][A-Za-z0-9_+\-]*(?:/[A-Za-z0-9_+\-]+)*)\)`)
	relativeLead       = regexp.MustCompile(`(?i)^in\s+\d`)
)

// ExtractResetTime finds the first reset clause ("resets 2am",
// "reset at 14:30", "available again at 3:15 PM (Europe/London)") and
// returns its time of day. It returns ErrNoResetTime when there is no
// clause and a *ParseError when the clause's time is not recognized.
// Relative clauses ("try again in 5 minutes") are left to ExtractWait.
func ExtractResetTime(text string) (TimeOfDay, error) {
	var firstBad string
	for _, m := range resetClausePattern.FindAllStringSubmatch(text, -1) {
		clause := strings.TrimSpace(m[1])
		if relativeLead.MatchString(clause) {
			continue
		}
		tod, err := parseClock(clause)
		if err == nil {
			return tod, nil
		}
		if firstBad == "" {
			firstBad = clause
		}
	}
	if firstBad != "" {
		return TimeOfDay{}, &ParseError{Clause: firstBad, Reason: "no clock time"}
	}
	return TimeOfDay{}, ErrNoResetTime
}

func parseClock(clause string) (TimeOfDay, error) {
	m := clockPattern.FindStringSubmatch(clause)
	if m == nil {
		return TimeOfDay{}, &ParseError{Clause: clause, Reason: "no clock time"}
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	meridiem := strings.ToLower(m[3])
	if meridiem == "" && m[2] == "" {
		// A bare number ("resets 5") is ambiguous.
		return TimeOfDay{}, &ParseError{Clause: clause, Reason: "bare number"}
	}

	switch meridiem {
	case "a", "p":
		if hour < 1 || hour > 12 {
			return TimeOfDay{}, &ParseError{Clause: clause, Reason: "hour out of range"}
		}
		hour %= 12
		if meridiem == "p" {
			hour += 12
		}
	default:
		if hour > 23 {
			return TimeOfDay{}, &ParseError{Clause: clause, Reason: "hour out of range"}
		}
	}
	if minute > 59 {
		return TimeOfDay{}, &ParseError{Clause: clause, Reason: "minute out of range"}
	}

	tod := TimeOfDay{Hour: hour, Minute: minute}
	if z := zonePattern.FindStringSubmatch(clause); z != nil {
		if loc, err := time.LoadLocation(z[1]); err == nil {
			tod.Location = loc
		}
	}
	return tod, nil
}

type waitPattern struct {
	re         *regexp.Regexp
	multiplier time.Duration
}

var waitTimePatterns = []waitPattern{
	{regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`), time.Second},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry|resets?|available\s+again)\s+in\s+(\d+)\s*(?:h|hr|hrs|hours?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry|resets?|available\s+again)\s+in\s+(\d+)\s*(?:m|min|mins|minutes?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry|resets?|available\s+again)\s+in\s+(\d+)\s*(?:s|sec|secs|seconds?)\b`), time.Second},
}

var trailingMinutes = regexp.MustCompile(`(?i)^\s*(?:and\s+)?(\d+)\s*(?:m|min|mins|minutes?)\b`)

// ExtractWait finds a relative wait ("try again in 30 seconds",
// "resets in 2 hours 15 minutes"). It reports false when none is present.
func ExtractWait(text string) (time.Duration, bool) {
	for _, p := range waitTimePatterns {
		loc := p.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || n <= 0 {
			continue
		}
		d := time.Duration(n) * p.multiplier
		if p.multiplier == time.Hour {
			if m := trailingMinutes.FindStringSubmatch(text[loc[1]:]); m != nil {
				mins, _ := strconv.Atoi(m[1])
				d += time.Duration(mins) * time.Minute
			}
		}
		return d, true
	}
	return 0, false
}

// NextReset returns the next instant at tod strictly after now. When
// today's occurrence is not after now, the next calendar day is used.
func NextReset(tod TimeOfDay, now time.Time) time.Time {
	loc := tod.Location
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, tod.Hour, tod.Minute, 0, 0, loc)
	}
	return candidate
}

// SleepUntil returns the time left until resetAt plus buffer. A reset in
// the past contributes nothing beyond the buffer.
func SleepUntil(resetAt, now time.Time, buffer time.Duration) time.Duration {
	remaining := resetAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + buffer
}

// ComputeSleepDuration is the pause for a reset at tod observed at now,
// with midnight rollover and the safety buffer applied.
func ComputeSleepDuration(tod TimeOfDay, now time.Time, buffer time.Duration) time.Duration {
	return SleepUntil(NextReset(tod, now), now, buffer)
}
