package agent

import (
	"regexp"
	"strings"
)

// stripANSICodes removes ANSI escape sequences from text.
// Matches CSI sequences (with private mode ?) and OSC sequences (title setting etc)
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\a\x1b]*(\a|\x1b\\)`)

func stripANSICodes(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// normalize strips escapes, trims trailing whitespace on each line and
// drops trailing blank lines. Panes are padded to the window height with
// empty rows, which would otherwise dominate tail windows.
func normalize(text string) []string {
	text = strings.ReplaceAll(stripANSICodes(text), "\r", "")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\u00a0")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}

// lastN returns the last n lines.
func lastN(lines []string, n int) []string {
	if n <= 0 || len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// lastNonEmpty returns the last line with visible content.
func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// containsAny returns the first pattern contained in any line, compared
// case-insensitively. Patterns are expected lower-cased.
func containsAny(lines []string, lowered []string) (string, bool) {
	for _, l := range lines {
		ll := strings.ToLower(l)
		for _, p := range lowered {
			if p != "" && strings.Contains(ll, p) {
				return p, true
			}
		}
	}
	return "", false
}

// limitBanner joins every line holding a limit phrase. A second banner
// printed below an old one changes the result.
func limitBanner(lines []string, lowered []string) string {
	var out []string
	for _, l := range lines {
		if _, ok := containsAny([]string{l}, lowered); ok {
			out = append(out, strings.TrimSpace(l))
		}
	}
	return strings.Join(out, "\n")
}

// matchLine returns the first line matched by any pattern.
func matchLine(lines []string, patterns []*regexp.Regexp) (string, bool) {
	for _, l := range lines {
		for _, p := range patterns {
			if p.MatchString(l) {
				return strings.TrimSpace(l), true
			}
		}
	}
	return "", false
}
