package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Vocabulary is the pattern data the classifier matches against. It is
// configuration, not logic: every list can be replaced from config.toml.
type Vocabulary struct {
	// ShellPrompts are regexes for a bare shell prompt on the last line.
	ShellPrompts []string `toml:"shell_prompts" json:"shell_prompts" yaml:"shell_prompts"`
	// AssistantMarkers are substrings that only appear while the
	// assistant's interface is drawn.
	AssistantMarkers []string `toml:"assistant_markers" json:"assistant_markers" yaml:"assistant_markers"`
	// CrashPatterns are regexes for process death messages.
	CrashPatterns []string `toml:"crash_patterns" json:"crash_patterns" yaml:"crash_patterns"`
	// ErrorPatterns are regexes for assistant-level error banners.
	ErrorPatterns []string `toml:"error_patterns" json:"error_patterns" yaml:"error_patterns"`
	// RateLimitPhrases are case-insensitive substrings.
	RateLimitPhrases []string `toml:"rate_limit_phrases" json:"rate_limit_phrases" yaml:"rate_limit_phrases"`
	// BusyGlyphs lead a spinner line ("✻ Compacting conversation…").
	BusyGlyphs []string `toml:"busy_glyphs" json:"busy_glyphs" yaml:"busy_glyphs"`
	// ProcessingWords are gerunds shown with an ellipsis while busy.
	ProcessingWords []string `toml:"processing_words" json:"processing_words" yaml:"processing_words"`
	// BusyPhrases are case-insensitive substrings shown only while busy.
	BusyPhrases []string `toml:"busy_phrases" json:"busy_phrases" yaml:"busy_phrases"`
	// StartupMarkers are case-insensitive substrings of a launch screen.
	StartupMarkers []string `toml:"startup_markers" json:"startup_markers" yaml:"startup_markers"`
	// InputBox is a regex whose first group captures the typed text.
	InputBox string `toml:"input_box" json:"input_box" yaml:"input_box"`
	// InputPlaceholders are prefixes of hint text drawn in an empty box.
	InputPlaceholders []string `toml:"input_placeholders" json:"input_placeholders" yaml:"input_placeholders"`
}

// Thresholds are the numeric knobs of the classifier.
type Thresholds struct {
	// IdleCycles is how many consecutive unchanged cycles make a target idle.
	IdleCycles int `toml:"idle_cycles" json:"idle_cycles" yaml:"idle_cycles"`
	// UnsubmittedCycles is how long typed text must sit unchanged.
	UnsubmittedCycles int `toml:"unsubmitted_cycles" json:"unsubmitted_cycles" yaml:"unsubmitted_cycles"`
	// ChangeDistance is the largest edit distance still counted as unchanged.
	ChangeDistance int `toml:"change_distance" json:"change_distance" yaml:"change_distance"`
	// CompareLines bounds the tail used for change distance.
	CompareLines int `toml:"compare_lines" json:"compare_lines" yaml:"compare_lines"`
	// TailLines bounds the tail searched for errors, limits and busy markers.
	TailLines int `toml:"tail_lines" json:"tail_lines" yaml:"tail_lines"`
	// PromptLines is the window checked for assistant markers around a prompt.
	PromptLines int `toml:"prompt_lines" json:"prompt_lines" yaml:"prompt_lines"`
	// StartupLines bounds the tail searched for startup markers.
	StartupLines int `toml:"startup_lines" json:"startup_lines" yaml:"startup_lines"`
}

// DefaultVocabulary returns patterns tuned for Claude Code panes.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		ShellPrompts: []string{
			`^(?:\([^)]*\)\s*)?[\w.\-]+@[\w.\-]+[:\s][^\n]*[$#%]$`,
			`^(?:\([^)]*\)\s*)?[\w.\-]*[$#]$`,
			`^\s*[❯➜](?:\s.*)?$`,
		},
		AssistantMarkers: []string{
			"? for shortcuts",
			"esc to interrupt",
			"bypass permissions",
			"auto-accept edits",
			"plan mode on",
			"╭─",
			"╰─",
			"│ >",
		},
		CrashPatterns: []string{
			`command not found: claude`,
			`claude: command not found`,
			`Segmentation fault`,
			`core dumped`,
			`^\s*Killed\s*$`,
		},
		ErrorPatterns: []string{
			`API Error(?::\s*\d{3})?`,
			`overloaded_error`,
			`Request timed out`,
			`Unable to connect to (?:Anthropic|API)`,
			`Connection error\.`,
			`Invalid API key`,
			`(?i)OAuth token (?:has )?expired`,
			`Internal server error`,
		},
		RateLimitPhrases: []string{
			"usage limit",
			"rate limit",
			"limit reached",
			"hit your limit",
			"too many requests",
			"quota exceeded",
		},
		BusyGlyphs: []string{
			"✻", "✽", "✶", "✳", "✢", "·",
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		ProcessingWords: []string{
			"Compacting", "Summarizing", "Thinking", "Pondering", "Processing",
			"Working", "Cogitating", "Contemplating", "Deliberating", "Musing",
			"Mulling", "Ruminating", "Percolating", "Reticulating", "Brewing",
			"Crafting", "Computing", "Churning", "Noodling", "Spinning",
			"Wrangling", "Synthesizing", "Considering", "Generating",
		},
		BusyPhrases: []string{
			"esc to interrupt",
			"compacting conversation",
		},
		StartupMarkers: []string{
			"welcome to claude code",
			"resuming conversation",
			"loading",
		},
		InputBox:          `^\s*[│|]?\s*>(?:\s+(.*?))?\s*[│|]?$`,
		InputPlaceholders: []string{`Try "`, "Type a message"},
	}
}

// DefaultThresholds returns the stock classifier thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleCycles:        3,
		UnsubmittedCycles: 2,
		ChangeDistance:    2,
		CompareLines:      60,
		TailLines:         12,
		PromptLines:       3,
		StartupLines:      6,
	}
}

// compiled holds the vocabulary in matchable form.
type compiled struct {
	shellPrompts     []*regexp.Regexp
	assistantMarkers []string
	crashPatterns    []*regexp.Regexp
	errorPatterns    []*regexp.Regexp
	rateLimitPhrases []string
	busyLine         *regexp.Regexp
	processing       *regexp.Regexp
	busyPhrases      []string
	startupMarkers   []string
	inputBox         *regexp.Regexp
	placeholders     []string
}

func compileVocabulary(v Vocabulary) (*compiled, error) {
	var errs []error
	c := &compiled{
		assistantMarkers: lowerAll(v.AssistantMarkers),
		rateLimitPhrases: lowerAll(v.RateLimitPhrases),
		busyPhrases:      lowerAll(v.BusyPhrases),
		startupMarkers:   lowerAll(v.StartupMarkers),
		placeholders:     v.InputPlaceholders,
	}

	compileList := func(field string, in []string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(in))
		for _, p := range in {
			re, err := regexp.Compile(p)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", field, p, err))
				continue
			}
			out = append(out, re)
		}
		return out
	}
	c.shellPrompts = compileList("shell_prompts", v.ShellPrompts)
	c.crashPatterns = compileList("crash_patterns", v.CrashPatterns)
	c.errorPatterns = compileList("error_patterns", v.ErrorPatterns)

	if alt := quoteAll(v.BusyGlyphs); alt != "" {
		c.busyLine = regexp.MustCompile(`^\s*(?:` + alt + `)\s+\S.*(?:…|\.\.\.)`)
	}
	if alt := quoteAll(v.ProcessingWords); alt != "" {
		c.processing = regexp.MustCompile(`\b(?:` + alt + `)(?:…|\.\.\.)`)
	}

	if v.InputBox != "" {
		re, err := regexp.Compile(v.InputBox)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("input_box %q: %w", v.InputBox, err))
		case re.NumSubexp() < 1:
			errs = append(errs, fmt.Errorf("input_box %q: needs a capture group", v.InputBox))
		default:
			c.inputBox = re
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports pattern errors without building a classifier.
func (v Vocabulary) Validate() error {
	_, err := compileVocabulary(v)
	return err
}

// Validate checks threshold ranges.
func (t Thresholds) Validate() error {
	var errs []error
	if t.IdleCycles < 2 {
		errs = append(errs, fmt.Errorf("idle_cycles must be at least 2, got %d", t.IdleCycles))
	}
	if t.UnsubmittedCycles < 1 {
		errs = append(errs, fmt.Errorf("unsubmitted_cycles must be at least 1, got %d", t.UnsubmittedCycles))
	}
	if t.ChangeDistance < 0 {
		errs = append(errs, fmt.Errorf("change_distance must not be negative, got %d", t.ChangeDistance))
	}
	if t.CompareLines < 1 || t.TailLines < 1 || t.PromptLines < 1 || t.StartupLines < 1 {
		errs = append(errs, errors.New("compare_lines, tail_lines, prompt_lines and startup_lines must be positive"))
	}
	return errors.Join(errs...)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func quoteAll(in []string) string {
	parts := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			parts = append(parts, regexp.QuoteMeta(s))
		}
	}
	return strings.Join(parts, "|")
}
