// Package agent classifies the health of an AI coding assistant from the
// raw text of its tmux pane.
package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// Rule names, in evaluation order.
const (
	RuleEmpty       = "empty"
	RuleCrash       = "crash"
	RuleError       = "error"
	RuleRateLimit   = "rate_limit"
	RuleCompacting  = "compacting"
	RuleStarting    = "starting"
	RuleUnsubmitted = "unsubmitted"
	RuleIdle        = "idle"
	RuleHealthy     = "healthy"
)

// Snapshot is one capture of a target's pane plus what is known about the
// capture before it. Build it with Classifier.Observe.
type Snapshot struct {
	Target       tmux.Target `json:"target"`
	CapturedAt   time.Time   `json:"captured_at"`
	Text         string      `json:"-"`
	PreviousText string      `json:"-"`
	HasPrevious  bool        `json:"has_previous"`
	// Distance is the change distance to the previous capture, -1 if none.
	Distance int `json:"distance"`
	// StableCycles counts consecutive captures, this one included, that
	// stayed within the change-distance threshold.
	StableCycles int       `json:"stable_cycles"`
	StableSince  time.Time `json:"stable_since"`
}

// Rule is one step of the classification chain.
type Rule struct {
	Name  string
	Match func(v *view) (State, bool)
}

// view is the per-call working set shared by the rules.
type view struct {
	snap  *Snapshot
	lines []string
	tail  []string
}

// Classifier maps snapshots to states. It is immutable after New and safe
// for concurrent use.
type Classifier struct {
	vocab      *compiled
	thresholds Thresholds
	rules      []Rule
}

// New builds a classifier from vocabulary and thresholds.
func New(v Vocabulary, t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	vocab, err := compileVocabulary(v)
	if err != nil {
		return nil, err
	}
	c := &Classifier{vocab: vocab, thresholds: t}
	c.rules = []Rule{
		{Name: RuleCrash, Match: c.matchCrash},
		{Name: RuleError, Match: c.matchError},
		{Name: RuleRateLimit, Match: c.matchRateLimit},
		{Name: RuleCompacting, Match: c.matchCompacting},
		{Name: RuleStarting, Match: c.matchStarting},
		{Name: RuleUnsubmitted, Match: c.matchUnsubmitted},
	}
	return c, nil
}

// NewDefault builds a classifier from the stock vocabulary.
func NewDefault() *Classifier {
	c, err := New(DefaultVocabulary(), DefaultThresholds())
	if err != nil {
		panic(err)
	}
	return c
}

// Thresholds returns the thresholds the classifier was built with.
func (c *Classifier) Thresholds() Thresholds { return c.thresholds }

// RuleNames lists the chain in evaluation order.
func (c *Classifier) RuleNames() []string {
	names := make([]string, 0, len(c.rules)+1)
	for _, r := range c.rules {
		names = append(names, r.Name)
	}
	return append(names, RuleIdle)
}

// Observe builds the snapshot for text captured at `at`, measuring how far
// it moved from prev. prev may be nil for a first observation.
func (c *Classifier) Observe(target tmux.Target, at time.Time, text string, prev *Snapshot) Snapshot {
	snap := Snapshot{
		Target:       target,
		CapturedAt:   at,
		Text:         text,
		Distance:     -1,
		StableCycles: 1,
		StableSince:  at,
	}
	if prev == nil {
		return snap
	}

	snap.PreviousText = prev.Text
	snap.HasPrevious = true
	n := c.thresholds.CompareLines
	snap.Distance = changeDistance(lastN(normalize(prev.Text), n), lastN(normalize(text), n))
	if snap.Distance <= c.thresholds.ChangeDistance {
		snap.StableCycles = prev.StableCycles + 1
		snap.StableSince = prev.StableSince
	}
	return snap
}

// Classify runs the rule chain; the first match wins. Text that is
// empty after normalization is Unknown.
func (c *Classifier) Classify(snap Snapshot) State {
	st, _ := c.classify(&snap, nil)
	return st
}

// ClassifySkipping is Classify with the named rules left out.
func (c *Classifier) ClassifySkipping(snap Snapshot, skip ...string) State {
	st, _ := c.classify(&snap, skip)
	return st
}

// Explain classifies and also names the rule that decided.
func (c *Classifier) Explain(snap Snapshot) (State, string) {
	return c.classify(&snap, nil)
}

func (c *Classifier) classify(snap *Snapshot, skip []string) (State, string) {
	lines := normalize(snap.Text)
	if len(lines) == 0 {
		return Unknown("empty snapshot"), RuleEmpty
	}
	v := &view{
		snap:  snap,
		lines: lines,
		tail:  lastN(lines, c.thresholds.TailLines),
	}

	for _, r := range c.rules {
		if skipped(r.Name, skip) {
			continue
		}
		if st, ok := r.Match(v); ok {
			return st, r.Name
		}
	}

	if snap.HasPrevious && snap.StableCycles >= c.thresholds.IdleCycles {
		return Idle(snap.StableSince), RuleIdle
	}
	return Healthy(), RuleHealthy
}

func skipped(name string, skip []string) bool {
	for _, s := range skip {
		if s == name {
			return true
		}
	}
	return false
}

// matchCrash: the assistant's interface is gone and a shell prompt or a
// death message sits at the bottom of the pane.
func (c *Classifier) matchCrash(v *view) (State, bool) {
	if _, alive := containsAny(lastN(v.lines, c.thresholds.PromptLines), c.vocab.assistantMarkers); alive {
		return State{}, false
	}
	last := lastNonEmpty(v.lines)
	for _, p := range c.vocab.shellPrompts {
		if p.MatchString(last) {
			return Crashed("shell prompt without assistant interface"), true
		}
	}
	if line, ok := matchLine(v.tail, c.vocab.crashPatterns); ok {
		return Crashed(line), true
	}
	return State{}, false
}

func (c *Classifier) matchError(v *view) (State, bool) {
	if line, ok := matchLine(v.tail, c.vocab.errorPatterns); ok {
		return Errored(line), true
	}
	return State{}, false
}

// matchRateLimit needs both a limit phrase and a reset clause. A clause
// whose time cannot be read still counts, with a zero ResetAt and the
// parse failure as Reason.
func (c *Classifier) matchRateLimit(v *view) (State, bool) {
	if _, ok := containsAny(v.tail, c.vocab.rateLimitPhrases); !ok {
		return State{}, false
	}
	text := strings.Join(v.tail, "\n")
	at := v.snap.CapturedAt

	banner := limitBanner(v.tail, c.vocab.rateLimitPhrases)

	tod, err := ratelimit.ExtractResetTime(text)
	var st State
	switch {
	case err == nil:
		st = RateLimited(ratelimit.NextReset(tod, at))
	case errors.Is(err, ratelimit.ErrNoResetTime):
		wait, ok := ratelimit.ExtractWait(text)
		if !ok {
			return State{}, false
		}
		st = RateLimited(at.Add(wait))
		st.Wait = wait
	default:
		st = RateLimited(time.Time{})
		st.Reason = err.Error()
	}
	st.Banner = banner
	return st, true
}

func (c *Classifier) matchCompacting(v *view) (State, bool) {
	for _, l := range v.tail {
		if c.vocab.busyLine != nil && c.vocab.busyLine.MatchString(l) {
			return Compacting(), true
		}
		if c.vocab.processing != nil && c.vocab.processing.MatchString(l) {
			return Compacting(), true
		}
	}
	if _, ok := containsAny(v.tail, c.vocab.busyPhrases); ok {
		return Compacting(), true
	}
	return State{}, false
}

// matchStarting only holds until the launch screen would count as idle.
func (c *Classifier) matchStarting(v *view) (State, bool) {
	if v.snap.StableCycles >= c.thresholds.IdleCycles {
		return State{}, false
	}
	if _, ok := containsAny(lastN(v.lines, c.thresholds.StartupLines), c.vocab.startupMarkers); ok {
		return Starting(), true
	}
	return State{}, false
}

func (c *Classifier) matchUnsubmitted(v *view) (State, bool) {
	if c.vocab.inputBox == nil || !v.snap.HasPrevious {
		return State{}, false
	}
	if v.snap.StableCycles < c.thresholds.UnsubmittedCycles {
		return State{}, false
	}

	// The box is drawn below all output, so the lowest match is the box.
	content, found := "", false
	for i := len(v.tail) - 1; i >= 0; i-- {
		if m := c.vocab.inputBox.FindStringSubmatch(v.tail[i]); m != nil {
			content, found = strings.TrimSpace(m[1]), true
			break
		}
	}
	if !found || content == "" {
		return State{}, false
	}
	for _, p := range c.vocab.placeholders {
		if p != "" && strings.HasPrefix(content, p) {
			return State{}, false
		}
	}
	return Unsubmitted(v.snap.StableSince), true
}

// AtShellPrompt reports whether text ends at a bare shell prompt with no
// assistant interface on screen.
func (c *Classifier) AtShellPrompt(text string) bool {
	lines := normalize(text)
	if len(lines) == 0 {
		return false
	}
	if _, alive := containsAny(lastN(lines, c.thresholds.PromptLines), c.vocab.assistantMarkers); alive {
		return false
	}
	last := lastNonEmpty(lines)
	for _, p := range c.vocab.shellPrompts {
		if p.MatchString(last) {
			return true
		}
	}
	return false
}

// AssistantReady reports whether the assistant's input box or interface
// markers are visible at the bottom of text, below the last shell prompt.
// A border left over from the previous run above the prompt does not
// count.
func (c *Classifier) AssistantReady(text string) bool {
	lines := normalize(text)
	for i := len(lines) - 1; i >= 0; i-- {
		if c.promptLine(lines[i]) {
			lines = lines[i+1:]
			break
		}
	}
	if len(lines) == 0 {
		return false
	}
	bottom := lastN(lines, c.thresholds.PromptLines)
	if _, ok := containsAny(bottom, c.vocab.assistantMarkers); ok {
		return true
	}
	if c.vocab.inputBox == nil {
		return false
	}
	for _, l := range bottom {
		if c.vocab.inputBox.MatchString(l) {
			return true
		}
	}
	return false
}

// promptLine reports whether l is a shell prompt, bare or followed by a
// typed command.
func (c *Classifier) promptLine(l string) bool {
	l = strings.TrimSpace(l)
	if l == "" {
		return false
	}
	for _, p := range c.vocab.shellPrompts {
		if p.MatchString(l) {
			return true
		}
		for i := 0; i < len(l)-1; i++ {
			if l[i] != '$' && l[i] != '#' && l[i] != '%' {
				continue
			}
			if l[i+1] == ' ' && p.MatchString(l[:i+1]) {
				return true
			}
		}
	}
	return false
}
