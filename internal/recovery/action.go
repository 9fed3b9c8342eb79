package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/clock"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// ActionError is returned when a recovery action fails.
type ActionError struct {
	Target tmux.Target
	Action ActionKind
	Stage  string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("recovery %s of %s failed at %s: %v", e.Action, e.Target, e.Stage, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Request describes one recovery attempt.
type Request struct {
	Target  tmux.Target
	Name    string // window name
	Action  ActionKind
	Attempt int
	Reason  string // the state that triggered recovery
}

// Recoverer runs recovery actions.
type Recoverer interface {
	Recover(ctx context.Context, req Request) error
}

// Driver is the subset of the tmux client the actions need.
type Driver interface {
	Capture(ctx context.Context, target tmux.Target, lines int) (string, error)
	SendKeys(ctx context.Context, target tmux.Target, keys string, enter bool) error
	SendInterrupt(ctx context.Context, target tmux.Target) error
}

// Probe inspects pane text during a restart. *agent.Classifier satisfies it.
type Probe interface {
	AtShellPrompt(text string) bool
	AssistantReady(text string) bool
}

// DefaultBriefing is typed into a restarted assistant.
const DefaultBriefing = `You were restarted by tmux-orc after: {{.Reason}}. ` +
	`Re-read your task notes and recent git log, then continue where you left off.`

// ActionConfig tunes the tmux recovery actions.
type ActionConfig struct {
	// RestartCommand relaunches the assistant from the shell.
	RestartCommand string
	// Briefing is a text/template rendered with the Request and typed
	// into the assistant after a restart. Empty disables it.
	Briefing string

	InterruptGap time.Duration // between the two Ctrl-C presses
	ExitTimeout  time.Duration // for the shell prompt to appear
	ReadyTimeout time.Duration // for the assistant interface to appear
	PollInterval time.Duration
	// Timeout bounds a whole action.
	Timeout time.Duration
}

// DefaultActionConfig returns the stock action settings.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		RestartCommand: "claude --continue",
		Briefing:       DefaultBriefing,
		InterruptGap:   100 * time.Millisecond,
		ExitTimeout:    10 * time.Second,
		ReadyTimeout:   30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Timeout:        90 * time.Second,
	}
}

// ParseBriefing checks that a briefing template parses.
func ParseBriefing(s string) (*template.Template, error) {
	return template.New("briefing").Option("missingkey=error").Parse(s)
}

// TmuxRecoverer runs recovery actions through tmux.
type TmuxRecoverer struct {
	Driver Driver
	Probe  Probe
	Clock  clock.Clock
	Config ActionConfig
	Logger *slog.Logger
}

// NewTmuxRecoverer creates a recoverer with the default config.
func NewTmuxRecoverer(d Driver, p Probe) *TmuxRecoverer {
	return &TmuxRecoverer{
		Driver: d,
		Probe:  p,
		Clock:  clock.Real{},
		Config: DefaultActionConfig(),
		Logger: slog.Default(),
	}
}

func (r *TmuxRecoverer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *TmuxRecoverer) clock() clock.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clock.Real{}
}

// Recover runs the requested action under the configured timeout.
func (r *TmuxRecoverer) Recover(ctx context.Context, req Request) error {
	if r.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.Timeout)
		defer cancel()
	}

	start := r.clock().Now()
	r.logger().Info("[Recovery] action_start",
		"target", req.Target.String(),
		"action", req.Action,
		"attempt", req.Attempt)

	var err error
	switch req.Action {
	case ActionSubmit:
		err = r.submit(ctx, req)
	case ActionRestart:
		err = r.restart(ctx, req)
	default:
		err = &ActionError{Target: req.Target, Action: req.Action, Stage: "dispatch",
			Err: fmt.Errorf("unknown action %q", req.Action)}
	}

	elapsed := r.clock().Now().Sub(start)
	if err != nil {
		r.logger().Warn("[Recovery] action_failed",
			"target", req.Target.String(),
			"action", req.Action,
			"attempt", req.Attempt,
			"duration", elapsed,
			"error", err)
		return err
	}
	r.logger().Info("[Recovery] action_complete",
		"target", req.Target.String(),
		"action", req.Action,
		"attempt", req.Attempt,
		"duration", elapsed)
	return nil
}

func (r *TmuxRecoverer) submit(ctx context.Context, req Request) error {
	if err := r.Driver.SendKeys(ctx, req.Target, "", true); err != nil {
		return &ActionError{Target: req.Target, Action: ActionSubmit, Stage: "enter", Err: err}
	}
	return nil
}

// restart interrupts the assistant, relaunches it from the shell, and
// types the briefing once it is up.
func (r *TmuxRecoverer) restart(ctx context.Context, req Request) error {
	fail := func(stage string, err error) error {
		return &ActionError{Target: req.Target, Action: ActionRestart, Stage: stage, Err: err}
	}

	text, err := r.Driver.Capture(ctx, req.Target, 20)
	if err != nil {
		return fail("capture", err)
	}
	if !r.Probe.AtShellPrompt(text) {
		// Double Ctrl-C; a single one only cancels the current turn.
		if err := r.Driver.SendInterrupt(ctx, req.Target); err != nil {
			return fail("interrupt", err)
		}
		if err := r.clock().Sleep(ctx, r.Config.InterruptGap); err != nil {
			return fail("interrupt", err)
		}
		if err := r.Driver.SendInterrupt(ctx, req.Target); err != nil {
			return fail("interrupt", err)
		}
		if err := r.waitFor(ctx, req.Target, r.Config.ExitTimeout, r.Probe.AtShellPrompt); err != nil {
			return fail("wait_exit", err)
		}
		r.logger().Info("[Recovery] agent_exited", "target", req.Target.String())
	}

	if err := r.Driver.SendKeys(ctx, req.Target, r.Config.RestartCommand, true); err != nil {
		return fail("launch", err)
	}
	if err := r.waitFor(ctx, req.Target, r.Config.ReadyTimeout, r.Probe.AssistantReady); err != nil {
		return fail("wait_ready", err)
	}
	r.logger().Info("[Recovery] agent_ready", "target", req.Target.String())

	if strings.TrimSpace(r.Config.Briefing) == "" {
		return nil
	}
	brief, err := r.renderBriefing(req)
	if err != nil {
		return fail("briefing", err)
	}
	if err := r.Driver.SendKeys(ctx, req.Target, brief, true); err != nil {
		return fail("briefing", err)
	}
	return nil
}

func (r *TmuxRecoverer) renderBriefing(req Request) (string, error) {
	tmpl, err := ParseBriefing(r.Config.Briefing)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return "", err
	}
	// Newlines would submit early.
	return strings.Join(strings.Fields(buf.String()), " "), nil
}

var errWaitTimeout = errors.New("timed out waiting for pane")

// waitFor polls the pane until cond holds or timeout passes.
func (r *TmuxRecoverer) waitFor(ctx context.Context, t tmux.Target, timeout time.Duration, cond func(string) bool) error {
	poll := r.Config.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	clk := r.clock()
	deadline := clk.Now().Add(timeout)
	for {
		if err := clk.Sleep(ctx, poll); err != nil {
			return err
		}
		text, err := r.Driver.Capture(ctx, t, 20)
		if err == nil && cond(text) {
			return nil
		}
		if errors.Is(err, tmux.ErrTargetNotFound) {
			return err
		}
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("%w after %v", errWaitTimeout, timeout)
		}
	}
}
