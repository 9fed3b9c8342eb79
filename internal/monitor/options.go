package monitor

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// DefaultSupervisorPattern matches project-manager window names.
const DefaultSupervisorPattern = `(?i)^(pm|project[-_ ]?manager)$`

// MinInterval is the shortest cycle interval accepted.
const MinInterval = time.Second

// Options configures a Daemon.
type Options struct {
	Interval           time.Duration
	CaptureLines       int
	CaptureTimeout     time.Duration
	CaptureConcurrency int

	// PauseCheck is the slice length of a rate-limit pause; stop
	// requests are honored between slices.
	PauseCheck   time.Duration
	SafetyBuffer time.Duration
	DefaultSleep time.Duration
	// StaleGrace is how long after a pause a banner from another target
	// pointing at the same window is ignored. A target's own banner is
	// ignored for as long as its text is unchanged.
	StaleGrace time.Duration

	Recovery bool
	Policy   recovery.Policy
	Actions  recovery.ActionConfig

	Supervisors       []tmux.Target
	SupervisorPattern string

	// Sessions restricts monitoring to the named sessions when set.
	Sessions []string
	// Exclude lists window-name patterns that are never monitored.
	Exclude []string

	// StatusPath, when set, receives status.json after every cycle.
	StatusPath string

	Supervised    bool
	MaxRestarts   int
	RestartWindow time.Duration

	Vocabulary agent.Vocabulary
	Thresholds agent.Thresholds
}

// DefaultOptions returns the stock daemon settings.
func DefaultOptions() Options {
	return Options{
		Interval:           15 * time.Second,
		CaptureLines:       200,
		CaptureTimeout:     5 * time.Second,
		CaptureConcurrency: 8,
		PauseCheck:         30 * time.Second,
		SafetyBuffer:       ratelimit.DefaultSafetyBuffer,
		DefaultSleep:       ratelimit.DefaultSleep,
		StaleGrace:         15 * time.Minute,
		Recovery:           true,
		Policy:             recovery.DefaultPolicy(),
		Actions:            recovery.DefaultActionConfig(),
		SupervisorPattern:  DefaultSupervisorPattern,
		MaxRestarts:        5,
		RestartWindow:      10 * time.Minute,
		Vocabulary:         agent.DefaultVocabulary(),
		Thresholds:         agent.DefaultThresholds(),
	}
}

// Validate reports every invalid option.
func (o Options) Validate() error {
	var errs []error
	if o.Interval < MinInterval {
		errs = append(errs, fmt.Errorf("interval %v is below the minimum %v", o.Interval, MinInterval))
	}
	if o.CaptureTimeout <= 0 {
		errs = append(errs, errors.New("capture timeout must be positive"))
	}
	if o.CaptureConcurrency < 1 {
		errs = append(errs, errors.New("capture concurrency must be at least 1"))
	}
	if o.PauseCheck <= 0 {
		errs = append(errs, errors.New("pause check must be positive"))
	}
	if o.DefaultSleep <= 0 {
		errs = append(errs, errors.New("default sleep must be positive"))
	}
	if o.SafetyBuffer < 0 {
		errs = append(errs, errors.New("safety buffer must not be negative"))
	}
	if err := o.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}
	if o.SupervisorPattern != "" {
		if _, err := regexp.Compile(o.SupervisorPattern); err != nil {
			errs = append(errs, fmt.Errorf("supervisor pattern: %w", err))
		}
	}
	for _, p := range o.Exclude {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("exclude pattern %q: %w", p, err))
		}
	}
	for _, s := range o.Sessions {
		if err := tmux.ValidateSessionName(s); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Supervised && o.MaxRestarts < 1 {
		errs = append(errs, errors.New("max restarts must be at least 1 in supervised mode"))
	}
	return errors.Join(errs...)
}
