// Package config loads tmux-orc settings from TOML with environment
// overrides and converts them into the daemon's option types.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/notify"
	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

// Environment variables consulted by Load.
const (
	EnvConfig      = "TMUX_ORC_CONFIG"
	EnvInterval    = "TMUX_ORC_INTERVAL"
	EnvLogLevel    = "TMUX_ORC_LOG_LEVEL"
	EnvControlAddr = "TMUX_ORC_CONTROL_ADDR"
	EnvStateDir    = "TMUX_ORC_STATE_DIR"
	EnvSupervisor  = "TMUX_ORC_SUPERVISOR"
)

// DefaultControlAddr is where the control API listens unless configured.
const DefaultControlAddr = "127.0.0.1:7685"

// Config is the whole config.toml.
type Config struct {
	Monitor       MonitorConfig    `toml:"monitor"`
	Classifier    ClassifierConfig `toml:"classifier"`
	RateLimit     RateLimitConfig  `toml:"ratelimit"`
	Notifications notify.Config    `toml:"notifications"`
	Supervisor    SupervisorConfig `toml:"supervisor"`
	Recovery      RecoveryConfig   `toml:"recovery"`
	Control       ControlConfig    `toml:"control"`
	Paths         PathsConfig      `toml:"paths"`
	Log           LogConfig        `toml:"log"`
}

// MonitorConfig holds cycle settings.
type MonitorConfig struct {
	IntervalSeconds       int      `toml:"interval_seconds"`
	CaptureLines          int      `toml:"capture_lines"`
	CaptureTimeoutSeconds int      `toml:"capture_timeout_seconds"`
	CaptureConcurrency    int      `toml:"capture_concurrency"`
	Sessions              []string `toml:"sessions"` // Only these sessions, when set
	Exclude               []string `toml:"exclude"`  // Window-name regexes to skip
	Supervised            bool     `toml:"supervised"`
	MaxRestarts           int      `toml:"max_restarts"`
	RestartWindowMinutes  int      `toml:"restart_window_minutes"`
}

// Interval returns the cycle interval.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// ClassifierConfig carries the classifier's data. Any vocabulary list set
// in the file replaces the built-in list of the same name.
type ClassifierConfig struct {
	Thresholds agent.Thresholds `toml:"thresholds"`
	Vocabulary agent.Vocabulary `toml:"vocabulary"`
}

// RateLimitConfig tunes the daemon-wide pause.
type RateLimitConfig struct {
	SafetyBufferSeconds int `toml:"safety_buffer_seconds"`
	DefaultSleepMinutes int `toml:"default_sleep_minutes"` // When the reset time is unreadable
	PauseCheckSeconds   int `toml:"pause_check_seconds"`
	StaleGraceMinutes   int `toml:"stale_grace_minutes"`
}

// SupervisorConfig names the windows that receive alerts.
type SupervisorConfig struct {
	Targets []string `toml:"targets"` // "session:window"
	Pattern string   `toml:"pattern"` // Window names discovered as supervisors
}

// RecoveryConfig holds the recovery policy and action settings.
type RecoveryConfig struct {
	Enabled              bool   `toml:"enabled"`
	DebounceCycles       int    `toml:"debounce_cycles"`
	MaxAttempts          int    `toml:"max_attempts"`
	BackoffBaseSeconds   int    `toml:"backoff_base_seconds"`
	BackoffMaxSeconds    int    `toml:"backoff_max_seconds"`
	RestartCommand       string `toml:"restart_command"`
	Briefing             string `toml:"briefing"` // text/template; empty disables
	ActionTimeoutSeconds int    `toml:"action_timeout_seconds"`
	ExitTimeoutSeconds   int    `toml:"exit_timeout_seconds"`
	ReadyTimeoutSeconds  int    `toml:"ready_timeout_seconds"`
}

// Policy converts the settings to a recovery policy.
func (r RecoveryConfig) Policy() recovery.Policy {
	return recovery.Policy{
		DebounceCycles: r.DebounceCycles,
		MaxAttempts:    r.MaxAttempts,
		BackoffBase:    time.Duration(r.BackoffBaseSeconds) * time.Second,
		BackoffMax:     time.Duration(r.BackoffMaxSeconds) * time.Second,
	}
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Addr string `toml:"addr"` // Empty disables the API
}

// PathsConfig locates runtime files.
type PathsConfig struct {
	StateDir string `toml:"state_dir"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // Empty logs to stderr
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := recovery.DefaultPolicy()
	actions := recovery.DefaultActionConfig()
	return &Config{
		Monitor: MonitorConfig{
			IntervalSeconds:       15,
			CaptureLines:          200,
			CaptureTimeoutSeconds: 5,
			CaptureConcurrency:    8,
			MaxRestarts:           5,
			RestartWindowMinutes:  10,
		},
		Classifier: ClassifierConfig{
			Thresholds: agent.DefaultThresholds(),
			Vocabulary: agent.DefaultVocabulary(),
		},
		RateLimit: RateLimitConfig{
			SafetyBufferSeconds: int(ratelimit.DefaultSafetyBuffer / time.Second),
			DefaultSleepMinutes: int(ratelimit.DefaultSleep / time.Minute),
			PauseCheckSeconds:   30,
			StaleGraceMinutes:   15,
		},
		Notifications: notify.DefaultConfig(),
		Supervisor: SupervisorConfig{
			Pattern: monitor.DefaultSupervisorPattern,
		},
		Recovery: RecoveryConfig{
			Enabled:              true,
			DebounceCycles:       policy.DebounceCycles,
			MaxAttempts:          policy.MaxAttempts,
			BackoffBaseSeconds:   int(policy.BackoffBase / time.Second),
			BackoffMaxSeconds:    int(policy.BackoffMax / time.Second),
			RestartCommand:       actions.RestartCommand,
			Briefing:             actions.Briefing,
			ActionTimeoutSeconds: int(actions.Timeout / time.Second),
			ExitTimeoutSeconds:   int(actions.ExitTimeout / time.Second),
			ReadyTimeoutSeconds:  int(actions.ReadyTimeout / time.Second),
		},
		Control: ControlConfig{Addr: DefaultControlAddr},
		Paths:   PathsConfig{StateDir: DefaultStateDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config file path: $TMUX_ORC_CONFIG, else
// $XDG_CONFIG_HOME/tmux-orc/config.toml, else ~/.config/tmux-orc/config.toml.
func DefaultPath() string {
	if env := os.Getenv(EnvConfig); env != "" {
		return util.ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tmux-orc", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "tmux-orc", "config.toml")
}

// DefaultStateDir returns $XDG_STATE_HOME/tmux-orc or ~/.local/state/tmux-orc.
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "tmux-orc")
	}
	return "~/.local/state/tmux-orc"
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error. An empty path
// uses DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decode unmarshals TOML onto cfg and rejects keys that match no field,
// which are almost always typos.
func decode(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// applyEnv applies TMUX_ORC_* overrides (Env > TOML > Default).
func applyEnv(cfg *Config) error {
	var errs []error
	if v := os.Getenv(EnvInterval); v != "" {
		secs, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvInterval, err))
		} else {
			cfg.Monitor.IntervalSeconds = secs
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(EnvControlAddr); ok {
		cfg.Control.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := os.Getenv(EnvSupervisor); v != "" {
		var targets []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				targets = append(targets, s)
			}
		}
		cfg.Supervisor.Targets = targets
	}
	return errors.Join(errs...)
}

// parseSeconds accepts "30" or a Go duration such as "30s" or "1m".
func parseSeconds(v string) (int, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	return int(d / time.Second), nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if c.Monitor.IntervalSeconds < int(monitor.MinInterval/time.Second) {
		errs = append(errs, fmt.Errorf("monitor.interval_seconds: must be at least %d, got %d",
			int(monitor.MinInterval/time.Second), c.Monitor.IntervalSeconds))
	}
	if c.Monitor.CaptureLines < 1 {
		errs = append(errs, fmt.Errorf("monitor.capture_lines: must be positive, got %d", c.Monitor.CaptureLines))
	}
	if c.Monitor.CaptureTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("monitor.capture_timeout_seconds: must be positive, got %d", c.Monitor.CaptureTimeoutSeconds))
	}
	if c.Monitor.CaptureConcurrency < 1 {
		errs = append(errs, fmt.Errorf("monitor.capture_concurrency: must be positive, got %d", c.Monitor.CaptureConcurrency))
	}

	if err := c.Classifier.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("classifier.thresholds: %w", err))
	}
	if err := c.Classifier.Vocabulary.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("classifier.vocabulary: %w", err))
	}

	if c.RateLimit.SafetyBufferSeconds < 0 {
		errs = append(errs, fmt.Errorf("ratelimit.safety_buffer_seconds: must not be negative, got %d", c.RateLimit.SafetyBufferSeconds))
	}
	if c.RateLimit.DefaultSleepMinutes < 1 {
		errs = append(errs, fmt.Errorf("ratelimit.default_sleep_minutes: must be positive, got %d", c.RateLimit.DefaultSleepMinutes))
	}
	if c.RateLimit.PauseCheckSeconds < 1 {
		errs = append(errs, fmt.Errorf("ratelimit.pause_check_seconds: must be positive, got %d", c.RateLimit.PauseCheckSeconds))
	}

	if err := c.Notifications.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}

	for _, s := range c.Supervisor.Targets {
		if _, err := tmux.ParseTarget(s); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.targets: %w", err))
		}
	}

	if err := c.Recovery.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}
	if c.Recovery.Enabled && strings.TrimSpace(c.Recovery.RestartCommand) == "" {
		errs = append(errs, errors.New("recovery.restart_command: must be set when recovery is enabled"))
	}
	if _, err := recovery.ParseBriefing(c.Recovery.Briefing); err != nil {
		errs = append(errs, fmt.Errorf("recovery.briefing: %w", err))
	}
	// A cooldown longer than the retry backoff would swallow attempt reports.
	attempted := c.Notifications.CooldownTable()[notify.CategoryRecoveryAttempted]
	if base := c.Recovery.Policy().BackoffBase; base > 0 && attempted > base {
		errs = append(errs, fmt.Errorf("notifications.cooldowns.%s: %v exceeds recovery.backoff_base_seconds %v",
			notify.CategoryRecoveryAttempted, attempted, base))
	}

	if c.Control.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			errs = append(errs, fmt.Errorf("control.addr: %w", err))
		}
	}
	if c.Paths.StateDir == "" {
		errs = append(errs, errors.New("paths.state_dir: must be set"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string { return util.ExpandPath(c.Paths.StateDir) }

// StatusPath is where the daemon writes status.json.
func (c *Config) StatusPath() string { return filepath.Join(c.StateDir(), "status.json") }

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir(), "daemon.lock") }

// PIDPath holds the running daemon's PID.
func (c *Config) PIDPath() string { return filepath.Join(c.StateDir(), "daemon.pid") }

// DaemonLogPath receives a detached daemon's output.
func (c *Config) DaemonLogPath() string { return filepath.Join(c.StateDir(), "daemon.log") }

// SupervisorTargets parses the configured supervisor targets.
func (c *Config) SupervisorTargets() ([]tmux.Target, error) {
	out := make([]tmux.Target, 0, len(c.Supervisor.Targets))
	for _, s := range c.Supervisor.Targets {
		t, err := tmux.ParseTarget(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// MonitorOptions converts the config into daemon options.
func (c *Config) MonitorOptions() (monitor.Options, error) {
	sups, err := c.SupervisorTargets()
	if err != nil {
		return monitor.Options{}, err
	}
	actions := recovery.DefaultActionConfig()
	actions.RestartCommand = c.Recovery.RestartCommand
	actions.Briefing = c.Recovery.Briefing
	if c.Recovery.ActionTimeoutSeconds > 0 {
		actions.Timeout = time.Duration(c.Recovery.ActionTimeoutSeconds) * time.Second
	}
	if c.Recovery.ExitTimeoutSeconds > 0 {
		actions.ExitTimeout = time.Duration(c.Recovery.ExitTimeoutSeconds) * time.Second
	}
	if c.Recovery.ReadyTimeoutSeconds > 0 {
		actions.ReadyTimeout = time.Duration(c.Recovery.ReadyTimeoutSeconds) * time.Second
	}

	opts := monitor.DefaultOptions()
	opts.Interval = c.Monitor.Interval()
	opts.CaptureLines = c.Monitor.CaptureLines
	opts.CaptureTimeout = time.Duration(c.Monitor.CaptureTimeoutSeconds) * time.Second
	opts.CaptureConcurrency = c.Monitor.CaptureConcurrency
	opts.PauseCheck = time.Duration(c.RateLimit.PauseCheckSeconds) * time.Second
	opts.SafetyBuffer = time.Duration(c.RateLimit.SafetyBufferSeconds) * time.Second
	opts.DefaultSleep = time.Duration(c.RateLimit.DefaultSleepMinutes) * time.Minute
	opts.StaleGrace = time.Duration(c.RateLimit.StaleGraceMinutes) * time.Minute
	opts.Recovery = c.Recovery.Enabled
	opts.Policy = c.Recovery.Policy()
	opts.Actions = actions
	opts.Supervisors = sups
	opts.SupervisorPattern = c.Supervisor.Pattern
	opts.Sessions = c.Monitor.Sessions
	opts.Exclude = c.Monitor.Exclude
	opts.StatusPath = c.StatusPath()
	opts.Supervised = c.Monitor.Supervised
	opts.MaxRestarts = c.Monitor.MaxRestarts
	opts.RestartWindow = time.Duration(c.Monitor.RestartWindowMinutes) * time.Minute
	opts.Vocabulary = c.Classifier.Vocabulary
	opts.Thresholds = c.Classifier.Thresholds
	return opts, nil
}

// Reload builds the hot-reloadable subset of the config.
func (c *Config) Reload() (monitor.Reload, error) {
	cls, err := agent.New(c.Classifier.Vocabulary, c.Classifier.Thresholds)
	if err != nil {
		return monitor.Reload{}, err
	}
	policy := c.Recovery.Policy()
	return monitor.Reload{
		Classifier: cls,
		Cooldowns:  c.Notifications.CooldownTable(),
		Policy:     &policy,
		Interval:   c.Monitor.Interval(),
	}, nil
}

// Print writes cfg as TOML.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# tmux-orc configuration")
	fmt.Fprintln(w, "# Durations are whole seconds or minutes, as named by each key.")
	fmt.Fprintln(w)
	return toml.NewEncoder(w).Encode(cfg)
}

// Init writes the default config to path. It refuses to overwrite an
// existing file unless force is set.
func Init(path string, force bool) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	var b strings.Builder
	if err := Print(Default(), &b); err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
