// Package monitor runs the daemon loop: it captures every assistant
// window, classifies it, alerts the supervisor, drives recovery, and
// pauses everything while the account is rate limited.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/clock"
	"github.com/EvanSchalton/tmux-orchestrator/internal/notify"
	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// ErrCorruptRecord reports a broken loop invariant. It is the only error
// that ends Run other than cancellation.
var ErrCorruptRecord = errors.New("corrupt monitor record")

// ErrUnknownTarget is returned by Reset for a target the daemon has never seen.
var ErrUnknownTarget = errors.New("target is not monitored")

const (
	ruleCaptureError = "capture_error"
	ruleStaleBanner  = "stale_rate_limit"
)

// Driver is the tmux surface the daemon needs. *tmux.Client implements it.
type Driver interface {
	Capture(ctx context.Context, target tmux.Target, lines int) (string, error)
	SendKeys(ctx context.Context, target tmux.Target, keys string, enter bool) error
	SendInterrupt(ctx context.Context, target tmux.Target) error
	ListWindows(ctx context.Context) ([]tmux.Window, error)
}

// Notifier delivers alerts. *notify.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

// Record is the loop's view of one target. Only the loop goroutine
// touches records.
type Record struct {
	Target            tmux.Target
	Name              string
	State             agent.State
	StateSince        time.Time
	Rule              string
	LastContentHash   string
	ConsecutiveCycles int
	LastCapture       time.Time
	Last              *agent.Snapshot
}

// Reload carries settings applied at the next cycle boundary. Nil fields
// are left alone.
type Reload struct {
	Classifier *agent.Classifier
	Cooldowns  map[notify.Category]time.Duration
	Policy     *recovery.Policy
	Interval   time.Duration
}

// observation is one target's result for the current cycle.
type observation struct {
	window tmux.Window
	snap   *agent.Snapshot
	state  agent.State
	rule   string
	err    error
}

// Daemon owns every per-target record and runs cycles. Fields may be
// replaced after New and before the first cycle.
type Daemon struct {
	Driver      Driver
	Notifier    Notifier
	Clock       clock.Clock
	Classifier  *agent.Classifier
	Gate        *notify.Gate
	Coordinator *recovery.Coordinator
	Recoverer   recovery.Recoverer
	Tracker     *ratelimit.Tracker
	Logger      *slog.Logger

	opts       Options
	supPattern *regexp.Regexp
	exclude    []*regexp.Regexp

	records     map[tmux.Target]*Record
	// seenBanners holds, per target, limit text already acted on. It
	// stays ignored while the same text is on screen.
	seenBanners map[tmux.Target]string
	known       []tmux.Window
	supervisors []tmux.Target
	cycles      int
	phase       Phase
	runID       string
	startedAt   time.Time

	reloads chan Reload

	statusMu sync.RWMutex
	status   Status
}

// New builds a daemon with real collaborators derived from opts.
func New(driver Driver, notifier Notifier, opts Options) (*Daemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor options: %w", err)
	}
	cls, err := agent.New(opts.Vocabulary, opts.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	d := &Daemon{
		Driver:      driver,
		Notifier:    notifier,
		Clock:       clock.Real{},
		Classifier:  cls,
		Gate:        notify.NewGate(nil),
		Coordinator: recovery.NewCoordinator(opts.Policy),
		Tracker:     ratelimit.NewTracker(),
		Logger:      slog.Default(),
		opts:        opts,
		records:     make(map[tmux.Target]*Record),
		seenBanners: make(map[tmux.Target]string),
		phase:       PhaseStarting,
		runID:       uuid.NewString(),
		reloads:     make(chan Reload, 1),
	}
	rec := recovery.NewTmuxRecoverer(driver, cls)
	rec.Config = opts.Actions
	d.Recoverer = rec

	if opts.SupervisorPattern != "" {
		d.supPattern = regexp.MustCompile(opts.SupervisorPattern)
	}
	for _, p := range opts.Exclude {
		d.exclude = append(d.exclude, regexp.MustCompile(p))
	}
	d.Gate.IsSupervisor = d.isSupervisor
	return d, nil
}

func (d *Daemon) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// RunID identifies this daemon run.
func (d *Daemon) RunID() string { return d.runID }

// Options returns the options the daemon runs with.
func (d *Daemon) Options() Options { return d.opts }

// Apply queues settings for the next cycle boundary. A newer reload
// replaces one that has not been applied yet.
func (d *Daemon) Apply(r Reload) {
	for {
		select {
		case d.reloads <- r:
			return
		default:
		}
		select {
		case <-d.reloads:
		default:
		}
	}
}

func (d *Daemon) applyReloads() {
	select {
	case r := <-d.reloads:
		if r.Classifier != nil {
			d.Classifier = r.Classifier
			if tr, ok := d.Recoverer.(*recovery.TmuxRecoverer); ok {
				tr.Probe = r.Classifier
			}
		}
		if r.Cooldowns != nil {
			d.Gate.SetCooldowns(r.Cooldowns)
		}
		if r.Policy != nil {
			d.Coordinator.SetPolicy(*r.Policy)
		}
		if r.Interval >= MinInterval {
			d.opts.Interval = r.Interval
		}
		d.logger().Info("[Monitor] config_reloaded", "interval", d.opts.Interval)
	default:
	}
}

// Run cycles until ctx is cancelled. It returns nil on cancellation and
// an error wrapping ErrCorruptRecord on an invariant violation.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = d.Clock.Now()
	d.setPhase(PhaseMonitoring)
	d.logger().Info("[Monitor] starting",
		"run_id", d.runID,
		"interval", d.opts.Interval,
		"recovery", d.opts.Recovery)
	defer func() {
		d.setPhase(PhaseStopped)
		d.logger().Info("[Monitor] stopped", "run_id", d.runID, "cycles", d.cycles)
	}()

	for {
		if err := d.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.Clock.Sleep(ctx, d.opts.Interval); err != nil {
			return nil
		}
	}
}

// RunCycle runs one cycle: enumerate, capture, classify, then either
// pause for a rate limit or process every target.
func (d *Daemon) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.applyReloads()
	if d.phase == PhaseStarting || d.phase == PhaseStopped {
		d.phase = PhaseMonitoring
	}
	now := d.Clock.Now()

	windows := d.enumerate(ctx)
	d.dropVanished(windows)

	obs := d.captureAll(ctx, windows, now)
	for i := range obs {
		d.classify(&obs[i], now)
	}

	for i := range obs {
		o := &obs[i]
		t := o.window.Target
		if !o.state.Is(agent.StateRateLimited) {
			if o.err == nil {
				delete(d.seenBanners, t)
			}
			continue
		}
		seen, ok := d.seenBanners[t]
		if (ok && seen == o.state.Banner) || d.Tracker.IsStale(o.state.ResetAt, now, d.opts.StaleGrace) {
			d.seenBanners[t] = o.state.Banner
			o.state = d.Classifier.ClassifySkipping(*o.snap, agent.RuleRateLimit)
			o.rule = ruleStaleBanner
			d.logger().Debug("[Monitor] stale_banner_ignored", "target", t.String())
			continue
		}
		return d.pause(ctx, *o, now)
	}

	for i := range obs {
		if err := d.processSafely(ctx, obs[i], now); err != nil {
			return err
		}
	}
	d.cycles++
	d.publish(now)
	return nil
}

// enumerate lists windows, keeping the previous list when tmux fails.
func (d *Daemon) enumerate(ctx context.Context) []tmux.Window {
	all, err := d.Driver.ListWindows(ctx)
	if err != nil {
		d.logger().Warn("[Monitor] list_windows_failed", "error", err, "reusing", len(d.known))
		return d.known
	}
	d.resolveSupervisors(all)

	var out []tmux.Window
	for _, w := range all {
		if d.monitored(w) {
			out = append(out, w)
		}
	}
	d.known = out
	return out
}

func (d *Daemon) monitored(w tmux.Window) bool {
	if len(d.opts.Sessions) > 0 && !slices.Contains(d.opts.Sessions, w.Target.Session) {
		return false
	}
	for _, re := range d.exclude {
		if re.MatchString(w.Name) {
			return false
		}
	}
	return true
}

func (d *Daemon) dropVanished(windows []tmux.Window) {
	present := make(map[tmux.Target]bool, len(windows))
	for _, w := range windows {
		present[w.Target] = true
	}
	for t := range d.records {
		if !present[t] {
			delete(d.records, t)
			d.logger().Info("[Monitor] target_vanished", "target", t.String())
		}
	}
	for t := range d.seenBanners {
		if !present[t] {
			delete(d.seenBanners, t)
		}
	}
}

// captureAll captures every window concurrently. Each goroutine writes
// only its own slot.
func (d *Daemon) captureAll(ctx context.Context, windows []tmux.Window, now time.Time) []observation {
	obs := make([]observation, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.CaptureConcurrency)
	for i, w := range windows {
		obs[i].window = w
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, d.opts.CaptureTimeout)
			defer cancel()
			text, err := d.Driver.Capture(cctx, w.Target, d.opts.CaptureLines)
			if err != nil {
				if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, tmux.ErrCaptureTimeout) {
					err = fmt.Errorf("%w: %v", tmux.ErrCaptureTimeout, err)
				}
				obs[i].err = err
				return nil
			}
			var prev *agent.Snapshot
			if rec, ok := d.records[w.Target]; ok {
				prev = rec.Last
			}
			snap := d.Classifier.Observe(w.Target, now, text, prev)
			obs[i].snap = &snap
			return nil
		})
	}
	_ = g.Wait()
	return obs
}

func (d *Daemon) classify(o *observation, now time.Time) {
	if o.err != nil {
		o.state = agent.Unknown(o.err.Error())
		o.rule = ruleCaptureError
		return
	}
	o.state, o.rule = d.Classifier.Explain(*o.snap)
}

// processSafely contains a panic in one target's processing.
func (d *Daemon) processSafely(ctx context.Context, o observation, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("[Monitor] target_panic",
				"target", o.window.Target.String(),
				"panic", fmt.Sprint(r))
			err = nil
		}
	}()
	return d.process(ctx, o, now)
}

func (d *Daemon) process(ctx context.Context, o observation, now time.Time) error {
	t := o.window.Target
	rec, ok := d.records[t]
	if !ok {
		rec = &Record{Target: t, StateSince: now}
		d.records[t] = rec
	}
	if rec.Target != t {
		return fmt.Errorf("%w: record for %s holds %s", ErrCorruptRecord, t, rec.Target)
	}
	rec.Name = o.window.Name

	prev := rec.State
	if o.snap != nil {
		rec.Last = o.snap
		rec.LastCapture = o.snap.CapturedAt
		rec.LastContentHash = contentHash(o.snap.Text)
	}
	if prev.Kind != o.state.Kind || rec.ConsecutiveCycles == 0 {
		rec.StateSince = now
		rec.ConsecutiveCycles = 1
		if prev.Kind != "" {
			d.logger().Info("[Monitor] state_changed",
				"target", t.String(),
				"from", prev.Kind,
				"to", o.state.Kind,
				"rule", o.rule)
		}
	} else {
		rec.ConsecutiveCycles++
	}
	rec.State = o.state
	rec.Rule = o.rule

	if d.isSupervisor(t) {
		return nil
	}

	d.alertDegraded(ctx, rec, now)
	if d.opts.Recovery {
		return d.recover(ctx, rec, now)
	}
	return nil
}

// alertDegraded sends the gated alert for a degraded state. Crashed and
// error are reported by the recovery flow when recovery is enabled.
func (d *Daemon) alertDegraded(ctx context.Context, rec *Record, now time.Time) {
	if d.opts.Recovery {
		if _, eligible := recovery.ActionFor(rec.State.Kind); eligible && !rec.State.Is(agent.StateUnsubmitted) {
			return
		}
	}
	ev, ok := notify.NewDegradedEvent(rec.Target, rec.Name, rec.State, now)
	if !ok {
		return
	}
	d.send(ctx, ev, now)
}

func (d *Daemon) recover(ctx context.Context, rec *Record, now time.Time) error {
	dec := d.Coordinator.Observe(rec.Target, rec.State, now)
	if dec.Escalated {
		d.logger().Warn("[Monitor] recovery_escalated", "target", rec.Target.String())
		attempts := 0
		if r, ok := d.Coordinator.Record(rec.Target); ok {
			attempts = r.AttemptCount
		}
		d.send(ctx, notify.NewEscalatedEvent(rec.Target, rec.Name, attempts), now)
		return nil
	}
	if !dec.Trigger() {
		return nil
	}

	attempt, err := d.Coordinator.Begin(rec.Target, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	actionErr := d.runAction(ctx, recovery.Request{
		Target:  rec.Target,
		Name:    rec.Name,
		Action:  dec.Action,
		Attempt: attempt,
		Reason:  rec.State.String(),
	})
	done := d.Clock.Now()
	out, err := d.Coordinator.Complete(rec.Target, actionErr, done)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	policy := d.Coordinator.Policy()
	d.send(ctx, notify.NewRecoveryEvent(rec.Target, rec.Name, string(out.Action), out.Attempt, policy.MaxAttempts, out.Err), done)
	if out.Escalated {
		d.logger().Warn("[Monitor] recovery_escalated", "target", rec.Target.String(), "attempts", out.Attempt)
		d.send(ctx, notify.NewEscalatedEvent(rec.Target, rec.Name, out.Attempt), done)
	}
	return nil
}

// runAction runs the recoverer, turning a panic into a failed attempt so
// the coordinator always leaves in_flight.
func (d *Daemon) runAction(ctx context.Context, req recovery.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("[Monitor] recovery_panic",
				"target", req.Target.String(),
				"action", req.Action,
				"panic", fmt.Sprint(r))
			err = &recovery.ActionError{
				Target: req.Target,
				Action: req.Action,
				Stage:  "panic",
				Err:    fmt.Errorf("%v", r),
			}
		}
	}()
	return d.Recoverer.Recover(ctx, req)
}

// send routes ev through the gate to the subject's supervisor.
func (d *Daemon) send(ctx context.Context, ev notify.Event, now time.Time) {
	if !d.Gate.ShouldNotify(ev.Subject, ev.Category, now) {
		return
	}
	ev.Recipient = d.recipientFor(ev.Subject)
	ev.Timestamp = now
	if err := d.deliver(ctx, ev); err != nil {
		return
	}
	d.Gate.Record(ev.Subject, ev.Category, now)
}

func (d *Daemon) deliver(ctx context.Context, ev notify.Event) error {
	if d.Notifier == nil {
		return errors.New("no notifier")
	}
	err := d.Notifier.Notify(ctx, ev)
	if err != nil {
		d.logger().Warn("[Monitor] notify_failed",
			"category", ev.Category,
			"subject", ev.Subject.String(),
			"recipient", ev.Recipient.String(),
			"error", err)
		return err
	}
	d.logger().Info("[Monitor] notified",
		"category", ev.Category,
		"subject", ev.Subject.String(),
		"recipient", ev.Recipient.String())
	return nil
}

// broadcast sends a daemon-wide event to every supervisor. It reports
// whether any delivery succeeded.
func (d *Daemon) broadcast(ctx context.Context, ev notify.Event, now time.Time) bool {
	ev.Timestamp = now
	recipients := d.supervisors
	if len(recipients) == 0 {
		recipients = []tmux.Target{{}}
	}
	delivered := false
	for _, r := range recipients {
		ev.Recipient = r
		ev.ID = ""
		if d.deliver(ctx, ev) == nil {
			delivered = true
		}
	}
	return delivered
}

// pause is the daemon-wide rate-limit phase. It returns ctx's error when
// stopped mid-pause, without the resume notification.
func (d *Daemon) pause(ctx context.Context, o observation, now time.Time) error {
	w := ratelimit.Window{
		DetectedAt: now,
		ResetAt:    o.state.ResetAt,
		Target:     o.window.Target.String(),
		Wait:       o.state.Wait,
	}
	if w.ResetAt.IsZero() {
		w.SleepFor = d.opts.DefaultSleep
		w.Defaulted = true
		d.logger().Warn("[Monitor] reset_time_unparsed",
			"target", w.Target,
			"reason", o.state.Reason,
			"default_sleep", d.opts.DefaultSleep)
	} else {
		w.SleepFor = ratelimit.SleepUntil(w.ResetAt, now, d.opts.SafetyBuffer)
	}
	if err := d.Tracker.Begin(w); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	d.setPhase(PhasePaused)
	d.publish(now)
	d.logger().Warn("[Monitor] rate_limit_pause",
		"target", w.Target,
		"reset_at", w.ResetAt,
		"sleep_for", w.SleepFor)

	start := notify.NewRateLimitStartEvent(w)
	if d.Gate.ShouldNotify(start.Subject, start.Category, now) && d.broadcast(ctx, start, now) {
		d.Gate.Record(start.Subject, start.Category, now)
	}

	wake := w.WakeAt()
	for {
		remaining := wake.Sub(d.Clock.Now())
		if remaining <= 0 {
			break
		}
		if err := d.Clock.Sleep(ctx, min(remaining, d.opts.PauseCheck)); err != nil {
			d.Tracker.End(d.Clock.Now(), true)
			d.logger().Info("[Monitor] rate_limit_pause_interrupted", "remaining", remaining)
			return err
		}
	}

	woke := d.Clock.Now()
	ended, _ := d.Tracker.End(woke, false)
	d.seenBanners[o.window.Target] = o.state.Banner
	d.setPhase(PhaseMonitoring)
	d.logger().Info("[Monitor] rate_limit_resume", "paused_for", woke.Sub(now))

	resume := notify.NewRateLimitResumeEvent(ended)
	if d.Gate.ShouldNotify(resume.Subject, resume.Category, woke) && d.broadcast(ctx, resume, woke) {
		d.Gate.Record(resume.Subject, resume.Category, woke)
	}
	d.publish(woke)
	return nil
}

// resolveSupervisors merges configured supervisors with windows whose
// name matches the supervisor pattern.
func (d *Daemon) resolveSupervisors(windows []tmux.Window) {
	sups := slices.Clone(d.opts.Supervisors)
	if d.supPattern != nil {
		for _, w := range windows {
			if d.supPattern.MatchString(w.Name) && !slices.Contains(sups, w.Target) {
				sups = append(sups, w.Target)
			}
		}
	}
	d.supervisors = sups
}

func (d *Daemon) isSupervisor(t tmux.Target) bool {
	return slices.Contains(d.supervisors, t)
}

// recipientFor picks the supervisor in the subject's session, else the
// first supervisor. The zero target means there is none.
func (d *Daemon) recipientFor(subject tmux.Target) tmux.Target {
	for _, s := range d.supervisors {
		if s.Session == subject.Session && s != subject {
			return s
		}
	}
	for _, s := range d.supervisors {
		if s != subject {
			return s
		}
	}
	return tmux.Target{}
}

// Reset clears a target's recovery escalation. Any monitored target can
// be reset, with or without recovery records. Safe to call from outside
// the loop.
func (d *Daemon) Reset(t tmux.Target) (bool, error) {
	_, monitored := d.Status().Target(t)
	if _, ok := d.Coordinator.Record(t); !ok && !monitored {
		return false, fmt.Errorf("%w: %s", ErrUnknownTarget, t)
	}
	was := d.Coordinator.Reset(t)
	d.logger().Info("[Monitor] recovery_reset", "target", t.String(), "was_escalated", was)
	return was, nil
}

func (d *Daemon) setPhase(p Phase) {
	d.phase = p
	d.statusMu.Lock()
	d.status.Phase = p
	d.statusMu.Unlock()
}

// publish rebuilds the shared status snapshot and writes the status file.
func (d *Daemon) publish(now time.Time) {
	st := Status{
		RunID:       d.runID,
		PID:         os.Getpid(),
		Phase:       d.phase,
		StartedAt:   d.startedAt,
		UpdatedAt:   now,
		Cycles:      d.cycles,
		Interval:    d.opts.Interval.String(),
		Recovery:    d.opts.Recovery,
		Supervisors: slices.Clone(d.supervisors),
		History:     d.Tracker.History(10),
	}
	if w, ok := d.Tracker.Active(); ok {
		st.RateLimit = &w
	}
	for _, rec := range d.records {
		ts := TargetStatus{
			Target:      rec.Target,
			Name:        rec.Name,
			State:       rec.State.Kind,
			Detail:      rec.State.String(),
			StateSince:  rec.StateSince,
			Cycles:      rec.ConsecutiveCycles,
			Rule:        rec.Rule,
			Supervisor:  d.isSupervisor(rec.Target),
			LastCapture: rec.LastCapture,
		}
		if r, ok := d.Coordinator.Record(rec.Target); ok {
			ts.Attempts = r.AttemptCount
			ts.Recovery = r.Phase
			ts.Escalated = r.Escalated
			ts.LastError = r.LastError
		}
		st.Targets = append(st.Targets, ts)
	}
	slices.SortFunc(st.Targets, func(a, b TargetStatus) int {
		if a.Target.Session != b.Target.Session {
			if a.Target.Session < b.Target.Session {
				return -1
			}
			return 1
		}
		return a.Target.Window - b.Target.Window
	})

	d.statusMu.Lock()
	d.status = st
	d.statusMu.Unlock()

	if d.opts.StatusPath != "" {
		if err := WriteStatusFile(d.opts.StatusPath, st); err != nil {
			d.logger().Warn("[Monitor] status_write_failed", "path", d.opts.StatusPath, "error", err)
		}
	}
}

// Status returns the last published status. Safe from any goroutine.
func (d *Daemon) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	st := d.status
	st.Targets = slices.Clone(d.status.Targets)
	return st
}

// Records returns copies of the loop's records. Only call from the loop
// goroutine or after Run returned.
func (d *Daemon) Records() map[tmux.Target]Record {
	out := make(map[tmux.Target]Record, len(d.records))
	for t, r := range d.records {
		out[t] = *r
	}
	return out
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
