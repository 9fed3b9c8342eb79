package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/clock"
	"github.com/EvanSchalton/tmux-orchestrator/internal/notify"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

const (
	idleScreen    = "Done. All 42 tests pass.\n\n╭──────────────╮\n│ >            │\n╰──────────────╯\n  ? for shortcuts"
	crashedScreen = "claude exited with code 1\nuser@box:~/proj$"
	limitScreen   = "You've hit your usage limit. Your limit resets at 2:00am.\n\n╭──────╮\n│ >    │\n╰──────╯\n  ? for shortcuts"
	pmScreen      = "PM notes\n\n╭──────╮\n│ >    │\n╰──────╯\n  ? for shortcuts"
)

var (
	pm     = tmux.Target{Session: "proj", Window: 1}
	worker = tmux.Target{Session: "proj", Window: 2}
	start  = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
)

type fakeDriver struct {
	mu         sync.Mutex
	windows    []tmux.Window
	listErr    error
	screens    map[tmux.Target]string
	captureErr map[tmux.Target]error
	block      map[tmux.Target]bool
	sent       []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		screens:    make(map[tmux.Target]string),
		captureErr: make(map[tmux.Target]error),
		block:      make(map[tmux.Target]bool),
	}
}

func (f *fakeDriver) addWindow(t tmux.Target, name, screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, tmux.Window{Target: t, Name: name})
	f.screens[t] = screen
}

func (f *fakeDriver) setScreen(t tmux.Target, screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens[t] = screen
}

func (f *fakeDriver) Capture(ctx context.Context, t tmux.Target, _ int) (string, error) {
	f.mu.Lock()
	blocked := f.block[t]
	err := f.captureErr[t]
	text, ok := f.screens[t]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", tmux.ErrTargetNotFound
	}
	return text, nil
}

func (f *fakeDriver) SendKeys(_ context.Context, t tmux.Target, keys string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t.String()+" "+keys)
	return nil
}

func (f *fakeDriver) SendInterrupt(context.Context, tmux.Target) error { return nil }

func (f *fakeDriver) ListWindows(context.Context) ([]tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]tmux.Window, len(f.windows))
	copy(out, f.windows)
	return out, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) byCategory(c notify.Category) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.Category == c {
			out = append(out, ev)
		}
	}
	return out
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeRecoverer struct {
	mu     sync.Mutex
	err    error
	panics bool
	calls  []recovery.Request
}

func (r *fakeRecoverer) Recover(_ context.Context, req recovery.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.panics {
		panic("recoverer blew up")
	}
	return r.err
}

type testEnv struct {
	d     *Daemon
	drv   *fakeDriver
	notes *fakeNotifier
	rec   *fakeRecoverer
	clk   *clock.Fake
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	drv := newFakeDriver()
	notes := &fakeNotifier{}
	d, err := New(drv, notes, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := clock.NewFake(start)
	rec := &fakeRecoverer{}
	d.Clock = clk
	d.Recoverer = rec
	d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{d: d, drv: drv, notes: notes, rec: rec, clk: clk}
}

// cycle runs one cycle and advances the clock by the interval.
func (e *testEnv) cycle(t *testing.T) {
	t.Helper()
	if err := e.d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	e.clk.Advance(e.d.opts.Interval)
}

func (e *testEnv) state(t tmux.Target) agent.StateKind {
	return e.d.Records()[t].State.Kind
}

func assertNoSelfNotification(t *testing.T, n *fakeNotifier) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if !ev.Recipient.IsZero() && ev.Subject == ev.Recipient {
			t.Errorf("%s about %s delivered to itself", ev.Category, ev.Subject)
		}
	}
}

func TestIdleAlertAfterThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "backend", idleScreen)

	var got []agent.StateKind
	var alertsAfter []int
	for i := 0; i < 4; i++ {
		env.cycle(t)
		got = append(got, env.state(worker))
		alertsAfter = append(alertsAfter, len(env.notes.byCategory(notify.CategoryIdle)))
	}

	want := []agent.StateKind{agent.StateHealthy, agent.StateHealthy, agent.StateIdle, agent.StateIdle}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
	if alertsAfter[1] != 0 || alertsAfter[2] != 1 || alertsAfter[3] != 1 {
		t.Errorf("idle alerts per cycle = %v, want one at the Healthy->Idle transition", alertsAfter)
	}
	if env.notes.count() != 1 {
		t.Errorf("total notifications = %d, want 1", env.notes.count())
	}
	ev := env.notes.byCategory(notify.CategoryIdle)[0]
	if ev.Subject != worker || ev.Recipient != pm || ev.Name != "backend" {
		t.Errorf("idle alert = %+v", ev)
	}
	assertNoSelfNotification(t, env.notes)
}

func TestRateLimitPausesWholeDaemon(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clk.Set(time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC))
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "backend", limitScreen)

	if err := env.d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	wantSleep := 3*time.Hour + 2*time.Minute
	if got := env.clk.Slept(); got != wantSleep {
		t.Errorf("paused for %v, want %v", got, wantSleep)
	}
	for _, s := range env.clk.Sleeps() {
		if s > env.d.opts.PauseCheck {
			t.Fatalf("pause slice %v longer than PauseCheck", s)
		}
	}
	if len(env.d.Records()) != 0 {
		t.Error("records touched during the pause cycle")
	}

	starts := env.notes.byCategory(notify.CategoryRateLimitStart)
	resumes := env.notes.byCategory(notify.CategoryRateLimitResume)
	if len(starts) != 1 || len(resumes) != 1 || env.notes.count() != 2 {
		t.Fatalf("notifications: %d start, %d resume, %d total", len(starts), len(resumes), env.notes.count())
	}
	if starts[0].Recipient != pm || !starts[0].Timestamp.Before(resumes[0].Timestamp) {
		t.Errorf("start = %+v resume = %+v", starts[0], resumes[0])
	}

	hist := env.d.Tracker.History(0)
	if len(hist) != 1 || hist[0].Interrupted {
		t.Fatalf("history = %+v", hist)
	}
	wantReset := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	if !hist[0].ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", hist[0].ResetAt, wantReset)
	}
	if st := env.d.Status(); st.Phase != PhaseMonitoring || st.RateLimit != nil {
		t.Errorf("status after resume = %+v", st)
	}

	// The banner is still on screen after waking.
	env.clk.Advance(15 * time.Second)
	env.cycle(t)
	if got := env.state(worker); got == agent.StateRateLimited {
		t.Error("stale banner classified as rate limited again")
	}
	if env.notes.count() != 2 || len(env.d.Tracker.History(0)) != 1 {
		t.Error("stale banner started a second pause")
	}
}

func TestStaleBannerIgnoredPastGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clk.Set(time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC))
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "backend", limitScreen)

	if err := env.d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	slept := env.clk.Slept()
	woke := env.clk.Now()

	// The assistant sits untouched with the old banner well past the grace.
	for env.clk.Now().Before(woke.Add(env.d.opts.StaleGrace + 10*time.Minute)) {
		env.cycle(t)
	}
	if got := env.clk.Slept(); got != slept {
		t.Fatalf("slept %v after resume, want no second pause", got-slept)
	}
	if n := len(env.d.Tracker.History(0)); n != 1 {
		t.Fatalf("history has %d windows, want 1", n)
	}
	if n := len(env.notes.byCategory(notify.CategoryRateLimitStart)); n != 1 {
		t.Errorf("%d rate limit start notifications, want 1", n)
	}
	if got := env.d.Records()[worker].Rule; got != ruleStaleBanner {
		t.Errorf("rule = %q, want %q", got, ruleStaleBanner)
	}

	// New work scrolls the old banner away; a fresh limit pauses again.
	env.drv.setScreen(worker, "Refactored the auth module.\nYou've hit your usage limit. Your limit resets at 7:00am.\n? for shortcuts")
	if err := env.d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	hist := env.d.Tracker.History(0)
	if len(hist) != 2 {
		t.Fatalf("history has %d windows, want 2", len(hist))
	}
	if want := time.Date(2025, 6, 11, 7, 0, 0, 0, time.UTC); !hist[1].ResetAt.Equal(want) {
		t.Errorf("second ResetAt = %v, want %v", hist[1].ResetAt, want)
	}
}

func TestRateLimitUnparsableUsesDefaultSleep(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.DefaultSleep = 20 * time.Minute })
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", "Usage limit reached. Your limit resets at teatime.\n? for shortcuts")

	if err := env.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := env.clk.Slept(); got != 20*time.Minute {
		t.Errorf("slept %v, want default 20m", got)
	}
	if w := env.d.Tracker.History(0); len(w) != 1 || !w[0].Defaulted {
		t.Errorf("history = %+v", w)
	}
}

func TestRecoveryEscalatesAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rec.err = &recovery.ActionError{Target: worker, Action: recovery.ActionRestart, Stage: "wait_ready", Err: errors.New("no prompt")}
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "backend", crashedScreen)

	for i := 0; i < 20; i++ {
		env.cycle(t)
		if i == 1 && len(env.rec.calls) != 0 {
			t.Fatal("recovery before three crashed observations")
		}
		if i == 2 && len(env.rec.calls) != 1 {
			t.Fatalf("after three crashed observations: %d attempts", len(env.rec.calls))
		}
	}

	if len(env.rec.calls) != 3 {
		t.Fatalf("recovery attempts = %d, want 3", len(env.rec.calls))
	}
	for i, c := range env.rec.calls {
		if c.Action != recovery.ActionRestart || c.Attempt != i+1 || c.Target != worker {
			t.Errorf("call %d = %+v", i, c)
		}
	}
	if n := len(env.notes.byCategory(notify.CategoryRecoveryAttempted)); n != 3 {
		t.Errorf("attempt notifications = %d, want 3", n)
	}
	if n := len(env.notes.byCategory(notify.CategoryEscalated)); n != 1 {
		t.Errorf("escalation notifications = %d, want 1", n)
	}
	if n := len(env.notes.byCategory(notify.CategoryCrashed)); n != 0 {
		t.Errorf("crash alerts sent while recovery handles them: %d", n)
	}
	if env.notes.count() != 4 {
		t.Errorf("total notifications = %d, want 4", env.notes.count())
	}

	ts, ok := env.d.Status().Target(worker)
	if !ok || !ts.Escalated || ts.Attempts != 3 || ts.Recovery != recovery.PhaseEscalated {
		t.Errorf("status = %+v", ts)
	}
	assertNoSelfNotification(t, env.notes)
}

func TestPanickingRecoveryStillEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rec.panics = true
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "backend", crashedScreen)

	for i := 0; i < 40; i++ {
		env.cycle(t)
	}

	if len(env.rec.calls) != 3 {
		t.Fatalf("recovery attempts = %d, want 3", len(env.rec.calls))
	}
	ts, ok := env.d.Status().Target(worker)
	if !ok || !ts.Escalated || ts.Recovery != recovery.PhaseEscalated {
		t.Fatalf("status = %+v", ts)
	}
	if ts.LastError == "" {
		t.Error("panic not recorded as the last error")
	}
	if n := len(env.notes.byCategory(notify.CategoryEscalated)); n != 1 {
		t.Errorf("escalation notifications = %d, want 1", n)
	}
}

func TestRecoverySuccessNotifies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", crashedScreen)

	for i := 0; i < 3; i++ {
		env.cycle(t)
	}
	if len(env.rec.calls) != 1 {
		t.Fatalf("attempts = %d", len(env.rec.calls))
	}
	if n := len(env.notes.byCategory(notify.CategoryRecoverySucceeded)); n != 1 {
		t.Errorf("success notifications = %d", n)
	}
}

func TestRecoveryDisabledAlertsCrash(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Recovery = false })
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", crashedScreen)

	for i := 0; i < 10; i++ {
		env.cycle(t)
	}
	if len(env.rec.calls) != 0 {
		t.Error("recovery ran while disabled")
	}
	if n := len(env.notes.byCategory(notify.CategoryCrashed)); n != 1 {
		t.Errorf("crash alerts = %d, want 1 within cooldown", n)
	}
}

func TestCaptureTimeoutIsUnknown(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.CaptureTimeout = 20 * time.Millisecond })
	slow := tmux.Target{Session: "proj", Window: 3}
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.drv.addWindow(slow, "slow", idleScreen)
	env.drv.block[slow] = true

	env.cycle(t)

	rec := env.d.Records()[slow]
	if rec.State.Kind != agent.StateUnknown || rec.Rule != ruleCaptureError {
		t.Errorf("slow target = %+v", rec.State)
	}
	if env.state(worker) != agent.StateHealthy {
		t.Errorf("other targets should still be classified, got %s", env.state(worker))
	}
}

func TestCaptureErrorKeepsPreviousSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)

	env.cycle(t)
	env.drv.captureErr[worker] = tmux.ErrCaptureTimeout
	env.cycle(t)
	if env.state(worker) != agent.StateUnknown {
		t.Fatalf("state = %s, want unknown", env.state(worker))
	}
	if env.d.Records()[worker].Last == nil {
		t.Error("capture failure dropped the previous snapshot")
	}
}

func TestVanishedTargetDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.cycle(t)
	if _, ok := env.d.Records()[worker]; !ok {
		t.Fatal("worker not recorded")
	}

	env.drv.mu.Lock()
	env.drv.windows = env.drv.windows[:1]
	env.drv.mu.Unlock()
	env.cycle(t)
	if _, ok := env.d.Records()[worker]; ok {
		t.Error("vanished target still recorded")
	}
}

func TestListFailureReusesKnownTargets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.cycle(t)

	env.drv.listErr = errors.New("server busy")
	env.cycle(t)
	rec, ok := env.d.Records()[worker]
	if !ok || rec.ConsecutiveCycles != 2 {
		t.Errorf("record after list failure = %+v, %v", rec, ok)
	}
}

func TestStopDuringPause(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clk.Set(time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC))
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", limitScreen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	env.clk.OnSleep = func(time.Duration) {
		sleeps++
		if sleeps == 5 {
			cancel()
		}
	}

	if err := env.d.Run(ctx); err != nil {
		t.Fatalf("Run returned %v on stop", err)
	}
	if n := len(env.notes.byCategory(notify.CategoryRateLimitStart)); n != 1 {
		t.Errorf("start notifications = %d", n)
	}
	if n := len(env.notes.byCategory(notify.CategoryRateLimitResume)); n != 0 {
		t.Error("resume sent after stop")
	}
	if got := env.clk.Slept(); got > 5*env.d.opts.PauseCheck {
		t.Errorf("stop took %v of pause", got)
	}
	if hist := env.d.Tracker.History(0); len(hist) != 1 || !hist[0].Interrupted {
		t.Errorf("history = %+v", hist)
	}
	if env.d.Status().Phase != PhaseStopped {
		t.Errorf("phase = %s", env.d.Status().Phase)
	}
}

func TestSupervisorNeverAlertedAboutItself(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", idleScreen)
	env.drv.addWindow(worker, "w", crashedScreen)

	for i := 0; i < 30; i++ {
		env.cycle(t)
	}
	if env.state(pm) != agent.StateIdle {
		t.Fatalf("pm state = %s", env.state(pm))
	}
	env.notes.mu.Lock()
	for _, ev := range env.notes.events {
		if ev.Subject == pm {
			t.Errorf("alert about the supervisor: %+v", ev)
		}
	}
	env.notes.mu.Unlock()
	assertNoSelfNotification(t, env.notes)
}

func TestRecipientPrefersSameSession(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Supervisors = []tmux.Target{{Session: "other", Window: 0}}
	})
	beta := tmux.Target{Session: "beta", Window: 1}
	betaPM := tmux.Target{Session: "beta", Window: 0}
	env.drv.addWindow(pm, "project-manager", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.drv.addWindow(betaPM, "PM", pmScreen)
	env.drv.addWindow(beta, "w", idleScreen)

	for i := 0; i < 3; i++ {
		env.cycle(t)
	}
	alerts := env.notes.byCategory(notify.CategoryIdle)
	if len(alerts) != 2 {
		t.Fatalf("idle alerts = %d", len(alerts))
	}
	for _, ev := range alerts {
		if ev.Recipient.Session != ev.Subject.Session {
			t.Errorf("alert for %s went to %s", ev.Subject, ev.Recipient)
		}
	}
	if sups := env.d.Status().Supervisors; len(sups) != 3 {
		t.Errorf("supervisors = %v", sups)
	}
}

func TestNoSupervisorStillLogsDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(worker, "w", idleScreen)
	for i := 0; i < 3; i++ {
		env.cycle(t)
	}
	alerts := env.notes.byCategory(notify.CategoryIdle)
	if len(alerts) != 1 || !alerts[0].Recipient.IsZero() {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.notes.err = errors.New("pane gone")
	for i := 0; i < 3; i++ {
		env.cycle(t)
	}
	env.notes.err = nil
	env.cycle(t)
	if n := len(env.notes.byCategory(notify.CategoryIdle)); n != 1 {
		t.Errorf("idle alerts after failed send = %d, want 1", n)
	}
}

func TestSessionFilterAndExclude(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Sessions = []string{"proj"}
		o.Exclude = []string{`^(shell|logs)$`}
	})
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.drv.addWindow(tmux.Target{Session: "proj", Window: 3}, "logs", idleScreen)
	env.drv.addWindow(tmux.Target{Session: "scratch", Window: 0}, "w", idleScreen)

	env.cycle(t)
	recs := env.d.Records()
	if len(recs) != 2 {
		t.Errorf("monitored %d targets, want 2: %v", len(recs), recs)
	}
}

func TestResetClearsEscalation(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Policy.MaxAttempts = 1 })
	env.rec.err = errors.New("fail")
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", crashedScreen)
	for i := 0; i < 3; i++ {
		env.cycle(t)
	}
	if r, _ := env.d.Coordinator.Record(worker); !r.Escalated {
		t.Fatal("expected escalation")
	}

	was, err := env.d.Reset(worker)
	if err != nil || !was {
		t.Fatalf("Reset = %v, %v", was, err)
	}
	if r, _ := env.d.Coordinator.Record(worker); r.Escalated {
		t.Error("still escalated after reset")
	}
	if _, err := env.d.Reset(tmux.Target{Session: "nope", Window: 9}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Reset unknown = %v", err)
	}
}

func TestResetWithRecoveryDisabled(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Recovery = false })
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.cycle(t)

	was, err := env.d.Reset(worker)
	if err != nil || was {
		t.Fatalf("Reset = %v, %v; want false, nil", was, err)
	}
	if _, err := env.d.Reset(tmux.Target{Session: "nope", Window: 9}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Reset unknown = %v", err)
	}
}

func TestApplyReload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)

	thr := agent.DefaultThresholds()
	thr.IdleCycles = 2
	cls, err := agent.New(agent.DefaultVocabulary(), thr)
	if err != nil {
		t.Fatal(err)
	}
	env.d.Apply(Reload{Interval: 5 * time.Second})
	env.d.Apply(Reload{Classifier: cls, Interval: 30 * time.Second})

	env.cycle(t)
	env.cycle(t)
	if env.d.Options().Interval != 30*time.Second {
		t.Errorf("interval = %v, newest reload should win", env.d.Options().Interval)
	}
	if env.state(worker) != agent.StateIdle {
		t.Errorf("reloaded classifier not used: %s", env.state(worker))
	}
}

func TestStatusFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	env := newTestEnv(t, func(o *Options) { o.StatusPath = path })
	env.drv.addWindow(pm, "pm", pmScreen)
	env.drv.addWindow(worker, "w", idleScreen)
	env.cycle(t)

	st, err := ReadStatusFile(path)
	if err != nil {
		t.Fatalf("ReadStatusFile: %v", err)
	}
	if st.RunID != env.d.RunID() || st.Cycles != 1 || len(st.Targets) != 2 {
		t.Errorf("status file = %+v", st)
	}
	if ts, ok := st.Target(pm); !ok || !ts.Supervisor {
		t.Errorf("pm status = %+v", ts)
	}
}

func TestCorruptRecordEndsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(worker, "w", idleScreen)
	env.d.records[worker] = &Record{Target: pm, ConsecutiveCycles: 1}

	err := env.d.Run(context.Background())
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Run = %v, want ErrCorruptRecord", err)
	}
}

func TestSuperviseRestartsCold(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drv.addWindow(worker, "w", idleScreen)
	env.d.records[worker] = &Record{Target: pm, ConsecutiveCycles: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	env.clk.OnSleep = func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			cancel()
		}
	}

	if err := Supervise(ctx, env.d, 3, time.Minute); err != nil {
		t.Fatalf("Supervise = %v", err)
	}
	if got := env.clk.Sleeps(); len(got) == 0 || got[0] != time.Second {
		t.Errorf("first sleep = %v, want 1s restart backoff", got)
	}
	if rec := env.d.Records()[worker]; rec.Target != worker {
		t.Errorf("corrupt record survived restart: %+v", rec)
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	o := DefaultOptions()
	o.Interval = 0
	o.SupervisorPattern = "("
	o.Sessions = []string{"bad:name"}
	if err := o.Validate(); err == nil {
		t.Error("expected errors")
	}
	if _, err := New(newFakeDriver(), nil, o); err == nil {
		t.Error("New should reject invalid options")
	}
}
