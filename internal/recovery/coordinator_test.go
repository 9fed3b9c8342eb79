package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

var (
	target = tmux.Target{Session: "proj", Window: 2}
	t0     = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
)

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := Policy{DebounceCycles: 0, MaxAttempts: 0, BackoffBase: time.Minute, BackoffMax: time.Second}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		kind agent.StateKind
		want ActionKind
		ok   bool
	}{
		{agent.StateCrashed, ActionRestart, true},
		{agent.StateError, ActionRestart, true},
		{agent.StateUnsubmitted, ActionSubmit, true},
		{agent.StateIdle, "", false},
		{agent.StateRateLimited, "", false},
		{agent.StateUnknown, "", false},
	}
	for _, tt := range tests {
		got, ok := ActionFor(tt.kind)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ActionFor(%s) = %q, %v", tt.kind, got, ok)
		}
	}
}

func TestDebounce(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	crashed := agent.Crashed("gone")

	for i := 0; i < 2; i++ {
		if d := c.Observe(target, crashed, t0.Add(time.Duration(i)*10*time.Second)); d.Trigger() {
			t.Fatalf("triggered on observation %d", i+1)
		}
	}
	d := c.Observe(target, crashed, t0.Add(20*time.Second))
	if !d.Trigger() || d.Action != ActionRestart || d.Attempt != 1 {
		t.Fatalf("third observation: %+v", d)
	}
}

func TestFlickerResetsStreak(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	now := t0
	seq := []agent.State{agent.Crashed("x"), agent.Crashed("x"), agent.Idle(now), agent.Crashed("x"), agent.Crashed("x")}
	for _, st := range seq {
		if d := c.Observe(target, st, now); d.Trigger() {
			t.Fatalf("triggered after flicker on %s", st.Kind)
		}
		now = now.Add(10 * time.Second)
	}
}

func TestUnknownHoldsStreak(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	c.Observe(target, agent.Crashed("x"), t0)
	c.Observe(target, agent.Crashed("x"), t0)
	c.Observe(target, agent.Unknown("capture timeout"), t0)
	if rec, _ := c.Record(target); rec.UnhealthyCycles != 2 {
		t.Fatalf("unknown changed the streak to %d", rec.UnhealthyCycles)
	}
	if d := c.Observe(target, agent.Crashed("x"), t0); !d.Trigger() {
		t.Error("streak should survive an unknown cycle")
	}
}

func TestSuccessReturnsToObserving(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	for i := 0; i < 3; i++ {
		c.Observe(target, agent.Unsubmitted(t0), t0)
	}
	attempt, err := c.Begin(target, t0)
	if err != nil || attempt != 1 {
		t.Fatalf("Begin = %d, %v", attempt, err)
	}
	if d := c.Observe(target, agent.Unsubmitted(t0), t0); d.Trigger() {
		t.Error("no decision while in flight")
	}

	out, err := c.Complete(target, nil, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Succeeded() || out.Action != ActionSubmit || out.Escalated {
		t.Errorf("outcome = %+v", out)
	}
	rec, _ := c.Record(target)
	if rec.Phase != PhaseObserving || rec.AttemptCount != 1 {
		t.Errorf("record after success = %+v", rec)
	}

	c.Observe(target, agent.Healthy(), t0.Add(10*time.Second))
	rec, _ = c.Record(target)
	if rec.AttemptCount != 0 || !rec.CooldownUntil.IsZero() {
		t.Errorf("healthy should reset attempts: %+v", rec)
	}
}

// Three crashes trigger an attempt; three failures escalate; nothing
// triggers after that.
func TestRepeatedFailuresEscalate(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	crashed := agent.Crashed("shell prompt")
	now := t0
	var attempts, escalations int

	for cycle := 0; cycle < 60; cycle++ {
		d := c.Observe(target, crashed, now)
		if d.Escalated {
			escalations++
		}
		if d.Trigger() {
			n, err := c.Begin(target, now)
			if err != nil {
				t.Fatal(err)
			}
			attempts++
			out, err := c.Complete(target, errors.New("still at prompt"), now)
			if err != nil {
				t.Fatal(err)
			}
			if out.Escalated {
				escalations++
			}
			if n == 3 && !out.Escalated {
				t.Errorf("third failure did not escalate")
			}
		}
		now = now.Add(10 * time.Second)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if escalations != 1 {
		t.Errorf("escalations = %d, want 1", escalations)
	}
	rec, _ := c.Record(target)
	if rec.Phase != PhaseEscalated || !rec.Escalated {
		t.Errorf("record = %+v", rec)
	}
}

func TestBackoffBetweenFailedAttempts(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	crashed := agent.Crashed("x")
	for i := 0; i < 3; i++ {
		c.Observe(target, crashed, t0)
	}
	c.Begin(target, t0)
	out, _ := c.Complete(target, errors.New("fail"), t0)
	if want := t0.Add(30 * time.Second); !out.RetryAt.Equal(want) {
		t.Fatalf("RetryAt = %v, want %v", out.RetryAt, want)
	}
	if d := c.Observe(target, crashed, t0.Add(29*time.Second)); d.Trigger() {
		t.Error("triggered inside backoff")
	}
	d := c.Observe(target, crashed, t0.Add(30*time.Second))
	if !d.Trigger() || d.Attempt != 2 {
		t.Errorf("after backoff: %+v", d)
	}
}

// Successful attempts that never bring the target back to healthy still
// count toward the limit.
func TestEscalatesOnObserveAfterRepeatedSuccess(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	now := t0
	attempts := 0
	escalated := false
	for cycle := 0; cycle < 200 && !escalated; cycle++ {
		d := c.Observe(target, agent.Errored("API Error"), now)
		escalated = d.Escalated
		if d.Trigger() {
			c.Begin(target, now)
			attempts++
			c.Complete(target, nil, now)
		}
		now = now.Add(10 * time.Second)
	}
	if !escalated || attempts != 3 {
		t.Errorf("escalated=%v attempts=%d", escalated, attempts)
	}
}

func TestNeverExceedsMaxAttemptsWithoutHealthy(t *testing.T) {
	for _, max := range []int{1, 2, 3, 5} {
		p := DefaultPolicy()
		p.MaxAttempts = max
		c := NewCoordinator(p)
		now := t0
		attempts := 0
		states := []agent.State{agent.Crashed("x"), agent.Unknown(""), agent.Errored("e"), agent.Unsubmitted(now)}
		for cycle := 0; cycle < 500; cycle++ {
			d := c.Observe(target, states[cycle%len(states)], now)
			if d.Trigger() {
				c.Begin(target, now)
				attempts++
				c.Complete(target, errors.New("fail"), now)
			}
			now = now.Add(15 * time.Second)
		}
		if attempts != max {
			t.Errorf("max=%d: %d attempts", max, attempts)
		}
	}
}

func TestHealthyKeepsEscalation(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 1
	c := NewCoordinator(p)
	for i := 0; i < 3; i++ {
		c.Observe(target, agent.Crashed("x"), t0)
	}
	c.Begin(target, t0)
	c.Complete(target, errors.New("fail"), t0)

	c.Observe(target, agent.Healthy(), t0.Add(time.Minute))
	rec, _ := c.Record(target)
	if !rec.Escalated || rec.Phase != PhaseEscalated {
		t.Fatalf("healthy cleared escalation: %+v", rec)
	}
	for i := 0; i < 10; i++ {
		if d := c.Observe(target, agent.Crashed("x"), t0.Add(time.Hour)); d.Trigger() || d.Escalated {
			t.Fatal("escalated target must stay quiet")
		}
	}

	if !c.Reset(target) {
		t.Error("Reset should report the escalation it cleared")
	}
	rec, _ = c.Record(target)
	if rec.Escalated || rec.Phase != PhaseObserving || rec.AttemptCount != 0 {
		t.Errorf("record after reset = %+v", rec)
	}
	if c.Reset(tmux.Target{Session: "other", Window: 0}) {
		t.Error("reset of unknown target reported escalation")
	}
}

func TestBeginCompleteOutOfOrder(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	if _, err := c.Begin(target, t0); !errors.Is(err, ErrNotPending) {
		t.Errorf("Begin without pending = %v", err)
	}
	if _, err := c.Complete(target, nil, t0); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Complete without begin = %v", err)
	}
}

func TestRecordsSorted(t *testing.T) {
	c := NewCoordinator(DefaultPolicy())
	for _, s := range []string{"b:1", "a:3", "a:1"} {
		c.Observe(tmux.MustParseTarget(s), agent.Healthy(), t0)
	}
	recs := c.Records()
	got := []string{recs[0].Target.String(), recs[1].Target.String(), recs[2].Target.String()}
	want := []string{"a:1", "a:3", "b:1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Records order = %v", got)
		}
	}
}
