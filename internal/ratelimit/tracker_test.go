package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTrackerBeginEnd(t *testing.T) {
	tr := NewTracker()
	start := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
	w := Window{DetectedAt: start, ResetAt: start.Add(3 * time.Hour), SleepFor: 3*time.Hour + 2*time.Minute, Target: "proj:1"}

	if err := tr.Begin(w); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tr.Begin(w); !errors.Is(err, ErrWindowActive) {
		t.Errorf("second Begin err = %v, want ErrWindowActive", err)
	}

	active, ok := tr.Active()
	if !ok || active.Target != "proj:1" {
		t.Fatalf("Active() = %+v, %v", active, ok)
	}
	if !active.WakeAt().Equal(start.Add(w.SleepFor)) {
		t.Errorf("WakeAt = %v", active.WakeAt())
	}

	ended, ok := tr.End(w.WakeAt(), false)
	if !ok || !ended.EndedAt.Equal(w.WakeAt()) {
		t.Fatalf("End() = %+v, %v", ended, ok)
	}
	if _, ok := tr.Active(); ok {
		t.Error("window still active after End")
	}
	if _, ok := tr.End(w.WakeAt(), false); ok {
		t.Error("End with no active window should report false")
	}

	last, ok := tr.Last()
	if !ok || last.Target != "proj:1" {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestTrackerHistoryBounded(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(0, 0).UTC()
	for i := 0; i < maxHistory+20; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if err := tr.Begin(Window{DetectedAt: at}); err != nil {
			t.Fatal(err)
		}
		tr.End(at.Add(time.Minute), false)
	}

	all := tr.History(0)
	if len(all) != maxHistory {
		t.Fatalf("history len = %d, want %d", len(all), maxHistory)
	}
	if !all[0].DetectedAt.Equal(base.Add(20 * time.Hour)) {
		t.Errorf("oldest kept window = %v", all[0].DetectedAt)
	}
	if got := tr.History(5); len(got) != 5 {
		t.Errorf("History(5) len = %d", len(got))
	}
}

func TestTrackerIsStale(t *testing.T) {
	grace := 30 * time.Minute
	reset := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)

	tr := NewTracker()
	if tr.IsStale(reset, reset, grace) {
		t.Error("no history should never be stale")
	}

	_ = tr.Begin(Window{DetectedAt: reset.Add(-3 * time.Hour), ResetAt: reset})
	woke := reset.Add(2 * time.Minute)
	tr.End(woke, false)

	rolled := reset.AddDate(0, 0, 1)
	if !tr.IsStale(rolled, woke.Add(time.Minute), grace) {
		t.Error("rolled-over banner right after wake should be stale")
	}
	if tr.IsStale(rolled, woke.Add(grace+time.Minute), grace) {
		t.Error("banner after grace should not be stale")
	}
	if tr.IsStale(reset.Add(5*time.Hour), woke.Add(time.Minute), grace) {
		t.Error("a new reset time should not be stale")
	}
	if tr.IsStale(time.Time{}, woke.Add(time.Minute), grace) {
		t.Error("unparsable banner after a parsed window should not be stale")
	}
}

func TestTrackerIsStaleDefaulted(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	_ = tr.Begin(Window{DetectedAt: at, SleepFor: DefaultSleep, Defaulted: true})
	tr.End(at.Add(DefaultSleep), false)

	if !tr.IsStale(time.Time{}, at.Add(DefaultSleep+time.Minute), time.Hour) {
		t.Error("repeat unparsable banner after defaulted window should be stale")
	}
}

func TestTrackerIsStaleInterrupted(t *testing.T) {
	tr := NewTracker()
	reset := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	_ = tr.Begin(Window{DetectedAt: reset.Add(-time.Hour), ResetAt: reset})
	tr.End(reset.Add(-30*time.Minute), true)

	if tr.IsStale(reset, reset.Add(-29*time.Minute), time.Hour) {
		t.Error("interrupted window should not mark banners stale")
	}
}

func TestTrackerConcurrentReaders(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Active()
				tr.History(10)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_ = tr.Begin(Window{DetectedAt: time.Unix(int64(i), 0)})
		tr.End(time.Unix(int64(i)+1, 0), false)
	}
	wg.Wait()
}

func TestTrackerIsStaleRelative(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	wait := 5 * time.Minute
	_ = tr.Begin(Window{DetectedAt: at, ResetAt: at.Add(wait), SleepFor: wait + DefaultSafetyBuffer, Wait: wait})
	woke := at.Add(wait + DefaultSafetyBuffer)
	tr.End(woke, false)

	now := woke.Add(15 * time.Second)
	if !tr.IsStale(now.Add(wait), now, time.Hour) {
		t.Error("same relative wait right after wake should be stale")
	}
	if tr.IsStale(now.Add(10*time.Minute), now, time.Hour) {
		t.Error("a different wait should not be stale")
	}
}
