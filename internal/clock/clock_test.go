package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := f.Sleep(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := f.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(90*time.Second))
	}
	if got := f.Slept(); got != 90*time.Second {
		t.Errorf("Slept() = %v, want 90s", got)
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if len(f.Sleeps()) != 0 {
		t.Errorf("cancelled sleep should not be recorded")
	}
}

func TestFakeOnSleepHook(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	f.OnSleep = func(time.Duration) {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	for i := 0; i < 5; i++ {
		if err := f.Sleep(ctx, time.Second); err != nil {
			break
		}
	}
	if calls != 2 {
		t.Errorf("hook calls = %d, want 2", calls)
	}
}

func TestRealSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Hour)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Sleep ignored cancellation")
	}
}
