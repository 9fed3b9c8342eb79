package tmux

import (
	"errors"
	"testing"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"proj:0", Target{"proj", 0}, false},
		{"backend-team:12", Target{"backend-team", 12}, false},
		{"proj:2.1", Target{"proj", 2}, false},
		{"  proj:3  ", Target{"proj", 3}, false},
		{"", Target{}, true},
		{"proj", Target{}, true},
		{":1", Target{}, true},
		{"proj:x", Target{}, true},
		{"proj:-1", Target{}, true},
		{"a.b:1", Target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("ParseTarget(%q) err = %v, want *ValidationError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTargetTextRoundTrip(t *testing.T) {
	in := Target{Session: "orc", Window: 4}
	b, err := in.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "orc:4" {
		t.Errorf("MarshalText = %q", b)
	}
	var out Target
	if err := out.UnmarshalText(b); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestParseWindowList(t *testing.T) {
	out := "proj|0|PM\nproj|1|backend-dev\n\ngarbage\nother|x|bad\nteam|3|qa|extra\n"
	got := ParseWindowList(out)

	want := []Window{
		{Target: Target{"proj", 0}, Name: "PM"},
		{Target: Target{"proj", 1}, Name: "backend-dev"},
		{Target: Target{"team", 3}, Name: "qa|extra"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d windows, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("window %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestClassifyRunError(t *testing.T) {
	base := errors.New("exit status 1")

	err := classifyRunError("tmux", []string{"capture-pane"}, base, "can't find window: 9")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("expected ErrTargetNotFound, got %v", err)
	}

	err = classifyRunError("tmux", []string{"list-windows"}, base, "no server running on /tmp/tmux-0/default")
	if !errors.Is(err, ErrNoServer) {
		t.Errorf("expected ErrNoServer, got %v", err)
	}

	err = classifyRunError("tmux", []string{"send-keys"}, base, "something odd")
	if !errors.Is(err, base) {
		t.Errorf("expected wrapped base error, got %v", err)
	}
}
