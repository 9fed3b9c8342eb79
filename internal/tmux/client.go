// Package tmux runs tmux commands against session:window targets.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTargetNotFound is returned when tmux cannot find the window.
	ErrTargetNotFound = errors.New("tmux target not found")
	// ErrCaptureTimeout is returned when a capture does not finish in time.
	ErrCaptureTimeout = errors.New("tmux capture timed out")
	// ErrNoServer is returned when no tmux server is running.
	ErrNoServer = errors.New("no tmux server running")
)

// Window is one window reported by list-windows.
type Window struct {
	Target Target `json:"target"`
	Name   string `json:"name"`
}

// Client handles tmux operations, optionally on a remote host
type Client struct {
	Remote string // "user@host" or empty for local

	// KeyDelay separates typed text from the Enter key so the assistant's
	// input box registers the paste before submission.
	KeyDelay time.Duration
}

// NewClient creates a new tmux client
func NewClient(remote string) *Client {
	return &Client{Remote: remote, KeyDelay: 200 * time.Millisecond}
}

// DefaultClient is the default local client
var DefaultClient = NewClient("")

// Run executes a tmux command bound to ctx.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	name := "tmux"
	if c.Remote != "" {
		// ssh concatenates args; simple tmux invocations survive that.
		args = append([]string{c.Remote, "tmux"}, args...)
		name = "ssh"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
		}
		return "", classifyRunError(name, args, err, stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func classifyRunError(name string, args []string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "can't find"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %s", ErrTargetNotFound, msg)
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return fmt.Errorf("%w: %s", ErrNoServer, msg)
	}
	return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
}

// IsInstalled checks if tmux is available on the target host
func (c *Client) IsInstalled(ctx context.Context) bool {
	if c.Remote == "" {
		_, err := exec.LookPath("tmux")
		return err == nil
	}
	_, err := c.Run(ctx, "-V")
	return err == nil
}

// Capture returns the last lines of a window's active pane. Wrapped lines
// are joined. A context deadline surfaces as ErrCaptureTimeout.
func (c *Client) Capture(ctx context.Context, target Target, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := c.Run(ctx, "capture-pane", "-t", target.String(), "-p", "-J", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s", ErrCaptureTimeout, target)
		}
		return "", err
	}
	return out, nil
}

// SendKeys types keys literally into the target, optionally followed by Enter.
func (c *Client) SendKeys(ctx context.Context, target Target, keys string, enter bool) error {
	if keys != "" {
		if _, err := c.Run(ctx, "send-keys", "-t", target.String(), "-l", "--", keys); err != nil {
			return err
		}
		if enter && c.KeyDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.KeyDelay):
			}
		}
	}
	if enter {
		_, err := c.Run(ctx, "send-keys", "-t", target.String(), "C-m")
		return err
	}
	return nil
}

// SendInterrupt sends Ctrl+C to the target.
func (c *Client) SendInterrupt(ctx context.Context, target Target) error {
	_, err := c.Run(ctx, "send-keys", "-t", target.String(), "C-c")
	return err
}

const windowFormat = "#{session_name}|#{window_index}|#{window_name}"

// ListWindows returns every window on the server. No server or no
// sessions yields an empty list.
func (c *Client) ListWindows(ctx context.Context) ([]Window, error) {
	out, err := c.Run(ctx, "list-windows", "-a", "-F", windowFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) || strings.Contains(err.Error(), "no sessions") {
			return nil, nil
		}
		return nil, err
	}
	return ParseWindowList(out), nil
}

// ParseWindowList parses list-windows output in windowFormat. Malformed
// lines are skipped.
func ParseWindowList(out string) []Window {
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) < 2 {
			continue
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if ValidateSessionName(parts[0]) != nil {
			continue
		}
		w := Window{Target: Target{Session: parts[0], Window: idx}}
		if len(parts) == 3 {
			w.Name = parts[2]
		}
		windows = append(windows, w)
	}
	return windows
}
