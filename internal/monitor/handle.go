package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// Ack acknowledges a stop request.
type Ack struct {
	RunID     string    `json:"run_id"`
	StoppedAt time.Time `json:"stopped_at"`
	Cycles    int       `json:"cycles"`
	Error     string    `json:"error,omitempty"`
}

// Handle controls a running daemon.
type Handle struct {
	d      *Daemon
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start builds a daemon from opts and runs it in the background.
func Start(ctx context.Context, driver Driver, notifier Notifier, opts Options) (*Handle, error) {
	d, err := New(driver, notifier, opts)
	if err != nil {
		return nil, err
	}
	return d.Start(ctx), nil
}

// Start runs the daemon in the background, under Supervise when the
// options ask for supervised mode.
func (d *Daemon) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{d: d, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		var err error
		if d.opts.Supervised {
			err = Supervise(ctx, d, d.opts.MaxRestarts, d.opts.RestartWindow)
		} else {
			err = d.Run(ctx)
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

// Stop cancels the loop and waits for it to return or for ctx to end.
func (h *Handle) Stop(ctx context.Context) (Ack, error) {
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("waiting for monitor to stop: %w", ctx.Err())
	}
	st := h.d.Status()
	ack := Ack{RunID: h.d.RunID(), StoppedAt: h.d.Clock.Now(), Cycles: st.Cycles}
	if err := h.Err(); err != nil {
		ack.Error = err.Error()
	}
	return ack, nil
}

// Done is closed when the loop has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the loop's exit error, nil while running or after a clean stop.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Status returns the daemon's latest status.
func (h *Handle) Status() Status { return h.d.Status() }

// Reset clears escalation for a target.
func (h *Handle) Reset(t tmux.Target) (bool, error) { return h.d.Reset(t) }

// Daemon returns the underlying daemon.
func (h *Handle) Daemon() *Daemon { return h.d }

// ErrTooManyRestarts ends supervised mode.
var ErrTooManyRestarts = errors.New("monitor restarted too many times")

// Supervise runs d and restarts it from a cold state after an invariant
// violation, backing off exponentially. More than maxRestarts restarts
// within window gives up.
func Supervise(ctx context.Context, d *Daemon, maxRestarts int, window time.Duration) error {
	var restarts []time.Time
	backoffMax := 60 * time.Second
	for {
		err := d.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, ErrCorruptRecord) {
			return err
		}

		now := d.Clock.Now()
		kept := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) < window {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, now)
		if len(restarts) > maxRestarts {
			d.logger().Error("[Supervisor] giving_up",
				"restarts", len(restarts)-1,
				"window", window,
				"error", err)
			return fmt.Errorf("%w: %d in %v: %w", ErrTooManyRestarts, len(restarts)-1, window, err)
		}

		backoff := time.Duration(1<<uint(len(restarts)-1)) * time.Second
		if backoff > backoffMax {
			backoff = backoffMax
		}
		d.logger().Warn("[Supervisor] restarting",
			"attempt", len(restarts),
			"max", maxRestarts,
			"backoff", backoff,
			"error", err)
		if err := d.Clock.Sleep(ctx, backoff); err != nil {
			return nil
		}
		d.resetState()
	}
}

// resetState drops every record so the next run starts cold.
func (d *Daemon) resetState() {
	d.records = make(map[tmux.Target]*Record)
	d.seenBanners = make(map[tmux.Target]string)
	d.known = nil
	d.Coordinator.Clear()
	d.phase = PhaseStarting
}
