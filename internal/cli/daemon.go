package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/EvanSchalton/tmux-orchestrator/internal/config"
	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/notify"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/serve"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// envDetached marks the re-executed background child.
const envDetached = "TMUX_ORC_DETACHED"

// stopTimeout bounds how long shutdown waits for the loop.
const stopTimeout = 30 * time.Second

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("monitor daemon already running")

// instance is the single-daemon guard: an flock plus a PID file.
type instance struct {
	lock    *flock.Flock
	pidPath string
}

// acquireInstance takes the daemon lock without blocking.
func acquireInstance(lockPath, pidPath string) (*instance, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		if pid, err := readPID(pidPath); err == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return &instance{lock: lock, pidPath: pidPath}, nil
}

func (i *instance) release() {
	_ = os.Remove(i.pidPath)
	_ = i.lock.Unlock()
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// runDaemon runs the monitor in the foreground until ctx ends or the
// loop stops, serving the control API and applying config reloads.
func runDaemon(ctx context.Context, c *config.Config, cfgPath string, supervised bool, logger *slog.Logger) error {
	inst, err := acquireInstance(c.LockPath(), c.PIDPath())
	if err != nil {
		return err
	}
	defer inst.release()

	opts, err := c.MonitorOptions()
	if err != nil {
		return err
	}
	if supervised {
		opts.Supervised = true
	}

	client := tmux.NewClient("")
	if !client.IsInstalled(ctx) {
		return errors.New("tmux is not installed or not on PATH")
	}
	notifier := notify.New(c.Notifications, client)
	notifier.Logger = logger

	d, err := monitor.New(client, notifier, opts)
	if err != nil {
		return err
	}
	d.Logger = logger
	if r, ok := d.Recoverer.(*recovery.TmuxRecoverer); ok {
		r.Logger = logger
	}

	logger.Info("[Daemon] starting",
		"run_id", d.RunID(),
		"pid", os.Getpid(),
		"interval", opts.Interval,
		"recovery", opts.Recovery,
		"supervised", opts.Supervised,
		"channels", notifier.Channels(),
		"control_addr", c.Control.Addr)

	h := d.Start(ctx)

	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	g, gctx := errgroup.WithContext(auxCtx)
	if c.Control.Addr != "" {
		srv := serve.New(c.Control.Addr, h, logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, logger, func(next *config.Config, err error) {
			if err != nil {
				return
			}
			r, err := next.Reload()
			if err != nil {
				logger.Warn("[Daemon] reload_rejected", "error", err)
				return
			}
			d.Apply(r)
		})
		if err != nil {
			logger.Warn("[Daemon] config_watch_disabled", "error", err)
		}
		return nil
	})

	select {
	case <-h.Done():
	case <-gctx.Done():
	}
	cancelAux()
	auxErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	ack, err := h.Stop(stopCtx)
	if err != nil {
		return err
	}
	logger.Info("[Daemon] stopped", "run_id", ack.RunID, "cycles", ack.Cycles)

	if loopErr := h.Err(); loopErr != nil {
		return loopErr
	}
	if auxErr != nil && !errors.Is(auxErr, context.Canceled) {
		return auxErr
	}
	return nil
}

// detach re-executes the current command in a new session with output
// appended to logPath and returns the child's PID.
func detach(logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDetached+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting background daemon: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// signalDaemon sends SIGTERM to the PID in pidPath.
func signalDaemon(pidPath string) (int, error) {
	pid, err := readPID(pidPath)
	if err != nil {
		return 0, fmt.Errorf("no running daemon found: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	return pid, nil
}
