package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EvanSchalton/tmux-orchestrator/internal/config"
	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/serve"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// apiTimeout bounds one control API call from the CLI.
const apiTimeout = 5 * time.Second

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run and control the monitoring daemon",
	}
	cmd.AddCommand(
		newMonitorStartCmd(),
		newMonitorStopCmd(),
		newMonitorStatusCmd(),
		newMonitorResetCmd(),
	)
	return cmd
}

func newMonitorStartCmd() *cobra.Command {
	var (
		supervised bool
		detached   bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the monitoring daemon",
		Long: `Start the monitoring daemon in the foreground, or in the background with
--detach. Only one daemon runs per state directory.

With --supervised the loop is restarted from a cold state if it stops on
an internal error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if detached && os.Getenv(envDetached) != "1" {
				pid, err := detach(cfg.DaemonLogPath())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successText(fmt.Sprintf("monitor started in background (pid %d)", pid)))
				fmt.Fprintf(cmd.OutOrStdout(), "  log: %s\n", cfg.DaemonLogPath())
				return nil
			}

			logger, closer, err := newLogger(cfg.Log, verbose, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, configPath(), supervised, logger)
		},
	}
	cmd.Flags().BoolVar(&supervised, "supervised", false, "restart the loop after internal failures")
	cmd.Flags().BoolVarP(&detached, "detach", "d", false, "run in the background")
	return cmd
}

func newMonitorStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if cfg.Control.Addr != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout+apiTimeout)
				defer cancel()
				ack, err := serve.NewClient(cfg.Control.Addr).Stop(ctx)
				if err == nil {
					if outputFormat != FormatTable {
						return writeStructured(w, ack)
					}
					fmt.Fprintln(w, successText(fmt.Sprintf("monitor stopped after %d cycles (run %s)", ack.Cycles, ack.RunID)))
					if ack.Error != "" {
						fmt.Fprintln(w, warnText("loop error: "+ack.Error))
					}
					return nil
				}
			}
			pid, err := signalDaemon(cfg.PIDPath())
			if err != nil {
				return err
			}
			fmt.Fprintln(w, successText(fmt.Sprintf("sent SIGTERM to pid %d", pid)))
			return nil
		},
	}
}

func newMonitorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-window health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, src, err := fetchStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, src)
		},
	}
}

func newMonitorResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session:window>",
		Short: "Clear escalation so recovery may run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tmux.ParseTarget(args[0])
			if err != nil {
				return err
			}
			if cfg.Control.Addr == "" {
				return errors.New("reset needs the control API; set [control] addr")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
			defer cancel()
			res, err := serve.NewClient(cfg.Control.Addr).Reset(ctx, t)
			if errors.Is(err, serve.ErrNotFound) {
				return fmt.Errorf("%s is not monitored", t)
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outputFormat != FormatTable {
				return writeStructured(w, res)
			}
			if res.WasEscalated {
				fmt.Fprintln(w, successText(fmt.Sprintf("%s reset; recovery will run again", t)))
			} else {
				fmt.Fprintf(w, "%s was not escalated; attempts cleared\n", t)
			}
			return nil
		},
	}
}

// fetchStatus asks the control API and falls back to the status file.
func fetchStatus(ctx context.Context, c *config.Config) (monitor.Status, statusSource, error) {
	var apiErr error
	if c.Control.Addr != "" {
		ctx, cancel := context.WithTimeout(ctx, apiTimeout)
		defer cancel()
		st, err := serve.NewClient(c.Control.Addr).Status(ctx)
		if err == nil {
			return st, sourceAPI, nil
		}
		apiErr = err
	}
	st, err := monitor.ReadStatusFile(c.StatusPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return monitor.Status{}, "", errors.Join(errors.New("monitor is not running (no status file)"), apiErr)
		}
		return monitor.Status{}, "", err
	}
	return st, sourceFile, nil
}

func printStatus(w io.Writer, st monitor.Status, src statusSource) error {
	if outputFormat != FormatTable {
		return writeStructured(w, st)
	}
	renderStatus(w, st, src, time.Now(), terminalWidth(120))
	return nil
}

// configPath is the file the daemon watches for changes.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}
