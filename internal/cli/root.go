// Package cli implements the tmux-orc command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/EvanSchalton/tmux-orchestrator/internal/config"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

var (
	cfgFile string
	cfg     *config.Config

	verbose      bool
	noColor      bool
	outputFormat string

	// Build information, set via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tmux-orc",
		Short: "Watch AI assistant sessions in tmux and alert their project manager",
		Long: `tmux-orc watches every tmux window running an AI coding assistant,
classifies its health each cycle, and alerts the project-manager window when
an agent goes idle, crashes, or hits a usage limit.

Quick Start:
  tmux-orc config init           # Write the default config
  tmux-orc monitor start -d      # Start the daemon in the background
  tmux-orc monitor status        # Show per-window health
  tmux-orc classify proj:2       # Classify one window once`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor || termenv.EnvNoColor() || !isatty.IsTerminal(os.Stdout.Fd()) {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			switch outputFormat {
			case FormatTable, FormatJSON, FormatYAML:
			default:
				return fmt.Errorf("unknown --format %q (want table, json or yaml)", outputFormat)
			}
			if skipConfig(cmd) {
				return nil
			}
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/tmux-orc/config.toml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().StringVar(&outputFormat, "format", FormatTable, "output format: table, json or yaml")

	root.AddCommand(
		newMonitorCmd(),
		newClassifyCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// skipConfig reports commands that must work with a broken config file.
func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["skip-config"] == "true" {
			return true
		}
	}
	return false
}

// Execute builds the command tree and runs it.
func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{"skip-config": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(w, Version)
				return nil
			}
			info := map[string]string{
				"version":    Version,
				"commit":     Commit,
				"built":      Date,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if outputFormat != FormatTable {
				return writeStructured(w, info)
			}
			fmt.Fprintf(w, "tmux-orc %s\n", Version)
			fmt.Fprintf(w, "  commit:   %s\n", Commit)
			fmt.Fprintf(w, "  built:    %s\n", Date)
			fmt.Fprintf(w, "  go:       %s\n", info["go_version"])
			fmt.Fprintf(w, "  platform: %s\n", info["platform"])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version")
	return cmd
}

// newLogger builds the process logger from the [log] section. The
// returned closer releases the log file, if any.
func newLogger(lc config.LogConfig, debug bool, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil && lc.Level != "" {
		return nil, nil, fmt.Errorf("log level %q: %w", lc.Level, err)
	}
	if debug {
		level = slog.LevelDebug
	}

	w := stderr
	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		path := util.ExpandPath(lc.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		closer.Close()
		return nil, nil, errors.New("log format must be text or json")
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
