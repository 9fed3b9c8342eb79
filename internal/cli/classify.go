package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// classifyResult is one sample's outcome.
type classifyResult struct {
	Sample       int         `json:"sample" yaml:"sample"`
	Source       string      `json:"source" yaml:"source"`
	State        agent.State `json:"state" yaml:"state"`
	Rule         string      `json:"rule" yaml:"rule"`
	Distance     int         `json:"distance" yaml:"distance"`
	StableCycles int         `json:"stable_cycles" yaml:"stable_cycles"`
}

// captureFunc returns one capture of a target.
type captureFunc func(ctx context.Context) (string, error)

func newClassifyCmd() *cobra.Command {
	var (
		files   []string
		samples int
		every   time.Duration
		lines   int
	)
	cmd := &cobra.Command{
		Use:   "classify [session:window]",
		Short: "Classify a window's pane text with the configured rules",
		Long: `Classify a live window, or capture files given with --file, using the
configured vocabulary and thresholds. Several --file flags, or --samples with a
live window, are treated as successive cycles so that idle detection can be
checked too.`,
		Example: `  tmux-orc classify proj:2
  tmux-orc classify proj:2 --samples 4 --every 5s
  tmux-orc classify --file before.txt --file after.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls, err := agent.New(cfg.Classifier.Vocabulary, cfg.Classifier.Thresholds)
			if err != nil {
				return err
			}

			var (
				target  tmux.Target
				sources []string
				capture []captureFunc
			)
			switch {
			case len(args) == 1 && len(files) > 0:
				return errors.New("give a target or --file, not both")
			case len(args) == 1:
				target, err = tmux.ParseTarget(args[0])
				if err != nil {
					return err
				}
				if samples < 1 {
					return errors.New("--samples must be at least 1")
				}
				client := tmux.NewClient("")
				for i := 0; i < samples; i++ {
					sources = append(sources, target.String())
					capture = append(capture, func(ctx context.Context) (string, error) {
						return client.Capture(ctx, target, lines)
					})
				}
			case len(files) > 0:
				for _, f := range files {
					sources = append(sources, f)
					capture = append(capture, func(context.Context) (string, error) {
						data, err := os.ReadFile(f)
						return string(data), err
					})
				}
			default:
				return errors.New("give a session:window target or --file")
			}

			sleep := every
			if len(files) > 0 {
				sleep = 0
			}
			results, err := classifySeries(cmd.Context(), cls, target, sources, capture, sleep)
			if err != nil {
				return err
			}
			return printClassify(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "classify captured pane text from a file (repeatable)")
	cmd.Flags().IntVarP(&samples, "samples", "n", 1, "number of captures of a live window")
	cmd.Flags().DurationVar(&every, "every", 5*time.Second, "time between live captures")
	cmd.Flags().IntVar(&lines, "lines", 200, "scrollback lines to capture")
	return cmd
}

// classifySeries captures each source in turn, sleeping between captures,
// and classifies them as consecutive cycles.
func classifySeries(ctx context.Context, cls *agent.Classifier, target tmux.Target, sources []string, capture []captureFunc, sleep time.Duration) ([]classifyResult, error) {
	var (
		prev    *agent.Snapshot
		results []classifyResult
	)
	for i, fn := range capture {
		if i > 0 && sleep > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(sleep):
			}
		}
		text, err := fn(ctx)
		if err != nil {
			return results, fmt.Errorf("capturing %s: %w", sources[i], err)
		}
		snap := cls.Observe(target, time.Now(), text, prev)
		st, rule := cls.Explain(snap)
		results = append(results, classifyResult{
			Sample:       i + 1,
			Source:       sources[i],
			State:        st,
			Rule:         rule,
			Distance:     snap.Distance,
			StableCycles: snap.StableCycles,
		})
		prev = &snap
	}
	return results, nil
}

func printClassify(w io.Writer, results []classifyResult) error {
	if outputFormat != FormatTable {
		return writeStructured(w, results)
	}
	tbl := NewStyledTable("#", "SOURCE", "STATE", "RULE", "DISTANCE", "STABLE", "DETAIL").WithTitle("Classification")
	for _, r := range results {
		dist := "-"
		if r.Distance >= 0 {
			dist = fmt.Sprint(r.Distance)
		}
		tbl.AddRow(
			fmt.Sprint(r.Sample),
			r.Source,
			stateBadge(r.State.Kind),
			r.Rule,
			dist,
			fmt.Sprint(r.StableCycles),
			r.State.String(),
		)
	}
	fmt.Fprint(w, tbl.Render())
	return nil
}
