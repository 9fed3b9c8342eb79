package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

// statusSource says where a status came from.
type statusSource string

const (
	sourceAPI  statusSource = "control api"
	sourceFile statusSource = "status file"
)

// staleAfter marks a file status as stale when it is older than this many
// intervals.
const staleAfter = 3

// renderStatus writes the human view of st.
func renderStatus(w io.Writer, st monitor.Status, src statusSource, now time.Time, width int) {
	const kw = 12
	fmt.Fprintln(w, keyValue("Run", st.RunID, kw))
	if st.PID > 0 {
		fmt.Fprintln(w, keyValue("PID", strconv.Itoa(st.PID), kw))
	}
	fmt.Fprintln(w, keyValue("Phase", string(st.Phase), kw))
	if !st.StartedAt.IsZero() {
		fmt.Fprintln(w, keyValue("Uptime", util.HumanDuration(now.Sub(st.StartedAt)), kw))
	}
	fmt.Fprintln(w, keyValue("Cycles", fmt.Sprintf("%d every %s", st.Cycles, st.Interval), kw))
	fmt.Fprintln(w, keyValue("Recovery", onOff(st.Recovery), kw))
	sups := make([]string, 0, len(st.Supervisors))
	for _, s := range st.Supervisors {
		sups = append(sups, s.String())
	}
	if len(sups) == 0 {
		sups = append(sups, "(none found)")
	}
	fmt.Fprintln(w, keyValue("Supervisors", strings.Join(sups, ", "), kw))
	if st.RateLimit != nil {
		rl := st.RateLimit
		fmt.Fprintln(w, keyValue("Rate limit",
			fmt.Sprintf("paused until %s (seen in %s)", rl.WakeAt().Local().Format("Jan 2 15:04"), rl.Target), kw))
	}
	if src == sourceFile {
		age := now.Sub(st.UpdatedAt)
		note := fmt.Sprintf("read from %s, updated %s ago", src, util.HumanDuration(age))
		if iv, err := time.ParseDuration(st.Interval); err == nil && age > staleAfter*iv && st.Phase != monitor.PhasePaused {
			fmt.Fprintln(w, warnText(note+"; the daemon may not be running"))
		} else {
			fmt.Fprintln(w, keyValue("Source", note, kw))
		}
	}
	fmt.Fprintln(w)

	if len(st.Targets) == 0 {
		fmt.Fprintln(w, "No assistant windows monitored.")
		return
	}

	detailWidth := width - 70
	if detailWidth < 20 {
		detailWidth = 20
	}
	tbl := NewStyledTable("TARGET", "NAME", "STATE", "FOR", "RULE", "RECOVERY", "DETAIL")
	for _, ts := range st.Targets {
		name := util.Truncate(ts.Name, 16)
		if ts.Supervisor {
			name += " *"
		}
		since := ""
		if !ts.StateSince.IsZero() {
			since = util.HumanDuration(now.Sub(ts.StateSince))
		}
		tbl.AddRow(
			ts.Target.String(),
			name,
			stateBadge(ts.State),
			since,
			ts.Rule,
			recoveryCell(ts),
			util.Truncate(detailOf(ts), detailWidth),
		)
	}
	tbl.WithFooter(countsFooter(st))
	fmt.Fprint(w, tbl.Render())

	for _, ts := range st.Targets {
		if ts.LastError != "" {
			fmt.Fprintf(w, "%s last recovery error: %s\n", ts.Target, util.Wrap(ts.LastError, width-24, "    "))
		}
	}
}

func recoveryCell(ts monitor.TargetStatus) string {
	switch {
	case ts.Escalated:
		return fmt.Sprintf("escalated (%d)", ts.Attempts)
	case ts.Attempts > 0:
		return fmt.Sprintf("%s (%d)", ts.Recovery, ts.Attempts)
	case ts.Recovery != "":
		return string(ts.Recovery)
	}
	return "-"
}

// detailOf drops the state name the STATE column already shows.
func detailOf(ts monitor.TargetStatus) string {
	d := strings.TrimPrefix(ts.Detail, string(ts.State))
	return strings.TrimSpace(strings.TrimPrefix(d, ":"))
}

func countsFooter(st monitor.Status) string {
	counts := st.Counts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", counts[agent.StateKind(k)], k))
	}
	return fmt.Sprintf("%d windows: %s   (* supervisor)", len(st.Targets), strings.Join(parts, ", "))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
