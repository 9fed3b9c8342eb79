package monitor

import (
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/ratelimit"
	"github.com/EvanSchalton/tmux-orchestrator/internal/recovery"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

// Phase is the daemon-wide mode of the loop.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseMonitoring Phase = "monitoring"
	PhasePaused     Phase = "paused"
	PhaseStopped    Phase = "stopped"
)

// TargetStatus is the exported view of one monitored window.
type TargetStatus struct {
	Target      tmux.Target     `json:"target" yaml:"target"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	State       agent.StateKind `json:"state" yaml:"state"`
	Detail      string          `json:"detail" yaml:"detail"`
	StateSince  time.Time       `json:"state_since" yaml:"state_since"`
	Cycles      int             `json:"cycles_in_state" yaml:"cycles_in_state"`
	Rule        string          `json:"rule" yaml:"rule"`
	Supervisor  bool            `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
	Attempts    int             `json:"recovery_attempts" yaml:"recovery_attempts"`
	Recovery    recovery.Phase  `json:"recovery_phase,omitempty" yaml:"recovery_phase,omitempty"`
	Escalated   bool            `json:"escalated,omitempty" yaml:"escalated,omitempty"`
	LastError   string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastCapture time.Time       `json:"last_capture,omitzero" yaml:"last_capture,omitempty"`
}

// Status is a point-in-time view of the daemon.
type Status struct {
	RunID       string             `json:"run_id" yaml:"run_id"`
	PID         int                `json:"pid,omitempty" yaml:"pid,omitempty"`
	Phase       Phase              `json:"phase" yaml:"phase"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"updated_at"`
	Cycles      int                `json:"cycles" yaml:"cycles"`
	Interval    string             `json:"interval" yaml:"interval"`
	Recovery    bool               `json:"recovery_enabled" yaml:"recovery_enabled"`
	Supervisors []tmux.Target      `json:"supervisors" yaml:"supervisors"`
	Targets     []TargetStatus     `json:"targets" yaml:"targets"`
	RateLimit   *ratelimit.Window  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	History     []ratelimit.Window `json:"rate_limit_history,omitempty" yaml:"rate_limit_history,omitempty"`
}

// Target returns the status of one target.
func (s Status) Target(t tmux.Target) (TargetStatus, bool) {
	for _, ts := range s.Targets {
		if ts.Target == t {
			return ts, true
		}
	}
	return TargetStatus{}, false
}

// Counts tallies targets per state.
func (s Status) Counts() map[agent.StateKind]int {
	out := make(map[agent.StateKind]int)
	for _, ts := range s.Targets {
		out[ts.State]++
	}
	return out
}

// WriteStatusFile atomically writes s as JSON to path.
func WriteStatusFile(path string, s Status) error {
	return util.AtomicWriteJSON(path, s)
}

// ReadStatusFile loads a status file written by WriteStatusFile.
func ReadStatusFile(path string) (Status, error) {
	var s Status
	err := util.ReadJSON(path, &s)
	return s, err
}
