// Package audit records commits and reload cycles as JSON lines.
package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind separates store commits from reload cycles.
type Kind string

const (
	KindCommit Kind = "commit"
	KindReload Kind = "reload"
)

// Event is one auditable action.
type Event struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	User        string        `json:"user"`
	Kind        Kind          `json:"kind"`
	Operation   string        `json:"operation"`
	BaseVersion uint64        `json:"base_version,omitempty"`
	Version     uint64        `json:"version,omitempty"`
	Targets     []string      `json:"targets,omitempty"` // TABLE|key
	CycleID     string        `json:"cycle_id,omitempty"`
	State       string        `json:"state,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"` // destinations
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	ExecuteMode bool          `json:"execute_mode"` // true if -x was used
	DryRun      bool          `json:"dry_run"`
	Duration    time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Kind        Kind
	User        string
	Operation   string
	Table       string // matches events with a target in this table
	CycleID     string
	MinVersion  uint64
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user string, kind Kind, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		User:      user,
		Kind:      kind,
		Operation: operation,
	}
}

// WithVersion sets the version the action started from and the one it
// produced.
func (e *Event) WithVersion(base, version uint64) *Event {
	e.BaseVersion = base
	e.Version = version
	return e
}

// WithTargets sets the touched TABLE|key pairs.
func (e *Event) WithTargets(targets []string) *Event {
	e.Targets = targets
	return e
}

// WithCycle sets the reload cycle ID and its final state.
func (e *Event) WithCycle(id, state string) *Event {
	e.CycleID = id
	e.State = state
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithExecuteMode marks if execute mode was used
func (e *Event) WithExecuteMode(execute bool) *Event {
	e.ExecuteMode = execute
	e.DryRun = !execute
	return e
}

func (e *Event) touchesTable(table string) bool {
	for _, t := range e.Targets {
		if strings.HasPrefix(t, table+"|") {
			return true
		}
	}
	return false
}
