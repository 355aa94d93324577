// Package health verifies the switch after a reload: every check reports a
// status and the worst one decides whether the reload stands.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/newtron-network/swconf/pkg/render"
)

// Status represents the health status of a component
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Unknown ranks above warning so an unconfirmed check never lets a
// warning-level report pass.
var severity = map[Status]int{
	StatusOK:       0,
	StatusWarning:  1,
	StatusUnknown:  2,
	StatusCritical: 3,
}

// Worse returns the worse of two statuses.
func Worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Passing reports whether a reload with this status may stand. Unknown
// does not pass: a check that cannot tell is treated as a failure.
func (s Status) Passing() bool {
	return s == StatusOK || s == StatusWarning
}

// Result represents the result of a health check
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Details   interface{}   `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report contains all health check results for one verification
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Overall   Status        `json:"overall"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// Failed returns the results that did not pass.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Status.Passing() {
			out = append(out, res)
		}
	}
	return out
}

// Check defines the interface for health checks
type Check interface {
	Name() string
	Run(ctx context.Context, artifacts []render.Artifact) Result
}

// Checker runs health checks after artifacts are installed
type Checker struct {
	checks []Check
}

// NewChecker creates a health checker running checks in order
func NewChecker(checks ...Check) *Checker {
	return &Checker{checks: checks}
}

// Add appends a check.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Len returns the number of checks.
func (c *Checker) Len() int {
	return len(c.checks)
}

// Run executes all health checks and returns a report. Checks left when
// ctx is done are reported as unknown.
func (c *Checker) Run(ctx context.Context, artifacts []render.Artifact) *Report {
	start := time.Now()
	report := &Report{
		Timestamp: start,
		Results:   make([]Result, 0, len(c.checks)),
		Overall:   StatusOK,
	}

	for _, check := range c.checks {
		var result Result
		if err := ctx.Err(); err != nil {
			result = Result{Check: check.Name(), Status: StatusUnknown, Message: err.Error(), Timestamp: time.Now()}
		} else {
			result = check.Run(ctx, artifacts)
		}
		report.Results = append(report.Results, result)

		// Update overall status (worst wins)
		report.Overall = Worse(report.Overall, result.Status)
	}

	report.Duration = time.Since(start)
	return report
}

// RunCheck runs a specific health check by name
func (c *Checker) RunCheck(ctx context.Context, name string, artifacts []render.Artifact) (*Result, error) {
	for _, check := range c.checks {
		if check.Name() == name {
			result := check.Run(ctx, artifacts)
			return &result, nil
		}
	}
	return nil, fmt.Errorf("health check '%s' not found", name)
}

// ArtifactCheck verifies that every artifact is on disk with the rendered
// content, i.e. nothing rewrote it after install.
type ArtifactCheck struct {
	Root string // prefix for relative artifact destinations
}

// Name returns the check name
func (c *ArtifactCheck) Name() string {
	return "artifacts"
}

// Run executes the artifact check
func (c *ArtifactCheck) Run(ctx context.Context, artifacts []render.Artifact) Result {
	start := time.Now()
	result := Result{
		Check:     c.Name(),
		Timestamp: start,
	}

	var mismatched []string
	for _, a := range artifacts {
		path := a.Dest
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Root, path)
		}
		data, err := os.ReadFile(path)
		if err != nil || render.Hash(data) != a.Hash {
			mismatched = append(mismatched, a.Dest)
		}
	}

	result.Duration = time.Since(start)
	result.Details = map[string]int{
		"total":      len(artifacts),
		"mismatched": len(mismatched),
	}

	if len(mismatched) == 0 {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("All %d artifacts in place", len(artifacts))
	} else {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("%d of %d artifacts differ on disk: %v", len(mismatched), len(artifacts), mismatched)
	}

	return result
}

// UnitProperties reads systemd unit properties; *dbus.Conn from
// github.com/coreos/go-systemd/v22/dbus satisfies it.
type UnitProperties interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
}

// UnitActiveCheck verifies that systemd units are active.
type UnitActiveCheck struct {
	Conn  UnitProperties
	Units []string
}

// Name returns the check name
func (c *UnitActiveCheck) Name() string {
	return "units"
}

// Run executes the unit check
func (c *UnitActiveCheck) Run(ctx context.Context, _ []render.Artifact) Result {
	start := time.Now()
	result := Result{
		Check:     c.Name(),
		Timestamp: start,
	}

	states := make(map[string]string, len(c.Units))
	var inactive []string
	for _, unit := range c.Units {
		props, err := c.Conn.GetUnitPropertiesContext(ctx, unit)
		if err != nil {
			result.Status = StatusUnknown
			result.Message = fmt.Sprintf("reading %s: %v", unit, err)
			result.Duration = time.Since(start)
			return result
		}
		state, _ := props["ActiveState"].(string)
		states[unit] = state
		if state != "active" {
			inactive = append(inactive, unit)
		}
	}

	result.Duration = time.Since(start)
	result.Details = states

	if len(inactive) == 0 {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("All %d units active", len(c.Units))
	} else {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("%d of %d units not active: %v", len(inactive), len(c.Units), inactive)
	}

	return result
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context, artifacts []render.Artifact) Result
}

// Name returns the check name
func (c CheckFunc) Name() string { return c.Label }

// Run calls Fn, filling in the check name and timing.
func (c CheckFunc) Run(ctx context.Context, artifacts []render.Artifact) Result {
	start := time.Now()
	result := c.Fn(ctx, artifacts)
	result.Check = c.Label
	result.Timestamp = start
	result.Duration = time.Since(start)
	return result
}
