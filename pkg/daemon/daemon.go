// Package daemon signals the processes that consume rendered artifacts.
// Every implementation answers with a health status: pass, fail, or an
// error when the daemon could not be reached in time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/newtron-network/swconf/pkg/health"
	"github.com/newtron-network/swconf/pkg/render"
	"github.com/newtron-network/swconf/pkg/util"
)

// Daemon is a consumer of artifacts that can be told to reload them.
type Daemon interface {
	Name() string
	Reload(ctx context.Context, artifacts []render.Artifact) (health.Status, error)
}

type funcDaemon struct {
	name string
	fn   func(ctx context.Context, artifacts []render.Artifact) (health.Status, error)
}

// Func adapts a function to the Daemon interface.
func Func(name string, fn func(ctx context.Context, artifacts []render.Artifact) (health.Status, error)) Daemon {
	return &funcDaemon{name: name, fn: fn}
}

func (f *funcDaemon) Name() string { return f.name }

func (f *funcDaemon) Reload(ctx context.Context, artifacts []render.Artifact) (health.Status, error) {
	return f.fn(ctx, artifacts)
}

// Group signals daemons in order and reports the worst status. Every
// daemon is signaled even after one fails, so a rollback re-signal reaches
// all of them.
type Group []Daemon

func (g Group) Name() string {
	names := make([]string, 0, len(g))
	for _, d := range g {
		names = append(names, d.Name())
	}
	return strings.Join(names, ",")
}

func (g Group) Reload(ctx context.Context, artifacts []render.Artifact) (health.Status, error) {
	overall := health.StatusOK
	var errs []error
	for _, d := range g {
		status, err := d.Reload(ctx, artifacts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			if status == "" || status == health.StatusOK {
				status = health.StatusUnknown
			}
		}
		util.WithComponent("daemon").WithField("daemon", d.Name()).Debugf("reload status %s", status)
		overall = health.Worse(overall, status)
	}
	return overall, errors.Join(errs...)
}

// CommandDaemon reloads by running a local command, e.g.
// ["vtysh", "-b"] or ["pkill", "-HUP", "teamd"]. A zero exit status passes.
type CommandDaemon struct {
	Label   string
	Command []string
}

func (c *CommandDaemon) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return strings.Join(c.Command, " ")
}

func (c *CommandDaemon) Reload(ctx context.Context, _ []render.Artifact) (health.Status, error) {
	if len(c.Command) == 0 {
		return health.StatusUnknown, fmt.Errorf("%w: empty reload command", util.ErrInvalidConfig)
	}
	out, err := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return health.StatusUnknown, fmt.Errorf("%w: %s", util.ErrHealthCheckTimeout, c.Name())
		}
		return health.StatusCritical, fmt.Errorf("%s: %w: %s", c.Name(), err, strings.TrimSpace(string(out)))
	}
	return health.StatusOK, nil
}

// Executor runs a command on a remote host; *remote.Client satisfies it.
type Executor interface {
	Exec(cmd string) (string, error)
}

// RemoteDaemon reloads by running a command on the switch over SSH.
type RemoteDaemon struct {
	Label   string
	Client  Executor
	Command string
}

func (r *RemoteDaemon) Name() string {
	if r.Label != "" {
		return r.Label
	}
	return "ssh:" + r.Command
}

// Reload runs the command. SSH sessions do not take a context, so a
// command still running when ctx ends is abandoned, not killed.
func (r *RemoteDaemon) Reload(ctx context.Context, _ []render.Artifact) (health.Status, error) {
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.Client.Exec(r.Command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return health.StatusUnknown, fmt.Errorf("%w: %s", util.ErrHealthCheckTimeout, r.Name())
	case res := <-done:
		if res.err != nil {
			return health.StatusCritical, res.err
		}
		return health.StatusOK, nil
	}
}

// SystemdConn is the part of *dbus.Conn (github.com/coreos/go-systemd/v22/dbus)
// used to reload units.
type SystemdConn interface {
	ReloadOrRestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
}

var _ SystemdConn = (*dbus.Conn)(nil)

// ConnectSystemd opens a D-Bus connection to the system's systemd.
func ConnectSystemd(ctx context.Context) (*dbus.Conn, error) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return conn, nil
}

// SystemdDaemon reloads a unit over D-Bus, waits for the job and then
// checks that the unit is active.
type SystemdDaemon struct {
	Conn SystemdConn
	Unit string

	// Settle is how long to wait after the job completes before reading
	// the unit state.
	Settle time.Duration
}

func (s *SystemdDaemon) Name() string { return s.Unit }

func (s *SystemdDaemon) Reload(ctx context.Context, _ []render.Artifact) (health.Status, error) {
	jobDone := make(chan string, 1)
	if _, err := s.Conn.ReloadOrRestartUnitContext(ctx, s.Unit, "replace", jobDone); err != nil {
		return health.StatusCritical, fmt.Errorf("reloading %s: %w", s.Unit, err)
	}

	select {
	case <-ctx.Done():
		return health.StatusUnknown, fmt.Errorf("%w: waiting for %s", util.ErrHealthCheckTimeout, s.Unit)
	case result := <-jobDone:
		if result != "done" {
			return health.StatusCritical, fmt.Errorf("reload job for %s finished with %q", s.Unit, result)
		}
	}

	if s.Settle > 0 {
		select {
		case <-ctx.Done():
			return health.StatusUnknown, fmt.Errorf("%w: waiting for %s", util.ErrHealthCheckTimeout, s.Unit)
		case <-time.After(s.Settle):
		}
	}

	check := &health.UnitActiveCheck{Conn: s.Conn, Units: []string{s.Unit}}
	res := check.Run(ctx, nil)
	if !res.Status.Passing() {
		return res.Status, fmt.Errorf("%s", res.Message)
	}
	return res.Status, nil
}
