// Package reload drives the switch from a committed store snapshot to
// running daemons: render, install, signal, verify, and roll back when the
// new configuration does not take.
package reload

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/newtron-network/swconf/pkg/audit"
	"github.com/newtron-network/swconf/pkg/daemon"
	"github.com/newtron-network/swconf/pkg/health"
	"github.com/newtron-network/swconf/pkg/render"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

// State is a reload cycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateSnapshotting State = "snapshotting"
	StateRendering    State = "rendering"
	StateInstalling   State = "installing"
	StateVerifying    State = "verifying"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"
)

// Mode selects how Run reacts to store notifications.
type Mode string

const (
	// ModeImmediate requests a cycle for every relevant notification.
	ModeImmediate Mode = "immediate"
	// ModeDebounce waits until notifications stop for the debounce window.
	ModeDebounce Mode = "debounce"
)

const (
	DefaultHealthTimeout = 30 * time.Second
	DefaultDebounce      = 500 * time.Millisecond

	subscribeBuffer = 64
)

// Source is the read side of the store the orchestrator depends on.
// *store.Store satisfies it. The orchestrator never commits.
type Source interface {
	Snapshot() *store.Snapshot
	Subscribe(buffer int) (<-chan store.Notification, func())
}

// Config wires an Orchestrator.
type Config struct {
	Registry  *render.Registry
	Renderer  *render.Renderer
	Installer *Installer
	Daemon    daemon.Daemon   // may be nil
	Checker   *health.Checker // may be nil

	HealthTimeout time.Duration
	Mode          Mode
	Debounce      time.Duration

	// MinInterval is the minimum time between cycle starts. Zero disables
	// the limit.
	MinInterval time.Duration

	// OnCycle, when set, is called with every finished cycle.
	OnCycle func(*CycleResult)
}

// Transition records one state change within a cycle.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// CycleResult describes one reload cycle.
type CycleResult struct {
	ID          string            `json:"id"`
	Version     uint64            `json:"version"`
	State       State             `json:"state"`
	Artifacts   []render.Artifact `json:"artifacts,omitempty"`
	Report      *health.Report    `json:"report,omitempty"`
	Err         error             `json:"-"`
	Transitions []Transition      `json:"transitions"`
	Started     time.Time         `json:"started"`
	Duration    time.Duration     `json:"duration"`
}

// Failure returns the error text, or "" for a committed cycle.
func (r *CycleResult) Failure() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Orchestrator runs reload cycles one at a time.
type Orchestrator struct {
	src     Source
	cfg     Config
	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	running bool
	pending bool
	last    *CycleResult
	applied []render.Artifact // artifacts of the last committed cycle

	wg sync.WaitGroup
}

// New creates an orchestrator reading snapshots from src.
func New(src Source, cfg Config) (*Orchestrator, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: reload source is required", util.ErrInvalidConfig)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: template registry is required", util.ErrInvalidConfig)
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(nil)
	}
	if cfg.Installer == nil {
		cfg.Installer = &Installer{}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeImmediate
	}
	if cfg.Mode != ModeImmediate && cfg.Mode != ModeDebounce {
		return nil, fmt.Errorf("%w: unknown reload mode %q", util.ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	return &Orchestrator{
		src:     src,
		cfg:     cfg,
		limiter: limiter,
		state:   StateIdle,
	}, nil
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the most recent finished cycle, or nil.
func (o *Orchestrator) LastResult() *CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Pending reports whether a request is waiting for the running cycle.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Reload runs a cycle against the latest snapshot and returns its result.
// If a cycle is already running, the request is recorded in the pending
// flag and util.ErrCycleInFlight is returned; the running caller performs
// one more cycle once it reaches Idle, or hands it to a background run if
// its own ctx is done by then. The returned result is that of the last
// cycle this call ran.
func (o *Orchestrator) Reload(ctx context.Context) (*CycleResult, error) {
	o.mu.Lock()
	if o.running {
		if !o.pending {
			cyclesCoalesced.Inc()
		}
		o.pending = true
		o.mu.Unlock()
		return nil, util.ErrCycleInFlight
	}
	o.running = true
	o.mu.Unlock()

	for {
		var res *CycleResult
		if err := o.limiter.Wait(ctx); err != nil {
			res = &CycleResult{ID: uuid.NewString(), State: StateRolledBack, Started: time.Now(), Err: err}
		} else {
			res = o.cycle(ctx)
		}
		o.finish(res)

		o.mu.Lock()
		pending := o.pending
		o.pending = false
		if pending && ctx.Err() == nil {
			o.mu.Unlock()
			continue
		}
		o.running = false
		o.mu.Unlock()

		if pending {
			// This caller is gone but the coalesced request was accepted.
			util.WithComponent("reload").Debugf("caller canceled, running pending cycle in background")
			o.Trigger()
		}
		return res, res.Err
	}
}

// Trigger requests a cycle without waiting for it.
func (o *Orchestrator) Trigger() {
	go o.reloadLogged(context.Background())
}

// trigger is Trigger for Run, which waits for the cycles it started.
func (o *Orchestrator) trigger(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reloadLogged(ctx)
	}()
}

func (o *Orchestrator) reloadLogged(ctx context.Context) {
	if _, err := o.Reload(ctx); err != nil && !errors.Is(err, util.ErrCycleInFlight) {
		util.WithComponent("reload").Debugf("triggered reload: %v", err)
	}
}

// Run reacts to store notifications until ctx is done. Notifications that
// touch no registered template table are ignored. It returns after any
// cycle it started has finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	notes, cancel := o.src.Subscribe(subscribeBuffer)
	defer cancel()
	defer o.wg.Wait()

	log := util.WithComponent("reload")
	log.Infof("watching store (%s mode)", o.cfg.Mode)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if !o.cfg.Registry.DependsOn(n.Tables()) {
				log.Debugf("version %d touches no template table, ignoring", n.Version)
				continue
			}
			if o.cfg.Mode == ModeImmediate {
				o.trigger(ctx)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(o.cfg.Debounce)
			} else {
				timer.Reset(o.cfg.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			o.trigger(ctx)
		}
	}
}

func (o *Orchestrator) transition(res *CycleResult, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	res.Transitions = append(res.Transitions, Transition{From: from, To: to, At: time.Now()})
	util.WithCycle(res.ID).Debugf("%s -> %s", from, to)
}

func (o *Orchestrator) fail(res *CycleResult, err error) *CycleResult {
	res.Err = err
	o.transition(res, StateRolledBack)
	return res
}

// cycle runs Snapshotting through Committed or RolledBack. ctx is honoured
// until Installing begins; from then on the cycle runs to completion.
func (o *Orchestrator) cycle(ctx context.Context) *CycleResult {
	res := &CycleResult{ID: uuid.NewString(), Started: time.Now()}
	log := util.WithCycle(res.ID)

	o.transition(res, StateSnapshotting)
	if err := ctx.Err(); err != nil {
		return o.fail(res, err)
	}
	snap := o.src.Snapshot()
	res.Version = snap.Version()

	o.transition(res, StateRendering)
	artifacts, err := o.cfg.Renderer.RenderAll(ctx, o.cfg.Registry.Templates, snap)
	if err != nil {
		log.Warnf("render failed at version %d: %v", res.Version, err)
		return o.fail(res, err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(res, err)
	}
	res.Artifacts = artifacts

	ctx = context.WithoutCancel(ctx)

	o.transition(res, StateInstalling)
	backup, err := o.cfg.Installer.Install(artifacts)
	if err != nil {
		log.Errorf("install failed: %v", err)
		o.resignal(ctx, res)
		return o.fail(res, err)
	}

	o.transition(res, StateVerifying)
	report, err := o.verify(ctx, artifacts)
	res.Report = report
	if err != nil {
		log.Errorf("verification failed at version %d: %v", res.Version, err)
		if rerr := backup.Restore(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: rollback: %w", util.ErrInstallFailure, rerr))
		}
		o.resignal(ctx, res)
		return o.fail(res, err)
	}

	o.mu.Lock()
	o.applied = artifacts
	o.mu.Unlock()
	o.transition(res, StateCommitted)
	log.Infof("version %d applied (%d artifacts)", res.Version, len(artifacts))
	return res
}

type verdict struct {
	report *health.Report
	err    error
}

// verify signals the daemons and runs the health checks, bounded by the
// health timeout.
func (o *Orchestrator) verify(ctx context.Context, artifacts []render.Artifact) (*health.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	done := make(chan verdict, 1)
	go func() {
		done <- o.signalAndCheck(ctx, artifacts)
	}()

	select {
	case v := <-done:
		if v.err != nil && ctx.Err() != nil && !errors.Is(v.err, util.ErrHealthCheckTimeout) {
			v.err = fmt.Errorf("%w after %s: %w", util.ErrHealthCheckTimeout, o.cfg.HealthTimeout, v.err)
		}
		return v.report, v.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", util.ErrHealthCheckTimeout, o.cfg.HealthTimeout)
	}
}

func (o *Orchestrator) signalAndCheck(ctx context.Context, artifacts []render.Artifact) verdict {
	if o.cfg.Daemon != nil {
		status, err := o.cfg.Daemon.Reload(ctx, artifacts)
		if err != nil {
			if errors.Is(err, util.ErrHealthCheckTimeout) {
				return verdict{err: err}
			}
			return verdict{err: fmt.Errorf("%w: %s: %w", util.ErrHealthCheckFailure, o.cfg.Daemon.Name(), err)}
		}
		if !status.Passing() {
			return verdict{err: fmt.Errorf("%w: %s reported %s", util.ErrHealthCheckFailure, o.cfg.Daemon.Name(), status)}
		}
	}
	if o.cfg.Checker == nil || o.cfg.Checker.Len() == 0 {
		return verdict{}
	}

	report := o.cfg.Checker.Run(ctx, artifacts)
	if report.Overall.Passing() {
		return verdict{report: report}
	}
	if ctx.Err() != nil {
		return verdict{report: report, err: util.ErrHealthCheckTimeout}
	}
	var names []string
	for _, r := range report.Failed() {
		names = append(names, fmt.Sprintf("%s (%s: %s)", r.Check, r.Status, r.Message))
	}
	return verdict{report: report, err: fmt.Errorf("%w: %v", util.ErrHealthCheckFailure, names)}
}

// resignal tells the daemons to pick up the restored files. A failure is
// logged; the cycle outcome is already RolledBack.
func (o *Orchestrator) resignal(ctx context.Context, res *CycleResult) {
	if o.cfg.Daemon == nil {
		return
	}
	o.mu.Lock()
	applied := slices.Clone(o.applied)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()
	if status, err := o.cfg.Daemon.Reload(ctx, applied); err != nil || !status.Passing() {
		util.WithCycle(res.ID).Errorf("re-signal after rollback: status %s: %v", status, err)
	}
}

func (o *Orchestrator) finish(res *CycleResult) {
	res.Duration = time.Since(res.Started)
	res.State = StateCommitted
	if res.Err != nil {
		res.State = StateRolledBack
	}
	cycleTotal.WithLabelValues(string(res.State)).Inc()
	cycleDuration.WithLabelValues(string(res.State)).Observe(res.Duration.Seconds())
	if res.State == StateCommitted {
		appliedVersion.Set(float64(res.Version))
	}

	o.transition(res, StateIdle)
	o.mu.Lock()
	o.last = res
	o.mu.Unlock()

	event := audit.NewEvent(currentUser(), audit.KindReload, "reload").
		WithCycle(res.ID, string(res.State)).
		WithVersion(0, res.Version).
		WithDuration(res.Duration).
		WithExecuteMode(true)
	for _, a := range res.Artifacts {
		event.Artifacts = append(event.Artifacts, a.Dest)
	}
	if res.Err != nil {
		event.WithError(res.Err)
	} else {
		event.WithSuccess()
	}
	if err := audit.Log(event); err != nil {
		util.WithCycle(res.ID).Warnf("audit: %v", err)
	}

	if o.cfg.OnCycle != nil {
		o.cfg.OnCycle(res)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
