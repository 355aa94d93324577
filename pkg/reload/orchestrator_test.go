package reload

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/swconf/pkg/daemon"
	"github.com/newtron-network/swconf/pkg/health"
	"github.com/newtron-network/swconf/pkg/render"
	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

const testSchemaYAML = `
version: "1"
tables:
  vlan:
    fields:
      name: {type: string}
  interface:
    fields:
      vlan: {type: string, ref: vlan}
      mtu:  {type: string, format: int, range: "68-9216"}
  acl:
    fields:
      stage: {type: string}
`

type fixture struct {
	root  string
	st    *store.Store
	reg   *render.Registry
	calls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := schema.ParseYAML([]byte(testSchemaYAML))
	require.NoError(t, err)
	st, err := store.New(context.Background(), s, store.NewMemoryBackend())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vlans, err := render.NewTemplate("vlans", "vlans.conf",
		"{{range records \"vlan\"}}vlan {{.Key}} {{field . \"name\"}}\n{{end}}# version {{version}}\n", "vlan")
	require.NoError(t, err)
	ifaces, err := render.NewTemplate("interfaces", "etc/interfaces.conf",
		"{{range records \"interface\"}}{{.Key}} mtu {{field . \"mtu\"}}\n{{end}}# version {{version}}\n", "interface")
	require.NoError(t, err)

	return &fixture{
		root: t.TempDir(),
		st:   st,
		reg:  &render.Registry{Templates: []*render.Template{vlans, ifaces}},
	}
}

func (f *fixture) commit(t *testing.T, cs *store.ChangeSet) {
	t.Helper()
	_, err := f.st.Commit(context.Background(), cs)
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T, dest string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, dest))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(dest string) bool {
	_, err := os.Stat(filepath.Join(f.root, dest))
	return !errors.Is(err, fs.ErrNotExist)
}

// daemon returns a daemon reporting whatever status() says and counting
// calls.
func (f *fixture) daemon(status func() health.Status) daemon.Daemon {
	return daemon.Func("test", func(ctx context.Context, _ []render.Artifact) (health.Status, error) {
		f.calls.Add(1)
		return status(), nil
	})
}

func (f *fixture) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	cfg.Registry = f.reg
	cfg.Renderer = render.NewRenderer(f.st.Schema())
	cfg.Installer = &Installer{Root: f.root}
	o, err := New(f.st, cfg)
	require.NoError(t, err)
	return o
}

func seed(t *testing.T, f *fixture) {
	f.commit(t, store.NewChangeSet("test").
		Set("vlan", "10", "name", store.String("v10")).
		Set("interface", "eth0", "vlan", store.String("10")).
		Set("interface", "eth0", "mtu", store.String("9100")))
}

func states(res *CycleResult) []State {
	var out []State
	for _, tr := range res.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestReload_Commits(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	o := f.orchestrator(t, Config{Daemon: f.daemon(func() health.Status { return health.StatusOK })})

	res, err := o.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, []State{StateSnapshotting, StateRendering, StateInstalling, StateVerifying, StateCommitted, StateIdle}, states(res))
	assert.Equal(t, StateIdle, o.State())
	assert.Same(t, res, o.LastResult())
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, int32(1), f.calls.Load())

	assert.Equal(t, "vlan 10 v10\n# version 1\n", f.read(t, "vlans.conf"))
	assert.Equal(t, "eth0 mtu 9100\n# version 1\n", f.read(t, "etc/interfaces.conf"))

	// Every artifact of a cycle comes from the same snapshot.
	require.Len(t, res.Artifacts, 2)
	for _, a := range res.Artifacts {
		assert.Equal(t, res.Version, a.Version, a.Template)
	}
}

func TestReload_MissingDataInstallsNothing(t *testing.T) {
	f := newFixture(t)
	f.commit(t, store.NewChangeSet("test").
		Set("vlan", "10", "name", store.String("v10")).
		Set("interface", "eth0", "vlan", store.String("10")))
	o := f.orchestrator(t, Config{Daemon: f.daemon(func() health.Status { return health.StatusOK })})

	res, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrMissingData)
	assert.ErrorContains(t, err, "eth0")
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, []State{StateSnapshotting, StateRendering, StateRolledBack, StateIdle}, states(res))
	assert.Equal(t, StateIdle, o.State())

	assert.False(t, f.exists("vlans.conf"), "no artifact installed after a render failure")
	assert.False(t, f.exists("etc/interfaces.conf"))
	assert.Zero(t, f.calls.Load(), "daemons are not signaled")
	assert.Equal(t, uint64(1), f.st.Version())
}

func TestReload_HealthFailureRestoresPriorContent(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "vlans.conf"), []byte("hand written\n"), 0600))

	before := f.st.Snapshot()
	o := f.orchestrator(t, Config{Daemon: f.daemon(func() health.Status { return health.StatusCritical })})

	res, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrHealthCheckFailure)
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, []State{StateSnapshotting, StateRendering, StateInstalling, StateVerifying, StateRolledBack, StateIdle}, states(res))

	assert.Equal(t, "hand written\n", f.read(t, "vlans.conf"))
	info, err := os.Stat(filepath.Join(f.root, "vlans.conf"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0600), info.Mode().Perm())
	assert.False(t, f.exists("etc/interfaces.conf"), "file that did not exist before is removed")

	assert.Equal(t, int32(2), f.calls.Load(), "daemons are re-signaled after rollback")
	assert.Same(t, before, f.st.Snapshot(), "store untouched")
}

func TestReload_FailedCheckRollsBack(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	checker := health.NewChecker(
		&health.ArtifactCheck{Root: f.root},
		health.CheckFunc{Label: "bgp", Fn: func(context.Context, []render.Artifact) health.Result {
			return health.Result{Status: health.StatusCritical, Message: "session down"}
		}},
	)
	o := f.orchestrator(t, Config{Checker: checker})

	res, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrHealthCheckFailure)
	assert.ErrorContains(t, err, "bgp")
	require.NotNil(t, res.Report)
	assert.Equal(t, health.StatusCritical, res.Report.Overall)
	assert.False(t, f.exists("vlans.conf"))
}

func TestReload_HealthTimeout(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	hang := daemon.Func("hang", func(ctx context.Context, _ []render.Artifact) (health.Status, error) {
		<-ctx.Done()
		return health.StatusUnknown, ctx.Err()
	})
	o := f.orchestrator(t, Config{Daemon: hang, HealthTimeout: 50 * time.Millisecond})

	res, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrHealthCheckTimeout)
	assert.Equal(t, StateRolledBack, res.State)
	assert.False(t, f.exists("vlans.conf"))
}

func TestReload_CanceledBeforeInstall(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	o := f.orchestrator(t, Config{Daemon: f.daemon(func() health.Status { return health.StatusOK })})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Reload(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRolledBack, res.State)
	assert.False(t, f.exists("vlans.conf"))
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, StateIdle, o.State())
}

func TestReload_CoalescesRequests(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	release := make(chan struct{})
	var first sync.Once
	blocking := daemon.Func("slow", func(ctx context.Context, _ []render.Artifact) (health.Status, error) {
		first.Do(func() { <-release })
		return health.StatusOK, nil
	})

	var mu sync.Mutex
	var cycles []*CycleResult
	o := f.orchestrator(t, Config{Daemon: blocking, OnCycle: func(r *CycleResult) {
		mu.Lock()
		cycles = append(cycles, r)
		mu.Unlock()
	}})

	done := make(chan error, 1)
	go func() {
		_, err := o.Reload(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return o.State() == StateVerifying }, 5*time.Second, time.Millisecond)

	// A change committed mid-cycle is picked up by the pending cycle.
	f.commit(t, store.NewChangeSet("test").Set("vlan", "20", "name", store.String("v20")))

	for i := 0; i < 3; i++ {
		_, err := o.Reload(context.Background())
		require.ErrorIs(t, err, util.ErrCycleInFlight)
	}
	assert.True(t, o.Pending())

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cycles, 2, "three requests coalesce into one pending cycle")
	assert.Equal(t, uint64(1), cycles[0].Version)
	assert.Equal(t, uint64(2), cycles[1].Version)
	assert.False(t, o.Pending())
	assert.Equal(t, "vlan 10 v10\nvlan 20 v20\n# version 2\n", f.read(t, "vlans.conf"))
}

func TestReload_PendingSurvivesCanceledCaller(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	release := make(chan struct{})
	var first sync.Once
	blocking := daemon.Func("slow", func(ctx context.Context, _ []render.Artifact) (health.Status, error) {
		first.Do(func() { <-release })
		return health.StatusOK, nil
	})

	var cycles atomic.Int32
	o := f.orchestrator(t, Config{Daemon: blocking, OnCycle: func(*CycleResult) { cycles.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := o.Reload(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return o.State() == StateVerifying }, 5*time.Second, time.Millisecond)

	f.commit(t, store.NewChangeSet("test").Set("vlan", "20", "name", store.String("v20")))
	_, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrCycleInFlight)

	cancel()
	close(release)
	require.NoError(t, <-done, "cancellation after Installing does not abort the cycle")

	require.Eventually(t, func() bool {
		return cycles.Load() == 2 && o.State() == StateIdle
	}, 5*time.Second, time.Millisecond, "the accepted pending request still runs")
	assert.False(t, o.Pending())
	last := o.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, StateCommitted, last.State)
	assert.Equal(t, uint64(2), last.Version)
	assert.Equal(t, "vlan 10 v10\nvlan 20 v20\n# version 2\n", f.read(t, "vlans.conf"))
}

func TestReload_UnknownCheckBlocksWarning(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	checker := health.NewChecker(
		health.CheckFunc{Label: "units", Fn: func(context.Context, []render.Artifact) health.Result {
			return health.Result{Status: health.StatusUnknown, Message: "no D-Bus properties"}
		}},
		health.CheckFunc{Label: "bgp", Fn: func(context.Context, []render.Artifact) health.Result {
			return health.Result{Status: health.StatusWarning, Message: "1 of 2 sessions up"}
		}},
	)
	o := f.orchestrator(t, Config{Checker: checker})

	res, err := o.Reload(context.Background())
	require.ErrorIs(t, err, util.ErrHealthCheckFailure)
	assert.ErrorContains(t, err, "units")
	assert.Equal(t, StateRolledBack, res.State)
	require.NotNil(t, res.Report)
	assert.Equal(t, health.StatusUnknown, res.Report.Overall)
	assert.False(t, f.exists("vlans.conf"))
}

func TestReload_MinInterval(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	o := f.orchestrator(t, Config{MinInterval: 100 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := o.Reload(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// subscribedSource signals once Run has subscribed, so tests commit only
// after the orchestrator is listening.
type subscribedSource struct {
	*store.Store
	ready chan struct{}
}

func (s *subscribedSource) Subscribe(buffer int) (<-chan store.Notification, func()) {
	ch, cancel := s.Store.Subscribe(buffer)
	close(s.ready)
	return ch, cancel
}

// startRun runs the orchestrator in the background and returns a counter
// of finished cycles.
func startRun(t *testing.T, f *fixture, cfg Config) *atomic.Int32 {
	t.Helper()
	var cycles atomic.Int32
	cfg.Registry = f.reg
	cfg.Renderer = render.NewRenderer(f.st.Schema())
	cfg.Installer = &Installer{Root: f.root}
	cfg.OnCycle = func(*CycleResult) { cycles.Add(1) }

	src := &subscribedSource{Store: f.st, ready: make(chan struct{})}
	o, err := New(src, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-src.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not subscribe")
	}
	return &cycles
}

func TestRun_Immediate(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	cycles := startRun(t, f, Config{Mode: ModeImmediate})

	f.commit(t, store.NewChangeSet("test").Set("vlan", "20", "name", store.String("v20")))
	require.Eventually(t, func() bool { return cycles.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(f.root, "vlans.conf"))
		return err == nil && string(data) == "vlan 10 v10\nvlan 20 v20\n# version 2\n"
	}, 5*time.Second, 5*time.Millisecond)

	// acl feeds no template.
	n := cycles.Load()
	f.commit(t, store.NewChangeSet("test").Set("acl", "DATAACL", "stage", store.String("ingress")))
	assert.Never(t, func() bool { return cycles.Load() != n }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestRun_Debounce(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	cycles := startRun(t, f, Config{Mode: ModeDebounce, Debounce: 200 * time.Millisecond})

	for _, name := range []string{"a", "b", "c", "d"} {
		f.commit(t, store.NewChangeSet("test").Set("vlan", "10", "name", store.String(name)))
	}

	require.Eventually(t, func() bool { return cycles.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return cycles.Load() > 1 }, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, "vlan 10 d\n# version 5\n", f.read(t, "vlans.conf"))
}

func TestNew_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := New(nil, Config{Registry: f.reg})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)

	_, err = New(f.st, Config{})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)

	_, err = New(f.st, Config{Registry: f.reg, Mode: "sometimes"})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)

	o, err := New(f.st, Config{Registry: f.reg})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, o.State())
	assert.Nil(t, o.LastResult())
}

func TestCycleResult_Failure(t *testing.T) {
	assert.Equal(t, "", (&CycleResult{}).Failure())
	assert.Equal(t, "boom", (&CycleResult{Err: errors.New("boom")}).Failure())
}
