package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/swconf/pkg/cli"
	"github.com/newtron-network/swconf/pkg/daemon"
	"github.com/newtron-network/swconf/pkg/health"
	"github.com/newtron-network/swconf/pkg/reload"
	"github.com/newtron-network/swconf/pkg/remote"
	"github.com/newtron-network/swconf/pkg/render"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

var (
	reloadUnits       []string
	reloadCommand     string
	reloadRoot        string
	reloadSettle      time.Duration
	reloadTimeout     time.Duration
	reloadMinInterval time.Duration

	watchDebounce    time.Duration
	watchImmediate   bool
	watchMetricsAddr string
	watchInitial     bool
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Render committed state and reload the daemons",
	Long: `Run one reload cycle: render every registered template from the current
snapshot, install the files, signal the daemons and verify health. If any
step fails, the previous files are restored and the daemons re-signaled.

Examples:
  swconf reload --unit frr.service --unit teamd.service
  swconf reload --reload-cmd "vtysh -b" --root /tmp/stage`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			o, cleanup, err := newOrchestrator(ctx, st, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := o.Reload(ctx)
			if res != nil {
				printCycle(res)
			}
			if err != nil {
				return fmt.Errorf("reload failed: %w", err)
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reload whenever committed state changes",
	Long: `Follow commits from any process and run a reload cycle for every change
that touches a template table. Serves Prometheus metrics on --metrics-addr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		o, cleanup, err := newOrchestrator(ctx, st, printCycle)
		if err != nil {
			return err
		}
		defer cleanup()

		addr := watchMetricsAddr
		if addr == "" {
			addr = userSettings.GetMetricsAddr()
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			util.Infof("serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return st.Follow(gctx)
		})
		g.Go(func() error {
			return o.Run(gctx)
		})
		if watchInitial {
			o.Trigger()
		}

		fmt.Printf("Watching version %d (Ctrl-C to stop)\n", st.Version())
		return g.Wait()
	},
}

var renderCmd = &cobra.Command{
	Use:   "render [template]",
	Short: "Render templates from the current snapshot to stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			reg, err := loadRegistry(st)
			if err != nil {
				return err
			}
			templates := reg.Templates
			if len(args) == 1 {
				t, ok := reg.Get(args[0])
				if !ok {
					return fmt.Errorf("unknown template %s (have %v)", args[0], reg.Names())
				}
				templates = []*render.Template{t}
			}

			artifacts, err := render.NewRenderer(st.Schema()).RenderAll(ctx, templates, st.Snapshot())
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(artifacts)
			}
			for _, a := range artifacts {
				fmt.Println(cli.Dim(fmt.Sprintf("# %s -> %s (version %d, %s)", a.Template, a.Dest, a.Version, a.Hash)))
				os.Stdout.Write(a.Content)
			}
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{reloadCmd, watchCmd} {
		cmd.Flags().StringSliceVar(&reloadUnits, "unit", nil, "systemd unit to reload (repeatable)")
		cmd.Flags().StringVar(&reloadCommand, "reload-cmd", "", "Shell command that reloads the daemons (run over SSH when ssh_host is set)")
		cmd.Flags().StringVar(&reloadRoot, "root", "", "Directory relative artifact destinations are installed under")
		cmd.Flags().DurationVar(&reloadSettle, "settle", 0, "Wait after a unit reload before checking it")
		cmd.Flags().DurationVar(&reloadTimeout, "health-timeout", 0, "Bound on signal and verify (default from settings)")
		cmd.Flags().DurationVar(&reloadMinInterval, "min-interval", 0, "Minimum time between reload cycles")
	}
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Wait this long for commits to settle (default from settings)")
	watchCmd.Flags().BoolVar(&watchImmediate, "immediate", false, "Reload on every commit without debouncing")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Prometheus listen address (default from settings)")
	watchCmd.Flags().BoolVar(&watchInitial, "initial", true, "Run one reload at startup")
}

func loadRegistry(st *store.Store) (*render.Registry, error) {
	reg, err := render.LoadRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	if err := reg.CheckTables(st.Schema()); err != nil {
		return nil, err
	}
	return reg, nil
}

// newOrchestrator wires the daemons and health checks from flags and
// settings. cleanup releases D-Bus and SSH connections.
func newOrchestrator(ctx context.Context, st *store.Store, onCycle func(*reload.CycleResult)) (*reload.Orchestrator, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	reg, err := loadRegistry(st)
	if err != nil {
		return nil, nil, err
	}

	root := reloadRoot
	if root == "" {
		root = userSettings.InstallRoot
	}
	checker := health.NewChecker(&health.ArtifactCheck{Root: root})

	var daemons daemon.Group
	if len(reloadUnits) > 0 {
		conn, err := daemon.ConnectSystemd(ctx)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() error { conn.Close(); return nil })
		for _, unit := range reloadUnits {
			daemons = append(daemons, &daemon.SystemdDaemon{Conn: conn, Unit: unit, Settle: reloadSettle})
		}
		checker.Add(&health.UnitActiveCheck{Conn: conn, Units: reloadUnits})
	}
	if reloadCommand != "" {
		if cfg := sshConfig(); cfg != nil {
			client, err := remote.Dial(*cfg)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.Host, err)
			}
			closers = append(closers, client.Close)
			daemons = append(daemons, &daemon.RemoteDaemon{Client: client, Command: reloadCommand})
		} else {
			daemons = append(daemons, &daemon.CommandDaemon{Command: []string{"sh", "-c", reloadCommand}})
		}
	}

	timeout := reloadTimeout
	if timeout == 0 {
		timeout = userSettings.GetHealthTimeout()
	}
	mode := reload.ModeDebounce
	if watchImmediate {
		mode = reload.ModeImmediate
	}
	debounce := watchDebounce
	if debounce == 0 {
		debounce = userSettings.GetDebounce()
	}

	cfg := reload.Config{
		Registry:      reg,
		Renderer:      render.NewRenderer(st.Schema()),
		Installer:     &reload.Installer{Root: root},
		Checker:       checker,
		HealthTimeout: timeout,
		Mode:          mode,
		Debounce:      debounce,
		MinInterval:   reloadMinInterval,
		OnCycle:       onCycle,
	}
	if len(daemons) > 0 {
		cfg.Daemon = daemons
	} else {
		util.Warnf("no --unit or --reload-cmd given: files are installed but no daemon is signaled")
	}

	o, err := reload.New(st, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return o, cleanup, nil
}

func printCycle(res *reload.CycleResult) {
	if jsonOutput {
		out := struct {
			*reload.CycleResult
			Error string `json:"error,omitempty"`
		}{res, res.Failure()}
		json.NewEncoder(os.Stdout).Encode(out)
		return
	}

	fmt.Printf("Cycle %s: version %d %s (%s)\n", cli.Dim(res.ID), res.Version, cli.Status(string(res.State)), res.Duration.Round(time.Millisecond))
	t := cli.NewTable("TEMPLATE", "DEST", "HASH").WithPrefix("  ")
	for _, a := range res.Artifacts {
		t.Row(a.Template, a.Dest, a.Hash)
	}
	t.Flush()
	if res.Report != nil {
		for _, r := range res.Report.Results {
			fmt.Printf("  %s %s %s\n", cli.DotPad(r.Check, 24), cli.Status(string(r.Status)), r.Message)
		}
	}
	if res.Err != nil {
		fmt.Printf("  %s %v\n", cli.Red("error:"), res.Err)
	}
}
