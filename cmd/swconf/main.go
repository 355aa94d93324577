// Swconf - transactional configuration state manager for a switch OS
//
// Records live in CONFIG_DB-style Redis hashes (TABLE|key). Every change
// goes through a validated, atomic commit; a reload renders the committed
// state into daemon configuration files, installs them, signals the
// daemons and rolls back if the switch does not come up healthy.
//
// Write commands preview changes by default; use -x to execute:
//
//	swconf set vlan 10 name=v10              # preview
//	swconf set vlan 10 name=v10 -x           # commit
//	swconf commit -f changes.yaml -x         # commit a change-set file
//	swconf reload --unit frr.service         # render, install, verify
//	swconf watch --metrics-addr :9110        # reload on every commit
package main

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/newtron-network/swconf/pkg/audit"
	"github.com/newtron-network/swconf/pkg/cli"
	"github.com/newtron-network/swconf/pkg/remote"
	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/settings"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
	"github.com/newtron-network/swconf/pkg/version"
)

var (
	// Global option flags
	redisAddr    string
	redisDB      int
	schemaPath   string
	registryPath string
	verbose      bool
	jsonOutput   bool

	// Write flag, local to commands that mutate state
	executeMode bool

	// Global state
	userSettings *settings.Settings
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.Red("Error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "swconf",
	Short:             "Switch configuration state manager",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Swconf manages switch configuration as versioned, validated transactions
and reloads the forwarding daemons from committed state.

Write commands preview changes by default. Use -x to execute.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		if jsonOutput {
			cli.SetColor(false)
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}
		if isSettingsOrHelp(cmd) {
			return nil
		}

		if !cmd.Flags().Changed("redis") {
			redisAddr = userSettings.GetRedisAddr()
		}
		if !cmd.Flags().Changed("db") {
			redisDB = userSettings.GetRedisDB()
		}
		if schemaPath == "" {
			schemaPath = userSettings.GetSchemaPath()
		}
		if registryPath == "" {
			registryPath = userSettings.GetRegistryPath()
		}

		auditLogger, err := audit.NewFileLogger(userSettings.GetAuditLog(), audit.RotationConfig{
			MaxSize:    10 * 1024 * 1024, // 10MB
			MaxBackups: 10,
		})
		if err != nil {
			util.Debugf("Could not initialize audit logging: %v", err)
		} else {
			audit.SetDefaultLogger(auditLogger)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", settings.DefaultRedisAddr, "Redis address (on the switch when ssh_host is set)")
	rootCmd.PersistentFlags().IntVar(&redisDB, "db", settings.DefaultRedisDB, "Redis database number")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "Schema file (YAML or JSONC)")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "Template registry file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	for _, cmd := range []*cobra.Command{setCmd, deleteCmd, commitCmd, applyCmd} {
		addWriteFlags(cmd)
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Configuration Data:"},
		&cobra.Group{ID: "reload", Title: "Reload:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)
	for _, cmd := range []*cobra.Command{getCmd, scanCmd, setCmd, deleteCmd, commitCmd, applyCmd} {
		cmd.GroupID = "data"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{reloadCmd, watchCmd, renderCmd} {
		cmd.GroupID = "reload"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{schemaCmd, auditCmd, settingsCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

func addWriteFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&executeMode, "execute", "x", false, "Execute changes (default is dry-run)")
}

func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "help", "version":
			return true
		}
	}
	return false
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("swconf dev build (set version via -ldflags)")
			return
		}
		fmt.Println("swconf " + version.Info())
	},
}

// ============================================================================
// Store Helpers
// ============================================================================

func loadSchema() (*schema.Schema, error) {
	s, err := schema.Load(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return s, nil
}

// sshConfig returns the tunnel endpoint from settings, or nil when Redis is
// reached directly.
func sshConfig() *remote.Config {
	if userSettings.SSHHost == "" {
		return nil
	}
	u := userSettings.SSHUser
	if u == "" {
		if cur, err := user.Current(); err == nil {
			u = cur.Username
		}
	}
	return &remote.Config{
		Host:       userSettings.SSHHost,
		Port:       userSettings.SSHPort,
		User:       u,
		Password:   os.Getenv("SWCONF_SSH_PASSWORD"),
		KeyFile:    userSettings.SSHKeyFile,
		KnownHosts: userSettings.SSHKnownHosts,
	}
}

// openStore connects to Redis, through an SSH tunnel when configured, and
// loads the current snapshot.
func openStore(ctx context.Context) (*store.Store, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}

	opts := store.RedisOptions{Addr: redisAddr, DB: redisDB}
	if cfg := sshConfig(); cfg != nil {
		tunnel, err := remote.NewTunnel(*cfg, redisAddr)
		if err != nil {
			return nil, fmt.Errorf("opening SSH tunnel to %s: %w", cfg.Host, err)
		}
		opts.Tunnel = tunnel
	}

	backend, err := store.NewRedisBackend(ctx, s, opts)
	if err != nil {
		return nil, err
	}
	st, err := store.New(ctx, s, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return st, nil
}

// withStore opens the store, runs fn and closes it.
func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// ============================================================================
// Output Helpers
// ============================================================================

func printDryRunNotice() {
	if !executeMode {
		fmt.Println("\n" + cli.Yellow("DRY-RUN: No changes applied. Use -x to execute."))
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
