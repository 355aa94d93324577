package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/swconf/pkg/audit"
	"github.com/newtron-network/swconf/pkg/cli"
)

var (
	auditKind     string
	auditUser     string
	auditTable    string
	auditCycle    string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the audit log",
	Long: `View the audit log of commits and reload cycles.

Each event records the user, the operation, the versions involved and
whether it succeeded.

Examples:
  swconf audit --last 24h
  swconf audit --kind reload --failures
  swconf audit --table vlan --user alice`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			Kind:        audit.Kind(auditKind),
			User:        auditUser,
			Table:       auditTable,
			CycleID:     auditCycle,
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}
		switch filter.Kind {
		case "", audit.KindCommit, audit.KindReload:
		default:
			return fmt.Errorf("invalid kind %q (valid: commit, reload)", auditKind)
		}

		if auditLast != "" {
			d, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-d)
		}

		events, err := audit.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		t := cli.NewTable("TIMESTAMP", "USER", "KIND", "OPERATION", "VERSION", "STATUS")
		for _, e := range events {
			status := cli.Green("ok")
			switch {
			case !e.Success:
				status = cli.Red("failed")
			case e.DryRun:
				status = cli.Yellow("dry-run")
			}
			if e.State != "" {
				status = cli.Status(e.State)
			}
			version := ""
			if e.Version > 0 {
				version = fmt.Sprint(e.Version)
			}
			t.Row(e.Timestamp.Format("2006-01-02 15:04:05"), e.User, string(e.Kind), e.Operation, version, status)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "Filter by kind (commit, reload)")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user")
	auditCmd.Flags().StringVar(&auditTable, "table", "", "Filter by touched table")
	auditCmd.Flags().StringVar(&auditCycle, "cycle", "", "Filter by reload cycle ID")
	auditCmd.Flags().StringVar(&auditLast, "last", "", "Show events from the last duration (e.g. 24h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to show")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed operations")
}
