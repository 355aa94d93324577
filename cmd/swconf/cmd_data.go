package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/swconf/pkg/audit"
	"github.com/newtron-network/swconf/pkg/cli"
	"github.com/newtron-network/swconf/pkg/configlet"
	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

var getCmd = &cobra.Command{
	Use:   "get <table> <key> [field]",
	Short: "Show a record or one of its fields",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			rec, err := st.Get(args[0], args[1])
			if err != nil {
				return err
			}
			if len(args) == 3 {
				v, ok := rec.Get(args[2])
				if !ok {
					return fmt.Errorf("%s|%s has no field %s: %w", args[0], args[1], args[2], util.ErrNotFound)
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(v)
				}
				fmt.Println(v.String())
				return nil
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(rec)
			}

			fmt.Printf("%s %s\n\n", cli.Bold(args[0]+"|"+args[1]), cli.Dim(fmt.Sprintf("(version %d)", st.Version())))
			if rec.Len() == 0 {
				fmt.Println("(no fields)")
				return nil
			}
			t := cli.NewTable("FIELD", "VALUE")
			for _, name := range rec.FieldNames() {
				v, _ := rec.Get(name)
				t.Row(name, v.String())
			}
			t.Flush()
			return nil
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <table>",
	Short: "List the records of a table in key order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st *store.Store) error {
			if _, ok := st.Schema().Table(args[0]); !ok {
				return fmt.Errorf("%w: unknown table %s", util.ErrSchemaViolation, args[0])
			}
			if jsonOutput {
				records := []store.Record{}
				for r := range st.Scan(args[0]) {
					records = append(records, r)
				}
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			t := cli.NewTable("KEY", "FIELDS")
			for r := range st.Scan(args[0]) {
				parts := make([]string, 0, r.Len())
				for _, name := range r.FieldNames() {
					v, _ := r.Get(name)
					parts = append(parts, name+"="+v.String())
				}
				t.Row(r.Key, strings.Join(parts, " "))
			}
			if t.Len() == 0 {
				fmt.Printf("No records in %s\n", args[0])
				return nil
			}
			t.Flush()
			return nil
		})
	},
}

var (
	setReplace bool
	setBase    uint64
)

var setCmd = &cobra.Command{
	Use:   "set <table> <key> [field=value...]",
	Short: "Set record fields",
	Long: `Set one or more fields of a record, creating it when absent.

List fields take comma-separated values; bool fields accept true/false.
With --replace the record is replaced by exactly the given fields.

Examples:
  swconf set vlan 10 name=v10 vlanid=10 -x
  swconf set interface eth0 addrs=10.0.0.1/31,10.0.1.1/31 admin_up=true -x
  swconf set vlan_member 10|eth0 --replace -x`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, key := args[0], args[1]
		if len(args) == 2 && !setReplace {
			return fmt.Errorf("nothing to set: give field=value pairs or --replace")
		}
		return withStore(func(ctx context.Context, st *store.Store) error {
			fields, err := parseAssignments(st.Schema(), table, args[2:])
			if err != nil {
				return err
			}
			cs := store.NewChangeSet("cli.set").Based(setBase)
			if setReplace {
				cs.SetRecord(table, key, fields)
			} else {
				for _, name := range sortedNames(fields) {
					cs.Set(table, key, name, fields[name])
				}
			}
			return applyChangeSet(ctx, st, cs)
		})
	},
}

var deleteBase uint64

var deleteCmd = &cobra.Command{
	Use:   "delete <table> <key> [field...]",
	Short: "Delete a record or some of its fields",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, key := args[0], args[1]
		return withStore(func(ctx context.Context, st *store.Store) error {
			cs := store.NewChangeSet("cli.delete").Based(deleteBase)
			if len(args) == 2 {
				cs.Delete(table, key)
			}
			for _, field := range args[2:] {
				cs.DeleteField(table, key, field)
			}
			return applyChangeSet(ctx, st, cs)
		})
	},
}

var commitFile string

var commitCmd = &cobra.Command{
	Use:   "commit -f <changes.yaml>",
	Short: "Commit a change-set file as one transaction",
	Long: `Commit every entry of a change-set file atomically.

  base_version: 7
  changes:
    - {op: set, table: vlan, key: "10", field: name, value: v10}
    - {op: set, table: interface, key: eth0, fields: {vlan: "10", admin_up: true}}
    - {op: delete, table: vlan, key: "20"}

A non-zero base_version is the version the file was prepared against; the
commit fails with a conflict if the change no longer applies.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if commitFile == "" {
			return fmt.Errorf("change-set file required: use -f <file>")
		}
		cs, err := store.LoadChangeSet(commitFile)
		if err != nil {
			return err
		}
		cs.Operation = "cli.commit"
		return withStore(func(ctx context.Context, st *store.Store) error {
			return applyChangeSet(ctx, st, cs)
		})
	},
}

var applyVars []string

var applyCmd = &cobra.Command{
	Use:   "apply <configlet.json>",
	Short: "Merge a configlet into the store",
	Long: `Resolve a configlet's {{var}} placeholders and merge its CONFIG_DB
fragment into the store as one transaction. Fields the configlet does not
mention are left alone.

Examples:
  swconf apply access-vlan.json --var vlan=10 --var port=eth0
  swconf apply baseline.json -x`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configlet.Load(args[0])
		if err != nil {
			return err
		}
		vars := make(map[string]string, len(applyVars))
		for _, kv := range applyVars {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --var %q: want name=value", kv)
			}
			vars[k] = v
		}
		db, err := c.Resolve(vars)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, st *store.Store) error {
			cs, err := db.ChangeSet(st.Schema(), st.Snapshot(), "cli.apply."+c.Name)
			if err != nil {
				return err
			}
			return applyChangeSet(ctx, st, cs)
		})
	},
}

func init() {
	applyCmd.Flags().StringArrayVar(&applyVars, "var", nil, "Configlet variable as name=value (repeatable)")
	setCmd.Flags().BoolVar(&setReplace, "replace", false, "Replace the whole record")
	setCmd.Flags().Uint64Var(&setBase, "base", 0, "Version the change was prepared against")
	deleteCmd.Flags().Uint64Var(&deleteBase, "base", 0, "Version the change was prepared against")
	commitCmd.Flags().StringVarP(&commitFile, "file", "f", "", "Change-set YAML file")
}

// parseAssignments turns field=value arguments into typed values. Fields
// unknown to the schema are kept as strings so validation reports them.
func parseAssignments(s *schema.Schema, table string, args []string) (map[string]store.Value, error) {
	fields := make(map[string]store.Value, len(args))
	tbl, _ := s.Table(table)
	for _, arg := range args {
		name, text, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q: want field=value", arg)
		}
		typ := schema.TypeString
		if tbl != nil {
			if f, ok := tbl.Field(name); ok {
				typ = f.Type
			}
		}
		v, err := store.ParseValue(typ, text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

func sortedNames(fields map[string]store.Value) []string {
	return store.NewRecord("", "", fields).FieldNames()
}

// applyChangeSet previews cs, validates it and commits it in execute mode.
func applyChangeSet(ctx context.Context, st *store.Store, cs *store.ChangeSet) error {
	fmt.Println(cs.Preview())

	targets := make([]string, 0, cs.Len())
	for _, tk := range cs.Targets() {
		targets = append(targets, tk.String())
	}
	event := audit.NewEvent(currentUser(), audit.KindCommit, cs.Operation).
		WithTargets(targets).
		WithExecuteMode(executeMode)
	defer func() {
		if err := audit.Log(event); err != nil {
			util.Warnf("audit: %v", err)
		}
	}()

	if !executeMode {
		if err := st.Validate(cs); err != nil {
			event.WithError(err)
			return fmt.Errorf("validation failed: %w", err)
		}
		event.WithSuccess()
		fmt.Println(cli.Green("Validation passed."))
		printDryRunNotice()
		return nil
	}

	start := time.Now()
	base := st.Version()
	snap, err := st.Commit(ctx, cs)
	event.WithDuration(time.Since(start))
	if err != nil {
		event.WithVersion(base, 0).WithError(err)
		return fmt.Errorf("commit failed: %w", err)
	}
	event.WithVersion(base, snap.Version()).WithSuccess()

	if snap.Version() == base {
		fmt.Printf("\n%s (version %d)\n", cli.Yellow("No changes: state already matches."), base)
		return nil
	}
	fmt.Printf("\n%s version %d\n", cli.Green("Committed"), snap.Version())
	return nil
}
