package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/swconf/pkg/cli"
	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [table]",
	Short: "Show the loaded schema",
	Long: `Show the tables of the schema, or the fields and constraints of one table.

Examples:
  swconf schema
  swconf schema vlan_member
  swconf schema --schema ./schema.yaml interface --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchema()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(s)
			}
			fmt.Printf("Schema %s %s\n\n", cli.Bold(schemaPath), cli.Dim("(version "+s.Version+")"))
			t := cli.NewTable("TABLE", "FIELDS", "KEY REFS", "DESCRIPTION")
			for _, name := range s.TableNames() {
				tbl, _ := s.Table(name)
				t.Row(name, fmt.Sprint(len(tbl.Fields)), strings.Join(tbl.KeyRefs, ","), tbl.Description)
			}
			t.Flush()
			return nil
		}

		tbl, ok := s.Table(args[0])
		if !ok {
			return fmt.Errorf("%w: unknown table %s", util.ErrSchemaViolation, args[0])
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(tbl)
		}

		fmt.Println(cli.Bold(tbl.Name))
		if tbl.Description != "" {
			fmt.Println(tbl.Description)
		}
		if len(tbl.KeyRefs) > 0 {
			fmt.Printf("Key parts reference: %s\n", strings.Join(tbl.KeyRefs, schema.KeySeparator))
		}
		fmt.Println()

		t := cli.NewTable("FIELD", "TYPE", "REF", "CONSTRAINTS", "DESCRIPTION")
		for _, name := range tbl.FieldNames() {
			f, _ := tbl.Field(name)
			t.Row(name, string(f.Type), f.Ref, constraints(f), f.Doc)
		}
		t.Flush()
		return nil
	},
}

func constraints(f *schema.Field) string {
	var parts []string
	if f.Unique {
		parts = append(parts, "unique")
	}
	if f.Format != "" {
		parts = append(parts, "format="+f.Format)
	}
	if f.Range != "" {
		parts = append(parts, "range="+f.Range)
	}
	if len(f.Enum) > 0 {
		parts = append(parts, "enum="+strings.Join(f.Enum, "|"))
	}
	return strings.Join(parts, " ")
}
