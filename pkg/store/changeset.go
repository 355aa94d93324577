package store

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Op is a change-entry operation.
type Op string

const (
	OpSet    Op = "SET"
	OpDelete Op = "DELETE"
)

// UnmarshalYAML accepts the operation in any case.
func (o *Op) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToUpper(node.Value) {
	case string(OpSet):
		*o = OpSet
	case string(OpDelete):
		*o = OpDelete
	default:
		return fmt.Errorf("line %d: unknown op %q", node.Line, node.Value)
	}
	return nil
}

// ChangeEntry is a single proposed mutation. An empty Field targets the
// whole record: SET replaces it with Fields, DELETE removes it.
type ChangeEntry struct {
	Op     Op               `yaml:"op" json:"op"`
	Table  string           `yaml:"table" json:"table"`
	Key    string           `yaml:"key" json:"key"`
	Field  string           `yaml:"field,omitempty" json:"field,omitempty"`
	Value  Value            `yaml:"value,omitempty" json:"value,omitempty"`
	Fields map[string]Value `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Target returns the addressed record.
func (e ChangeEntry) Target() TableKey {
	return TableKey{Table: e.Table, Key: e.Key}
}

func (e ChangeEntry) String() string {
	target := e.Table + "|" + e.Key
	if e.Field != "" {
		target += "." + e.Field
	}
	switch {
	case e.Op == OpDelete:
		return fmt.Sprintf("[DEL] %s", target)
	case e.Field != "":
		return fmt.Sprintf("[SET] %s = %s", target, e.Value)
	default:
		parts := make([]string, 0, len(e.Fields))
		for _, name := range slices.Sorted(maps.Keys(e.Fields)) {
			parts = append(parts, name+"="+e.Fields[name].String())
		}
		return fmt.Sprintf("[SET] %s {%s}", target, strings.Join(parts, " "))
	}
}

// ChangeSet is an ordered sequence of change entries. Later entries override
// earlier ones for the same target.
type ChangeSet struct {
	Operation   string        `yaml:"operation,omitempty" json:"operation,omitempty"`
	BaseVersion uint64        `yaml:"base_version,omitempty" json:"base_version,omitempty"` // 0: validate against whatever is current
	Timestamp   time.Time     `yaml:"-" json:"timestamp"`
	Entries     []ChangeEntry `yaml:"changes" json:"changes"`
}

// NewChangeSet creates an empty change set labelled with the operation
// that produced it, e.g. "cli.set".
func NewChangeSet(operation string) *ChangeSet {
	return &ChangeSet{
		Operation: operation,
		Timestamp: time.Now(),
		Entries:   make([]ChangeEntry, 0),
	}
}

// Based pins the change set to the snapshot version it was prepared against.
func (cs *ChangeSet) Based(version uint64) *ChangeSet {
	cs.BaseVersion = version
	return cs
}

// Add appends a raw entry.
func (cs *ChangeSet) Add(e ChangeEntry) *ChangeSet {
	cs.Entries = append(cs.Entries, e)
	return cs
}

// Set sets one field, creating the record when absent.
func (cs *ChangeSet) Set(table, key, field string, v Value) *ChangeSet {
	return cs.Add(ChangeEntry{Op: OpSet, Table: table, Key: key, Field: field, Value: v})
}

// SetRecord replaces a whole record with fields.
func (cs *ChangeSet) SetRecord(table, key string, fields map[string]Value) *ChangeSet {
	return cs.Add(ChangeEntry{Op: OpSet, Table: table, Key: key, Fields: cloneFields(fields)})
}

// Delete removes a whole record.
func (cs *ChangeSet) Delete(table, key string) *ChangeSet {
	return cs.Add(ChangeEntry{Op: OpDelete, Table: table, Key: key})
}

// DeleteField removes one field of a record.
func (cs *ChangeSet) DeleteField(table, key, field string) *ChangeSet {
	return cs.Add(ChangeEntry{Op: OpDelete, Table: table, Key: key, Field: field})
}

// Merge appends all entries from other into cs.
func (cs *ChangeSet) Merge(other *ChangeSet) {
	cs.Entries = append(cs.Entries, other.Entries...)
}

// Len returns the number of entries.
func (cs *ChangeSet) Len() int { return len(cs.Entries) }

// IsEmpty returns true if there are no entries.
func (cs *ChangeSet) IsEmpty() bool { return cs == nil || len(cs.Entries) == 0 }

// Targets returns the distinct records addressed, in first-touch order.
func (cs *ChangeSet) Targets() []TableKey {
	seen := map[TableKey]bool{}
	var out []TableKey
	for _, e := range cs.Entries {
		tk := e.Target()
		if !seen[tk] {
			seen[tk] = true
			out = append(out, tk)
		}
	}
	return out
}

// String returns one line per entry.
func (cs *ChangeSet) String() string {
	if cs.IsEmpty() {
		return "No changes"
	}
	var sb strings.Builder
	for _, e := range cs.Entries {
		sb.WriteString("  " + e.String() + "\n")
	}
	return sb.String()
}

// Preview returns a formatted preview of the changes.
func (cs *ChangeSet) Preview() string {
	var sb strings.Builder
	if cs.Operation != "" {
		sb.WriteString(fmt.Sprintf("Operation: %s\n", cs.Operation))
	}
	if cs.BaseVersion != 0 {
		sb.WriteString(fmt.Sprintf("Base version: %d\n", cs.BaseVersion))
	}
	sb.WriteString(fmt.Sprintf("Changes:\n%s", cs.String()))
	return sb.String()
}

// LoadChangeSet reads a YAML change-set file:
//
//	base_version: 7
//	changes:
//	  - {op: set, table: VLAN, key: Vlan10, field: vlanid, value: "10"}
//	  - {op: delete, table: INTERFACE, key: Ethernet0}
func LoadChangeSet(path string) (*ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading change set %s: %w", path, err)
	}
	cs, err := ParseChangeSet(data)
	if err != nil {
		return nil, fmt.Errorf("parsing change set %s: %w", path, err)
	}
	return cs, nil
}

// ParseChangeSet decodes a YAML change-set document.
func ParseChangeSet(data []byte) (*ChangeSet, error) {
	cs := NewChangeSet("file")
	if err := yaml.Unmarshal(data, cs); err != nil {
		return nil, err
	}
	for i, e := range cs.Entries {
		if e.Op == "" {
			return nil, fmt.Errorf("entry %d: op is required", i)
		}
	}
	return cs, nil
}
