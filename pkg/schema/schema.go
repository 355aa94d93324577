// Package schema describes the tables, fields and constraints of the
// configuration store. A schema is static, versioned metadata loaded once at
// process start.
package schema

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/newtron-network/swconf/pkg/util"
)

// FieldType is the declared kind of a field value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeList   FieldType = "list"
	TypeBool   FieldType = "bool"
)

// Formats a string (or list element) field may be constrained to.
const (
	FormatInt       = "int"
	FormatIPv4      = "ipv4"
	FormatIPv4CIDR  = "ipv4-cidr"
	FormatVLANRange = "vlan-range"
)

var knownFormats = map[string]bool{
	FormatInt:       true,
	FormatIPv4:      true,
	FormatIPv4CIDR:  true,
	FormatVLANRange: true,
}

// KeySeparator splits composite record keys, e.g. "Vlan10|Ethernet0".
const KeySeparator = "|"

// Field declares one field of a table.
type Field struct {
	Name   string    `yaml:"-" json:"-"`
	Type   FieldType `yaml:"type" json:"type"`
	Ref    string    `yaml:"ref,omitempty" json:"ref,omitempty"`       // table the value (or each list element) names a key of
	Unique bool      `yaml:"unique,omitempty" json:"unique,omitempty"` // no two records may share the value
	Format string    `yaml:"format,omitempty" json:"format,omitempty"`
	Range  string    `yaml:"range,omitempty" json:"range,omitempty"` // inclusive "lo-hi", only with format int
	Enum   []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	Doc    string    `yaml:"description,omitempty" json:"description,omitempty"`

	lo, hi int
}

// Table declares a named collection of records.
type Table struct {
	Name        string            `yaml:"-" json:"-"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	KeyRefs     []string          `yaml:"key_refs,omitempty" json:"key_refs,omitempty"`
	Fields      map[string]*Field `yaml:"fields" json:"fields"`
}

// Schema is the full set of table declarations.
type Schema struct {
	Version string            `yaml:"version" json:"version"`
	Tables  map[string]*Table `yaml:"tables" json:"tables"`
}

// Table returns the named table declaration.
func (s *Schema) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.Tables[name]
	return t, ok
}

// TableNames returns all table names in sorted order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the named field declaration.
func (t *Table) Field(name string) (*Field, bool) {
	f, ok := t.Fields[name]
	return f, ok
}

// FieldNames returns the table's field names in sorted order.
func (t *Table) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RefFields returns the fields of t that reference another table, sorted by name.
func (t *Table) RefFields() []*Field {
	var refs []*Field
	for _, name := range t.FieldNames() {
		if f := t.Fields[name]; f.Ref != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

// KeyRef returns the table referenced by the i-th part of a composite key,
// or "" when that part is free-form.
func (t *Table) KeyRef(i int) string {
	if i < 0 || i >= len(t.KeyRefs) {
		return ""
	}
	return t.KeyRefs[i]
}

// CheckScalar validates a single string (or list element) against the
// field's format, range and enum constraints.
func (f *Field) CheckScalar(v string) error {
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, v) {
		return fmt.Errorf("value %q not in %v", v, f.Enum)
	}
	switch f.Format {
	case FormatInt:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", v)
		}
		if f.Range != "" && (n < f.lo || n > f.hi) {
			return fmt.Errorf("value %d outside range %s", n, f.Range)
		}
	case FormatIPv4:
		if !util.IsValidIPv4(v) {
			return fmt.Errorf("value %q is not an IPv4 address", v)
		}
	case FormatIPv4CIDR:
		if !util.IsValidIPv4CIDR(v) {
			return fmt.Errorf("value %q is not an IPv4 prefix", v)
		}
	case FormatVLANRange:
		if _, err := util.ExpandVLANRange(v); err != nil {
			return err
		}
	}
	return nil
}

// finalize fills derived fields and checks the schema for internal
// consistency: known types and formats, references to declared tables.
func (s *Schema) finalize() error {
	v := &util.ValidationBuilder{}
	v.Add(s.Version != "", "schema version is required")
	v.Add(len(s.Tables) > 0, "schema declares no tables")

	for _, tname := range s.TableNames() {
		t := s.Tables[tname]
		if t == nil {
			t = &Table{}
			s.Tables[tname] = t
		}
		t.Name = tname
		v.Add(!strings.Contains(tname, KeySeparator), fmt.Sprintf("table %s: name must not contain %q", tname, KeySeparator))

		for i, ref := range t.KeyRefs {
			if ref == "" {
				continue
			}
			if _, ok := s.Tables[ref]; !ok {
				v.AddErrorf("table %s: key part %d references unknown table %s", tname, i, ref)
			}
		}

		if t.Fields == nil {
			t.Fields = map[string]*Field{}
		}
		for _, fname := range t.FieldNames() {
			f := t.Fields[fname]
			if f == nil {
				v.AddErrorf("table %s: field %s has no declaration", tname, fname)
				continue
			}
			f.Name = fname
			switch f.Type {
			case TypeString, TypeList, TypeBool:
			default:
				v.AddErrorf("table %s: field %s has unknown type %q", tname, fname, f.Type)
			}
			if f.Ref != "" {
				if _, ok := s.Tables[f.Ref]; !ok {
					v.AddErrorf("table %s: field %s references unknown table %s", tname, fname, f.Ref)
				}
				v.Add(f.Type != TypeBool, fmt.Sprintf("table %s: bool field %s cannot be a reference", tname, fname))
			}
			if f.Format != "" && !knownFormats[f.Format] {
				v.AddErrorf("table %s: field %s has unknown format %q", tname, fname, f.Format)
			}
			if f.Type == TypeBool && (f.Format != "" || len(f.Enum) > 0 || f.Unique) {
				v.AddErrorf("table %s: bool field %s cannot carry format, enum or unique", tname, fname)
			}
			if f.Range != "" {
				if f.Format != FormatInt {
					v.AddErrorf("table %s: field %s declares a range without format int", tname, fname)
					continue
				}
				lo, hi, err := util.ParseBounds(f.Range)
				if err != nil {
					v.AddErrorf("table %s: field %s: %v", tname, fname, err)
					continue
				}
				f.lo, f.hi = lo, hi
			}
		}
	}

	if err := v.Build(); err != nil {
		return fmt.Errorf("%w: %w", util.ErrInvalidConfig, err)
	}
	return nil
}
