// Package store implements the transactional configuration store: typed
// records in named tables, immutable versioned snapshots, validated change
// sets and atomic commits persisted to CONFIG_DB-style Redis hashes.
package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

// Kind is the closed set of value kinds a field may hold.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindList
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return string(schema.TypeString)
	case KindList:
		return string(schema.TypeList)
	case KindBool:
		return string(schema.TypeBool)
	}
	return "invalid"
}

// Matches reports whether k conforms to the declared field type.
func (k Kind) Matches(t schema.FieldType) bool {
	return k != KindInvalid && k.String() == string(t)
}

// Value is an immutable field value.
type Value struct {
	kind  Kind
	str   string
	items []string
	flag  bool
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// List returns a list value holding a copy of items.
func List(items ...string) Value {
	return Value{kind: KindList, items: slices.Clone(items)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

// Kind returns the value's kind; KindInvalid for the zero Value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero Value.
func (v Value) IsZero() bool { return v.kind == KindInvalid }

// IsValid reports whether v was built by one of the constructors.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Items returns a copy of a list value's elements.
func (v Value) Items() []string { return slices.Clone(v.items) }

// IsTrue returns a bool value's truth; false for other kinds.
func (v Value) IsTrue() bool { return v.kind == KindBool && v.flag }

// String renders the value the way it is stored: lists comma-joined,
// bools as "true"/"false".
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindList:
		return strings.Join(v.items, ",")
	case KindBool:
		return strconv.FormatBool(v.flag)
	}
	return ""
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindList:
		return slices.Equal(v.items, o.items)
	case KindBool:
		return v.flag == o.flag
	}
	return true
}

// MarshalJSON encodes strings as JSON strings, lists as arrays and bools as booleans.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindList:
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	case KindBool:
		return json.Marshal(v.flag)
	default:
		return json.Marshal(v.str)
	}
}

// UnmarshalYAML decodes a scalar into a string (or a bool when the scalar
// is tagged !!bool) and a sequence into a list.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!bool" {
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = Bool(b)
			return nil
		}
		*v = String(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return fmt.Errorf("line %d: list values must hold strings: %w", node.Line, err)
		}
		*v = List(items...)
		return nil
	}
	return fmt.Errorf("line %d: unsupported value", node.Line)
}

// MarshalYAML mirrors UnmarshalYAML.
func (v Value) MarshalYAML() (interface{}, error) {
	switch v.kind {
	case KindList:
		return v.Items(), nil
	case KindBool:
		return v.flag, nil
	}
	return v.str, nil
}

// ParseValue converts CLI text into a value of the declared type. Lists
// are comma-separated with surrounding blanks and empty items dropped;
// bools accept strconv.ParseBool spellings.
func ParseValue(t schema.FieldType, text string) (Value, error) {
	switch t {
	case schema.TypeList:
		if text == "" {
			return List(), nil
		}
		return List(util.SplitCommaSeparated(text)...), nil
	case schema.TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q", text)
		}
		return Bool(b), nil
	}
	return String(text), nil
}
