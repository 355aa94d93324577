package store

import (
	"fmt"
	"maps"
	"strings"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

// Validator checks change sets against the schema and a snapshot. Checks
// run in a fixed order and the first violation is returned:
//
//  1. every table and field exists in the schema
//  2. every value conforms to its field's type, format and enum
//  3. every reference resolves in the state after the whole set is applied
//  4. unique fields hold distinct values across their table
type Validator struct {
	schema *schema.Schema
}

// NewValidator creates a validator for s.
func NewValidator(s *schema.Schema) *Validator {
	return &Validator{schema: s}
}

// Validate reports whether cs could be committed on top of snap.
func (v *Validator) Validate(cs *ChangeSet, snap *Snapshot) error {
	_, err := v.prepare(cs, snap)
	return err
}

// prepare validates cs and returns the post-state overlay on success.
func (v *Validator) prepare(cs *ChangeSet, snap *Snapshot) (*overlay, error) {
	if err := v.checkSchema(cs); err != nil {
		return nil, err
	}
	if err := v.checkTypes(cs); err != nil {
		return nil, err
	}

	ov := newOverlay(snap)
	for i, e := range cs.Entries {
		ov.apply(i, e)
	}

	if err := v.checkReferences(ov); err != nil {
		return nil, err
	}
	if err := v.checkUnique(ov); err != nil {
		return nil, err
	}
	return ov, nil
}

func (v *Validator) checkSchema(cs *ChangeSet) error {
	for i, e := range cs.Entries {
		t, ok := v.schema.Table(e.Table)
		if !ok {
			return util.NewSchemaError(i, e.Table, e.Key, e.Field, "unknown table")
		}
		if e.Op != OpSet && e.Op != OpDelete {
			return util.NewSchemaError(i, e.Table, e.Key, e.Field, fmt.Sprintf("unknown op %q", e.Op))
		}
		if e.Key == "" {
			return util.NewSchemaError(i, e.Table, e.Key, e.Field, "key is required")
		}
		if n := len(t.KeyRefs); n > 0 {
			if parts := strings.Split(e.Key, schema.KeySeparator); len(parts) != n {
				return util.NewSchemaError(i, e.Table, e.Key, "",
					fmt.Sprintf("key must have %d %q-separated parts, got %d", n, schema.KeySeparator, len(parts)))
			}
		}
		if e.Field != "" {
			if _, ok := t.Field(e.Field); !ok {
				return util.NewSchemaError(i, e.Table, e.Key, e.Field, "unknown field")
			}
			continue
		}
		for name := range e.Fields {
			if _, ok := t.Field(name); !ok {
				return util.NewSchemaError(i, e.Table, e.Key, name, "unknown field")
			}
		}
	}
	return nil
}

func (v *Validator) checkTypes(cs *ChangeSet) error {
	for i, e := range cs.Entries {
		if e.Op != OpSet {
			continue
		}
		t, _ := v.schema.Table(e.Table)
		if e.Field != "" {
			f, _ := t.Field(e.Field)
			if err := checkValue(f, e.Value); err != nil {
				return util.NewSchemaError(i, e.Table, e.Key, e.Field, err.Error())
			}
			continue
		}
		for name, val := range e.Fields {
			f, _ := t.Field(name)
			if err := checkValue(f, val); err != nil {
				return util.NewSchemaError(i, e.Table, e.Key, name, err.Error())
			}
		}
	}
	return nil
}

func checkValue(f *schema.Field, v Value) error {
	if !v.IsValid() {
		return fmt.Errorf("missing value")
	}
	if !v.Kind().Matches(f.Type) {
		return fmt.Errorf("expected %s, got %s", f.Type, v.Kind())
	}
	switch v.Kind() {
	case KindString:
		return f.CheckScalar(v.String())
	case KindList:
		for _, item := range v.items {
			// Lists are stored comma-joined under "<field>@".
			if item == "" || strings.Contains(item, ",") {
				return fmt.Errorf("list item %q cannot be stored: items must be non-empty and comma-free", item)
			}
			if err := f.CheckScalar(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// refTargets returns the keys a field value names in its referenced table.
func refTargets(v Value) []string {
	switch v.Kind() {
	case KindString:
		if v.str == "" {
			return nil
		}
		return []string{v.str}
	case KindList:
		return v.Items()
	}
	return nil
}

func (v *Validator) checkReferences(ov *overlay) error {
	for _, tk := range ov.order {
		p := ov.state[tk]
		idx := ov.last[tk]
		t, _ := v.schema.Table(tk.Table)

		if !p.exists {
			if _, existed := ov.base.Get(tk.Table, tk.Key); existed {
				if err := v.checkInUse(ov, tk, idx); err != nil {
					return err
				}
			}
			continue
		}

		for _, f := range t.RefFields() {
			val, ok := p.fields[f.Name]
			if !ok {
				continue
			}
			for _, target := range refTargets(val) {
				if !ov.exists(f.Ref, target) {
					return &util.ReferenceError{Index: idx, Table: tk.Table, Key: tk.Key, Field: f.Name,
						TargetTable: f.Ref, TargetKey: target}
				}
			}
		}
		if len(t.KeyRefs) > 0 {
			for i, part := range strings.Split(tk.Key, schema.KeySeparator) {
				ref := t.KeyRef(i)
				if ref == "" || ov.exists(ref, part) {
					continue
				}
				return &util.ReferenceError{Index: idx, Table: tk.Table, Key: tk.Key, Field: fmt.Sprintf("key[%d]", i),
					TargetTable: ref, TargetKey: part}
			}
		}
	}
	return nil
}

// checkInUse fails when a record the set deletes is still referenced by a
// record the set does not touch. Touched referrers were already checked
// against the post-state.
func (v *Validator) checkInUse(ov *overlay, target TableKey, idx int) error {
	for _, tname := range v.schema.TableNames() {
		t := v.schema.Tables[tname]
		var refs []*schema.Field
		for _, f := range t.RefFields() {
			if f.Ref == target.Table {
				refs = append(refs, f)
			}
		}
		var keyParts []int
		for i, ref := range t.KeyRefs {
			if ref == target.Table {
				keyParts = append(keyParts, i)
			}
		}
		if len(refs) == 0 && len(keyParts) == 0 {
			continue
		}

		for r := range ov.base.Scan(tname) {
			if _, touched := ov.state[TableKey{Table: r.Table, Key: r.Key}]; touched {
				continue
			}
			for _, f := range refs {
				for _, k := range refTargets(r.fields[f.Name]) {
					if k == target.Key {
						return &util.ReferenceError{Index: idx, Table: r.Table, Key: r.Key, Field: f.Name,
							TargetTable: target.Table, TargetKey: target.Key, InUse: true}
					}
				}
			}
			if len(keyParts) > 0 {
				parts := strings.Split(r.Key, schema.KeySeparator)
				for _, kp := range keyParts {
					if kp < len(parts) && parts[kp] == target.Key {
						return &util.ReferenceError{Index: idx, Table: r.Table, Key: r.Key, Field: fmt.Sprintf("key[%d]", kp),
							TargetTable: target.Table, TargetKey: target.Key, InUse: true}
					}
				}
			}
		}
	}
	return nil
}

func (v *Validator) checkUnique(ov *overlay) error {
	checked := map[string]bool{}
	for _, tk := range ov.order {
		if checked[tk.Table] {
			continue
		}
		checked[tk.Table] = true

		t, _ := v.schema.Table(tk.Table)
		for _, fname := range t.FieldNames() {
			f := t.Fields[fname]
			if !f.Unique {
				continue
			}
			owners := map[string][]string{}
			ov.each(tk.Table, func(key string, fields map[string]Value) {
				if val, ok := fields[fname]; ok {
					s := val.String()
					owners[s] = append(owners[s], key)
				}
			})
			for _, cand := range ov.order {
				if cand.Table != tk.Table {
					continue
				}
				p := ov.state[cand]
				if !p.exists {
					continue
				}
				val, ok := p.fields[fname]
				if !ok {
					continue
				}
				if keys := owners[val.String()]; len(keys) > 1 {
					other := keys[0]
					if other == cand.Key {
						other = keys[1]
					}
					return util.NewSchemaError(ov.last[cand], cand.Table, cand.Key, fname,
						fmt.Sprintf("constraint: unique: value %q already used by %s|%s", val.String(), cand.Table, other))
				}
			}
		}
	}
	return nil
}

// pending is the post-state of one touched record.
type pending struct {
	exists bool
	fields map[string]Value
}

// overlay applies change entries on top of a snapshot without mutating it.
type overlay struct {
	base  *Snapshot
	state map[TableKey]*pending
	order []TableKey       // first-touch order
	last  map[TableKey]int // index of the last entry touching a record
}

func newOverlay(base *Snapshot) *overlay {
	return &overlay{
		base:  base,
		state: map[TableKey]*pending{},
		last:  map[TableKey]int{},
	}
}

func (o *overlay) apply(i int, e ChangeEntry) {
	tk := e.Target()
	p, ok := o.state[tk]
	if !ok {
		p = &pending{}
		if r, found := o.base.Get(tk.Table, tk.Key); found {
			p.exists = true
			p.fields = cloneFields(r.fields)
		}
		o.state[tk] = p
		o.order = append(o.order, tk)
	}
	o.last[tk] = i

	switch {
	case e.Op == OpSet && e.Field != "":
		if !p.exists {
			p.exists = true
			p.fields = map[string]Value{}
		}
		p.fields[e.Field] = e.Value
	case e.Op == OpSet:
		p.exists = true
		p.fields = cloneFields(e.Fields)
	case e.Field != "":
		if p.exists {
			delete(p.fields, e.Field)
		}
	default:
		p.exists = false
		p.fields = nil
	}
}

func (o *overlay) exists(table, key string) bool {
	if p, ok := o.state[TableKey{Table: table, Key: key}]; ok {
		return p.exists
	}
	_, ok := o.base.Get(table, key)
	return ok
}

// each visits every post-state record of table in no particular order.
func (o *overlay) each(table string, fn func(key string, fields map[string]Value)) {
	for key, r := range o.base.tables[table] {
		if _, touched := o.state[TableKey{Table: table, Key: key}]; !touched {
			fn(key, r.fields)
		}
	}
	for tk, p := range o.state {
		if tk.Table == table && p.exists {
			fn(tk.Key, p.fields)
		}
	}
}

// changes returns the records whose post-state differs from the base, in
// first-touch order.
func (o *overlay) changes() []TableKey {
	var out []TableKey
	for _, tk := range o.order {
		p := o.state[tk]
		r, existed := o.base.Get(tk.Table, tk.Key)
		switch {
		case existed != p.exists:
			out = append(out, tk)
		case p.exists && !fieldsEqual(r.fields, p.fields):
			out = append(out, tk)
		}
	}
	return out
}

// snapshot builds the next snapshot. Tables without changes are shared with
// the base; both snapshots are immutable.
func (o *overlay) snapshot(version uint64, changed []TableKey) *Snapshot {
	tables := maps.Clone(o.base.tables)
	if tables == nil {
		tables = map[string]map[string]Record{}
	}
	copied := map[string]bool{}
	for _, tk := range changed {
		if !copied[tk.Table] {
			copied[tk.Table] = true
			tables[tk.Table] = maps.Clone(tables[tk.Table])
			if tables[tk.Table] == nil {
				tables[tk.Table] = map[string]Record{}
			}
		}
		p := o.state[tk]
		if p.exists {
			tables[tk.Table][tk.Key] = Record{Table: tk.Table, Key: tk.Key, fields: cloneFields(p.fields)}
		} else {
			delete(tables[tk.Table], tk.Key)
		}
	}
	return newSnapshot(version, tables)
}
