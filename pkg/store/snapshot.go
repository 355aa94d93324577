package store

import (
	"encoding/json"
	"iter"
	"maps"
	"slices"
	"sort"
)

// TableKey addresses one record.
type TableKey struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

func (tk TableKey) String() string {
	return tk.Table + "|" + tk.Key
}

// Record is a read-only view of one configuration entity. The fields map is
// never mutated after the record is placed in a snapshot.
type Record struct {
	Table  string
	Key    string
	fields map[string]Value
}

// NewRecord builds a record holding a copy of fields.
func NewRecord(table, key string, fields map[string]Value) Record {
	return Record{Table: table, Key: key, fields: cloneFields(fields)}
}

// Get returns the named field.
func (r Record) Get(field string) (Value, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Has reports whether the named field is set.
func (r Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Fields returns a copy of the record's fields.
func (r Record) Fields() map[string]Value {
	return cloneFields(r.fields)
}

// FieldNames returns the set field names in sorted order.
func (r Record) FieldNames() []string {
	return slices.Sorted(maps.Keys(r.fields))
}

// Len returns the number of set fields.
func (r Record) Len() int { return len(r.fields) }

// Equal compares table, key and field contents.
func (r Record) Equal(o Record) bool {
	return r.Table == o.Table && r.Key == o.Key && fieldsEqual(r.fields, o.fields)
}

// MarshalJSON encodes the record as {"table","key","fields"}.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := r.fields
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(struct {
		Table  string           `json:"table"`
		Key    string           `json:"key"`
		Fields map[string]Value `json:"fields"`
	}{r.Table, r.Key, fields})
}

func cloneFields(fields map[string]Value) map[string]Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}

func fieldsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// Snapshot is an immutable point-in-time view of every table. Snapshots
// never alias store state that can still change: a commit builds a new
// snapshot and unchanged tables are shared only between immutable snapshots.
type Snapshot struct {
	version uint64
	tables  map[string]map[string]Record
}

func newSnapshot(version uint64, tables map[string]map[string]Record) *Snapshot {
	if tables == nil {
		tables = map[string]map[string]Record{}
	}
	return &Snapshot{version: version, tables: tables}
}

// NewSnapshot builds a snapshot from a list of records. Intended for
// rendering against hand-built state, e.g. in tests or offline previews.
func NewSnapshot(version uint64, records ...Record) *Snapshot {
	tables := map[string]map[string]Record{}
	for _, r := range records {
		t := tables[r.Table]
		if t == nil {
			t = map[string]Record{}
			tables[r.Table] = t
		}
		t[r.Key] = NewRecord(r.Table, r.Key, r.fields)
	}
	return newSnapshot(version, tables)
}

// Version is the monotonically increasing commit counter.
func (s *Snapshot) Version() uint64 { return s.version }

// Get returns one record.
func (s *Snapshot) Get(table, key string) (Record, bool) {
	r, ok := s.tables[table][key]
	return r, ok
}

// Keys returns the keys of a table in sorted order.
func (s *Snapshot) Keys(table string) []string {
	return slices.Sorted(maps.Keys(s.tables[table]))
}

// Len returns the number of records in a table.
func (s *Snapshot) Len(table string) int {
	return len(s.tables[table])
}

// Tables returns the names of non-empty tables in sorted order.
func (s *Snapshot) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name, t := range s.tables {
		if len(t) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Scan yields the records of a table ordered by key. Each call to the
// returned sequence starts over.
func (s *Snapshot) Scan(table string) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		t := s.tables[table]
		for _, key := range slices.Sorted(maps.Keys(t)) {
			if !yield(t[key]) {
				return
			}
		}
	}
}

// Records returns every record of every table, ordered by table then key.
func (s *Snapshot) Records() []Record {
	var out []Record
	for _, table := range s.Tables() {
		out = slices.AppendSeq(out, s.Scan(table))
	}
	return out
}

// SameContent reports whether two snapshots hold identical records,
// regardless of version.
func (s *Snapshot) SameContent(o *Snapshot) bool {
	a, b := s.Tables(), o.Tables()
	if !slices.Equal(a, b) {
		return false
	}
	for _, table := range a {
		ta, tb := s.tables[table], o.tables[table]
		if len(ta) != len(tb) {
			return false
		}
		for key, ra := range ta {
			rb, ok := tb[key]
			if !ok || !ra.Equal(rb) {
				return false
			}
		}
	}
	return true
}

// Diff returns the keys whose records differ between s and o, ordered by
// table then key.
func (s *Snapshot) Diff(o *Snapshot) []TableKey {
	seen := map[string]bool{}
	var tables []string
	for _, t := range append(s.Tables(), o.Tables()...) {
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)

	var out []TableKey
	for _, table := range tables {
		keys := map[string]bool{}
		for k := range s.tables[table] {
			keys[k] = true
		}
		for k := range o.tables[table] {
			keys[k] = true
		}
		for _, key := range slices.Sorted(maps.Keys(keys)) {
			ra, okA := s.tables[table][key]
			rb, okB := o.tables[table][key]
			if okA != okB || (okA && !ra.Equal(rb)) {
				out = append(out, TableKey{Table: table, Key: key})
			}
		}
	}
	return out
}
