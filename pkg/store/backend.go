package store

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

// RawRecord is one record as persisted: string fields, list fields under
// "<name>@" and the NULL sentinel for field-less records.
type RawRecord struct {
	Table  string
	Key    string
	Fields map[string]string
}

// RecordChange is the persisted post-state of one touched record.
type RecordChange struct {
	Table  string
	Key    string
	Fields map[string]string // ignored when Delete is set
	Delete bool
}

// Backend persists committed state. Persist must apply all changes and the
// version bump atomically, and fail with a *util.ConflictError when the
// persisted version is not from.
type Backend interface {
	Load(ctx context.Context) (uint64, []RawRecord, error)
	Persist(ctx context.Context, from, to uint64, changes []RecordChange) error
	Close() error
}

// Watcher is implemented by backends that announce commits made by other
// processes. Watch blocks until ctx is done, calling fn with each announced
// version.
type Watcher interface {
	Watch(ctx context.Context, fn func(version uint64)) error
}

// Empty records are stored with a single NULL:NULL field (SONiC convention)
// so the hash exists.
const (
	nullField = "NULL"
	nullValue = "NULL"
	listMark  = "@"
)

// encodeFields converts typed fields to their stored form.
func encodeFields(fields map[string]Value) map[string]string {
	out := make(map[string]string, len(fields))
	for name, v := range fields {
		if v.Kind() == KindList {
			out[name+listMark] = v.String()
			continue
		}
		out[name] = v.String()
	}
	return out
}

// decodeFields converts stored fields back to typed values. Fields unknown
// to the schema are kept as strings so a later commit does not lose them.
func decodeFields(t *schema.Table, raw map[string]string) map[string]Value {
	out := make(map[string]Value, len(raw))
	for name, s := range raw {
		if name == nullField && s == nullValue {
			continue
		}
		if base, ok := strings.CutSuffix(name, listMark); ok {
			if s == "" {
				out[base] = List()
			} else {
				out[base] = List(strings.Split(s, ",")...)
			}
			continue
		}
		if f, ok := t.Field(name); ok && f.Type == schema.TypeBool {
			if b, err := strconv.ParseBool(s); err == nil {
				out[name] = Bool(b)
				continue
			}
			util.WithTable(t.Name, "").Warnf("field %s: stored value %q is not a bool", name, s)
		}
		out[name] = String(s)
	}
	return out
}

func changeFor(tk TableKey, snap *Snapshot) RecordChange {
	r, ok := snap.Get(tk.Table, tk.Key)
	if !ok {
		return RecordChange{Table: tk.Table, Key: tk.Key, Delete: true}
	}
	return RecordChange{Table: tk.Table, Key: tk.Key, Fields: encodeFields(r.fields)}
}

// MemoryBackend keeps persisted state in process memory. It stores the same
// encoded form as RedisBackend.
type MemoryBackend struct {
	mu      sync.Mutex
	version uint64
	data    map[TableKey]map[string]string

	// FailPersist, when set, is returned by the next Persist call.
	FailPersist error
}

// NewMemoryBackend creates an empty in-memory backend at version 0.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[TableKey]map[string]string{}}
}

func (m *MemoryBackend) Load(ctx context.Context) (uint64, []RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RawRecord, 0, len(m.data))
	for tk, fields := range m.data {
		cp := make(map[string]string, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		out = append(out, RawRecord{Table: tk.Table, Key: tk.Key, Fields: cp})
	}
	return m.version, out, nil
}

func (m *MemoryBackend) Persist(ctx context.Context, from, to uint64, changes []RecordChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailPersist; err != nil {
		m.FailPersist = nil
		return err
	}
	if m.version != from {
		return &util.ConflictError{BaseVersion: from, CurrentVersion: m.version}
	}
	for _, ch := range changes {
		tk := TableKey{Table: ch.Table, Key: ch.Key}
		if ch.Delete {
			delete(m.data, tk)
			continue
		}
		fields := make(map[string]string, len(ch.Fields))
		for k, v := range ch.Fields {
			fields[k] = v
		}
		if len(fields) == 0 {
			fields[nullField] = nullValue
		}
		m.data[tk] = fields
	}
	m.version = to
	return nil
}

// Put writes a record directly, bypassing validation, and bumps the
// version. It simulates a commit made by another process.
func (m *MemoryBackend) Put(table, key string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[TableKey{Table: table, Key: key}] = fields
	m.version++
}

// Version returns the persisted version.
func (m *MemoryBackend) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *MemoryBackend) Close() error { return nil }
