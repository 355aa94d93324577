package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

// Notification describes one commit: the new version and the records it
// changed, in first-touch order.
type Notification struct {
	Version uint64     `json:"version"`
	Touched []TableKey `json:"touched"`
}

// Tables returns the distinct tables touched, in first-touch order.
func (n Notification) Tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, tk := range n.Touched {
		if !seen[tk.Table] {
			seen[tk.Table] = true
			out = append(out, tk.Table)
		}
	}
	return out
}

// Store is the authoritative configuration state. Commits are serialized;
// readers load the current snapshot through an atomic pointer and never
// wait on a commit.
type Store struct {
	schema    *schema.Schema
	validator *Validator
	backend   Backend

	current  atomic.Pointer[Snapshot]
	commitMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]chan Notification
	nextID int
}

// New loads the persisted state from backend and returns a store serving it.
func New(ctx context.Context, s *schema.Schema, backend Backend) (*Store, error) {
	st := &Store{
		schema:    s,
		validator: NewValidator(s),
		backend:   backend,
		subs:      map[int]chan Notification{},
	}
	snap, err := st.load(ctx)
	if err != nil {
		return nil, err
	}
	st.publish(snap)
	return st, nil
}

func (s *Store) load(ctx context.Context) (*Snapshot, error) {
	version, raw, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading store: %w", err)
	}
	tables := map[string]map[string]Record{}
	skipped := 0
	for _, rr := range raw {
		t, ok := s.schema.Table(rr.Table)
		if !ok {
			skipped++
			continue
		}
		if tables[rr.Table] == nil {
			tables[rr.Table] = map[string]Record{}
		}
		tables[rr.Table][rr.Key] = Record{Table: rr.Table, Key: rr.Key, fields: decodeFields(t, rr.Fields)}
	}
	if skipped > 0 {
		util.WithComponent("store").Debugf("skipped %d records of tables outside the schema", skipped)
	}
	return newSnapshot(version, tables), nil
}

func (s *Store) publish(snap *Snapshot) {
	s.current.Store(snap)
	storeVersion.Set(float64(snap.Version()))
}

// Schema returns the schema the store validates against.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Validator returns the store's validator.
func (s *Store) Validator() *Validator { return s.validator }

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// Version returns the current snapshot version.
func (s *Store) Version() uint64 { return s.current.Load().Version() }

// Get returns one record of the current snapshot.
func (s *Store) Get(table, key string) (Record, error) {
	if _, ok := s.schema.Table(table); !ok {
		return Record{}, fmt.Errorf("%w: unknown table %s", util.ErrSchemaViolation, table)
	}
	r, ok := s.current.Load().Get(table, key)
	if !ok {
		return Record{}, fmt.Errorf("%s|%s: %w", table, key, util.ErrNotFound)
	}
	return r, nil
}

// Scan yields the records of table ordered by key. Each iteration reads the
// snapshot current when it starts.
func (s *Store) Scan(table string) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for r := range s.current.Load().Scan(table) {
			if !yield(r) {
				return
			}
		}
	}
}

// Validate checks cs against the current snapshot without committing.
func (s *Store) Validate(cs *ChangeSet) error {
	return s.validator.Validate(cs, s.current.Load())
}

// Commit validates cs against the current snapshot and applies it
// atomically. On success the new snapshot is returned and a notification
// is published; a change set that changes nothing returns the current
// snapshot without a new version. On failure nothing changes.
func (s *Store) Commit(ctx context.Context, cs *ChangeSet) (*Snapshot, error) {
	start := time.Now()
	defer func() { commitDuration.Observe(time.Since(start).Seconds()) }()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := s.current.Load()
	log := util.WithComponent("store").WithField("version", cur.Version())

	if cs.BaseVersion > cur.Version() {
		commitTotal.WithLabelValues("conflict").Inc()
		return nil, &util.ConflictError{BaseVersion: cs.BaseVersion, CurrentVersion: cur.Version()}
	}

	ov, err := s.validator.prepare(cs, cur)
	if err != nil {
		stale := cs.BaseVersion != 0 && cs.BaseVersion != cur.Version()
		if stale && errors.Is(err, util.ErrReferenceViolation) {
			err = &util.ConflictError{BaseVersion: cs.BaseVersion, CurrentVersion: cur.Version(), Cause: err}
		}
		commitTotal.WithLabelValues(outcome(err)).Inc()
		log.Debugf("commit rejected: %v", err)
		return nil, err
	}

	changed := ov.changes()
	if len(changed) == 0 {
		commitTotal.WithLabelValues("noop").Inc()
		log.Debugf("commit of %d entries changes nothing", cs.Len())
		return cur, nil
	}

	next := ov.snapshot(cur.Version()+1, changed)
	records := make([]RecordChange, 0, len(changed))
	for _, tk := range changed {
		records = append(records, changeFor(tk, next))
	}
	if err := s.backend.Persist(ctx, cur.Version(), next.Version(), records); err != nil {
		commitTotal.WithLabelValues(outcome(err)).Inc()
		if errors.Is(err, util.ErrConflictDetected) {
			return nil, err
		}
		return nil, fmt.Errorf("persisting version %d: %w", next.Version(), err)
	}

	s.publish(next)
	commitTotal.WithLabelValues("committed").Inc()
	log.WithField("records", len(changed)).Infof("committed version %d", next.Version())

	s.notify(Notification{Version: next.Version(), Touched: changed})
	return next, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, util.ErrConflictDetected):
		return "conflict"
	case errors.Is(err, util.ErrSchemaViolation):
		return "schema"
	case errors.Is(err, util.ErrReferenceViolation):
		return "reference"
	}
	return "error"
}

// Refresh reloads the persisted state, typically after a commit by another
// process, and publishes a notification for the records that differ.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	next, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	cur := s.current.Load()
	if next.Version() == cur.Version() && next.SameContent(cur) {
		return cur, nil
	}

	touched := cur.Diff(next)
	s.publish(next)
	util.WithComponent("store").Infof("refreshed to version %d (%d records changed)", next.Version(), len(touched))
	if len(touched) > 0 {
		s.notify(Notification{Version: next.Version(), Touched: touched})
	}
	return next, nil
}

// Follow refreshes the store whenever the backend announces a version
// newer than the current one. It blocks until ctx is done. Backends that
// cannot announce commits return immediately.
func (s *Store) Follow(ctx context.Context) error {
	w, ok := s.backend.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(version uint64) {
		if version <= s.Version() {
			return
		}
		if _, err := s.Refresh(ctx); err != nil {
			util.WithComponent("store").Warnf("refresh to version %d: %v", version, err)
		}
	})
}

// Close closes the backend and all subscriber channels.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.backend.Close()
}
