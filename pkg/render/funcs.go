package render

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

func missing(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", util.ErrMissingData, fmt.Sprintf(format, args...))
}

func fault(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", util.ErrRenderFault, fmt.Sprintf(format, args...))
}

// placeholderFuncs lets templates parse before a snapshot is bound.
var placeholderFuncs = funcMap(nil, store.NewSnapshot(0))

// funcMap returns the closed function set templates may call, bound to
// one snapshot. Nothing here reads the clock, the environment or anything
// outside snap, so rendering is deterministic.
func funcMap(s *schema.Schema, snap *store.Snapshot) template.FuncMap {
	knownTable := func(table string) error {
		if s == nil {
			return nil
		}
		if _, ok := s.Table(table); !ok {
			return fault("unknown table %s", table)
		}
		return nil
	}

	value := func(r store.Record, name string) (store.Value, error) {
		v, ok := r.Get(name)
		if !ok {
			return store.Value{}, missing("%s|%s has no field %s", r.Table, r.Key, name)
		}
		return v, nil
	}

	return template.FuncMap{
		// records returns every record of a table ordered by key.
		"records": func(table string) ([]store.Record, error) {
			if err := knownTable(table); err != nil {
				return nil, err
			}
			var out []store.Record
			for r := range snap.Scan(table) {
				out = append(out, r)
			}
			return out, nil
		},
		"record": func(table, key string) (store.Record, error) {
			if err := knownTable(table); err != nil {
				return store.Record{}, err
			}
			r, ok := snap.Get(table, key)
			if !ok {
				return store.Record{}, missing("no record %s|%s", table, key)
			}
			return r, nil
		},
		// field returns a field's stored form; lists come back comma-joined.
		"field": func(r store.Record, name string) (string, error) {
			v, err := value(r, name)
			if err != nil {
				return "", err
			}
			return v.String(), nil
		},
		// lookup is record followed by field.
		"lookup": func(table, key, name string) (string, error) {
			if err := knownTable(table); err != nil {
				return "", err
			}
			r, ok := snap.Get(table, key)
			if !ok {
				return "", missing("no record %s|%s", table, key)
			}
			v, err := value(r, name)
			if err != nil {
				return "", err
			}
			return v.String(), nil
		},
		"has": func(r store.Record, name string) bool {
			return r.Has(name)
		},
		// list returns a list field's elements, or nil when the field is unset.
		"list": func(r store.Record, name string) ([]string, error) {
			v, ok := r.Get(name)
			if !ok {
				return nil, nil
			}
			if v.Kind() != store.KindList {
				return nil, fault("%s|%s.%s is a %s, not a list", r.Table, r.Key, name, v.Kind())
			}
			return v.Items(), nil
		},
		// bool returns a bool field's value, false when unset.
		"bool": func(r store.Record, name string) (bool, error) {
			v, ok := r.Get(name)
			if !ok {
				return false, nil
			}
			if v.Kind() != store.KindBool {
				return false, fault("%s|%s.%s is a %s, not a bool", r.Table, r.Key, name, v.Kind())
			}
			return v.IsTrue(), nil
		},
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
		// keyPart returns the i-th "|"-separated part of a composite key.
		"keyPart": func(key string, i int) (string, error) {
			parts := strings.Split(key, schema.KeySeparator)
			if i < 0 || i >= len(parts) {
				return "", fault("key %q has no part %d", key, i)
			}
			return parts[i], nil
		},
		"version": func() uint64 {
			return snap.Version()
		},
	}
}
