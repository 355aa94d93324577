package configlet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

// ConfigDB is the table -> key -> field -> value layout of config_db.json.
type ConfigDB map[string]map[string]map[string]string

// ResolveVariables replaces all {{var}} placeholders in s with values from vars.
func ResolveVariables(s string, vars map[string]string) string {
	result := s
	for k, v := range vars {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	return result
}

// Resolve applies variable substitution to every key and value. A
// placeholder left unresolved is an error.
func (c *Configlet) Resolve(vars map[string]string) (ConfigDB, error) {
	if err := c.CheckVariables(vars); err != nil {
		return nil, err
	}
	result := make(ConfigDB, len(c.ConfigDB))

	for table, entries := range c.ConfigDB {
		resolvedTable := make(map[string]map[string]string, len(entries))
		for key, value := range entries {
			resolvedKey := ResolveVariables(key, vars)
			fields := make(map[string]string)
			switch v := value.(type) {
			case map[string]interface{}:
				for fk, fv := range v {
					fields[fk] = ResolveVariables(fmt.Sprintf("%v", fv), vars)
				}
			case map[string]string:
				for fk, fv := range v {
					fields[fk] = ResolveVariables(fv, vars)
				}
			case nil:
			default:
				return nil, fmt.Errorf("%w: %s|%s: entry must be an object", util.ErrInvalidConfig, table, key)
			}
			resolvedTable[resolvedKey] = fields
		}
		result[table] = resolvedTable
	}

	if ph := result.placeholder(); ph != "" {
		return nil, fmt.Errorf("%w: configlet %s: unresolved placeholder in %s", util.ErrInvalidConfig, c.Name, ph)
	}
	return result, nil
}

func (db ConfigDB) placeholder() string {
	for table, entries := range db {
		for key, fields := range entries {
			if strings.Contains(key, "{{") {
				return table + "|" + key
			}
			for f, v := range fields {
				if strings.Contains(v, "{{") {
					return table + "|" + key + " " + f
				}
			}
		}
	}
	return ""
}

// Merge deep-merges overlay into db at the table -> key -> field level.
// Fields in overlay overwrite fields in db for the same table+key.
func (db ConfigDB) Merge(overlay ConfigDB) ConfigDB {
	if db == nil {
		db = make(ConfigDB)
	}

	for table, entries := range overlay {
		if db[table] == nil {
			db[table] = make(map[string]map[string]string)
		}
		for key, fields := range entries {
			if db[table][key] == nil {
				db[table][key] = make(map[string]string)
			}
			for fk, fv := range fields {
				db[table][key][fk] = fv
			}
		}
	}

	return db
}

// ChangeSet converts db into a change set, pinned to base, that merges its
// fields into the store. Field text is parsed by the schema's declared
// type; list fields may carry the "@" suffix used on the wire. An entry with
// no fields creates the record if base does not have it.
func (db ConfigDB) ChangeSet(s *schema.Schema, base *store.Snapshot, operation string) (*store.ChangeSet, error) {
	cs := store.NewChangeSet(operation).Based(base.Version())
	create := func(table, key string) {
		if _, ok := base.Get(table, key); !ok {
			cs.SetRecord(table, key, nil)
		}
	}
	for _, table := range sortedKeys(db) {
		tbl, ok := s.Table(table)
		if !ok {
			return nil, fmt.Errorf("%w: unknown table %s", util.ErrSchemaViolation, table)
		}
		for _, key := range sortedKeys(db[table]) {
			raw := db[table][key]
			if len(raw) == 0 || (len(raw) == 1 && raw["NULL"] == "NULL") {
				create(table, key)
				continue
			}
			for _, name := range sortedKeys(raw) {
				text := raw[name]
				if name == "NULL" {
					continue
				}
				name = strings.TrimSuffix(name, "@")
				typ := schema.TypeString
				if f, ok := tbl.Field(name); ok {
					typ = f.Type
				}
				v, err := store.ParseValue(typ, text)
				if err != nil {
					return nil, fmt.Errorf("%s|%s %s: %w", table, key, name, err)
				}
				cs.Set(table, key, name, v)
			}
		}
	}
	return cs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
