package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/swconf/pkg/remote"
	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

const (
	// ConfigDB is the SONiC CONFIG_DB database number.
	ConfigDB = 4

	// VersionKey holds the commit counter. It has no "|" so table scans
	// never match it.
	VersionKey = "SWCONF_VERSION"

	// CommitChannel carries a JSON Notification for every commit.
	CommitChannel = "SWCONF_COMMITS"

	loadRetries = 3
)

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr string
	DB   int

	// Tunnel, when set, replaces Addr and is closed together with the backend.
	Tunnel *remote.Tunnel
}

// RedisBackend persists records as CONFIG_DB-style hashes: one hash per
// record at "TABLE|key".
type RedisBackend struct {
	client *redis.Client
	schema *schema.Schema
	tunnel *remote.Tunnel
}

// NewRedisBackend creates a backend for the tables of s and checks the
// connection.
func NewRedisBackend(ctx context.Context, s *schema.Schema, opts RedisOptions) (*RedisBackend, error) {
	addr := opts.Addr
	if opts.Tunnel != nil {
		addr = opts.Tunnel.LocalAddr()
	}
	b := &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   opts.DB,
		}),
		schema: s,
		tunnel: opts.Tunnel,
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return b, nil
}

func redisKey(table, key string) string {
	return table + schema.KeySeparator + key
}

// getter is the subset of commands shared by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readVersion(ctx context.Context, c getter) (uint64, error) {
	v, err := c.Get(ctx, VersionKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", VersionKey, err)
	}
	return v, nil
}

// Load reads every record of every schema table. The version is read before
// and after; a commit landing in between makes the load start over.
func (b *RedisBackend) Load(ctx context.Context) (uint64, []RawRecord, error) {
	for attempt := 0; attempt < loadRetries; attempt++ {
		before, err := readVersion(ctx, b.client)
		if err != nil {
			return 0, nil, err
		}
		records, err := b.loadRecords(ctx)
		if err != nil {
			return 0, nil, err
		}
		after, err := readVersion(ctx, b.client)
		if err != nil {
			return 0, nil, err
		}
		if before == after {
			return after, records, nil
		}
		util.WithComponent("store").Debugf("version moved %d -> %d during load, retrying", before, after)
	}
	return 0, nil, fmt.Errorf("%w: store kept changing during load", util.ErrConflictDetected)
}

func (b *RedisBackend) loadRecords(ctx context.Context) ([]RawRecord, error) {
	var records []RawRecord
	for _, table := range b.schema.TableNames() {
		keys, err := scanKeys(ctx, b.client, redisKey(table, "*"), 100)
		if err != nil {
			return nil, fmt.Errorf("scanning table %s: %w", table, err)
		}
		for _, k := range keys {
			vals, err := b.client.HGetAll(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", k, err)
			}
			if len(vals) == 0 {
				continue
			}
			records = append(records, RawRecord{
				Table:  table,
				Key:    strings.TrimPrefix(k, table+schema.KeySeparator),
				Fields: vals,
			})
		}
	}
	return records, nil
}

// Persist writes all changes and the new version in one MULTI/EXEC
// transaction, guarded by WATCH on the version key.
func (b *RedisBackend) Persist(ctx context.Context, from, to uint64, changes []RecordChange) error {
	touched := make([]TableKey, 0, len(changes))
	for _, ch := range changes {
		touched = append(touched, TableKey{Table: ch.Table, Key: ch.Key})
	}
	payload, err := json.Marshal(Notification{Version: to, Touched: touched})
	if err != nil {
		return err
	}

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readVersion(ctx, tx)
		if err != nil {
			return err
		}
		if cur != from {
			return &util.ConflictError{BaseVersion: from, CurrentVersion: cur}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, ch := range changes {
				k := redisKey(ch.Table, ch.Key)
				// Whole-record replace: fields removed by the commit must not survive.
				pipe.Del(ctx, k)
				if ch.Delete {
					continue
				}
				if len(ch.Fields) == 0 {
					pipe.HSet(ctx, k, nullField, nullValue)
					continue
				}
				// One HSET per record fires a single keyspace notification.
				args := make([]interface{}, 0, len(ch.Fields)*2)
				for f, v := range ch.Fields {
					args = append(args, f, v)
				}
				pipe.HSet(ctx, k, args...)
			}
			pipe.Set(ctx, VersionKey, strconv.FormatUint(to, 10), 0)
			pipe.Publish(ctx, CommitChannel, payload)
			return nil
		})
		return err
	}, VersionKey)

	if errors.Is(err, redis.TxFailedErr) {
		cur, _ := readVersion(ctx, b.client)
		return &util.ConflictError{BaseVersion: from, CurrentVersion: cur}
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		var conflict *util.ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// Watch subscribes to commit announcements until ctx is done.
func (b *RedisBackend) Watch(ctx context.Context, fn func(version uint64)) error {
	sub := b.client.Subscribe(ctx, CommitChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", CommitChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				util.WithComponent("store").Warnf("ignoring malformed commit announcement: %v", err)
				continue
			}
			fn(n.Version)
		}
	}
}

// Close closes the connection and the SSH tunnel, if any.
func (b *RedisBackend) Close() error {
	err := b.client.Close()
	if b.tunnel != nil {
		b.tunnel.Close()
	}
	return err
}

// scanKeys iterates Redis keys matching the given pattern using cursor-based
// SCAN instead of the blocking O(N) KEYS command. The count hint controls
// how many keys Redis returns per iteration (not an exact limit).
func scanKeys(ctx context.Context, client *redis.Client, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, nextCursor, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
