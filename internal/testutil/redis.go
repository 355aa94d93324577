//go:build integration

// Package testutil provides helpers for tests that run against a real Redis
// server. Set SWCONF_TEST_REDIS_ADDR or run a container named
// swconf-test-redis.
package testutil

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// TestDB is the database integration tests flush and seed.
const TestDB = 15

// RedisAddr returns the address of the test Redis server (IP:port), or ""
// when none is configured or discoverable.
func RedisAddr() string {
	if addr := os.Getenv("SWCONF_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"swconf-test-redis").Output()
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

// SkipIfNoRedis skips the test if the test Redis server is not reachable,
// and returns its address otherwise.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set SWCONF_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

func client(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, DB: db})
}

// SeedRedis loads a JSON seed file into a Redis database.
// The format is { "TABLE": { "key": { "field": "value", ... }, ... }, ... }
// and each entry becomes a hash at "TABLE|key". An empty entry gets the
// NULL placeholder field.
func SeedRedis(t *testing.T, addr string, db int, seedFile string) {
	t.Helper()

	data, err := os.ReadFile(seedFile)
	if err != nil {
		t.Fatalf("reading seed file %s: %v", seedFile, err)
	}

	var tables map[string]map[string]map[string]string
	if err := json.Unmarshal(data, &tables); err != nil {
		t.Fatalf("parsing seed file %s: %v", seedFile, err)
	}

	for table, entries := range tables {
		for key, fields := range entries {
			if len(fields) == 0 {
				fields = map[string]string{"NULL": "NULL"}
			}
			WriteEntry(t, addr, db, table, key, fields)
		}
	}
}

// FlushDB flushes a Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	c := client(addr, db)
	defer c.Close()

	if err := c.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// WriteEntry writes one hash entry, bypassing the store.
func WriteEntry(t *testing.T, addr string, db int, table, key string, fields map[string]string) {
	t.Helper()

	c := client(addr, db)
	defer c.Close()

	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.HSet(context.Background(), table+"|"+key, args...).Err(); err != nil {
		t.Fatalf("writing %s|%s: %v", table, key, err)
	}
}

// ReadEntry reads a hash entry.
func ReadEntry(t *testing.T, addr string, db int, table, key string) map[string]string {
	t.Helper()

	c := client(addr, db)
	defer c.Close()

	vals, err := c.HGetAll(context.Background(), table+"|"+key).Result()
	if err != nil {
		t.Fatalf("reading %s|%s: %v", table, key, err)
	}
	return vals
}

// EntryExists reports whether a hash entry exists.
func EntryExists(t *testing.T, addr string, db int, table, key string) bool {
	t.Helper()

	c := client(addr, db)
	defer c.Close()

	n, err := c.Exists(context.Background(), table+"|"+key).Result()
	if err != nil {
		t.Fatalf("checking %s|%s: %v", table, key, err)
	}
	return n > 0
}

// SetKey sets a plain string key, e.g. to move the version counter under a
// running store.
func SetKey(t *testing.T, addr string, db int, key, value string) {
	t.Helper()

	c := client(addr, db)
	defer c.Close()

	if err := c.Set(context.Background(), key, value, 0).Err(); err != nil {
		t.Fatalf("setting %s: %v", key, err)
	}
}
