package store

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/swconf/pkg/util"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := testSchema(t)
	backend, err := NewRedisBackend(context.Background(), s, RedisOptions{Addr: mr.Addr(), DB: ConfigDB})
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	st, err := New(context.Background(), s, backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, mr
}

func TestRedisBackend_CommitWritesHashes(t *testing.T) {
	st, mr := newRedisStore(t)
	db := mr.DB(ConfigDB)

	mustCommit(t, st, NewChangeSet("test").
		Set("vlan", "10", "name", String("v10")).
		SetRecord("interface", "eth0", map[string]Value{
			"vlan":     String("10"),
			"admin_up": Bool(true),
			"addrs":    List("10.0.0.1/31", "10.0.1.1/31"),
		}).
		SetRecord("vlan_member", "10|eth0", nil))

	if got := db.HGet("vlan|10", "name"); got != "v10" {
		t.Errorf("vlan|10 name = %q, want v10", got)
	}
	if got := db.HGet("interface|eth0", "addrs@"); got != "10.0.0.1/31,10.0.1.1/31" {
		t.Errorf("interface|eth0 addrs@ = %q", got)
	}
	if got := db.HGet("interface|eth0", "admin_up"); got != "true" {
		t.Errorf("interface|eth0 admin_up = %q, want true", got)
	}
	if got := db.HGet("vlan_member|10|eth0", "NULL"); got != "NULL" {
		t.Errorf("empty record sentinel = %q, want NULL", got)
	}
	if v, err := db.Get(VersionKey); err != nil || v != "1" {
		t.Errorf("%s = %q (%v), want 1", VersionKey, v, err)
	}
}

func TestRedisBackend_FieldDeleteRewritesRecord(t *testing.T) {
	st, mr := newRedisStore(t)
	db := mr.DB(ConfigDB)

	mustCommit(t, st, NewChangeSet("test").SetRecord("interface", "eth0", map[string]Value{
		"mtu":      String("9100"),
		"admin_up": Bool(true),
	}))
	mustCommit(t, st, NewChangeSet("test").DeleteField("interface", "eth0", "mtu"))

	if db.HGet("interface|eth0", "mtu") != "" {
		t.Error("deleted field still stored")
	}
	if db.HGet("interface|eth0", "admin_up") != "true" {
		t.Error("untouched field lost")
	}

	mustCommit(t, st, NewChangeSet("test").Delete("interface", "eth0"))
	if db.Exists("interface|eth0") {
		t.Error("deleted record still stored")
	}
}

func TestRedisBackend_LoadRoundTrip(t *testing.T) {
	st, mr := newRedisStore(t)
	mustCommit(t, st, NewChangeSet("test").
		Set("vlan", "10", "name", String("v10")).
		SetRecord("interface", "eth0", map[string]Value{
			"vlan":  String("10"),
			"addrs": List("10.0.0.1/31"),
		}))

	// Records written by other tools are picked up; tables outside the
	// schema are ignored.
	db := mr.DB(ConfigDB)
	db.HSet("interface|eth1", "admin_up", "false")
	db.HSet("PORT|Ethernet0", "speed", "100000")

	s := testSchema(t)
	backend, err := NewRedisBackend(context.Background(), s, RedisOptions{Addr: mr.Addr(), DB: ConfigDB})
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	reloaded, err := New(context.Background(), s, backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer reloaded.Close()

	if reloaded.Version() != 1 {
		t.Errorf("Version() = %d, want 1", reloaded.Version())
	}
	if diff := cmp.Diff(slices.Collect(st.Scan("vlan")), slices.Collect(reloaded.Scan("vlan"))); diff != "" {
		t.Errorf("vlan table (-committed +reloaded):\n%s", diff)
	}
	eth0, err := reloaded.Get("interface", "eth0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := map[string]Value{"vlan": String("10"), "addrs": List("10.0.0.1/31")}
	if diff := cmp.Diff(want, eth0.Fields()); diff != "" {
		t.Errorf("eth0 fields (-want +got):\n%s", diff)
	}
	eth1, err := reloaded.Get("interface", "eth1")
	if err != nil {
		t.Fatalf("Get eth1: %v", err)
	}
	if v, _ := eth1.Get("admin_up"); !v.Equal(Bool(false)) {
		t.Errorf("eth1 admin_up = %v, want false", v)
	}
}

func TestRedisBackend_ConcurrentWriterConflict(t *testing.T) {
	st, mr := newRedisStore(t)
	mustCommit(t, st, NewChangeSet("test").Set("vlan", "10", "name", String("v10")))

	// Another process committed version 2.
	mr.DB(ConfigDB).Set(VersionKey, "2")

	_, err := st.Commit(context.Background(), NewChangeSet("test").Set("vlan", "20", "name", String("v20")))
	var conflict *util.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Commit error = %v, want ConflictError", err)
	}
	if conflict.CurrentVersion != 2 {
		t.Errorf("CurrentVersion = %d, want 2", conflict.CurrentVersion)
	}
	if mr.DB(ConfigDB).Exists("vlan|20") {
		t.Error("conflicting commit reached redis")
	}

	if _, err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snap := mustCommit(t, st, NewChangeSet("test").Set("vlan", "20", "name", String("v20")))
	if snap.Version() != 3 {
		t.Errorf("Version() = %d, want 3", snap.Version())
	}
}

func TestNewRedisBackend_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedisBackend(context.Background(), testSchema(t), RedisOptions{Addr: addr}); err == nil {
		t.Error("expected connection error")
	}
}
