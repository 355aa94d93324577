package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/newtron-network/swconf/pkg/util"
)

func TestLoadRegistry(t *testing.T) {
	reg := loadTestRegistry(t)

	if got := strings.Join(reg.Names(), ","); got != "switch,members,host" {
		t.Errorf("Names() = %q", got)
	}
	sw, _ := reg.Get("switch")
	if sw.FileMode() != DefaultMode {
		t.Errorf("FileMode() = %o, want %o", sw.FileMode(), DefaultMode)
	}
	if !reg.DependsOn([]string{"vlan_member"}) {
		t.Error("registry should depend on vlan_member")
	}
	if reg.DependsOn([]string{"acl"}) {
		t.Error("registry should not depend on acl")
	}
	if err := reg.CheckTables(testSchema(t)); err != nil {
		t.Errorf("CheckTables: %v", err)
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("Get(nope) should fail")
	}
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"no name", "templates: [{inline: x, dest: a}]", "name is required"},
		{"no dest", "templates: [{name: a, inline: x}]", "dest is required"},
		{"duplicate name", "templates: [{name: a, inline: x, dest: a}, {name: a, inline: y, dest: b}]", "duplicate name"},
		{"duplicate dest", "templates: [{name: a, inline: x, dest: a}, {name: b, inline: y, dest: a}]", "already used"},
		{"source and inline", "templates: [{name: a, source: f, inline: x, dest: a}]", "exclusive"},
		{"missing source", "templates: [{name: a, source: nope.tmpl, dest: a}]", "nope.tmpl"},
		{"parse error", "templates: [{name: a, inline: '{{range}}', dest: a}]", "template a"},
		{"unknown func", "templates: [{name: a, inline: '{{now}}', dest: a}]", "not defined"},
		{"bad mode", "templates: [{name: a, inline: x, dest: a, mode: rw}]", "invalid mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.doc), t.TempDir())
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Fatalf("ParseRegistry error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestRegistry_CheckTables(t *testing.T) {
	reg, err := ParseRegistry([]byte("templates: [{name: a, inline: x, dest: a, tables: [vlan, routes]}]"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = reg.CheckTables(testSchema(t))
	if err == nil || !strings.Contains(err.Error(), "unknown table routes") {
		t.Errorf("CheckTables error = %v", err)
	}
}
