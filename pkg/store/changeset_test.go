package store

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/swconf/pkg/schema"
)

func TestParseChangeSet(t *testing.T) {
	doc := `
base_version: 7
changes:
  - {op: set, table: vlan, key: "10", field: name, value: v10}
  - {op: SET, table: interface, key: eth0, fields: {admin_up: true, addrs: [10.0.0.1/31], mtu: "9100"}}
  - {op: delete, table: interface, key: eth1, field: mtu}
  - {op: Delete, table: vlan, key: "20"}
`
	cs, err := ParseChangeSet([]byte(doc))
	if err != nil {
		t.Fatalf("ParseChangeSet error: %v", err)
	}
	if cs.BaseVersion != 7 {
		t.Errorf("BaseVersion = %d, want 7", cs.BaseVersion)
	}

	want := []ChangeEntry{
		{Op: OpSet, Table: "vlan", Key: "10", Field: "name", Value: String("v10")},
		{Op: OpSet, Table: "interface", Key: "eth0", Fields: map[string]Value{
			"admin_up": Bool(true),
			"addrs":    List("10.0.0.1/31"),
			"mtu":      String("9100"),
		}},
		{Op: OpDelete, Table: "interface", Key: "eth1", Field: "mtu"},
		{Op: OpDelete, Table: "vlan", Key: "20"},
	}
	if diff := cmp.Diff(want, cs.Entries); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseChangeSet_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown op", "changes: [{op: upsert, table: vlan, key: '1'}]"},
		{"missing op", "changes: [{table: vlan, key: '1'}]"},
		{"nested value", "changes: [{op: set, table: vlan, key: '1', field: name, value: {a: b}}]"},
		{"not yaml", "changes: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChangeSet([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestChangeSet_Targets(t *testing.T) {
	cs := NewChangeSet("t").
		Set("vlan", "20", "name", String("b")).
		Set("vlan", "10", "name", String("a")).
		Set("vlan", "20", "vlanid", String("20"))

	want := []TableKey{{"vlan", "20"}, {"vlan", "10"}}
	if diff := cmp.Diff(want, cs.Targets()); diff != "" {
		t.Errorf("Targets (-want +got):\n%s", diff)
	}
}

func TestChangeSet_Preview(t *testing.T) {
	cs := NewChangeSet("cli.set").Based(4).
		Set("vlan", "10", "name", String("v10")).
		SetRecord("interface", "eth0", map[string]Value{"mtu": String("9100"), "admin_up": Bool(false)}).
		DeleteField("interface", "eth1", "mtu")

	got := cs.Preview()
	for _, want := range []string{
		"Operation: cli.set",
		"Base version: 4",
		"[SET] vlan|10.name = v10",
		"[SET] interface|eth0 {admin_up=false mtu=9100}",
		"[DEL] interface|eth1.mtu",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Preview() missing %q:\n%s", want, got)
		}
	}

	var empty *ChangeSet
	if !empty.IsEmpty() {
		t.Error("nil change set should be empty")
	}
	if NewChangeSet("x").String() != "No changes" {
		t.Error("empty change set String() should be \"No changes\"")
	}
}

func TestChangeSet_Merge(t *testing.T) {
	a := NewChangeSet("a").Set("vlan", "10", "name", String("v10"))
	b := NewChangeSet("b").Delete("vlan", "20")
	a.Merge(b)
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		typ     schema.FieldType
		text    string
		want    Value
		wantErr bool
	}{
		{schema.TypeString, "v10", String("v10"), false},
		{schema.TypeList, "a,b", List("a", "b"), false},
		{schema.TypeList, "eth0, eth4 ,eth8", List("eth0", "eth4", "eth8"), false},
		{schema.TypeList, "a,,b,", List("a", "b"), false},
		{schema.TypeList, "", List(), false},
		{schema.TypeBool, "true", Bool(true), false},
		{schema.TypeBool, "0", Bool(false), false},
		{schema.TypeBool, "maybe", Value{}, true},
	}
	for _, tt := range tests {
		got, err := ParseValue(tt.typ, tt.text)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseValue(%s, %q) error = %v, wantErr %v", tt.typ, tt.text, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseValue(%s, %q) = %v, want %v", tt.typ, tt.text, got, tt.want)
		}
	}
}

func TestValue_StoredForm(t *testing.T) {
	fields := map[string]Value{
		"name":     String("v10"),
		"admin_up": Bool(true),
		"addrs":    List("10.0.0.1/31", "10.0.1.1/31"),
		"empty":    List(),
	}
	enc := encodeFields(fields)
	want := map[string]string{
		"name":     "v10",
		"admin_up": "true",
		"addrs@":   "10.0.0.1/31,10.0.1.1/31",
		"empty@":   "",
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("encodeFields (-want +got):\n%s", diff)
	}

	tbl, _ := testSchema(t).Table("interface")
	dec := decodeFields(tbl, enc)
	if diff := cmp.Diff(fields, dec); diff != "" {
		t.Errorf("decodeFields (-want +got):\n%s", diff)
	}
}
