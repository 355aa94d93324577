package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/swconf/pkg/render"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
		passing  bool
	}{
		{StatusOK, "ok", true},
		{StatusWarning, "warning", true},
		{StatusCritical, "critical", false},
		{StatusUnknown, "unknown", false},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.expected {
			t.Errorf("Status %v = %q, want %q", tt.status, string(tt.status), tt.expected)
		}
		if tt.status.Passing() != tt.passing {
			t.Errorf("%s.Passing() = %v, want %v", tt.status, tt.status.Passing(), tt.passing)
		}
	}
}

func TestWorse(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusOK, StatusOK, StatusOK},
		{StatusOK, StatusUnknown, StatusUnknown},
		{StatusUnknown, StatusWarning, StatusUnknown},
		{StatusWarning, StatusUnknown, StatusUnknown},
		{StatusUnknown, StatusCritical, StatusCritical},
		{StatusCritical, StatusWarning, StatusCritical},
		{StatusWarning, StatusOK, StatusWarning},
	}
	for _, tt := range tests {
		if got := Worse(tt.a, tt.b); got != tt.want {
			t.Errorf("Worse(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func fixed(name string, s Status) Check {
	return CheckFunc{Label: name, Fn: func(context.Context, []render.Artifact) Result {
		return Result{Status: s, Message: string(s)}
	}}
}

func TestChecker_Run(t *testing.T) {
	tests := []struct {
		name    string
		checks  []Check
		overall Status
		failed  int
	}{
		{"empty", nil, StatusOK, 0},
		{"all ok", []Check{fixed("a", StatusOK), fixed("b", StatusOK)}, StatusOK, 0},
		{"warning wins over ok", []Check{fixed("a", StatusOK), fixed("b", StatusWarning)}, StatusWarning, 0},
		{"critical wins", []Check{fixed("a", StatusCritical), fixed("b", StatusWarning), fixed("c", StatusUnknown)}, StatusCritical, 2},
		{"unknown over ok", []Check{fixed("a", StatusUnknown), fixed("b", StatusOK)}, StatusUnknown, 1},
		{"unknown over warning", []Check{fixed("a", StatusUnknown), fixed("b", StatusWarning)}, StatusUnknown, 1},
		{"warning then unknown", []Check{fixed("a", StatusWarning), fixed("b", StatusUnknown)}, StatusUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewChecker(tt.checks...).Run(context.Background(), nil)
			if report.Overall != tt.overall {
				t.Errorf("Overall = %s, want %s", report.Overall, tt.overall)
			}
			if len(report.Results) != len(tt.checks) {
				t.Errorf("len(Results) = %d, want %d", len(report.Results), len(tt.checks))
			}
			if report.Overall.Passing() != (tt.failed == 0) {
				t.Errorf("Overall.Passing() = %v with %d failed results", report.Overall.Passing(), tt.failed)
			}
			if got := len(report.Failed()); got != tt.failed {
				t.Errorf("len(Failed()) = %d, want %d", got, tt.failed)
			}
		})
	}
}

func TestChecker_RunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewChecker(fixed("a", StatusOK))
	report := c.Run(ctx, nil)
	if report.Overall != StatusUnknown {
		t.Errorf("Overall = %s, want unknown", report.Overall)
	}
}

func TestChecker_RunCheck(t *testing.T) {
	c := NewChecker(fixed("a", StatusOK))
	c.Add(fixed("b", StatusWarning))
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	res, err := c.RunCheck(context.Background(), "b", nil)
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if res.Check != "b" || res.Status != StatusWarning {
		t.Errorf("RunCheck = %+v", res)
	}
	if _, err := c.RunCheck(context.Background(), "zzz", nil); err == nil {
		t.Error("expected error for unknown check")
	}
}

func TestArtifactCheck(t *testing.T) {
	root := t.TempDir()
	content := []byte("vlan 10\n")
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "vlan.conf"), content, 0644); err != nil {
		t.Fatal(err)
	}
	good := render.Artifact{Template: "vlan", Dest: "etc/vlan.conf", Hash: render.Hash(content)}
	stale := render.Artifact{Template: "vlan", Dest: "etc/vlan.conf", Hash: render.Hash([]byte("other"))}
	absent := render.Artifact{Template: "x", Dest: "etc/missing.conf", Hash: render.Hash(nil)}

	c := &ArtifactCheck{Root: root}
	if res := c.Run(context.Background(), []render.Artifact{good}); res.Status != StatusOK {
		t.Errorf("good artifact: %s %s", res.Status, res.Message)
	}
	if res := c.Run(context.Background(), []render.Artifact{good, stale}); res.Status != StatusCritical {
		t.Errorf("stale artifact: %s", res.Status)
	}
	res := c.Run(context.Background(), []render.Artifact{absent})
	if res.Status != StatusCritical || !strings.Contains(res.Message, "etc/missing.conf") {
		t.Errorf("absent artifact: %s %s", res.Status, res.Message)
	}
}

type fakeUnits map[string]interface{}

func (f fakeUnits) GetUnitPropertiesContext(_ context.Context, unit string) (map[string]interface{}, error) {
	state, ok := f[unit]
	if !ok {
		return nil, errors.New("unit not found")
	}
	return map[string]interface{}{"ActiveState": state}, nil
}

func TestUnitActiveCheck(t *testing.T) {
	units := fakeUnits{"frr.service": "active", "teamd.service": "failed"}

	tests := []struct {
		name  string
		units []string
		want  Status
	}{
		{"active", []string{"frr.service"}, StatusOK},
		{"one failed", []string{"frr.service", "teamd.service"}, StatusCritical},
		{"unreadable", []string{"nope.service"}, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &UnitActiveCheck{Conn: units, Units: tt.units}
			if res := c.Run(context.Background(), nil); res.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", res.Status, tt.want, res.Message)
			}
		})
	}
}
