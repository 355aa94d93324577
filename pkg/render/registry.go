package render

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/util"
)

// DefaultMode is used when a template declares no file mode.
const DefaultMode os.FileMode = 0644

// Template is one registry entry: where the template text comes from, where
// the artifact goes and which tables it depends on.
type Template struct {
	Name   string            `yaml:"name"`
	Source string            `yaml:"source,omitempty"` // relative to the registry file
	Inline string            `yaml:"inline,omitempty"`
	Dest   string            `yaml:"dest"`
	Tables []string          `yaml:"tables"`
	Mode   string            `yaml:"mode,omitempty"` // octal, e.g. "0640"
	Vars   map[string]string `yaml:"vars,omitempty"`

	parsed *template.Template
	mode   os.FileMode
}

// NewTemplate compiles an inline template. Intended for tests and previews.
func NewTemplate(name, dest, text string, tables ...string) (*Template, error) {
	t := &Template{Name: name, Dest: dest, Inline: text, Tables: tables}
	if err := t.compile(text); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Template) compile(text string) error {
	mode := DefaultMode
	if t.Mode != "" {
		m, err := strconv.ParseUint(t.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("template %s: invalid mode %q", t.Name, t.Mode)
		}
		mode = os.FileMode(m)
	}
	t.mode = mode

	parsed, err := template.New(t.Name).
		Option("missingkey=error").
		Funcs(placeholderFuncs).
		Parse(text)
	if err != nil {
		return fmt.Errorf("template %s: %w", t.Name, err)
	}
	t.parsed = parsed
	return nil
}

// FileMode returns the artifact's file mode.
func (t *Template) FileMode() os.FileMode {
	if t.mode == 0 {
		return DefaultMode
	}
	return t.mode
}

// DependsOn reports whether t declares any of tables as a dependency.
func (t *Template) DependsOn(tables []string) bool {
	for _, table := range tables {
		if slices.Contains(t.Tables, table) {
			return true
		}
	}
	return false
}

// Registry is the set of templates rendered in every reload cycle.
type Registry struct {
	Templates []*Template `yaml:"templates"`
}

// LoadRegistry reads and compiles a registry file:
//
//	templates:
//	  - name: vlan
//	    source: vlan.conf.tmpl
//	    dest: /etc/frr/vlan.conf
//	    tables: [vlan, vlan_member]
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	reg, err := ParseRegistry(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("loading registry %s: %w", path, err)
	}
	return reg, nil
}

// ParseRegistry decodes and compiles a registry document. Template sources
// are resolved relative to dir.
func ParseRegistry(data []byte, dir string) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}

	v := &util.ValidationBuilder{}
	names := map[string]bool{}
	dests := map[string]bool{}
	for i, t := range reg.Templates {
		if t.Name == "" {
			v.AddErrorf("template %d: name is required", i)
			continue
		}
		v.Add(!names[t.Name], fmt.Sprintf("template %s: duplicate name", t.Name))
		names[t.Name] = true
		if t.Dest == "" {
			v.AddErrorf("template %s: dest is required", t.Name)
		} else {
			v.Add(!dests[t.Dest], fmt.Sprintf("template %s: dest %s already used", t.Name, t.Dest))
			dests[t.Dest] = true
		}

		var text string
		switch {
		case t.Source != "" && t.Inline != "":
			v.AddErrorf("template %s: source and inline are exclusive", t.Name)
			continue
		case t.Source != "":
			src := t.Source
			if !filepath.IsAbs(src) {
				src = filepath.Join(dir, src)
			}
			body, err := os.ReadFile(src)
			if err != nil {
				v.AddErrorf("template %s: %v", t.Name, err)
				continue
			}
			text = string(body)
		default:
			text = t.Inline
		}
		if err := t.compile(text); err != nil {
			v.AddErrorf("%v", err)
		}
	}
	if err := v.Build(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrInvalidConfig, err)
	}
	return &reg, nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, bool) {
	for _, t := range r.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Names returns template names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Templates))
	for _, t := range r.Templates {
		names = append(names, t.Name)
	}
	return names
}

// DependsOn reports whether any template depends on any of tables.
func (r *Registry) DependsOn(tables []string) bool {
	for _, t := range r.Templates {
		if t.DependsOn(tables) {
			return true
		}
	}
	return false
}

// CheckTables verifies that every declared table dependency exists in s.
func (r *Registry) CheckTables(s *schema.Schema) error {
	v := &util.ValidationBuilder{}
	for _, t := range r.Templates {
		for _, table := range t.Tables {
			if _, ok := s.Table(table); !ok {
				v.AddErrorf("template %s: unknown table %s", t.Name, table)
			}
		}
	}
	if err := v.Build(); err != nil {
		return fmt.Errorf("%w: %w", util.ErrInvalidConfig, err)
	}
	return nil
}
