// Package configlet loads reusable CONFIG_DB fragments and turns them into
// change sets. A configlet uses the config_db.json layout, with {{var}}
// placeholders in keys and values:
//
//	{
//	  "name": "access-vlan",
//	  "variables": ["vlan", "port"],
//	  "config_db": {
//	    "vlan": {"{{vlan}}": {"name": "v{{vlan}}"}},
//	    "vlan_member": {"{{vlan}}|{{port}}": {"tagging_mode": "untagged"}}
//	  }
//	}
package configlet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/newtron-network/swconf/pkg/util"
)

// Configlet is a parameterized CONFIG_DB fragment.
type Configlet struct {
	Name        string                            `json:"name"`
	Description string                            `json:"description,omitempty"`
	Version     string                            `json:"version,omitempty"`
	ConfigDB    map[string]map[string]interface{} `json:"config_db"`
	Variables   []string                          `json:"variables,omitempty"`
}

// Load reads a configlet file. Comments and trailing commas are accepted.
// A configlet without a name takes the file's base name.
func Load(path string) (*Configlet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configlet %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing configlet %s: %w", path, err)
	}
	if c.Name == "" {
		base := filepath.Base(path)
		c.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	return c, nil
}

// Parse decodes a configlet document.
func Parse(data []byte) (*Configlet, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	var c Configlet
	if err := json.Unmarshal(std, &c); err != nil {
		return nil, err
	}
	if len(c.ConfigDB) == 0 {
		return nil, fmt.Errorf("%w: config_db is empty", util.ErrInvalidConfig)
	}
	return &c, nil
}

// CheckVariables reports declared variables missing from vars.
func (c *Configlet) CheckVariables(vars map[string]string) error {
	var missing []string
	for _, v := range c.Variables {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: configlet %s needs variables %v", util.ErrInvalidConfig, c.Name, missing)
	}
	return nil
}
