// Package settings manages persistent user settings for the swconf CLI.
// The file is JSON with comments and trailing commas allowed (JSONC).
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/newtron-network/swconf/pkg/util"
)

// Defaults used when a setting is unset.
const (
	DefaultRedisAddr     = "127.0.0.1:6379"
	DefaultRedisDB       = 4
	DefaultSchemaPath    = "/etc/swconf/schema.yaml"
	DefaultRegistryPath  = "/etc/swconf/templates.yaml"
	DefaultAuditLog      = "/var/log/swconf/audit.log"
	DefaultHealthTimeout = 30 * time.Second
	DefaultDebounce      = 500 * time.Millisecond
	DefaultMetricsAddr   = ":9110"
)

// Settings holds persistent user preferences
type Settings struct {
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisDB   *int   `json:"redis_db,omitempty"`

	// SSHHost, when set, reaches Redis through an SSH tunnel to this host.
	SSHHost       string `json:"ssh_host,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty"`
	SSHUser       string `json:"ssh_user,omitempty"`
	SSHKeyFile    string `json:"ssh_key_file,omitempty"`
	SSHKnownHosts string `json:"ssh_known_hosts,omitempty"`

	SchemaPath   string `json:"schema_path,omitempty"`
	RegistryPath string `json:"registry_path,omitempty"`
	InstallRoot  string `json:"install_root,omitempty"`
	AuditLog     string `json:"audit_log,omitempty"`

	// Durations use time.ParseDuration syntax, e.g. "30s".
	HealthTimeout string `json:"health_timeout,omitempty"`
	Debounce      string `json:"debounce,omitempty"`

	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Keys lists the setting names accepted by Set and Get, in display order.
var Keys = []string{
	"redis_addr", "redis_db",
	"ssh_host", "ssh_port", "ssh_user", "ssh_key_file", "ssh_known_hosts",
	"schema_path", "registry_path", "install_root", "audit_log",
	"health_timeout", "debounce", "metrics_addr",
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swconf_settings.json"
	}
	return filepath.Join(home, ".swconf", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from path. A missing file yields empty settings.
func LoadFrom(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a JSONC settings document.
func Parse(data []byte) (*Settings, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", util.ErrInvalidConfig, err)
	}
	s := &Settings{}
	if err := json.Unmarshal(standardized, s); err != nil {
		return nil, fmt.Errorf("%w: invalid settings: %w", util.ErrInvalidConfig, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrInvalidConfig, err)
	}
	return s, nil
}

// Validate checks the duration settings.
func (s *Settings) Validate() error {
	v := &util.ValidationBuilder{}
	if s.HealthTimeout != "" {
		if _, err := time.ParseDuration(s.HealthTimeout); err != nil {
			v.AddErrorf("health_timeout: %v", err)
		}
	}
	if s.Debounce != "" {
		if _, err := time.ParseDuration(s.Debounce); err != nil {
			v.AddErrorf("debounce: %v", err)
		}
	}
	if s.RedisDB != nil && *s.RedisDB < 0 {
		v.AddErrorf("redis_db: must not be negative")
	}
	return v.Build()
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to path, replacing the file atomically.
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return err
	}
	return os.Chmod(path, 0644)
}

// Set assigns a setting by name. An empty value clears it.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "redis_addr":
		s.RedisAddr = value
	case "redis_db":
		if value == "" {
			s.RedisDB = nil
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: redis_db: %q is not a database number", util.ErrInvalidConfig, value)
		}
		s.RedisDB = &n
	case "ssh_host":
		s.SSHHost = value
	case "ssh_port":
		if value == "" {
			s.SSHPort = 0
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: ssh_port: %q is not a port", util.ErrInvalidConfig, value)
		}
		s.SSHPort = n
	case "ssh_user":
		s.SSHUser = value
	case "ssh_key_file":
		s.SSHKeyFile = value
	case "ssh_known_hosts":
		s.SSHKnownHosts = value
	case "schema_path":
		s.SchemaPath = value
	case "registry_path":
		s.RegistryPath = value
	case "install_root":
		s.InstallRoot = value
	case "audit_log":
		s.AuditLog = value
	case "health_timeout", "debounce":
		if value != "" {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%w: %s: %w", util.ErrInvalidConfig, key, err)
			}
		}
		if key == "debounce" {
			s.Debounce = value
		} else {
			s.HealthTimeout = value
		}
	case "metrics_addr":
		s.MetricsAddr = value
	default:
		return fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
	}
	return nil
}

// Get returns a setting's stored value, "" when unset.
func (s *Settings) Get(key string) (string, error) {
	switch key {
	case "redis_addr":
		return s.RedisAddr, nil
	case "redis_db":
		if s.RedisDB == nil {
			return "", nil
		}
		return strconv.Itoa(*s.RedisDB), nil
	case "ssh_host":
		return s.SSHHost, nil
	case "ssh_port":
		if s.SSHPort == 0 {
			return "", nil
		}
		return strconv.Itoa(s.SSHPort), nil
	case "ssh_user":
		return s.SSHUser, nil
	case "ssh_key_file":
		return s.SSHKeyFile, nil
	case "ssh_known_hosts":
		return s.SSHKnownHosts, nil
	case "schema_path":
		return s.SchemaPath, nil
	case "registry_path":
		return s.RegistryPath, nil
	case "install_root":
		return s.InstallRoot, nil
	case "audit_log":
		return s.AuditLog, nil
	case "health_timeout":
		return s.HealthTimeout, nil
	case "debounce":
		return s.Debounce, nil
	case "metrics_addr":
		return s.MetricsAddr, nil
	}
	return "", fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
}

// GetRedisAddr returns the Redis address (with fallback)
func (s *Settings) GetRedisAddr() string {
	return or(s.RedisAddr, DefaultRedisAddr)
}

// GetRedisDB returns the Redis database number (with fallback)
func (s *Settings) GetRedisDB() int {
	if s.RedisDB == nil {
		return DefaultRedisDB
	}
	return *s.RedisDB
}

// GetSchemaPath returns the schema file path (with fallback)
func (s *Settings) GetSchemaPath() string {
	return or(s.SchemaPath, DefaultSchemaPath)
}

// GetRegistryPath returns the template registry path (with fallback)
func (s *Settings) GetRegistryPath() string {
	return or(s.RegistryPath, DefaultRegistryPath)
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	return or(s.AuditLog, DefaultAuditLog)
}

// GetMetricsAddr returns the metrics listen address (with fallback)
func (s *Settings) GetMetricsAddr() string {
	return or(s.MetricsAddr, DefaultMetricsAddr)
}

// GetHealthTimeout returns the verify timeout (with fallback)
func (s *Settings) GetHealthTimeout() time.Duration {
	return duration(s.HealthTimeout, DefaultHealthTimeout)
}

// GetDebounce returns the debounce window (with fallback)
func (s *Settings) GetDebounce() time.Duration {
	return duration(s.Debounce, DefaultDebounce)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
