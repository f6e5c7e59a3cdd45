// Package config loads kmux's YAML configuration file, following the
// same never-hard-fail-on-missing-config idiom llm.go's loadConfig
// uses: a missing or unreadable file yields defaults rather than an
// error, and the config directory is created on first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of ~/.kmux/config.yaml.
type File struct {
	SessionStartupTimeoutSeconds  *float64 `yaml:"session_startup_timeout_seconds,omitempty"`
	GeneralToolCallTimeoutSeconds *float64 `yaml:"general_tool_call_timeout_seconds,omitempty"`
	Width                         *int     `yaml:"width,omitempty"`
	Height                        *int     `yaml:"height,omitempty"`
	RootPassword                  *string  `yaml:"root_password,omitempty"`
	AuditDBPath                   *string  `yaml:"audit_db_path,omitempty"`
}

const (
	DefaultSessionStartupTimeoutSeconds  = 10.0
	DefaultGeneralToolCallTimeoutSeconds = 5.0
	DefaultWidth                         = 80
	DefaultHeight                        = 24
)

// Load reads ~/.kmux/config.yaml. A missing file is not an error: it
// returns zero-value defaults and ensures the config directory exists
// for a subsequent `kmux doctor` or manual edit.
func Load() (*File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return &File{}, nil
	}

	configDir := filepath.Join(home, ".kmux")
	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mkErr := os.MkdirAll(configDir, 0o755); mkErr != nil {
				return &File{}, nil
			}
			return &File{}, nil
		}
		return &File{}, nil
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return &cfg, nil
}

// SessionStartupTimeoutSecondsOrDefault returns the configured value or the default.
func (f *File) SessionStartupTimeoutSecondsOrDefault() float64 {
	if f.SessionStartupTimeoutSeconds != nil {
		return *f.SessionStartupTimeoutSeconds
	}
	return DefaultSessionStartupTimeoutSeconds
}

// GeneralToolCallTimeoutSecondsOrDefault returns the configured value or the default.
func (f *File) GeneralToolCallTimeoutSecondsOrDefault() float64 {
	if f.GeneralToolCallTimeoutSeconds != nil {
		return *f.GeneralToolCallTimeoutSeconds
	}
	return DefaultGeneralToolCallTimeoutSeconds
}

// WidthOrDefault returns the configured screen width or the default.
func (f *File) WidthOrDefault() int {
	if f.Width != nil {
		return *f.Width
	}
	return DefaultWidth
}

// HeightOrDefault returns the configured screen height or the default.
func (f *File) HeightOrDefault() int {
	if f.Height != nil {
		return *f.Height
	}
	return DefaultHeight
}

// Password returns the configured privileged password, if any.
func (f *File) Password() string {
	if f.RootPassword != nil {
		return *f.RootPassword
	}
	return ""
}

// AuditDBPathOrDefault returns the configured audit database path, or
// ~/.kmux/audit.db.
func (f *File) AuditDBPathOrDefault() string {
	if f.AuditDBPath != nil && *f.AuditDBPath != "" {
		return *f.AuditDBPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "kmux_audit.db"
	}
	return filepath.Join(home, ".kmux", "audit.db")
}
