// Package config loads server configuration from an INI file, grounded
// on the teacher's object-dictionary loader (pkg/od/parser.go), which
// likewise uses gopkg.in/ini.v1 to turn a plain-text file into typed
// Go structures rather than hand-rolling a parser.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// ServerConfig holds everything the listener and session slot table
// need to run, with the same defaults the CLI falls back to when no
// file is given.
type ServerConfig struct {
	ListenAddr  string `ini:"listen_addr"`
	Port        int    `ini:"port"`
	StorageRoot string `ini:"storage_root"`
	MaxSessions int    `ini:"max_sessions"`
	MaxRetries  int    `ini:"max_retries"`
}

// DefaultServerConfig mirrors spec's stated defaults: port 69, a slot
// table capacity of five concurrent sessions, five retransmit
// attempts per block.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:  "0.0.0.0",
		Port:        69,
		StorageRoot: ".",
		MaxSessions: 5,
		MaxRetries:  5,
	}
}

// LoadServerConfig reads path as an INI file and overlays it onto
// DefaultServerConfig, the way the teacher's EDS parser overlays a
// zip-embedded file onto object dictionary defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	section := file.Section("server")
	if err := section.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("config: mapping %s: %w", path, err)
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("config: max_sessions must be positive, got %d", cfg.MaxSessions)
	}
	return cfg, nil
}
