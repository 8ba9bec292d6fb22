// Package config reads the Pebble agent's on-disk JSON configuration:
// the device's name, its pre-shared discovery key, the directory it
// watches and syncs, and where its identity certificate lives.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/pebblesync/pebble"
)

// Config is the on-disk shape of a Pebble agent's configuration file.
type Config struct {
	// DeviceName is the human-readable name announced in discovery
	// beacons and used as the CN of the device's TLS certificate.
	DeviceName string `json:"device_name"`
	// PreSharedKey authenticates this device's beacons to peers
	// configured with the same key.
	PreSharedKey string `json:"pre_shared_key"`
	// WatchPath is the directory recursively synced with peers.
	WatchPath string `json:"watch_path"`
	// CertDir holds the device's self-signed identity certificate and
	// key. Defaults to pebble.ConfigDir() if empty.
	CertDir string `json:"cert_dir"`
}

// Read finds, reads, parses and validates the config at path.
func Read(path string) (Config, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := parseConfig(contents)
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.CertDir == "" {
		cfg.CertDir = pebble.ConfigDir()
	}
	return cfg, nil
}

// parseConfig is broken out to make unmarshaling and validation easy
// to test against literal JSON without touching the filesystem.
func parseConfig(contents []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(contents, &cfg); err != nil {
		return Config{}, fmt.Errorf("json unmarshal error: %s", err)
	}
	if cfg.DeviceName == "" {
		return Config{}, fmt.Errorf("missing required field: device_name")
	}
	if cfg.PreSharedKey == "" {
		return Config{}, fmt.Errorf("missing required field: pre_shared_key")
	}
	if cfg.WatchPath == "" {
		return Config{}, fmt.Errorf("missing required field: watch_path")
	}
	return cfg, nil
}

// DefaultPath returns the conventional location of the configuration
// file, under pebble.ConfigDir().
func DefaultPath() string {
	return filepath.Join(pebble.ConfigDir(), "config.json")
}
