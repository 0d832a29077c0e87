// Package config manages the supervisor's global configuration.
// Defaults are loaded from an embedded YAML file; the live config is a
// single JSON file under the operator's config directory, read on start
// and merged over the defaults, written back atomically on change.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration.
type Data struct {
	// Polling / supervision cadence.
	PollInterval      string `json:"poll_interval"      yaml:"poll_interval"`       // default 300s
	SuperviseInterval string `json:"supervise_interval" yaml:"supervise_interval"`  // default 600s
	RepairCooldown    string `json:"repair_cooldown"    yaml:"repair_cooldown"`     // default 1h, spec §4.5

	// Push subscription manager.
	MaxSessions          int    `json:"max_sessions"           yaml:"max_sessions"`           // C, default 3
	MaxSubsPerSession    int    `json:"max_subs_per_session"   yaml:"max_subs_per_session"`    // K, default 8
	BatchSize            int    `json:"batch_size"             yaml:"batch_size"`              // default 5
	HygieneInterval      string `json:"hygiene_interval"       yaml:"hygiene_interval"`        // default 12h
	SubscriptionRequestConcurrency int `json:"subscription_request_concurrency" yaml:"subscription_request_concurrency"` // default 5

	// Token manager.
	RefreshBuffer string `json:"refresh_buffer" yaml:"refresh_buffer"` // default 30m

	// Recorder.
	RecordingCooldown string `json:"recording_cooldown" yaml:"recording_cooldown"` // default 30s
	SaveDirectory     string `json:"save_directory"     yaml:"save_directory"`
	StreamOpenTimeout string `json:"stream_open_timeout" yaml:"stream_open_timeout"` // default 60s
	ReadBufferBytes   int    `json:"read_buffer_bytes"   yaml:"read_buffer_bytes"`   // default 32 MiB

	// Upstream client.
	RequestConcurrency int    `json:"request_concurrency" yaml:"request_concurrency"` // default 10
	UserAgent          string `json:"user_agent"          yaml:"user_agent"`
}

// Global is a thread-safe, file-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	path string
}

// Load reads the config file at path, seeding it with embedded defaults if
// it doesn't exist yet.
func Load(path string) (*Global, error) {
	g := &Global{data: defaults(), path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := g.persist(g.data); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	d := defaults()
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	g.data = d
	return g, nil
}

func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	if err := g.persist(d); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}

// persist writes d to g.path using the write-to-temp-then-rename protocol
// so a reader never observes a partially written file (spec §6, I6).
func (g *Global) persist(d Data) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(g.path, b)
}

// writeAtomic writes b to path via a sibling temp file and an atomic rename.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteAtomic is exported so other packages persisting flat JSON state
// (roster, token bundle) follow the same crash-atomic protocol.
func WriteAtomic(path string, b []byte) error {
	return writeAtomic(path, b)
}
