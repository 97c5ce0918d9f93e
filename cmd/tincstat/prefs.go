package main

import (
	"os"
	"path/filepath"

	"github.com/wangmice/tinc/internal/daemonerr"
	yaml "go.yaml.in/yaml/v2"
)

// Prefs is the observer's own persisted preferences: which
// column it was last sorted by, how often it polls, and whether it is
// showing cumulative counters or instantaneous rates. None of this
// touches the daemon's configuration tree; it lives under the
// invoking user's own config directory.
type Prefs struct {
	SortMode    SortMode `yaml:"sort_mode"`
	RefreshSecs float64  `yaml:"refresh_seconds"`
	Cumulative  bool     `yaml:"cumulative"`
}

func defaultPrefs() Prefs {
	return Prefs{SortMode: SortName, RefreshSecs: 1, Cumulative: false}
}

func prefsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", daemonerr.New(daemonerr.KindIO, err)
	}
	return filepath.Join(dir, "tincstat", "prefs.yaml"), nil
}

// LoadPrefs reads the persisted preferences file, falling back to
// defaults if it is missing or unreadable; a corrupt prefs file is not
// worth failing startup over.
func LoadPrefs() Prefs {
	path, err := prefsPath()
	if err != nil {
		return defaultPrefs()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return defaultPrefs()
	}

	p := defaultPrefs()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return defaultPrefs()
	}

	return p
}

// Save persists p, creating its parent directory if needed.
func (p Prefs) Save() error {
	path, err := prefsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	return nil
}
