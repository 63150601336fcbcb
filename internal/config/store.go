package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riverpath/devservers/pkg/pathutil"
)

// DefaultPath returns ~/.servers/settings.json for the invoking user.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".servers", "settings.json"), nil
}

// rawServerSpec mirrors ServerSpec but gives "visible" a tri-state via a
// pointer, since encoding/json cannot otherwise distinguish an absent bool
// field (should default true) from an explicit false.
type rawServerSpec struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	WorkingDir      string `json:"workingDir"`
	Command         string `json:"command"`
	Port            int    `json:"port,omitempty"`
	Hostname        string `json:"hostname"`
	HealthCheckPath string `json:"healthCheckPath"`
	UseHTTPS        bool   `json:"useHttps"`
	AutoStart       bool   `json:"autoStart"`
	Visible         *bool  `json:"visible"`
}

type rawSettings struct {
	Servers    []rawServerSpec `json:"servers"`
	APIPort    int             `json:"apiPort,omitempty"`
	ExtraPaths []string        `json:"extraPaths,omitempty"`
}

// Store loads, validates, and atomically persists Settings at a fixed path.
type Store struct {
	path string
}

// NewStore builds a Store rooted at path. Pass "" to use DefaultPath().
func NewStore(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Store{path: pathutil.ExpandHome(path)}, nil
}

// Load reads and decodes the settings document. Parse/schema errors are
// returned as a single error so the caller can run with an empty server set
// rather than refuse to start; see Manager.ReloadSettings.
func (s *Store) Load() (Settings, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			out := Settings{}
			out.applyDefaults()
			return out, nil
		}
		return Settings{}, fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()

	var raw rawSettings
	dec := json.NewDecoder(f)
	if err := dec.Decode(&raw); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	out := Settings{
		APIPort:    raw.APIPort,
		ExtraPaths: raw.ExtraPaths,
		Servers:    make([]ServerSpec, len(raw.Servers)),
	}
	for i, r := range raw.Servers {
		visible := true
		if r.Visible != nil {
			visible = *r.Visible
		}
		out.Servers[i] = ServerSpec{
			ID:              r.ID,
			Name:            r.Name,
			WorkingDir:      pathutil.ExpandHome(r.WorkingDir),
			Command:         r.Command,
			Port:            r.Port,
			Hostname:        r.Hostname,
			HealthCheckPath: r.HealthCheckPath,
			UseHTTPS:        r.UseHTTPS,
			AutoStart:       r.AutoStart,
			Visible:         visible,
		}
	}

	out.applyDefaults()
	if err := out.validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Save atomically persists settings: write to a temp file in the same
// directory, then rename over the target. The containing directory is
// created if missing.
func (s *Store) Save(settings Settings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	raw := rawSettings{
		APIPort:    settings.APIPort,
		ExtraPaths: settings.ExtraPaths,
		Servers:    make([]rawServerSpec, len(settings.Servers)),
	}
	for i, sp := range settings.Servers {
		visible := sp.Visible
		raw.Servers[i] = rawServerSpec{
			ID:              sp.ID,
			Name:            sp.Name,
			WorkingDir:      sp.WorkingDir,
			Command:         sp.Command,
			Port:            sp.Port,
			Hostname:        sp.Hostname,
			HealthCheckPath: sp.HealthCheckPath,
			UseHTTPS:        sp.UseHTTPS,
			AutoStart:       sp.AutoStart,
			Visible:         &visible,
		}
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename settings: %w", err)
	}
	return nil
}

// Path returns the resolved settings file path.
func (s *Store) Path() string { return s.path }
