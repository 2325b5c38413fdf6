// Package manifest handles pcode.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/pcode/vm"
)

// FileName is the name of the configuration file.
const FileName = "pcode.toml"

// Manifest represents a pcode.toml configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	VM      VMConfig     `toml:"vm"`
	Server  ServerConfig `toml:"server"`
	Log     LogConfig    `toml:"log"`

	// Dir is the directory containing the pcode.toml file (set at load time).
	// Empty for the built-in defaults.
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// VMConfig bounds each execution. Zero means unlimited.
type VMConfig struct {
	MaxStack     int   `toml:"max-stack"`
	MaxFrames    int   `toml:"max-frames"`
	MaxDataSlots int   `toml:"max-data-slots"`
	MaxSteps     int64 `toml:"max-steps"`
	Trace        bool  `toml:"trace"`
}

// ServerConfig configures `pcode serve`.
type ServerConfig struct {
	Addr    string `toml:"addr"`
	Store   string `toml:"store"` // Artifact database; empty disables the store
	Workers int    `toml:"workers"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"` // Empty logs to stderr
}

// Default returns the configuration used when no pcode.toml exists.
func Default() *Manifest {
	l := vm.DefaultLimits()
	return &Manifest{
		VM: VMConfig{
			MaxStack:     l.MaxStack,
			MaxFrames:    l.MaxFrames,
			MaxDataSlots: l.MaxDataSlots,
			MaxSteps:     l.MaxSteps,
		},
		Server: ServerConfig{
			Addr:    "localhost:8765",
			Workers: 1,
		},
	}
}

// Load parses a pcode.toml file from the given directory. Keys missing from
// the file keep their defaults; unknown keys are an error.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a pcode.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	switch {
	case m.VM.MaxStack < 0, m.VM.MaxFrames < 0, m.VM.MaxDataSlots < 0, m.VM.MaxSteps < 0:
		return fmt.Errorf("[vm] limits must not be negative")
	case m.Server.Workers < 1:
		return fmt.Errorf("[server] workers must be at least 1, got %d", m.Server.Workers)
	case m.Log.Verbosity < -4 || m.Log.Verbosity > 2:
		return fmt.Errorf("[log] verbosity must be between -4 and 2, got %d", m.Log.Verbosity)
	}
	return nil
}

// Limits returns the configured per-execution limits.
func (m *Manifest) Limits() vm.Limits {
	return vm.Limits{
		MaxStack:     m.VM.MaxStack,
		MaxFrames:    m.VM.MaxFrames,
		MaxDataSlots: m.VM.MaxDataSlots,
		MaxSteps:     m.VM.MaxSteps,
	}
}

// StorePath returns the artifact database path resolved against Dir, or ""
// when the store is disabled. ":memory:" is returned unchanged.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Server.Store)
}

// LogPath returns the log file path resolved against Dir, or nil for stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	p := m.resolve(m.Log.File)
	return &p
}

func (m *Manifest) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
