// Package editable implements editable installs: generation of the rebuild
// manifest and import shim, and the trigger routine the shim runs on import.
package editable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wheelforge/wheelforge/internal/builddir"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/utils"
)

// ManifestVersion is the on-disk format version
const ManifestVersion = 1

// ErrManifestCorrupt is returned when a manifest is unreadable or incomplete
var ErrManifestCorrupt = errors.New("rebuild manifest is corrupt")

// ManifestCorruptError names the manifest and the problem found
type ManifestCorruptError struct {
	Path   string
	Reason string
}

func (e *ManifestCorruptError) Error() string {
	return fmt.Sprintf("rebuild manifest %s is corrupt: %s", e.Path, e.Reason)
}

func (e *ManifestCorruptError) Unwrap() error {
	return ErrManifestCorrupt
}

// Snapshot is the part of the build configuration a rebuild needs.
// It is self-contained so the trigger never consults config files.
type Snapshot struct {
	CMake      string   `json:"cmake"`
	Generator  string   `json:"generator,omitempty"`
	Toolchain  string   `json:"toolchain,omitempty"`
	BuildType  string   `json:"build_type,omitempty"`
	Defines    []string `json:"defines,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	Components []string `json:"components,omitempty"`
	Parallel   int      `json:"parallel,omitempty"`
	Python     string   `json:"python,omitempty"`
	Verbose    bool     `json:"verbose,omitempty"`
}

// Manifest records everything the trigger needs long after the install exited
type Manifest struct {
	Version   int    `json:"version"`
	InstallID string `json:"install_id"`

	BuildDir    string `json:"build_dir"`
	SourceRoot  string `json:"source_root"`
	Destination string `json:"destination"`

	// TriggerInputs are absolute paths whose modification time decides a rebuild
	TriggerInputs []string `json:"trigger_inputs"`
	// LastRebuild is the freshness signal of the last successful rebuild, 0 when absent
	LastRebuild int64 `json:"last_rebuild"`

	Policy      string `json:"policy"`
	LockTimeout string `json:"lock_timeout,omitempty"`

	Config Snapshot `json:"config"`

	// Packages are absolute source package directories served by the shim
	Packages []string `json:"packages"`
	// Modules are top-level import names found in the install destination
	// that no source package provides
	Modules []string `json:"modules,omitempty"`
	// Trigger is the command prefix the shim runs, the manifest path is appended
	Trigger []string `json:"trigger"`
}

// NewManifest describes an editable install of cfg built in dir and installed into destination
func NewManifest(cfg *config.Config, dir builddir.Directory, destination string, trigger []string) (*Manifest, error) {
	destination, err := filepath.Abs(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid install destination: %w", err)
	}

	inputs := cfg.RebuildInputs
	if len(inputs) == 0 {
		inputs = []string{"."}
	}

	m := &Manifest{
		Version:       ManifestVersion,
		InstallID:     uuid.NewString(),
		BuildDir:      dir.Abs,
		SourceRoot:    cfg.SourceRoot,
		Destination:   destination,
		TriggerInputs: absPaths(cfg.SourceRoot, inputs),
		Policy:        cfg.RebuildPolicy,
		Config:        SnapshotOf(cfg),
		Packages:      absPaths(cfg.SourceRoot, cfg.Packages),
		Trigger:       trigger,
	}

	if cfg.LockTimeout > 0 {
		m.LockTimeout = cfg.LockTimeout.String()
	}

	if m.Policy == "" {
		m.Policy = config.DefaultRebuildPolicy
	}

	if err := m.validate(); err != nil {
		return nil, &ManifestCorruptError{Path: "(new)", Reason: err.Error()}
	}

	return m, nil
}

// SnapshotOf captures the rebuild-relevant part of cfg
func SnapshotOf(cfg *config.Config) Snapshot {
	return Snapshot{
		CMake:      cfg.CMakePath,
		Generator:  cfg.Generator,
		Toolchain:  cfg.Toolchain,
		BuildType:  cfg.BuildType,
		Defines:    utils.FormatCacheVars(cfg.Defines),
		Targets:    cfg.Targets,
		Components: cfg.Components,
		Parallel:   cfg.Parallel,
		Python:     cfg.Python,
		Verbose:    cfg.Verbose,
	}
}

// BuildConfig reconstructs the build configuration recorded in the manifest
func (m *Manifest) BuildConfig() (*config.Config, error) {
	defines, err := utils.ParseCacheVars(m.Config.Defines)
	if err != nil {
		return nil, err
	}

	timeout, err := m.Timeout()
	if err != nil {
		return nil, err
	}

	return &config.Config{
		SourceRoot:    m.SourceRoot,
		CMakePath:     m.Config.CMake,
		Generator:     m.Config.Generator,
		Toolchain:     m.Config.Toolchain,
		BuildType:     m.Config.BuildType,
		Defines:       defines,
		Targets:       m.Config.Targets,
		Components:    m.Config.Components,
		Parallel:      m.Config.Parallel,
		Python:        m.Config.Python,
		Verbose:       m.Config.Verbose,
		Editable:      true,
		RebuildPolicy: m.Policy,
		LockTimeout:   timeout,
		RebuildInputs: m.TriggerInputs,
	}, nil
}

// Timeout returns the bounded lock wait, zero meaning unbounded
func (m *Manifest) Timeout() (time.Duration, error) {
	if m.LockTimeout == "" {
		return 0, nil
	}

	return time.ParseDuration(m.LockTimeout)
}

// Marshal renders the manifest as indented JSON
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}

	return append(data, '\n'), nil
}

// LoadManifest reads and validates a manifest
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestCorruptError{Path: path, Reason: err.Error()}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestCorruptError{Path: path, Reason: err.Error()}
	}

	if err := m.validate(); err != nil {
		return nil, &ManifestCorruptError{Path: path, Reason: err.Error()}
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("unsupported version %d", m.Version)
	}

	if _, err := uuid.Parse(m.InstallID); err != nil {
		return fmt.Errorf("invalid install_id %q", m.InstallID)
	}

	for name, path := range map[string]string{
		"build_dir":   m.BuildDir,
		"source_root": m.SourceRoot,
		"destination": m.Destination,
	} {
		if path == "" {
			return fmt.Errorf("missing %s", name)
		}

		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s is not absolute: %s", name, path)
		}
	}

	if len(m.TriggerInputs) == 0 {
		return errors.New("missing trigger_inputs")
	}

	for _, input := range m.TriggerInputs {
		if !filepath.IsAbs(input) {
			return fmt.Errorf("trigger input is not absolute: %s", input)
		}
	}

	if m.Policy != config.PolicyBlock && m.Policy != config.PolicySkipIfLocked {
		return fmt.Errorf("invalid policy %q", m.Policy)
	}

	if _, err := m.Timeout(); err != nil {
		return fmt.Errorf("invalid lock_timeout %q", m.LockTimeout)
	}

	if m.Config.CMake == "" {
		return errors.New("missing config.cmake")
	}

	if len(m.Trigger) == 0 {
		return errors.New("missing trigger")
	}

	return nil
}

func absPaths(root string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}

		out = append(out, filepath.Clean(p))
	}

	return out
}
