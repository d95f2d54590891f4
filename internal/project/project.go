// Package project reads the packaging metadata a build needs from pyproject.toml.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the project description file at the source root
const FileName = "pyproject.toml"

// ToolTable is the [tool.<name>] table holding wheelforge settings
const ToolTable = "wheelforge"

// ErrNoProject is returned when the source root has no pyproject.toml
var ErrNoProject = errors.New("pyproject.toml not found")

// Project is the [project] table subset used for archive metadata
type Project struct {
	Name           string   `toml:"name"`
	Version        string   `toml:"version"`
	Description    string   `toml:"description"`
	RequiresPython string   `toml:"requires-python"`
	Dependencies   []string `toml:"dependencies"`
	Dynamic        []string `toml:"dynamic"`
	License        License  `toml:"license"`
}

// License accepts both the SPDX string form and the {text = ...} table form
type License struct {
	Text string
}

// UnmarshalTOML implements toml.Unmarshaler
func (l *License) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		l.Text = v
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			l.Text = text
		}
	default:
		return fmt.Errorf("unsupported license value %T", v)
	}

	return nil
}

// BuildSystem is the [build-system] table
type BuildSystem struct {
	Requires     []string `toml:"requires"`
	BuildBackend string   `toml:"build-backend"`
}

type document struct {
	Project     Project                   `toml:"project"`
	BuildSystem BuildSystem               `toml:"build-system"`
	Tool        map[string]map[string]any `toml:"tool"`
}

// File is a parsed pyproject.toml
type File struct {
	Path        string
	Project     Project
	BuildSystem BuildSystem
	// Settings is the [tool.wheelforge] table
	Settings map[string]any
}

// Load parses pyproject.toml in sourceRoot and validates the [project] table
func Load(sourceRoot string) (*File, error) {
	path := filepath.Join(sourceRoot, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoProject, sourceRoot)
		}

		return nil, err
	}

	var doc document
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	f := &File{
		Path:        path,
		Project:     doc.Project,
		BuildSystem: doc.BuildSystem,
		Settings:    doc.Tool[ToolTable],
	}

	if err := f.Project.Validate(); err != nil {
		return nil, fmt.Errorf("invalid [project] table in %s: %w", path, err)
	}

	return f, nil
}

// Settings returns only the [tool.wheelforge] table of sourceRoot's pyproject.toml.
// A missing file yields nil settings.
func Settings(sourceRoot string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(sourceRoot, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var doc struct {
		Tool map[string]map[string]any `toml:"tool"`
	}

	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}

	return doc.Tool[ToolTable], nil
}

// Validate checks the fields needed to name and describe an archive
func (p *Project) Validate() error {
	if p.Name == "" {
		return errors.New("missing name")
	}

	if !validName.MatchString(p.Name) {
		return fmt.Errorf("invalid name %q", p.Name)
	}

	if slices.Contains(p.Dynamic, "version") {
		return errors.New("dynamic version is not supported")
	}

	if p.Version == "" {
		return errors.New("missing version")
	}

	return nil
}

var (
	validName = regexp.MustCompile(`(?i)^([A-Z0-9]|[A-Z0-9][A-Z0-9._-]*[A-Z0-9])$`)
	separator = regexp.MustCompile(`[-_.]+`)
)

// NormalizeName returns the canonical lowercase dash-separated distribution name
func NormalizeName(name string) string {
	return strings.ToLower(separator.ReplaceAllString(name, "-"))
}

// FilenameName returns the distribution name as used in archive file names
func FilenameName(name string) string {
	return strings.ReplaceAll(NormalizeName(name), "-", "_")
}

// FilenameVersion returns the version as used in archive file names
func FilenameVersion(version string) string {
	return strings.ReplaceAll(strings.TrimSpace(version), "-", "_")
}
