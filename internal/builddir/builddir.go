// Package builddir resolves the persistent build directory of a project.
//
// The build directory is where the native build tool keeps its incremental
// state. It is computed from a template so that different interpreters,
// platforms and override sets get separate directories, while the same
// (source root, configuration) pair always lands in the same place.
package builddir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wheelforge/wheelforge/internal/cache"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/tags"
)

// ErrInvalidTemplate is returned for templates with unknown or malformed placeholders
var ErrInvalidTemplate = errors.New("invalid build directory template")

// InvalidTemplateError carries the offending template and placeholder
type InvalidTemplateError struct {
	Template    string
	Placeholder string
	Reason      string
}

func (e *InvalidTemplateError) Error() string {
	if e.Placeholder != "" {
		return fmt.Sprintf("invalid build directory template %q: %s {%s}", e.Template, e.Reason, e.Placeholder)
	}

	return fmt.Sprintf("invalid build directory template %q: %s", e.Template, e.Reason)
}

func (e *InvalidTemplateError) Unwrap() error {
	return ErrInvalidTemplate
}

// Directory is a resolved build directory
type Directory struct {
	// Path is the substituted template. For templates without placeholders it
	// is the template itself, byte for byte.
	Path string
	// Abs is the absolute location, relative paths are taken from the source root
	Abs string
	// Literal is true when the template had no placeholders
	Literal bool
}

func (d Directory) String() string {
	return d.Abs
}

// Placeholders returns the substitution values available to templates
func Placeholders(cfg *config.Config, tag tags.CompatibilityTag, cacheTag string) map[string]string {
	return map[string]string{
		"wheel_tag":  tag.String(),
		"cache_tag":  cacheTag,
		"state_hash": cache.StateHash(cfg.Defines),
		"build_type": cfg.BuildType,
		"state":      cfg.Mode(),
	}
}

// Resolve substitutes the configured template and creates the directory.
// Template errors are reported before anything touches the filesystem.
// Existing contents are kept, see Clean for fresh builds.
func Resolve(cfg *config.Config, tag tags.CompatibilityTag, cacheTag string) (Directory, error) {
	template := cfg.BuildDirTemplate
	if template == "" {
		template = config.DefaultBuildDirTemplate
	}

	path, literal, err := Expand(template, Placeholders(cfg, tag, cacheTag))
	if err != nil {
		return Directory{}, err
	}

	dir := Directory{Path: path, Abs: path, Literal: literal}
	if !filepath.IsAbs(path) {
		dir.Abs = filepath.Join(cfg.SourceRoot, path)
	}

	dir.Abs = filepath.Clean(dir.Abs)

	if err := os.MkdirAll(dir.Abs, 0o755); err != nil {
		return Directory{}, fmt.Errorf("failed to create build directory: %w", err)
	}

	return dir, nil
}

// Expand substitutes {name} placeholders in template. "{{" and "}}" produce
// literal braces. literal reports that the template contained no braces at all.
func Expand(template string, values map[string]string) (result string, literal bool, err error) {
	if !strings.ContainsAny(template, "{}") {
		return template, true, nil
	}

	var b strings.Builder

	for i := 0; i < len(template); i++ {
		ch := template[i]

		switch {
		case ch == '{' && i+1 < len(template) && template[i+1] == '{':
			b.WriteByte('{')
			i++
		case ch == '}' && i+1 < len(template) && template[i+1] == '}':
			b.WriteByte('}')
			i++
		case ch == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", false, &InvalidTemplateError{Template: template, Reason: "unterminated placeholder"}
			}

			name := template[i+1 : i+1+end]
			value, ok := values[name]
			if !ok {
				return "", false, &InvalidTemplateError{Template: template, Placeholder: name, Reason: "unknown placeholder"}
			}

			b.WriteString(value)
			i += end + 1
		case ch == '}':
			return "", false, &InvalidTemplateError{Template: template, Reason: "unmatched '}'"}
		default:
			b.WriteByte(ch)
		}
	}

	return b.String(), false, nil
}

// Clean removes the contents of a build directory except the entries named in
// keep. The caller must hold the directory's rebuild lock, whose file lives in
// a kept entry. A directory that contains the source tree is never touched.
func Clean(dir, sourceRoot string, keep ...string) error {
	if sourceRoot != "" {
		rel, err := filepath.Rel(dir, sourceRoot)
		if err == nil && (rel == "." || !strings.HasPrefix(rel, "..")) {
			return fmt.Errorf("refusing to clean build directory %s: it contains the source tree", dir)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read build directory: %w", err)
	}

	for _, entry := range entries {
		if slices.Contains(keep, entry.Name()) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clean build directory: %w", err)
		}
	}

	return nil
}
