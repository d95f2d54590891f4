// Package wheel assembles wheel and sdist archives.
package wheel

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wheelforge/wheelforge/internal/logging"
	"github.com/wheelforge/wheelforge/internal/project"
	"github.com/wheelforge/wheelforge/internal/tags"
	"github.com/wheelforge/wheelforge/internal/version"
)

// Metadata describes the distribution
type Metadata struct {
	Name           string
	Version        string
	Summary        string
	RequiresPython string
	License        string
	Dependencies   []string
}

// FromProject converts the [project] table
func FromProject(p project.Project) Metadata {
	return Metadata{
		Name:           p.Name,
		Version:        p.Version,
		Summary:        p.Description,
		RequiresPython: p.RequiresPython,
		License:        p.License.Text,
		Dependencies:   p.Dependencies,
	}
}

// Render returns the core metadata file contents
func (m Metadata) Render() []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "Metadata-Version: 2.1\n")
	fmt.Fprintf(&b, "Name: %s\n", m.Name)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)

	if m.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", m.Summary)
	}

	if m.License != "" {
		fmt.Fprintf(&b, "License: %s\n", m.License)
	}

	if m.RequiresPython != "" {
		fmt.Fprintf(&b, "Requires-Python: %s\n", m.RequiresPython)
	}

	for _, dep := range m.Dependencies {
		fmt.Fprintf(&b, "Requires-Dist: %s\n", dep)
	}

	return b.Bytes()
}

// Filename returns the wheel file name for a distribution and tag
func Filename(name, ver string, tag tags.CompatibilityTag) string {
	return fmt.Sprintf("%s-%s-%s.whl", project.FilenameName(name), project.FilenameVersion(ver), tag)
}

// DistInfo returns the .dist-info directory name
func DistInfo(name, ver string) string {
	return project.FilenameName(name) + "-" + project.FilenameVersion(ver) + ".dist-info"
}

type member struct {
	source string
	data   []byte
	mode   fs.FileMode
}

// Writer collects wheel members and writes the archive.
// A member added twice keeps the last content.
type Writer struct {
	meta    Metadata
	tag     tags.CompatibilityTag
	members map[string]member
	logger  *slog.Logger
}

// NewWriter creates a writer for one wheel
func NewWriter(meta Metadata, tag tags.CompatibilityTag, logger *slog.Logger) *Writer {
	return &Writer{
		meta:    meta,
		tag:     tag,
		members: make(map[string]member),
		logger:  logging.Ensure(logger),
	}
}

// AddFile adds an in-memory member
func (w *Writer) AddFile(name string, data []byte) {
	w.members[path.Clean(name)] = member{data: data, mode: 0o644}
}

// AddTree adds every file under root with names relative to root, joined to prefix.
// Bytecode caches and compiled bytecode are skipped.
func (w *Writer) AddTree(root, prefix string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == "__pycache__" {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasSuffix(p, ".pyc") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		// Symlinks are stored as the file they point to, with its mode
		info, err := os.Stat(p)
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		name := path.Join(prefix, filepath.ToSlash(rel))
		w.members[name] = member{source: p, mode: info.Mode().Perm()}

		return nil
	})
}

// Members returns the member names that will be written, sorted, without dist-info
func (w *Writer) Members() []string {
	names := make([]string, 0, len(w.members))
	for name := range w.members {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Write writes the wheel into outputDir and returns its file name.
// The archive appears under its final name only once complete.
func (w *Writer) Write(outputDir string) (string, error) {
	filename := Filename(w.meta.Name, w.meta.Version, w.tag)

	err := atomicWrite(outputDir, filename, func(out io.Writer) error {
		return w.write(out)
	})
	if err != nil {
		return "", err
	}

	w.logger.Info("wrote wheel", "file", filename, "members", len(w.members))

	return filename, nil
}

func (w *Writer) write(out io.Writer) error {
	zw := zip.NewWriter(out)
	distInfo := DistInfo(w.meta.Name, w.meta.Version)
	modified := timestamp()

	var record bytes.Buffer
	rw := csv.NewWriter(&record)

	add := func(name string, data []byte, mode fs.FileMode) error {
		header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified}
		header.SetMode(mode)

		f, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		if _, err := f.Write(data); err != nil {
			return err
		}

		sum := sha256.Sum256(data)

		return rw.Write([]string{name, "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:]), strconv.Itoa(len(data))})
	}

	for _, name := range w.Members() {
		m := w.members[name]

		data := m.data
		if m.source != "" {
			var err error
			if data, err = os.ReadFile(m.source); err != nil {
				return err
			}
		}

		if err := add(name, data, m.mode); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := add(distInfo+"/METADATA", w.meta.Render(), 0o644); err != nil {
		return err
	}

	if err := add(distInfo+"/WHEEL", w.wheelFile(), 0o644); err != nil {
		return err
	}

	recordName := distInfo + "/RECORD"
	if err := rw.Write([]string{recordName, "", ""}); err != nil {
		return err
	}

	rw.Flush()
	if err := rw.Error(); err != nil {
		return err
	}

	header := &zip.FileHeader{Name: recordName, Method: zip.Deflate, Modified: modified}
	header.SetMode(0o644)

	f, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	if _, err := f.Write(record.Bytes()); err != nil {
		return err
	}

	return zw.Close()
}

func (w *Writer) wheelFile() []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "Wheel-Version: 1.0\n")
	fmt.Fprintf(&b, "Generator: wheelforge %s\n", version.Version)
	fmt.Fprintf(&b, "Root-Is-Purelib: %t\n", w.tag.IsPure())
	fmt.Fprintf(&b, "Tag: %s\n", w.tag)

	return b.Bytes()
}

// timestamp honors SOURCE_DATE_EPOCH for reproducible archives
func timestamp() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if secs, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			t := time.Unix(secs, 0).UTC()
			if t.Year() >= 1980 {
				return t
			}
		}
	}

	return time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
}

// atomicWrite writes to a hidden temporary file in dir and renames it to name on success.
// On failure nothing is left in dir.
func atomicWrite(dir, name string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary archive: %w", err)
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
