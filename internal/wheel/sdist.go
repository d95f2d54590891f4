package wheel

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wheelforge/wheelforge/internal/project"
)

// sdistSkipDirs are top-level directories never shipped in an sdist
var sdistSkipDirs = map[string]bool{
	"build": true,
	"dist":  true,
}

// SdistFilename returns the sdist file name
func SdistFilename(name, ver string) string {
	return sdistBase(name, ver) + ".tar.gz"
}

func sdistBase(name, ver string) string {
	return project.FilenameName(name) + "-" + project.FilenameVersion(ver)
}

// WriteSdist archives sourceRoot into outputDir with a generated PKG-INFO.
// Dot entries, bytecode and the build/dist directories are left out, as is
// every path under exclude.
func WriteSdist(outputDir, sourceRoot string, meta Metadata, exclude ...string) (string, error) {
	filename := SdistFilename(meta.Name, meta.Version)
	base := sdistBase(meta.Name, meta.Version)

	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return "", err
	}

	exclude = append(exclude, absOut)

	err = atomicWrite(outputDir, filename, func(out io.Writer) error {
		gz := gzip.NewWriter(out)
		tw := tar.NewWriter(gz)
		modified := timestamp()

		addData := func(name string, data []byte, mode int64) error {
			header := &tar.Header{
				Name:     path.Join(base, name),
				Mode:     mode,
				Size:     int64(len(data)),
				ModTime:  modified,
				Typeflag: tar.TypeReg,
				Format:   tar.FormatPAX,
			}

			if err := tw.WriteHeader(header); err != nil {
				return err
			}

			_, err := tw.Write(data)

			return err
		}

		if err := addData("PKG-INFO", meta.Render(), 0o644); err != nil {
			return err
		}

		err := filepath.WalkDir(sourceRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if p == sourceRoot {
				return nil
			}

			rel, err := filepath.Rel(sourceRoot, p)
			if err != nil {
				return err
			}

			if skipSdistEntry(rel, p, d, exclude) {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			return addData(filepath.ToSlash(rel), data, int64(info.Mode().Perm()))
		})
		if err != nil {
			return err
		}

		if err := tw.Close(); err != nil {
			return err
		}

		return gz.Close()
	})
	if err != nil {
		return "", fmt.Errorf("failed to write sdist: %w", err)
	}

	return filename, nil
}

func skipSdistEntry(rel, abs string, d fs.DirEntry, exclude []string) bool {
	name := d.Name()

	if strings.HasPrefix(name, ".") || name == "__pycache__" || strings.HasSuffix(name, ".pyc") {
		return true
	}

	if d.IsDir() && !strings.Contains(filepath.ToSlash(rel), "/") && sdistSkipDirs[name] {
		return true
	}

	// PKG-INFO is generated
	if rel == "PKG-INFO" {
		return true
	}

	for _, ex := range exclude {
		if abs == ex {
			return true
		}
	}

	return false
}
