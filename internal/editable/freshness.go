package editable

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// skipDirs are never walked when computing freshness
var skipDirs = map[string]bool{
	"__pycache__":  true,
	"node_modules": true,
}

// Freshness returns the newest modification time, in nanoseconds, among
// inputs. Directories are walked recursively, skipping dot-directories,
// bytecode caches and every path under exclude. Missing inputs are ignored.
func Freshness(inputs []string, exclude ...string) (int64, error) {
	var newest int64

	excluded := func(path string) bool {
		for _, ex := range exclude {
			if ex != "" && (path == ex || strings.HasPrefix(path, ex+string(filepath.Separator))) {
				return true
			}
		}

		return false
	}

	for _, input := range inputs {
		err := filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if excluded(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if d.IsDir() {
				name := d.Name()
				if path != input && (strings.HasPrefix(name, ".") || skipDirs[name]) {
					return filepath.SkipDir
				}

				return nil
			}

			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if mt := info.ModTime().UnixNano(); mt > newest {
				newest = mt
			}

			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}

	return newest, nil
}
