package editable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// moduleSuffixes are the file suffixes Python imports as top-level modules
var moduleSuffixes = []string{".py", ".so", ".pyd"}

// InstalledModules returns the top-level import names in an install tree:
// modules (*.py, *.so, *.pyd, including ABI-tagged extension names) and
// directories holding __init__.py.
func InstalledModules(destination string) ([]string, error) {
	entries, err := os.ReadDir(destination)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan install tree: %w", err)
	}

	var names []string

	for _, entry := range entries {
		name := entry.Name()

		// Follow symlinks, installs commonly link extension modules
		info, err := os.Stat(filepath.Join(destination, name))
		if err != nil {
			continue
		}

		var module string

		switch {
		case info.IsDir():
			if _, err := os.Stat(filepath.Join(destination, name, "__init__.py")); err == nil {
				module = name
			}
		case slices.Contains(moduleSuffixes, filepath.Ext(name)):
			// _core.cpython-312-x86_64-linux-gnu.so imports as _core
			module, _, _ = strings.Cut(name, ".")
		}

		if isIdentifier(module) && !slices.Contains(names, module) {
			names = append(names, module)
		}
	}

	slices.Sort(names)

	return names, nil
}

// RecordInstalled stores the install tree's top-level modules that no source
// package already provides. It runs after the first install of an editable build.
func (m *Manifest) RecordInstalled() error {
	modules, err := InstalledModules(m.Destination)
	if err != nil {
		return err
	}

	m.Modules = slices.DeleteFunc(modules, func(name string) bool {
		return slices.ContainsFunc(m.Packages, func(pkg string) bool {
			return filepath.Base(pkg) == name
		})
	})

	return nil
}

func isIdentifier(s string) bool {
	if s == "" || s == "__init__" {
		return false
	}

	for i, r := range s {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}

	return true
}
