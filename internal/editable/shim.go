package editable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
)

// File is one generated archive member
type File struct {
	Name string
	Data []byte
}

// Generated holds the files an editable wheel installs into site-packages
type Generated struct {
	Manifest *Manifest
	// Module is the shim's import name
	Module string
	Files  []File
}

// ShimModule returns the shim's import name for a distribution
func ShimModule(distribution string) string {
	return "_wheelforge_editable_" + strings.ToLower(strings.NewReplacer("-", "_", ".", "_").Replace(distribution))
}

// Generate renders the manifest, the shim module and the .pth file that loads it.
// The manifest carries no freshness signal, so the first import always rebuilds.
func Generate(m *Manifest, distribution string) (*Generated, error) {
	m.LastRebuild = 0

	manifest, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	module := ShimModule(distribution)

	var shim bytes.Buffer

	err = shimTemplate.Execute(&shim, shimData{
		Manifest:    module + ".json",
		Trigger:     m.Trigger,
		Destination: m.Destination,
		Packages:    packageLocations(m),
		Modules:     append([]string{}, m.Modules...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render shim: %w", err)
	}

	return &Generated{
		Manifest: m,
		Module:   module,
		Files: []File{
			{Name: module + ".json", Data: manifest},
			{Name: module + ".py", Data: shim.Bytes()},
			{Name: module + ".pth", Data: []byte("import " + module + "\n")},
		},
	}, nil
}

type shimData struct {
	Manifest    string
	Trigger     []string
	Destination string
	Packages    map[string][]string
	Modules     []string
}

// packageLocations maps each top-level package to its source and installed directories
func packageLocations(m *Manifest) map[string][]string {
	locations := make(map[string][]string)

	// Source directories take precedence over the install tree
	for _, pkg := range m.Packages {
		name := filepath.Base(pkg)
		locations[name] = append(locations[name], pkg)
	}

	for name, dirs := range locations {
		installed := filepath.Join(m.Destination, name)
		if !slices.Contains(dirs, installed) {
			locations[name] = append(dirs, installed)
		}
	}

	return locations
}

func pyLiteral(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

var shimTemplate = template.Must(template.New("shim").Funcs(template.FuncMap{"py": pyLiteral}).Parse(`# Generated by wheelforge. Do not edit.
import importlib.abc
import importlib.machinery
import os
import subprocess
import sys

_MANIFEST = os.path.join(os.path.dirname(os.path.abspath(__file__)), {{ py .Manifest }})
_TRIGGER = {{ py .Trigger }}
_DESTINATION = {{ py .Destination }}
_PACKAGES = {{ py .Packages }}
_MODULES = {{ py .Modules }}


def _rebuild():
    cmd = _TRIGGER + [_MANIFEST]
    try:
        if os.environ.get("WHEELFORGE_VERBOSE"):
            result = subprocess.run(cmd)
            output = ""
        else:
            result = subprocess.run(cmd, stdout=subprocess.PIPE, stderr=subprocess.STDOUT, text=True)
            output = result.stdout or ""
    except OSError as exc:
        raise ImportError("editable rebuild command %r is unavailable (manifest %s): %s" % (_TRIGGER[0], _MANIFEST, exc)) from exc
    if result.returncode != 0:
        raise ImportError("editable rebuild failed (exit %d)\n%s" % (result.returncode, output))


class _RebuildFinder(importlib.abc.MetaPathFinder):
    def __init__(self):
        self._rebuilt = False

    def _ensure_built(self):
        if not self._rebuilt:
            _rebuild()
            self._rebuilt = True

    def find_spec(self, fullname, path=None, target=None):
        if fullname in _PACKAGES:
            self._ensure_built()
            locations = [p for p in _PACKAGES[fullname] if os.path.isdir(p)]
            for location in locations:
                spec = importlib.machinery.PathFinder.find_spec(fullname, [os.path.dirname(location)])
                if spec is not None:
                    if spec.submodule_search_locations is not None:
                        spec.submodule_search_locations = locations
                    return spec
            return None
        if fullname in _MODULES:
            self._ensure_built()
            return importlib.machinery.PathFinder.find_spec(fullname, [_DESTINATION])
        return None


if not any(isinstance(f, _RebuildFinder) for f in sys.meta_path):
    sys.meta_path.insert(0, _RebuildFinder())
`))
