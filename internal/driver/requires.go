package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/wheelforge/wheelforge/internal/config"
)

const minimumNinja = "1.5"

// lookPath is swapped in tests
var lookPath = exec.LookPath

var versionPattern = regexp.MustCompile(`version\s+(\d+(?:\.\d+){0,2})`)

// Requires lists the build prerequisites missing from the host.
// The native tool is required when absent or older than cfg.MinimumCMake.
// Ninja is required when the default generator would be Ninja and none is installed.
func (d *Driver) Requires(ctx context.Context, cfg *config.Config) ([]string, error) {
	var reqs []string

	ok, err := d.toolSatisfies(ctx, cfg.CMakePath, cfg.MinimumCMake)
	if err != nil {
		return nil, err
	}

	if !ok {
		reqs = append(reqs, "cmake>="+cfg.MinimumCMake)
	}

	if needsNinja(cfg) {
		ok, err := d.toolSatisfies(ctx, "ninja", minimumNinja)
		if err != nil {
			return nil, err
		}

		if !ok {
			reqs = append(reqs, "ninja>="+minimumNinja)
		}
	}

	return reqs, nil
}

func needsNinja(cfg *config.Config) bool {
	if cfg.Generator != "" {
		return strings.Contains(cfg.Generator, "Ninja")
	}

	// Visual Studio is the default generator on Windows
	return runtime.GOOS != "windows"
}

// toolSatisfies reports whether tool is on PATH with at least the given version
func (d *Driver) toolSatisfies(ctx context.Context, tool, minimum string) (bool, error) {
	path, err := lookPath(tool)
	if err != nil {
		d.logger.Debug("tool not found", "tool", tool)
		return false, nil
	}

	var out bytes.Buffer

	cmd := &Command{Path: path, Args: []string{"--version"}, Stdout: &out, Stderr: &out}
	if err := d.execCommand(ctx, cmd).Run(); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		d.logger.Debug("failed to query tool version", "tool", tool, "err", err)

		return false, nil
	}

	version := ParseVersion(out.String())
	if version == "" {
		return false, nil
	}

	want := canonical(minimum)
	if want == "" {
		return false, fmt.Errorf("invalid minimum version %q for %s", minimum, tool)
	}

	d.logger.Debug("found tool", "tool", tool, "version", version)

	return semver.Compare(canonical(version), want) >= 0, nil
}

// ParseVersion extracts the version number from "--version" output.
// Ninja prints a bare version, so a first line of only digits is accepted too.
func ParseVersion(output string) string {
	if m := versionPattern.FindStringSubmatch(output); m != nil {
		return m[1]
	}

	first, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	first = strings.TrimSpace(first)
	if semver.IsValid(canonical(first)) {
		return first
	}

	return ""
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}

	// Drop suffixes like 3.28.0-rc1 or 1.11.1.git
	if i := strings.IndexFunc(v, func(r rune) bool { return (r < '0' || r > '9') && r != '.' }); i >= 0 {
		v = v[:i]
	}

	v = strings.Trim(v, ".")
	if v == "" {
		return ""
	}

	return semver.Canonical("v" + v)
}
