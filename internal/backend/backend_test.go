package backend

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelforge/wheelforge/internal/builddir"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/driver"
	"github.com/wheelforge/wheelforge/internal/driver/drivertest"
	"github.com/wheelforge/wheelforge/internal/editable"
	"github.com/wheelforge/wheelforge/internal/lock"
	"github.com/wheelforge/wheelforge/internal/logging"
	"github.com/wheelforge/wheelforge/internal/tags"
)

const wheelName = "demo_pkg-0.1.0-cp312-cp312-linux_x86_64.whl"

func linuxHost(context.Context, string) (tags.HostInfo, error) {
	return tags.HostInfo{
		Implementation: "cpython",
		Major:          3,
		Minor:          12,
		CacheTag:       "cpython-312",
		OS:             "linux",
		Arch:           "amd64",
		Machine:        "x86_64",
	}, nil
}

type fixture struct {
	src     string
	cfg     *config.Config
	tool    *drivertest.Tool
	backend *Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "pyproject.toml"), `[project]
name = "demo-pkg"
version = "0.1.0"
requires-python = ">=3.9"
`)
	writeFile(t, filepath.Join(src, "CMakeLists.txt"), "project(demo)\n")
	writeFile(t, filepath.Join(src, "src", "demo_pkg", "__init__.py"), "from ._core import *\n")

	tool := drivertest.New(map[string]string{"demo_pkg/_core.so": "binary"})

	cfg := &config.Config{
		SourceRoot:       src,
		CMakePath:        "cmake",
		BuildType:        "Release",
		BuildDirTemplate: "build/{wheel_tag}",
		Python:           "python3",
		RebuildPolicy:    config.PolicyBlock,
	}

	b := New(
		WithProbe(linuxHost),
		WithExecutable(func() (string, error) { return "/usr/local/bin/wheelforge", nil }),
		WithLogger(logging.Discard()),
		WithDriverOptions(
			driver.WithExec(tool.Exec),
			driver.WithOutput(io.Discard, io.Discard),
			driver.WithEnv(func(string) string { return "" }),
		),
	)

	return &fixture{src: src, cfg: cfg, tool: tool, backend: b}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func zipContents(t *testing.T, path string) map[string][]byte {
	t.Helper()

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	out := map[string][]byte{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = data
	}

	return out
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestBuildWheel_ProducesOneArchiveAndReusesBuildDir(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := t.TempDir()

	name, err := f.backend.BuildWheel(ctx, f.cfg, out)
	require.NoError(t, err)
	assert.Equal(t, wheelName, name)
	assert.Equal(t, []string{wheelName}, listDir(t, out))

	files := zipContents(t, filepath.Join(out, name))
	assert.Equal(t, "binary", string(files["demo_pkg/_core.so"]))
	assert.Contains(t, string(files["demo_pkg/__init__.py"]), "_core")
	assert.Contains(t, string(files["demo_pkg-0.1.0.dist-info/WHEEL"]), "Tag: cp312-cp312-linux_x86_64")

	// Second build with nothing changed reuses the configured directory
	name, err = f.backend.BuildWheel(ctx, f.cfg, out)
	require.NoError(t, err)
	assert.Equal(t, []string{wheelName}, listDir(t, out))

	assert.Equal(t, 1, f.tool.Calls(driver.StageConfigure))
	assert.Equal(t, 2, f.tool.Calls(driver.StageBuild))

	buildDir := filepath.Join(f.src, "build", "cp312-cp312-linux_x86_64")
	for _, cmd := range f.tool.Commands() {
		if drivertest.Stage(cmd) == driver.StageConfigure {
			assert.Equal(t, buildDir, drivertest.Arg(cmd, "-B"))
		}
	}

	// Staging install trees do not accumulate
	entries, err := filepath.Glob(filepath.Join(buildDir, ".wheelforge", "install-*"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildWheel_ConfigureFailureLeavesNoArchive(t *testing.T) {
	f := newFixture(t)
	f.tool.Fail[driver.StageConfigure] = 1
	out := t.TempDir()

	_, err := f.backend.BuildWheel(context.Background(), f.cfg, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrBuildFailed)
	assert.Empty(t, listDir(t, out))
	assert.Equal(t, 0, f.tool.Calls(driver.StageBuild))
}

func TestBuildEditable_ConfigureFailureLeavesNoArchive(t *testing.T) {
	f := newFixture(t)
	f.tool.Fail[driver.StageConfigure] = 1
	out := t.TempDir()

	_, err := f.backend.BuildEditable(context.Background(), f.cfg, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrBuildFailed)
	assert.Empty(t, listDir(t, out))
}

func TestBuildWheel_FailsFastBeforeSubprocesses(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		target error
	}{
		{
			name:   "invalid template",
			mutate: func(f *fixture) { f.cfg.BuildDirTemplate = "build/{nope}" },
			target: builddir.ErrInvalidTemplate,
		},
		{
			name: "unsupported platform",
			mutate: func(f *fixture) {
				f.backend.probe = func(context.Context, string) (tags.HostInfo, error) {
					return tags.HostInfo{Implementation: "cpython", Major: 3, Minor: 12, OS: "plan9", Arch: "amd64"}, nil
				}
			},
			target: tags.ErrUnsupportedPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			out := t.TempDir()

			_, err := f.backend.BuildWheel(context.Background(), f.cfg, out)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, f.tool.Commands())
			assert.Empty(t, listDir(t, out))
		})
	}
}

func TestBuildWheel_PureTag(t *testing.T) {
	f := newFixture(t)
	f.cfg.PyAPI = "py3"

	name, err := f.backend.BuildWheel(context.Background(), f.cfg, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "demo_pkg-0.1.0-py3-none-any.whl", name)
}

func TestBuildEditable_ImportTimeRebuilds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := t.TempDir()

	name, err := f.backend.BuildEditable(ctx, f.cfg, out)
	require.NoError(t, err)
	assert.Equal(t, wheelName, name)
	assert.Equal(t, []string{wheelName}, listDir(t, out))
	assert.Equal(t, 1, f.tool.Calls(driver.StageBuild))

	module := editable.ShimModule("demo-pkg")
	files := zipContents(t, filepath.Join(out, name))
	assert.Equal(t, "import "+module+"\n", string(files[module+".pth"]))
	assert.Contains(t, string(files[module+".py"]), `"/usr/local/bin/wheelforge","rebuild"`)
	assert.NotContains(t, files, "demo_pkg/_core.so")

	// Install the wheel's files into a fake site-packages
	site := t.TempDir()
	for n, data := range files {
		writeFile(t, filepath.Join(site, filepath.FromSlash(n)), string(data))
	}

	manifestPath := filepath.Join(site, module+".json")
	m, err := editable.LoadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.src, "build", "cp312-cp312-linux_x86_64"), m.BuildDir)
	assert.Equal(t, []string{filepath.Join(f.src, "src", "demo_pkg")}, m.Packages)
	assert.Zero(t, m.LastRebuild)

	trigger := func() *editable.Outcome {
		outcome, err := editable.Trigger(ctx, manifestPath, editable.Options{
			Logger: logging.Discard(),
			DriverOptions: []driver.Option{
				driver.WithExec(f.tool.Exec),
				driver.WithOutput(io.Discard, io.Discard),
				driver.WithEnv(func(string) string { return "" }),
			},
		})
		require.NoError(t, err)

		return outcome
	}

	// First import rebuilds, no freshness signal recorded yet
	assert.Equal(t, editable.PathRebuilt, trigger().Path)
	assert.Equal(t, 2, f.tool.Calls(driver.StageBuild))
	assert.Equal(t, 1, f.tool.Calls(driver.StageConfigure))
	assert.FileExists(t, filepath.Join(m.Destination, "demo_pkg", "_core.so"))

	// Second import is fresh
	assert.Equal(t, editable.PathFresh, trigger().Path)
	assert.Equal(t, 2, f.tool.Calls(driver.StageBuild))

	// Touching a trigger input rebuilds
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.src, "CMakeLists.txt"), future, future))
	assert.Equal(t, editable.PathRebuilt, trigger().Path)
	assert.Equal(t, 3, f.tool.Calls(driver.StageBuild))

	// Re-running the editable build resets the freshness signal
	_, err = f.backend.BuildEditable(ctx, f.cfg, out)
	require.NoError(t, err)
	assert.Equal(t, editable.PathRebuilt, trigger().Path)
}

func TestBuildEditable_ServesTopLevelInstalledModules(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(filepath.Join(f.src, "src")))
	f.tool.Files = map[string]string{
		"cmake_example.cpython-312-x86_64-linux-gnu.so": "binary",
		"extra/__init__.py":                             "",
	}
	out := t.TempDir()

	name, err := f.backend.BuildEditable(context.Background(), f.cfg, out)
	require.NoError(t, err)

	module := editable.ShimModule("demo-pkg")
	files := zipContents(t, filepath.Join(out, name))

	site := t.TempDir()
	writeFile(t, filepath.Join(site, module+".json"), string(files[module+".json"]))

	m, err := editable.LoadManifest(filepath.Join(site, module+".json"))
	require.NoError(t, err)
	assert.Empty(t, m.Packages)
	assert.Equal(t, []string{"cmake_example", "extra"}, m.Modules)
	assert.Contains(t, string(files[module+".py"]), `_MODULES = ["cmake_example","extra"]`)
}

func TestBuildWheel_FreshWaitsForLockAndKeepsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.backend.BuildWheel(ctx, f.cfg, t.TempDir())
	require.NoError(t, err)

	buildDir := filepath.Join(f.src, "build", "cp312-cp312-linux_x86_64")
	stale := filepath.Join(buildDir, "stale.o")
	writeFile(t, stale, "old")

	held := lock.New(buildDir)
	_, release, err := held.Acquire(ctx, lock.Policy{Mode: config.PolicyBlock})
	require.NoError(t, err)

	before, err := os.Stat(held.Path())
	require.NoError(t, err)

	fresh := *f.cfg
	fresh.Fresh = true

	done := make(chan error, 1)
	go func() {
		_, err := f.backend.BuildWheel(ctx, &fresh, t.TempDir())
		done <- err
	}()

	// Nothing is removed while another holder owns the directory
	time.Sleep(200 * time.Millisecond)
	assert.FileExists(t, stale)
	assert.Equal(t, 1, f.tool.Calls(driver.StageConfigure))

	release()
	require.NoError(t, <-done)

	assert.NoFileExists(t, stale)
	assert.Equal(t, 2, f.tool.Calls(driver.StageConfigure))

	after, err := os.Stat(held.Path())
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
}

func TestBuildEditable_UsesSeparateStateFromWheel(t *testing.T) {
	f := newFixture(t)
	f.cfg.BuildDirTemplate = "build/{state}"

	_, err := f.backend.BuildWheel(context.Background(), f.cfg, t.TempDir())
	require.NoError(t, err)

	_, err = f.backend.BuildEditable(context.Background(), f.cfg, t.TempDir())
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(f.src, "build", "wheel"))
	assert.DirExists(t, filepath.Join(f.src, "build", "editable"))
	assert.Equal(t, 2, f.tool.Calls(driver.StageConfigure))
}

func TestBuildSdist(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.src, "out", "stale"), "x")
	f.cfg.BuildDirTemplate = "out"
	dist := t.TempDir()

	name, err := f.backend.BuildSdist(context.Background(), f.cfg, dist)
	require.NoError(t, err)
	assert.Equal(t, "demo_pkg-0.1.0.tar.gz", name)
	assert.Equal(t, []string{name}, listDir(t, dist))
	assert.Empty(t, f.tool.Commands())
}

func TestBuildWheel_MissingProject(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.src, "pyproject.toml")))

	_, err := f.backend.BuildWheel(context.Background(), f.cfg, t.TempDir())
	require.Error(t, err)
	assert.Empty(t, f.tool.Commands())
}
