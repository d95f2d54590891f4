// Package backend implements the build-backend hooks on top of the tag
// calculator, build directory resolver, native build driver and packagers.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wheelforge/wheelforge/internal/builddir"
	"github.com/wheelforge/wheelforge/internal/cache"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/driver"
	"github.com/wheelforge/wheelforge/internal/editable"
	"github.com/wheelforge/wheelforge/internal/lock"
	"github.com/wheelforge/wheelforge/internal/logging"
	"github.com/wheelforge/wheelforge/internal/project"
	"github.com/wheelforge/wheelforge/internal/tags"
	"github.com/wheelforge/wheelforge/internal/wheel"
)

// EditableInstallDir is the install tree of editable builds inside the build directory
const EditableInstallDir = "wheelforge-install"

// Backend runs the hook operations
type Backend struct {
	probe      func(ctx context.Context, python string) (tags.HostInfo, error)
	executable func() (string, error)
	driverOpts []driver.Option
	logger     *slog.Logger
}

// Option configures a Backend
type Option func(*Backend)

// WithProbe replaces interpreter introspection
func WithProbe(probe func(ctx context.Context, python string) (tags.HostInfo, error)) Option {
	return func(b *Backend) {
		b.probe = probe
	}
}

// WithExecutable sets how the rebuild command is located for editable installs
func WithExecutable(fn func() (string, error)) Option {
	return func(b *Backend) {
		b.executable = fn
	}
}

// WithDriverOptions passes options to every native build driver
func WithDriverOptions(opts ...driver.Option) Option {
	return func(b *Backend) {
		b.driverOpts = append(b.driverOpts, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a backend
func New(opts ...Option) *Backend {
	b := &Backend{
		probe:      tags.Probe,
		executable: os.Executable,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = logging.Ensure(b.logger)

	return b
}

// Tag computes the compatibility tag and cache tag for cfg
func (b *Backend) Tag(ctx context.Context, cfg *config.Config) (tags.CompatibilityTag, string, error) {
	host, err := b.probe(ctx, cfg.Python)
	if err != nil {
		return tags.CompatibilityTag{}, "", err
	}

	host.Pure = cfg.Pure()
	if strings.HasPrefix(cfg.PyAPI, "cp") {
		host.LimitedAPI = cfg.PyAPI
	}

	if cfg.PlatformTag != "" {
		host.PlatformOverride = cfg.PlatformTag
	}

	tag, err := tags.ComputeTag(host)
	if err != nil {
		return tags.CompatibilityTag{}, "", err
	}

	return tag, tags.CacheTag(host), nil
}

// GetRequiresForBuildWheel lists build prerequisites missing from the host
func (b *Backend) GetRequiresForBuildWheel(ctx context.Context, cfg *config.Config) ([]string, error) {
	return driver.New(nil, b.driverOptions()...).Requires(ctx, cfg)
}

// GetRequiresForBuildEditable lists build prerequisites for an editable build
func (b *Backend) GetRequiresForBuildEditable(ctx context.Context, cfg *config.Config) ([]string, error) {
	return b.GetRequiresForBuildWheel(ctx, cfg.WithEditable(true))
}

// BuildWheel builds the project and writes one wheel into outputDir
func (b *Backend) BuildWheel(ctx context.Context, cfg *config.Config, outputDir string) (string, error) {
	cfg = cfg.WithEditable(false)

	proj, err := project.Load(cfg.SourceRoot)
	if err != nil {
		return "", err
	}

	tag, dir, err := b.prepare(ctx, cfg)
	if err != nil {
		return "", err
	}

	staging := ""

	err = b.withBuildDir(ctx, cfg, dir, func(drv *driver.Driver) error {
		var err error

		staging, err = os.MkdirTemp(filepath.Join(dir.Abs, cache.StateDir), "install-")
		if err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}

		_, err = drv.Run(ctx, dir, staging, cfg)

		return err
	})
	if staging != "" {
		defer os.RemoveAll(staging)
	}

	if err != nil {
		return "", err
	}

	w := wheel.NewWriter(wheel.FromProject(proj.Project), tag, b.logger)

	for _, pkg := range packages(cfg, proj.Project) {
		if err := w.AddTree(pkg, filepath.Base(pkg)); err != nil {
			return "", fmt.Errorf("failed to add package %s: %w", pkg, err)
		}
	}

	if err := w.AddTree(staging, ""); err != nil {
		return "", fmt.Errorf("failed to add install tree: %w", err)
	}

	return w.Write(outputDir)
}

// BuildEditable builds the project once and writes an editable wheel into outputDir.
// The wheel carries the rebuild shim instead of the package contents.
func (b *Backend) BuildEditable(ctx context.Context, cfg *config.Config, outputDir string) (string, error) {
	cfg = cfg.WithEditable(true)

	proj, err := project.Load(cfg.SourceRoot)
	if err != nil {
		return "", err
	}

	if len(cfg.Packages) == 0 {
		cfg.Packages = packages(cfg, proj.Project)
	}

	tag, dir, err := b.prepare(ctx, cfg)
	if err != nil {
		return "", err
	}

	exe, err := b.executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate rebuild command: %w", err)
	}

	destination := filepath.Join(dir.Abs, EditableInstallDir)

	manifest, err := editable.NewManifest(cfg, dir, destination, []string{exe, "rebuild"})
	if err != nil {
		return "", err
	}

	err = b.withBuildDir(ctx, cfg, dir, func(drv *driver.Driver) error {
		_, err := drv.Run(ctx, dir, destination, cfg)
		return err
	})
	if err != nil {
		return "", err
	}

	// Modules installed at the top of the tree are served by the shim as well
	if err := manifest.RecordInstalled(); err != nil {
		return "", err
	}

	gen, err := editable.Generate(manifest, proj.Project.Name)
	if err != nil {
		return "", err
	}

	w := wheel.NewWriter(wheel.FromProject(proj.Project), tag, b.logger)
	for _, f := range gen.Files {
		w.AddFile(f.Name, f.Data)
	}

	return w.Write(outputDir)
}

// BuildSdist writes one source archive into outputDir
func (b *Backend) BuildSdist(_ context.Context, cfg *config.Config, outputDir string) (string, error) {
	proj, err := project.Load(cfg.SourceRoot)
	if err != nil {
		return "", err
	}

	var exclude []string

	// A literal build directory inside the source tree is never shipped
	if path, literal, err := builddir.Expand(cfg.BuildDirTemplate, nil); err == nil && literal && path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.SourceRoot, path)
		}

		exclude = append(exclude, filepath.Clean(path))
	}

	return wheel.WriteSdist(outputDir, cfg.SourceRoot, wheel.FromProject(proj.Project), exclude...)
}

// prepare computes the tag and resolves the build directory before any subprocess runs
func (b *Backend) prepare(ctx context.Context, cfg *config.Config) (tags.CompatibilityTag, builddir.Directory, error) {
	tag, cacheTag, err := b.Tag(ctx, cfg)
	if err != nil {
		return tags.CompatibilityTag{}, builddir.Directory{}, err
	}

	dir, err := builddir.Resolve(cfg, tag, cacheTag)
	if err != nil {
		return tags.CompatibilityTag{}, builddir.Directory{}, err
	}

	b.logger.Info("using build directory", "dir", dir.Abs, "tag", tag.String(), "mode", cfg.Mode())

	return tag, dir, nil
}

// withBuildDir runs fn holding the build directory's rebuild lock and state store.
// A fresh build wipes the directory only once the lock is held.
func (b *Backend) withBuildDir(ctx context.Context, cfg *config.Config, dir builddir.Directory, fn func(drv *driver.Driver) error) error {
	_, release, err := lock.New(dir.Abs).Acquire(ctx, lock.Policy{Mode: config.PolicyBlock, Timeout: cfg.LockTimeout})
	if err != nil {
		return err
	}
	defer release()

	if cfg.Fresh {
		b.logger.Info("removing previous build state", "dir", dir.Abs)

		// The state directory holds the lock file we are holding
		if err := builddir.Clean(dir.Abs, cfg.SourceRoot, cache.StateDir); err != nil {
			return err
		}
	}

	store, err := cache.New(dir.Abs)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Fresh {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to reset build state: %w", err)
		}
	}

	if cfg.Editable {
		// A regenerated install always rebuilds on its first import
		if err := store.ClearRebuildRecord(filepath.Join(dir.Abs, EditableInstallDir)); err != nil {
			return err
		}
	}

	return fn(driver.New(store, b.driverOptions()...))
}

func (b *Backend) driverOptions() []driver.Option {
	return append([]driver.Option{driver.WithLogger(b.logger)}, b.driverOpts...)
}

// packages returns the absolute source package directories to ship.
// Without configuration the import package named after the project is
// looked up under src/ and then at the source root.
func packages(cfg *config.Config, proj project.Project) []string {
	if len(cfg.Packages) > 0 {
		out := make([]string, 0, len(cfg.Packages))
		for _, p := range cfg.Packages {
			if !filepath.IsAbs(p) {
				p = filepath.Join(cfg.SourceRoot, p)
			}

			out = append(out, filepath.Clean(p))
		}

		return out
	}

	name := project.FilenameName(proj.Name)

	for _, candidate := range []string{filepath.Join(cfg.SourceRoot, "src", name), filepath.Join(cfg.SourceRoot, name)} {
		if _, err := os.Stat(filepath.Join(candidate, "__init__.py")); err == nil {
			return []string{candidate}
		}
	}

	return nil
}
