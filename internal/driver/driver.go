// Package driver runs the native build tool's configure, build and install
// steps as subprocesses against a resolved build directory.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/wheelforge/wheelforge/internal/builddir"
	"github.com/wheelforge/wheelforge/internal/cache"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/logging"
	"github.com/wheelforge/wheelforge/internal/utils"
)

// Stage names
const (
	StageConfigure = "configure"
	StageBuild     = "build"
	StageInstall   = "install"
)

// cacheFile marks a configured build directory
const cacheFile = "CMakeCache.txt"

// DefaultTailLines is how much output a BuildFailedError keeps
const DefaultTailLines = 50

// ErrNotConfigured is returned when build or install runs before a successful configure
var ErrNotConfigured = errors.New("build directory is not configured")

// Commander interface for testing
type Commander interface {
	Run() error
}

// Command is one native tool invocation
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Command) String() string {
	return c.Path + " " + shellquote.Join(c.Args...)
}

// SignatureStore persists the configure signature of a build directory
type SignatureStore interface {
	ConfigureSignature() (*cache.Signature, error)
	StoreConfigureSignature(sig cache.Signature) error
	ClearConfigureSignature() error
}

// Result describes one stage invocation
type Result struct {
	Stage    string
	Skipped  bool
	Commands []*Command
	Duration time.Duration
}

// Driver runs native build stages
type Driver struct {
	execCommand func(ctx context.Context, c *Command) Commander
	store       SignatureStore
	stdout      io.Writer
	stderr      io.Writer
	logger      *slog.Logger
	tailLines   int
	getenv      func(string) string
}

// Option configures a Driver
type Option func(*Driver)

// WithOutput sets where subprocess output is streamed
func WithOutput(stdout, stderr io.Writer) Option {
	return func(d *Driver) {
		d.stdout = stdout
		d.stderr = stderr
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithExec replaces subprocess creation
func WithExec(fn func(ctx context.Context, c *Command) Commander) Option {
	return func(d *Driver) {
		d.execCommand = fn
	}
}

// WithTailLines sets how many output lines a failure keeps
func WithTailLines(n int) Option {
	return func(d *Driver) {
		d.tailLines = n
	}
}

// WithEnv replaces environment lookups (CMAKE_ARGS)
func WithEnv(getenv func(string) string) Option {
	return func(d *Driver) {
		d.getenv = getenv
	}
}

// New creates a driver recording configure signatures in store
func New(store SignatureStore, opts ...Option) *Driver {
	d := &Driver{
		execCommand: execCommand,
		store:       store,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		tailLines:   DefaultTailLines,
		getenv:      os.Getenv,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = logging.Ensure(d.logger)

	return d
}

func execCommand(ctx context.Context, c *Command) Commander {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = 10 * time.Second

	return cmd
}

// Fingerprint returns the configuration fingerprint the driver compares against
func (d *Driver) Fingerprint(cfg *config.Config) (string, error) {
	extra, err := d.envArgs()
	if err != nil {
		return "", err
	}

	return cache.Fingerprint(cfg, extra...), nil
}

// Configure generates the native build system in dir.
// It is skipped when dir holds a configure signature matching the current fingerprint.
func (d *Driver) Configure(ctx context.Context, dir builddir.Directory, cfg *config.Config) (*Result, error) {
	start := time.Now()
	result := &Result{Stage: StageConfigure}

	extra, err := d.envArgs()
	if err != nil {
		return nil, err
	}

	fingerprint := cache.Fingerprint(cfg, extra...)

	sig, err := d.store.ConfigureSignature()
	if err != nil {
		return nil, fmt.Errorf("failed to read configure signature: %w", err)
	}

	if sig != nil && sig.Fingerprint == fingerprint && fileExists(filepath.Join(dir.Abs, cacheFile)) {
		d.logger.Info("reusing configured build directory", "dir", dir.Abs)
		result.Skipped = true
		result.Duration = time.Since(start)

		return result, nil
	}

	// A different generator or source tree cannot reuse the existing cache
	if sig != nil && (sig.Generator != cfg.Generator || sig.SourceRoot != cfg.SourceRoot) {
		d.logger.Info("generator or source changed, clearing native cache", "dir", dir.Abs)
		if err := clearNativeCache(dir.Abs); err != nil {
			return nil, err
		}
	}

	args := []string{"-S", cfg.SourceRoot, "-B", dir.Abs}
	if cfg.Generator != "" {
		args = append(args, "-G", cfg.Generator)
	}

	args = append(args, utils.FormatCacheVars(configureDefines(cfg))...)
	args = append(args, extra...)

	cmd := d.command(cfg, args)
	result.Commands = append(result.Commands, cmd)

	if err := d.run(ctx, StageConfigure, cmd); err != nil {
		// Never trust a half-written configuration
		if clearErr := d.store.ClearConfigureSignature(); clearErr != nil {
			d.logger.Warn("failed to clear configure signature", "err", clearErr)
		}

		return nil, err
	}

	err = d.store.StoreConfigureSignature(cache.Signature{
		Fingerprint: fingerprint,
		Generator:   cfg.Generator,
		SourceRoot:  cfg.SourceRoot,
	})
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)

	return result, nil
}

// Build compiles the configured project in dir
func (d *Driver) Build(ctx context.Context, dir builddir.Directory, cfg *config.Config) (*Result, error) {
	if err := requireConfigured(dir); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{Stage: StageBuild}

	args := []string{"--build", dir.Abs}
	if cfg.BuildType != "" {
		args = append(args, "--config", cfg.BuildType)
	}

	if cfg.Parallel > 0 {
		args = append(args, "--parallel", strconv.Itoa(cfg.Parallel))
	}

	if len(cfg.Targets) > 0 {
		args = append(args, "--target")
		args = append(args, cfg.Targets...)
	}

	if cfg.Verbose {
		args = append(args, "--verbose")
	}

	cmd := d.command(cfg, args)
	result.Commands = append(result.Commands, cmd)

	if err := d.run(ctx, StageBuild, cmd); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)

	return result, nil
}

// Install copies build outputs from dir into destination.
// Components, when configured, are installed one invocation each.
func (d *Driver) Install(ctx context.Context, dir builddir.Directory, destination string, cfg *config.Config) (*Result, error) {
	if err := requireConfigured(dir); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create install destination: %w", err)
	}

	start := time.Now()
	result := &Result{Stage: StageInstall}

	components := cfg.Components
	if len(components) == 0 {
		components = []string{""}
	}

	for _, component := range components {
		args := []string{"--install", dir.Abs, "--prefix", destination}
		if cfg.BuildType != "" {
			args = append(args, "--config", cfg.BuildType)
		}

		if component != "" {
			args = append(args, "--component", component)
		}

		cmd := d.command(cfg, args)
		result.Commands = append(result.Commands, cmd)

		if err := d.run(ctx, StageInstall, cmd); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)

	return result, nil
}

// Run executes configure, build and install in order, stopping at the first failure
func (d *Driver) Run(ctx context.Context, dir builddir.Directory, destination string, cfg *config.Config) ([]*Result, error) {
	var results []*Result

	configured, err := d.Configure(ctx, dir, cfg)
	if err != nil {
		return results, err
	}

	results = append(results, configured)

	built, err := d.Build(ctx, dir, cfg)
	if err != nil {
		return results, err
	}

	results = append(results, built)

	installed, err := d.Install(ctx, dir, destination, cfg)
	if err != nil {
		return results, err
	}

	return append(results, installed), nil
}

func (d *Driver) command(cfg *config.Config, args []string) *Command {
	return &Command{
		Path: cfg.CMakePath,
		Args: args,
		Dir:  cfg.SourceRoot,
		Env:  os.Environ(),
	}
}

// run streams a command's output live while keeping a tail for failures
func (d *Driver) run(ctx context.Context, stage string, cmd *Command) error {
	tail := newTailWriter(d.tailLines)
	cmd.Stdout = io.MultiWriter(d.stdout, tail)
	cmd.Stderr = io.MultiWriter(d.stderr, tail)

	d.logger.Info("running "+stage, "command", cmd.String())

	err := d.execCommand(ctx, cmd).Run()
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s stage interrupted: %w", stage, ctxErr)
	}

	exitCode := -1

	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		exitCode = coder.ExitCode()
	}

	failure := &BuildFailedError{
		Stage:    stage,
		ExitCode: exitCode,
		Tail:     tail.Lines(),
		Err:      err,
	}

	d.logger.Error(stage+" failed", "exit_code", exitCode, "reason", failure.Reason())

	return failure
}

// envArgs returns extra configure arguments from the CMAKE_ARGS environment variable
func (d *Driver) envArgs() ([]string, error) {
	raw := strings.TrimSpace(d.getenv("CMAKE_ARGS"))
	if raw == "" {
		return nil, nil
	}

	args, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid CMAKE_ARGS: %w", err)
	}

	return args, nil
}

// configureDefines returns the overrides plus the variables wheelforge always sets
func configureDefines(cfg *config.Config) map[string]utils.CacheVar {
	defines := cfg.Overrides()
	if defines == nil {
		defines = make(map[string]utils.CacheVar)
	}

	setDefault := func(key string, v utils.CacheVar) {
		if _, ok := defines[key]; !ok {
			defines[key] = v
		}
	}

	if cfg.BuildType != "" {
		setDefault("CMAKE_BUILD_TYPE", utils.CacheVar{Type: "STRING", Value: cfg.BuildType})
	}

	if cfg.Toolchain != "" {
		setDefault("CMAKE_TOOLCHAIN_FILE", utils.CacheVar{Type: "FILEPATH", Value: cfg.Toolchain})
	}

	if cfg.Python != "" {
		setDefault("Python_EXECUTABLE", utils.CacheVar{Type: "FILEPATH", Value: cfg.Python})
	}

	setDefault("WHEELFORGE", utils.CacheVar{Type: "BOOL", Value: "ON"})

	return defines
}

func requireConfigured(dir builddir.Directory) error {
	if !fileExists(filepath.Join(dir.Abs, cacheFile)) {
		return fmt.Errorf("%w: %s", ErrNotConfigured, dir.Abs)
	}

	return nil
}

// clearNativeCache removes the native tool's cache so a new generator can be used
func clearNativeCache(dir string) error {
	for _, name := range []string{cacheFile, "CMakeFiles"} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
