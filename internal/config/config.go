package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/spf13/viper"

	"github.com/wheelforge/wheelforge/internal/utils"
)

// Default configuration values
const (
	DefaultCMakePath        = "cmake"
	DefaultBuildType        = "Release"
	DefaultBuildDirTemplate = "build/{wheel_tag}"
	DefaultMinimumCMake     = "3.15"
	DefaultRebuildPolicy    = PolicyBlock
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "cli"
)

// Rebuild lock policies for editable installs
const (
	PolicyBlock        = "block"
	PolicySkipIfLocked = "skip-if-locked"
)

// Config is the BuildConfiguration snapshot for one invocation.
// It is created once by Load and must be treated as read-only afterwards.
type Config struct {
	// Absolute path to the project source tree
	SourceRoot string

	// Native build tool executable
	CMakePath string
	// Minimum native tool version reported by get-requires
	MinimumCMake string

	// Generator and toolchain hints
	Generator string
	Toolchain string
	BuildType string

	// Cache-variable overrides passed to configure
	Defines map[string]utils.CacheVar

	// Build directory template, may contain placeholders
	BuildDirTemplate string
	// Remove the build directory before use
	Fresh bool

	// Build and install selection
	Targets    []string
	Components []string
	Parallel   int

	// Interpreter used for host introspection
	Python string
	// "" for a compiled extension with the full ABI, "py3" for pure, "cpXY" for the limited API
	PyAPI string
	// Explicit platform tag override
	PlatformTag string

	// Python package directories shipped alongside the install tree
	Packages []string

	// Editable install
	Editable      bool
	RebuildPolicy string
	LockTimeout   time.Duration
	RebuildInputs []string

	// Logging
	Verbose   bool
	LogLevel  string
	LogFormat string
}

// Load builds a Config from the current viper state
func Load() (*Config, error) {
	defines, err := utils.ParseCacheVars(viper.GetStringSlice("cmake.define"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SourceRoot:       viper.GetString("source-dir"),
		CMakePath:        viper.GetString("cmake.executable"),
		MinimumCMake:     viper.GetString("cmake.minimum-version"),
		Generator:        viper.GetString("cmake.generator"),
		Toolchain:        viper.GetString("cmake.toolchain"),
		BuildType:        viper.GetString("cmake.build-type"),
		Defines:          defines,
		BuildDirTemplate: viper.GetString("build-dir"),
		Fresh:            viper.GetBool("fresh"),
		Targets:          viper.GetStringSlice("build.targets"),
		Components:       viper.GetStringSlice("install.components"),
		Parallel:         viper.GetInt("build.parallel"),
		Python:           viper.GetString("python"),
		PyAPI:            viper.GetString("wheel.py-api"),
		PlatformTag:      viper.GetString("wheel.platform"),
		Packages:         viper.GetStringSlice("wheel.packages"),
		Editable:         viper.GetBool("editable.enabled"),
		RebuildPolicy:    viper.GetString("editable.rebuild-policy"),
		LockTimeout:      viper.GetDuration("editable.lock-timeout"),
		RebuildInputs:    viper.GetStringSlice("editable.rebuild-inputs"),
		Verbose:          viper.GetBool("verbose"),
		LogLevel:         viper.GetString("logging.level"),
		LogFormat:        viper.GetString("logging.format"),
	}

	// Apply defaults if not set
	if cfg.CMakePath == "" {
		cfg.CMakePath = DefaultCMakePath
	}

	if cfg.MinimumCMake == "" {
		cfg.MinimumCMake = DefaultMinimumCMake
	}

	if cfg.BuildType == "" {
		cfg.BuildType = DefaultBuildType
	}

	if cfg.BuildDirTemplate == "" {
		cfg.BuildDirTemplate = DefaultBuildDirTemplate
	}

	if cfg.Python == "" {
		cfg.Python = DefaultPython()
	}

	if cfg.RebuildPolicy == "" {
		cfg.RebuildPolicy = DefaultRebuildPolicy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPython returns the interpreter name used when none is configured
func DefaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}

	return "python3"
}

func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		c.SourceRoot = "."
	}

	abs, err := filepath.Abs(c.SourceRoot)
	if err != nil {
		return fmt.Errorf("invalid source directory: %v", err)
	}

	c.SourceRoot = abs

	if !isValidPolicy(c.RebuildPolicy) {
		return fmt.Errorf("invalid rebuild policy: %q (want %q or %q)", c.RebuildPolicy, PolicyBlock, PolicySkipIfLocked)
	}

	if c.Parallel < 0 {
		return fmt.Errorf("invalid parallel level: %d", c.Parallel)
	}

	if c.LockTimeout < 0 {
		return fmt.Errorf("invalid lock timeout: %s", c.LockTimeout)
	}

	if !isValidPyAPI(c.PyAPI) {
		return fmt.Errorf("invalid wheel.py-api: %q", c.PyAPI)
	}

	return nil
}

// Overrides returns a copy of the cache-variable overrides
func (c *Config) Overrides() map[string]utils.CacheVar {
	return maps.Clone(c.Defines)
}

// Pure reports whether the wheel carries no compiled extension
func (c *Config) Pure() bool {
	return c.PyAPI == "py3" || c.PyAPI == "py2.py3"
}

// Mode returns the build mode used for the {state} placeholder
func (c *Config) Mode() string {
	if c.Editable {
		return "editable"
	}

	return "wheel"
}

// WithEditable returns a copy of the configuration with the editable flag set
func (c *Config) WithEditable(editable bool) *Config {
	cp := *c
	cp.Defines = maps.Clone(c.Defines)
	cp.Targets = slices.Clone(c.Targets)
	cp.Components = slices.Clone(c.Components)
	cp.Packages = slices.Clone(c.Packages)
	cp.RebuildInputs = slices.Clone(c.RebuildInputs)
	cp.Editable = editable

	return &cp
}

func isValidPolicy(policy string) bool {
	return policy == PolicyBlock || policy == PolicySkipIfLocked
}

func isValidPyAPI(api string) bool {
	switch {
	case api == "", api == "py3", api == "py2.py3":
		return true
	case len(api) > 3 && api[:2] == "cp":
		for _, r := range api[2:] {
			if r < '0' || r > '9' {
				return false
			}
		}

		return true
	}

	return false
}
