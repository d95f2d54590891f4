package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wheelforge/wheelforge/internal/project"
)

// EnvPrefix prefixes environment variable overrides (WHEELFORGE_BUILD_DIR, ...)
const EnvPrefix = "WHEELFORGE"

// LocalConfigName is the base name of per-project configuration files
const LocalConfigName = ".wheelforge"

var configExts = []string{"yml", "yaml", "json", "toml"}

// flagKeys maps command flag names to configuration keys
var flagKeys = map[string]string{
	"build-dir":      "build-dir",
	"fresh":          "fresh",
	"generator":      "cmake.generator",
	"build-type":     "cmake.build-type",
	"cmake":          "cmake.executable",
	"define":         "cmake.define",
	"python":         "python",
	"rebuild-policy": "editable.rebuild-policy",
	"lock-timeout":   "editable.lock-timeout",
	"verbose":        "verbose",
	"log-format":     "logging.format",
	"log-level":      "logging.level",
}

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadForBuild loads configuration for a build rooted at sourceDir.
// Precedence, highest first: config-settings, flags, environment, local config,
// [tool.wheelforge] in pyproject.toml, global config, defaults.
func (l *Loader) LoadForBuild(cmd *cobra.Command, sourceDir string, settings map[string]string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()

	if err := l.loadProjectConfig(sourceDir); err != nil {
		return nil, err
	}

	l.loadLocalConfig(sourceDir)
	l.bindEnv()

	if cmd != nil {
		l.bindCommandFlags(cmd)
	}

	l.applySettings(settings)
	viper.Set("source-dir", sourceDir)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cmake.executable", DefaultCMakePath)
	viper.SetDefault("cmake.build-type", DefaultBuildType)
	viper.SetDefault("cmake.minimum-version", DefaultMinimumCMake)
	viper.SetDefault("build-dir", DefaultBuildDirTemplate)
	viper.SetDefault("editable.rebuild-policy", DefaultRebuildPolicy)
	viper.SetDefault("logging.level", DefaultLogLevel)
	viper.SetDefault("logging.format", DefaultLogFormat)
	viper.SetDefault("verbose", false)
}

// globalConfigDir returns the directory holding the user-wide configuration
func globalConfigDir() string {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(base, "wheelforge")
}

// loadGlobalConfig loads global configuration from the user config directory
func (l *Loader) loadGlobalConfig() {
	globalDir := globalConfigDir()
	if globalDir == "" {
		return
	}

	for _, ext := range configExts {
		globalPath := filepath.Join(globalDir, "config."+ext)

		if _, err := os.Stat(globalPath); err == nil {
			viper.SetConfigFile(globalPath)

			if err := viper.MergeInConfig(); err == nil {
				break
			}
		}
	}
}

// loadProjectConfig merges the [tool.wheelforge] table of pyproject.toml
func (l *Loader) loadProjectConfig(sourceDir string) error {
	if sourceDir == "" {
		return nil
	}

	settings, err := project.Settings(sourceDir)
	if err != nil {
		return err
	}

	if len(settings) == 0 {
		return nil
	}

	return viper.MergeConfigMap(settings)
}

// loadLocalConfig loads local configuration from the project directory or its parents
func (l *Loader) loadLocalConfig(sourceDir string) {
	if sourceDir == "" {
		return
	}

	dir, err := filepath.Abs(sourceDir)
	if err != nil {
		return // silently ignore, config.Load() will handle validation
	}

	localPath := findLocalConfig(dir)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// findLocalConfig walks up from dir to the first local config file. The walk
// ends at the project root, the first directory holding pyproject.toml, so a
// nested project never picks up its parent project's settings.
func findLocalConfig(dir string) string {
	for {
		for _, ext := range configExts {
			path := filepath.Join(dir, LocalConfigName+"."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		if _, err := os.Stat(filepath.Join(dir, project.FileName)); err == nil {
			return ""
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}

		dir = parent
	}
}

// bindEnv enables WHEELFORGE_* environment overrides
func (l *Loader) bindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			_ = viper.BindPFlag(key, flag)
		}
	}
}

// applySettings applies frontend config-settings on top of everything else
func (l *Loader) applySettings(settings map[string]string) {
	for key, value := range settingValues(settings) {
		viper.Set(key, value)
	}
}
