package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	assert.NotNil(t, loader)
}

func TestLoader_SetupViperDefaults(t *testing.T) {
	viper.Reset()
	loader := NewLoader()
	loader.setupViperDefaults()

	assert.Equal(t, DefaultCMakePath, viper.GetString("cmake.executable"))
	assert.Equal(t, DefaultBuildDirTemplate, viper.GetString("build-dir"))
	assert.Equal(t, PolicyBlock, viper.GetString("editable.rebuild-policy"))
	assert.Equal(t, false, viper.GetBool("verbose"))
}

func TestLoader_LoadGlobalConfig(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("loads yaml config", func(t *testing.T) {
		viper.Reset()
		t.Setenv(EnvPrefix+"_CONFIG_DIR", tempDir)

		configPath := filepath.Join(tempDir, "config.yml")
		configContent := `cmake:
  generator: Ninja
verbose: true`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))
		defer os.Remove(configPath)

		loader := NewLoader()
		loader.loadGlobalConfig()

		assert.Equal(t, "Ninja", viper.GetString("cmake.generator"))
		assert.Equal(t, true, viper.GetBool("verbose"))
	})

	t.Run("loads toml config", func(t *testing.T) {
		viper.Reset()
		t.Setenv(EnvPrefix+"_CONFIG_DIR", tempDir)

		configPath := filepath.Join(tempDir, "config.toml")
		configContent := `build-dir = "out/{wheel_tag}"

[cmake]
build-type = "Debug"
`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))
		defer os.Remove(configPath)

		loader := NewLoader()
		loader.loadGlobalConfig()

		assert.Equal(t, "out/{wheel_tag}", viper.GetString("build-dir"))
		assert.Equal(t, "Debug", viper.GetString("cmake.build-type"))
	})

	t.Run("handles missing config dir gracefully", func(t *testing.T) {
		viper.Reset()
		t.Setenv(EnvPrefix+"_CONFIG_DIR", filepath.Join(tempDir, "missing"))

		loader := NewLoader()
		assert.NotPanics(t, func() {
			loader.loadGlobalConfig()
		})
	})
}

func TestLoader_LoadLocalConfig(t *testing.T) {
	t.Run("walks up directory tree to find config", func(t *testing.T) {
		viper.Reset()

		tempDir := t.TempDir()
		subDir := filepath.Join(tempDir, "subdir", "nested")
		require.NoError(t, os.MkdirAll(subDir, 0o755))

		configPath := filepath.Join(tempDir, ".wheelforge.yml")
		require.NoError(t, os.WriteFile(configPath, []byte(`build-dir: "shared/{wheel_tag}"`), 0o644))

		loader := NewLoader()
		loader.loadLocalConfig(subDir)

		assert.Equal(t, "shared/{wheel_tag}", viper.GetString("build-dir"))
	})

	t.Run("handles empty source dir", func(t *testing.T) {
		viper.Reset()

		loader := NewLoader()
		assert.NotPanics(t, func() {
			loader.loadLocalConfig("")
		})
	})
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	outer := filepath.Join(root, ".wheelforge.yml")
	require.NoError(t, os.WriteFile(outer, []byte("build-dir: out"), 0o644))

	project := filepath.Join(root, "project")
	nested := filepath.Join(project, "src", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	// Without a project root the walk reaches the parent directory
	assert.Equal(t, outer, findLocalConfig(nested))

	// A pyproject.toml bounds the walk
	require.NoError(t, os.WriteFile(filepath.Join(project, "pyproject.toml"), []byte("[project]\n"), 0o644))
	assert.Equal(t, "", findLocalConfig(nested))

	// A config next to the pyproject.toml is still found
	local := filepath.Join(project, ".wheelforge.toml")
	require.NoError(t, os.WriteFile(local, []byte(`build-dir = "x"`), 0o644))
	assert.Equal(t, local, findLocalConfig(nested))
	assert.Equal(t, local, findLocalConfig(project))
}

func TestLoader_BindCommandFlags(t *testing.T) {
	viper.Reset()

	cmd := &cobra.Command{}
	cmd.Flags().String("generator", "", "Generator")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	cmd.Flags().String("rebuild-policy", "", "Rebuild policy")

	require.NoError(t, cmd.Flags().Set("generator", "Ninja"))
	require.NoError(t, cmd.Flags().Set("verbose", "true"))
	require.NoError(t, cmd.Flags().Set("rebuild-policy", PolicySkipIfLocked))

	loader := NewLoader()
	loader.bindCommandFlags(cmd)

	assert.Equal(t, "Ninja", viper.GetString("cmake.generator"))
	assert.Equal(t, true, viper.GetBool("verbose"))
	assert.Equal(t, PolicySkipIfLocked, viper.GetString("editable.rebuild-policy"))
}

func TestLoader_LoadForBuild_Integration(t *testing.T) {
	t.Run("settings override flags override local override global", func(t *testing.T) {
		viper.Reset()

		globalDir := t.TempDir()
		t.Setenv(EnvPrefix+"_CONFIG_DIR", globalDir)
		globalContent := `cmake:
  generator: Unix Makefiles
  build-type: Debug
verbose: false`
		require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.yml"), []byte(globalContent), 0o644))

		sourceDir := t.TempDir()
		localContent := `cmake:
  build-type: RelWithDebInfo
verbose: true`
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, ".wheelforge.yml"), []byte(localContent), 0o644))

		cmd := &cobra.Command{}
		cmd.Flags().String("generator", "", "Generator")
		cmd.Flags().String("build-dir", "", "Build dir")
		require.NoError(t, cmd.Flags().Set("generator", "Ninja"))
		require.NoError(t, cmd.Flags().Set("build-dir", "from-flag"))

		loader := NewLoader()
		cfg, err := loader.LoadForBuild(cmd, sourceDir, map[string]string{
			"build-dir":      "from-settings/{wheel_tag}",
			"cmake.define.X": "1",
		})
		require.NoError(t, err)

		assert.Equal(t, sourceDir, cfg.SourceRoot)
		assert.Equal(t, "from-settings/{wheel_tag}", cfg.BuildDirTemplate)
		assert.Equal(t, "Ninja", cfg.Generator)
		assert.Equal(t, "RelWithDebInfo", cfg.BuildType)
		assert.True(t, cfg.Verbose)
		assert.Equal(t, "1", cfg.Defines["X"].Value)
	})
}

func TestLoader_LoadProjectConfig(t *testing.T) {
	t.Run("pyproject table sits below local config", func(t *testing.T) {
		viper.Reset()
		t.Setenv(EnvPrefix+"_CONFIG_DIR", filepath.Join(t.TempDir(), "none"))

		sourceDir := t.TempDir()
		pyproject := `[project]
name = "demo"
version = "1.0"

[tool.wheelforge]
build-dir = "pyproject/{wheel_tag}"

[tool.wheelforge.cmake]
generator = "Ninja"
build-type = "Debug"
`
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "pyproject.toml"), []byte(pyproject), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, ".wheelforge.yml"), []byte("cmake:\n  build-type: MinSizeRel\n"), 0o644))

		cfg, err := NewLoader().LoadForBuild(nil, sourceDir, nil)
		require.NoError(t, err)

		assert.Equal(t, "pyproject/{wheel_tag}", cfg.BuildDirTemplate)
		assert.Equal(t, "Ninja", cfg.Generator)
		assert.Equal(t, "MinSizeRel", cfg.BuildType)
	})

	t.Run("malformed pyproject is an error", func(t *testing.T) {
		viper.Reset()

		sourceDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "pyproject.toml"), []byte("[tool\n"), 0o644))

		_, err := NewLoader().LoadForBuild(nil, sourceDir, nil)
		require.Error(t, err)
	})
}
