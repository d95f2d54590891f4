package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wheelforge/wheelforge/internal/backend"
	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/driver"
	"github.com/wheelforge/wheelforge/internal/logging"
	"github.com/wheelforge/wheelforge/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "wheelforge",
	Short: "Native-extension build backend for Python packages",
	Long: `wheelforge builds wheels, sdists and editable installs for Python projects
whose extensions are described by a CMake project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newBackend is swapped in tests.
// Native tool output goes to stderr so stdout carries only the hook result.
var newBackend = func(logger *slog.Logger) *backend.Backend {
	return backend.New(
		backend.WithLogger(logger),
		backend.WithDriverOptions(driver.WithOutput(stderr, stderr)),
	)
}

// stderr receives log output
var stderr io.Writer = os.Stderr

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "wheelforge:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode forwards the native tool's status when a build stage failed
func exitCode(err error) int {
	var failed *driver.BuildFailedError
	if errors.As(err, &failed) && failed.ExitCode > 0 && failed.ExitCode < 256 {
		return failed.ExitCode
	}

	if errors.Is(err, context.Canceled) {
		return 130
	}

	return 1
}

func init() {
	rootCmd.Version = version.String()

	flags := rootCmd.PersistentFlags()
	flags.StringP("source-dir", "S", ".", "Project source directory")
	flags.StringArrayP("config-setting", "C", nil, "Config setting as key=value (repeatable)")
	flags.StringP("build-dir", "B", "", "Build directory template (placeholders: {wheel_tag}, {cache_tag}, {state_hash}, {build_type}, {state})")
	flags.Bool("fresh", false, "Remove the build directory before building")
	flags.StringP("generator", "G", "", "CMake generator")
	flags.String("build-type", "", "CMake build type")
	flags.String("cmake", "", "CMake executable")
	flags.StringSliceP("define", "D", nil, "CMake cache variable as KEY[:TYPE]=VALUE (repeatable)")
	flags.String("python", "", "Target Python interpreter")
	flags.String("rebuild-policy", "", "Editable rebuild lock policy: block or skip-if-locked")
	flags.Duration("lock-timeout", 0, "Maximum time to wait for the rebuild lock (0 waits forever)")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.String("log-format", "", "Log format: cli or json")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		buildWheelCmd,
		buildSdistCmd,
		buildEditableCmd,
		getRequiresCmd,
		rebuildCmd,
		tagCmd,
	)
}

// loadConfig builds the configuration for the command and a logger configured from it
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	sourceDir, err := cmd.Flags().GetString("source-dir")
	if err != nil {
		return nil, nil, err
	}

	raw, err := cmd.Flags().GetStringArray("config-setting")
	if err != nil {
		return nil, nil, err
	}

	settings, err := config.ParseConfigSettings(raw)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.NewLoader().LoadForBuild(cmd, sourceDir, settings)
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

func newLogger(format, level string, verbose bool) (*slog.Logger, error) {
	lvl := slog.LevelInfo

	if level != "" {
		parsed, err := logging.ParseLevel(level)
		if err != nil {
			return nil, err
		}

		lvl = parsed
	}

	if verbose && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}

	switch logging.Format(format) {
	case logging.FormatCLI, logging.FormatJSON:
	case "":
		format = string(logging.FormatCLI)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return logging.New(logging.Format(format), stderr, lvl), nil
}

func outputDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}

	return "dist"
}
