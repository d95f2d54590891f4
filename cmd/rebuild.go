package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wheelforge/wheelforge/internal/driver"
	"github.com/wheelforge/wheelforge/internal/editable"
)

// triggerOptions is swapped in tests
var triggerOptions []driver.Option

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <manifest>",
	Short: "Rebuild an editable install if its sources changed",
	Long: `Run the import-time rebuild of an editable install. This is invoked by the
generated import shim with the path of its rebuild manifest. The manifest is
self-contained: no configuration files are consulted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		format, _ := flags.GetString("log-format")
		level, _ := flags.GetString("log-level")
		verbose, _ := flags.GetBool("verbose")

		logger, err := newLogger(format, level, verbose)
		if err != nil {
			return err
		}

		outcome, err := editable.Trigger(cmd.Context(), args[0], editable.Options{
			Logger:        logger,
			DriverOptions: triggerOptions,
		})
		if err != nil {
			return err
		}

		logger.Debug("editable trigger finished", "path", string(outcome.Path), "signal", outcome.Signal)

		return nil
	},
}
