package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildWheelCmd = &cobra.Command{
	Use:   "build-wheel [output-dir]",
	Short: "Build a wheel",
	Long:  `Configure, build and install the native project, then package it with the Python sources into one wheel.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		name, err := newBackend(logger).BuildWheel(cmd.Context(), cfg, outputDir(args))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), name)

		return nil
	},
}

var buildSdistCmd = &cobra.Command{
	Use:   "build-sdist [output-dir]",
	Short: "Build a source distribution",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		name, err := newBackend(logger).BuildSdist(cmd.Context(), cfg, outputDir(args))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), name)

		return nil
	},
}

var buildEditableCmd = &cobra.Command{
	Use:   "build-editable [output-dir]",
	Short: "Build an editable wheel",
	Long: `Build the native project once and write a wheel that installs an import shim.
The shim rebuilds the project when its sources change, the next time the package is imported.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		name, err := newBackend(logger).BuildEditable(cmd.Context(), cfg, outputDir(args))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), name)

		return nil
	},
}

var getRequiresCmd = &cobra.Command{
	Use:   "get-requires",
	Short: "List build requirements missing from this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		b := newBackend(logger)

		editable, err := cmd.Flags().GetBool("editable")
		if err != nil {
			return err
		}

		var reqs []string
		if editable {
			reqs, err = b.GetRequiresForBuildEditable(cmd.Context(), cfg)
		} else {
			reqs, err = b.GetRequiresForBuildWheel(cmd.Context(), cfg)
		}

		if err != nil {
			return err
		}

		for _, req := range reqs {
			fmt.Fprintln(cmd.OutOrStdout(), req)
		}

		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Print the compatibility tag for the target interpreter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		tag, cacheTag, err := newBackend(logger).Tag(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), tag)
		logger.Debug("interpreter cache tag", "cache_tag", cacheTag)

		return nil
	},
}

func init() {
	getRequiresCmd.Flags().Bool("editable", false, "Report requirements for an editable build")
}
