package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "kiln",
	Short:         "kiln manages a host's installed package set",
	Long:          "kiln resolves, downloads, and atomically installs packages from a content-addressed store, tracking every transition as a rollback-able generation.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to kiln's YAML configuration file")

	rootCmd.AddCommand(
		installCmd,
		updateCmd,
		upgradeCmd,
		uninstallCmd,
		rollbackCmd,
		verifyCmd,
		cleanupCmd,
		listCmd,
		searchCmd,
		buildCmd,
		packCmd,
		versionCmd,
	)
}

func defaultConfigPath() string {
	if p := os.Getenv("KILN_CONFIG_PATH"); p != "" {
		return p
	}
	return "/etc/kiln/config.yaml"
}
