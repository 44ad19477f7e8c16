package cmd

import (
	"github.com/spf13/cobra"

	"github.com/skyforge/launcher/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints launcher version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SetOut(cmd.OutOrStdout())
		cmd.Println(version.LauncherVersion())
	},
}
