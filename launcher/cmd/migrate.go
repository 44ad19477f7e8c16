package cmd

import (
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	lerrors "github.com/skyforge/launcher/launcher/errors"
	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/config"
	"github.com/skyforge/launcher/launcher/internal/installer/layout"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "move installs from the legacy single-slot layout to the per-build layout",
	Long: "Moves every legacy <root>/<channel> install to its per-build directory. " +
		"Installs run this automatically, the command only makes it explicit.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := setup(cmd, config.ConfigInput{})
		if err != nil {
			return err
		}

		var merr *multierror.Error
		for _, ch := range catalog.Channels {
			if err := layout.MigrateLegacyLayoutIfNeeded(cfg.InstallRoot, ch); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if err := lerrors.FormatErrorOrNil(merr); err != nil {
			return err
		}

		cmd.Printf("Layout of %s is up to date\n", cfg.InstallRoot)
		return nil
	},
}
