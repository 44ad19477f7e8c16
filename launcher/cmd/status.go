package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/config"
	"github.com/skyforge/launcher/launcher/internal/installer"
	"github.com/skyforge/launcher/launcher/internal/installer/layout"
	"github.com/skyforge/launcher/launcher/internal/notify"
)

type versionStatus struct {
	catalog.Version
	Classification installer.Classification `json:"classification"`
	Dir            string                   `json:"dir"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show which catalog builds are installed",
	Args:  cobra.NoArgs,
	RunE:  statusFunc,
}

func statusFunc(cmd *cobra.Command, _ []string) error {
	_, cfg, err := setup(cmd, config.ConfigInput{})
	if err != nil {
		return err
	}

	c, err := loadCatalog()
	if err != nil {
		return err
	}

	o, err := newOrchestrator(cfg, notify.Discard)
	if err != nil {
		return err
	}

	root := cfg.InstallRoot
	statuses := make([]versionStatus, 0, len(c.Versions))
	for _, v := range c.Versions {
		class, err := o.Classify(root, v)
		if err != nil {
			return err
		}
		statuses = append(statuses, versionStatus{
			Version:        v.WithInstalled(!class.NeedsPatching()),
			Classification: class,
			Dir:            layout.ResolveInstallDir(root, v),
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, s := range statuses {
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}

	cmd.Printf("Install root: %s\n", root)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tBUILD\tNAME\tLATEST\tINSTALLED\tSTATE\tDIRECTORY")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%t\t%s\t%s\n",
			s.Channel, s.BuildIndex, s.Name, s.IsLatest, s.Installed, s.Classification, s.Dir)
	}
	return w.Flush()
}
