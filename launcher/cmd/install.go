package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/config"
	"github.com/skyforge/launcher/launcher/internal/installer"
)

const (
	channelFlag             = "channel"
	buildFlag               = "build"
	patchToolFlag           = "patch-tool"
	patchToolMinVersionFlag = "patch-tool-min-version"
	runtimePathFlag         = "runtime"
	progressIntervalFlag    = "progress-interval"
)

var (
	channelName         string
	buildIndex          int
	downloadDir         string
	patchToolPath       string
	patchToolMinVersion string
	runtimePath         string
	progressInterval    time.Duration

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "install or update a build from the catalog",
		Long: "Installs the requested build into the install root, or updates the existing install to it. " +
			"Without --build the latest build of the channel is installed. " +
			"Press Ctrl+C once during the download to cancel it.",
		Args: cobra.NoArgs,
		RunE: installFunc,
	}
)

func init() {
	installCmd.Flags().StringVar(&channelName, channelFlag, string(catalog.ChannelRelease), "release channel: release or prerelease")
	installCmd.Flags().IntVar(&buildIndex, buildFlag, 0, "build index to install, 0 installs the latest build of the channel")
	installCmd.Flags().StringVar(&downloadDir, downloadDirFlag, "", "directory for partial bundles, updates the config")
	installCmd.Flags().StringVar(&patchToolPath, patchToolFlag, "", "patch tool executable, updates the config")
	installCmd.Flags().StringVar(&patchToolMinVersion, patchToolMinVersionFlag, "", "minimum patch tool version, updates the config")
	installCmd.Flags().StringVar(&runtimePath, runtimePathFlag, "", "game runtime executable, updates the config")
	installCmd.Flags().DurationVar(&progressInterval, progressIntervalFlag, 0, "minimum delay between download progress reports, updates the config")
}

func installFunc(cmd *cobra.Command, _ []string) error {
	// environment values count as changed flags for the config overrides
	SetFlagsFromEnvVars(cmd)
	ctx, cfg, err := setup(cmd, installConfigInput(cmd))
	if err != nil {
		return err
	}

	v, err := selectVersion()
	if err != nil {
		return err
	}

	o, err := newOrchestrator(cfg, eventSink(cmd))
	if err != nil {
		return err
	}

	stop := cancelOnInterrupt(ctx, o, cfg.InstallRoot, v)
	defer stop()

	res, err := o.InstallVersion(ctx, cfg.InstallRoot, v)
	if err != nil {
		return fmt.Errorf("install %s failed (%s): %w", v.ID(), installer.ErrorCode(err), err)
	}

	if jsonOutput {
		return nil
	}
	switch res.Outcome {
	case installer.OutcomeCancelled:
		cmd.Printf("Install of %s cancelled\n", v.ID())
	default:
		if res.Classification == installer.AlreadyCurrent {
			cmd.Printf("%s is already installed\n", v.ID())
		} else {
			cmd.Printf("Installed %s\n", v.ID())
		}
	}
	return nil
}

func installConfigInput(cmd *cobra.Command) config.ConfigInput {
	var input config.ConfigInput
	if cmd.Flag(downloadDirFlag).Changed {
		input.DownloadDir = &downloadDir
	}
	if cmd.Flag(patchToolFlag).Changed {
		input.PatchToolPath = &patchToolPath
	}
	if cmd.Flag(patchToolMinVersionFlag).Changed {
		input.PatchToolMinVersion = &patchToolMinVersion
	}
	if cmd.Flag(runtimePathFlag).Changed {
		input.RuntimePath = &runtimePath
	}
	if cmd.Flag(progressIntervalFlag).Changed {
		input.ProgressInterval = &progressInterval
	}
	return input
}

func selectVersion() (catalog.Version, error) {
	ch, err := catalog.ParseChannel(channelName)
	if err != nil {
		return catalog.Version{}, err
	}

	c, err := loadCatalog()
	if err != nil {
		return catalog.Version{}, err
	}

	if buildIndex == 0 {
		return c.Latest(ch)
	}
	return c.Find(ch, buildIndex)
}

// cancelOnInterrupt cancels the running download on interrupt. An interrupt that arrives
// while no download is in flight is logged and the next one is tried again. A patch that
// is already running is not interrupted.
func cancelOnInterrupt(ctx context.Context, o *installer.Orchestrator, root string, v catalog.Version) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go cancelOnSignal(ctx, sigCh, done, func() bool { return o.Cancel(root, v) }, func() installer.State {
		return o.State(root, v)
	})

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func cancelOnSignal(ctx context.Context, sigCh <-chan os.Signal, done <-chan struct{}, cancel func() bool, state func() installer.State) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Info("interrupt received, cancelling download")
			if cancel() {
				return
			}
			log.Warnf("nothing to cancel in state %s, interrupt again during the download", state())
		}
	}
}
